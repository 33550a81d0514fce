package adapter_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/authd/adapter"
	"github.com/taskhive/auth-core/internal/domain"
)

func TestTwilioProviderSend(t *testing.T) {
	phone := domain.MustPhoneNumber("+15551234567")

	t.Run("posts the form and returns the message sid", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/Accounts/AC123/Messages.json", r.URL.Path)

			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "AC123", user)
			assert.Equal(t, "secret", pass)

			require.NoError(t, r.ParseForm())
			assert.Equal(t, "+15551234567", r.PostForm.Get("To"))
			assert.Equal(t, "+15550000000", r.PostForm.Get("From"))
			assert.Equal(t, "Your verification code is: 123456", r.PostForm.Get("Body"))

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"sid":"SM123","status":"queued"}`))
		}))
		defer srv.Close()

		provider := adapter.NewTwilioProvider(adapter.TwilioConfig{
			AccountSID: "AC123",
			AuthToken:  "secret",
			From:       "+15550000000",
			BaseURL:    srv.URL,
		})

		sid, err := provider.Send(context.Background(), phone, "Your verification code is: 123456")

		require.NoError(t, err)
		assert.Equal(t, "SM123", sid)
		assert.Equal(t, "twilio", provider.Name())
	})

	t.Run("api rejection surfaces the twilio error code", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' phone number"}`))
		}))
		defer srv.Close()

		provider := adapter.NewTwilioProvider(adapter.TwilioConfig{
			AccountSID: "AC123",
			AuthToken:  "secret",
			From:       "+15550000000",
			BaseURL:    srv.URL,
		})

		_, err := provider.Send(context.Background(), phone, "hi")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "21211")
		assert.Contains(t, err.Error(), "***4567")
		assert.NotContains(t, err.Error(), "+15551234567")
	})

	t.Run("unreachable endpoint wraps the transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close()

		provider := adapter.NewTwilioProvider(adapter.TwilioConfig{
			AccountSID: "AC123",
			AuthToken:  "secret",
			From:       "+15550000000",
			BaseURL:    srv.URL,
		})

		_, err := provider.Send(context.Background(), phone, "hi")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "twilio sms: send")
	})
}
