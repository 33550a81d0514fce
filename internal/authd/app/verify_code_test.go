package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/auth"
	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/cipher"
	"github.com/taskhive/auth-core/internal/domain"
)

// withLiveCode arranges the code store to return a sealed "123456" for the
// test phone.
func withLiveCode(t *testing.T, h *testHarness) {
	t.Helper()
	record := sealedCode(t, h, "123456")
	h.codeStore.getFn = func(_ context.Context, _ domain.PhoneNumber) (*cipher.EncryptedCode, app.Backend, error) {
		return record, app.BackendPrimary, nil
	}
}

func TestVerifyCode(t *testing.T) {
	t.Parallel()

	t.Run("issues a credential pair to an existing user", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		withLiveCode(t, h)

		phoneHash := auth.HashPhone(domain.MustPhoneNumber(testPhone))
		h.userStore.findByPhoneFn = func(_ context.Context, hash, country string) (*app.UserRecord, error) {
			require.Equal(t, phoneHash, hash)
			require.Equal(t, testCountryCode, country)
			return sampleUserRecord(phoneHash), nil
		}

		var created app.RefreshRecord
		h.refreshStore.createFn = func(_ context.Context, rec app.RefreshRecord) error {
			created = rec
			return nil
		}
		cleared := false
		h.codeStore.clearFn = func(_ context.Context, _ domain.PhoneNumber) error {
			cleared = true
			return nil
		}
		resetKey := ""
		h.rateLimiter.resetFn = func(_ context.Context, key string) error {
			resetKey = key
			return nil
		}

		result, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "ua/1.0", "ios")
		require.NoError(t, err)
		assert.Equal(t, testUserID, result.UserID)
		assert.Equal(t, "customer", result.Role)
		assert.False(t, result.RequiresRoleSelection)
		assert.False(t, result.IsNewUser)
		assert.Equal(t, int(domain.AccessTokenLifetime.Seconds()), result.ExpiresIn)
		assert.True(t, cleared)
		assert.Equal(t, phoneHash, resetKey)

		// The refresh credential stores only a hash of the returned token.
		assert.Equal(t, auth.HashRefreshToken(result.RefreshToken), created.TokenHash)
		assert.NotEmpty(t, created.FamilyID)
		assert.Equal(t, testUserID, created.UserID)

		// The access credential round-trips through full validation.
		claims, err := h.svc.Authenticate(context.Background(), result.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, testUserID, claims.Subject)
	})

	t.Run("creates an account on first verification", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		withLiveCode(t, h)

		var created app.UserRecord
		h.userStore.createFn = func(_ context.Context, user app.UserRecord) error {
			created = user
			return nil
		}

		result, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "", "")
		require.NoError(t, err)
		assert.True(t, result.IsNewUser)
		assert.True(t, result.RequiresRoleSelection)
		assert.Empty(t, result.Role)
		assert.Equal(t, created.UserID, result.UserID)
		assert.True(t, created.Verified)
		assert.Equal(t, testCountryCode, created.CountryCode)
		// Only the hash is persisted.
		assert.Equal(t, auth.HashPhone(domain.MustPhoneNumber(testPhone)), created.PhoneHash)
	})

	t.Run("adopts the winner of a creation race", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		withLiveCode(t, h)

		phoneHash := auth.HashPhone(domain.MustPhoneNumber(testPhone))
		finds := 0
		h.userStore.findByPhoneFn = func(_ context.Context, _, _ string) (*app.UserRecord, error) {
			finds++
			if finds == 1 {
				return nil, domain.ErrNotFound
			}
			return sampleUserRecord(phoneHash), nil
		}
		h.userStore.createFn = func(_ context.Context, _ app.UserRecord) error {
			return domain.ErrAlreadyExists
		}

		result, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "", "")
		require.NoError(t, err)
		assert.False(t, result.IsNewUser)
		assert.Equal(t, testUserID, result.UserID)
		assert.Equal(t, 2, finds)
	})

	t.Run("rejects a wrong code and reports attempts remaining", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		withLiveCode(t, h)

		failureRecorded := false
		h.rateLimiter.recordFailureFn = func(_ context.Context, _ string, reason domain.LockReason) (bool, error) {
			failureRecorded = true
			require.Equal(t, domain.LockReasonOTP, reason)
			return false, nil
		}

		_, err := h.svc.VerifyCode(context.Background(), testPhone, "000000", testCountryCode, testIP, "", "")
		require.ErrorIs(t, err, domain.ErrInvalidVerificationCode)
		assert.Contains(t, err.Error(), "2 attempts remaining")
		assert.True(t, failureRecorded)
	})

	t.Run("exhausts the code on the final wrong attempt", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		withLiveCode(t, h)
		h.codeStore.incrementAttemptsFn = func(_ context.Context, _ domain.PhoneNumber) (int, error) {
			return domain.MaxVerifyAttempts, nil
		}
		cleared := false
		h.codeStore.clearFn = func(_ context.Context, _ domain.PhoneNumber) error {
			cleared = true
			return nil
		}

		_, err := h.svc.VerifyCode(context.Background(), testPhone, "000000", testCountryCode, testIP, "", "")
		require.ErrorIs(t, err, domain.ErrMaxAttemptsExceeded)
		assert.True(t, cleared)
	})

	t.Run("rejects attempts past the budget without decrypting", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		withLiveCode(t, h)
		h.codeStore.incrementAttemptsFn = func(_ context.Context, _ domain.PhoneNumber) (int, error) {
			return domain.MaxVerifyAttempts + 1, nil
		}

		// Even the correct code is rejected once the budget is spent.
		_, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "", "")
		require.ErrorIs(t, err, domain.ErrMaxAttemptsExceeded)
	})

	t.Run("rejects an expired code", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		withLiveCode(t, h)
		h.clock.Advance(domain.CodeValidity)

		_, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "", "")
		require.ErrorIs(t, err, domain.ErrCodeExpired)
	})

	t.Run("rejects when no code is pending", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)

		_, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "", "")
		require.ErrorIs(t, err, domain.ErrInvalidVerificationCode)

		failures := h.auditStore.find(domain.AuditVerifyFailed)
		require.Len(t, failures, 1)
		assert.Equal(t, "no_active_code", failures[0].FailureReason)
	})

	t.Run("rejects a blocked account after a correct code", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		withLiveCode(t, h)

		phoneHash := auth.HashPhone(domain.MustPhoneNumber(testPhone))
		blocked := sampleUserRecord(phoneHash)
		blocked.Blocked = true
		h.userStore.findByPhoneFn = func(_ context.Context, _, _ string) (*app.UserRecord, error) {
			return blocked, nil
		}

		_, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "", "")
		require.ErrorIs(t, err, domain.ErrUserBlocked)
	})

	t.Run("rejects when the per-IP cap is exhausted", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		h.rateLimiter.checkVerifyFn = func(_ context.Context, ip string) (*app.RateStatus, error) {
			require.Equal(t, testIP, ip)
			return &app.RateStatus{Allowed: false, Limit: 10, Window: time.Hour, RetryAfter: 30 * time.Minute}, nil
		}

		_, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "", "")
		require.ErrorIs(t, err, domain.ErrIPRateLimited)
	})

	t.Run("proceeds when the IP limiter is unreachable", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		withLiveCode(t, h)
		h.rateLimiter.checkVerifyFn = func(_ context.Context, _ string) (*app.RateStatus, error) {
			return nil, errors.New("redis: connection refused")
		}

		_, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "", "")
		require.NoError(t, err)
	})

	t.Run("rejects a locked phone", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		h.rateLimiter.checkLockFn = func(_ context.Context, _ string) (*app.LockStatus, error) {
			return &app.LockStatus{Locked: true, Reason: domain.LockReasonBruteForce, RetryAfter: 25 * time.Minute}, nil
		}

		_, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "", "")
		require.ErrorIs(t, err, domain.ErrLocked)
	})

	t.Run("audits the lockout when the failure threshold trips", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)
		withLiveCode(t, h)
		h.rateLimiter.recordFailureFn = func(_ context.Context, _ string, _ domain.LockReason) (bool, error) {
			return true, nil
		}

		_, err := h.svc.VerifyCode(context.Background(), testPhone, "000000", testCountryCode, testIP, "", "")
		require.ErrorIs(t, err, domain.ErrInvalidVerificationCode)

		lockouts := h.auditStore.find(domain.AuditLockout)
		require.Len(t, lockouts, 1)
		assert.Equal(t, "***4567", lockouts[0].PhoneMasked)
	})
}

func TestVerifyCodeProgressiveDelay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		failures int
		want     []time.Duration
	}{
		{"no failures, no delay", 0, nil},
		{"first failure delays 500ms", 1, []time.Duration{500 * time.Millisecond}},
		{"third failure delays 2s", 3, []time.Duration{2 * time.Second}},
		{"deep failure count hits the 30s cap", 10, []time.Duration{30 * time.Second}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newTestHarness(t)
			withLiveCode(t, h)
			h.rateLimiter.failureCountFn = func(_ context.Context, _ string) (int, error) {
				return tc.failures, nil
			}

			_, err := h.svc.VerifyCode(context.Background(), testPhone, "123456", testCountryCode, testIP, "", "")
			require.NoError(t, err)
			assert.Equal(t, tc.want, h.recordedSleeps())
		})
	}
}
