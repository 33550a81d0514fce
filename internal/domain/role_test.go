package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/domain"
)

func TestParseRole(t *testing.T) {
	t.Run("accepts customer", func(t *testing.T) {
		r, err := domain.ParseRole("customer")
		require.NoError(t, err)
		assert.Equal(t, domain.RoleCustomer, r)
	})

	t.Run("accepts worker", func(t *testing.T) {
		r, err := domain.ParseRole("worker")
		require.NoError(t, err)
		assert.Equal(t, domain.RoleWorker, r)
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		_, err := domain.ParseRole("admin")
		assert.ErrorIs(t, err, domain.ErrInvalidRole)
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := domain.ParseRole("")
		assert.ErrorIs(t, err, domain.ErrInvalidRole)
	})
}

func TestIsValidRole(t *testing.T) {
	assert.True(t, domain.IsValidRole(domain.RoleCustomer))
	assert.True(t, domain.IsValidRole(domain.RoleWorker))
	assert.False(t, domain.IsValidRole(domain.Role("moderator")))
}
