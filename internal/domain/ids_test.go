package domain_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/domain"
)

func TestUserID(t *testing.T) {
	t.Run("accepts valid UUID", func(t *testing.T) {
		raw := uuid.NewString()
		id, err := domain.NewUserID(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, id.String())
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := domain.NewUserID("")
		assert.ErrorIs(t, err, domain.ErrEmptyID)
	})

	t.Run("rejects non-UUID", func(t *testing.T) {
		_, err := domain.NewUserID("user-42")
		assert.ErrorIs(t, err, domain.ErrInvalidID)
	})

	t.Run("generated IDs are unique and valid", func(t *testing.T) {
		a := domain.GenerateUserID()
		b := domain.GenerateUserID()
		assert.NotEqual(t, a.String(), b.String())
		_, err := domain.NewUserID(a.String())
		assert.NoError(t, err)
	})
}

func TestCredentialID(t *testing.T) {
	t.Run("round-trips", func(t *testing.T) {
		id := domain.GenerateCredentialID()
		parsed, err := domain.NewCredentialID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	t.Run("rejects invalid", func(t *testing.T) {
		_, err := domain.NewCredentialID("nope")
		assert.ErrorIs(t, err, domain.ErrInvalidID)
	})
}

func TestFamilyID(t *testing.T) {
	t.Run("round-trips", func(t *testing.T) {
		id := domain.GenerateFamilyID()
		parsed, err := domain.NewFamilyID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id.String(), parsed.String())
	})

	t.Run("zero value is zero", func(t *testing.T) {
		var id domain.FamilyID
		assert.True(t, id.IsZero())
	})
}
