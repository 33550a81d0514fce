package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/domain"
)

func TestNewPhoneNumber(t *testing.T) {
	t.Run("accepts valid E.164", func(t *testing.T) {
		p, err := domain.NewPhoneNumber("+14155552671")
		require.NoError(t, err)
		assert.Equal(t, "+14155552671", p.String())
		assert.False(t, p.IsZero())
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := domain.NewPhoneNumber("")
		assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
	})

	t.Run("rejects 9 digits", func(t *testing.T) {
		_, err := domain.NewPhoneNumber("+123456789")
		assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
	})

	t.Run("accepts 10 digits", func(t *testing.T) {
		_, err := domain.NewPhoneNumber("+1234567890")
		assert.NoError(t, err)
	})

	t.Run("accepts 15 digits", func(t *testing.T) {
		_, err := domain.NewPhoneNumber("+123456789012345")
		assert.NoError(t, err)
	})

	t.Run("rejects 16 digits", func(t *testing.T) {
		_, err := domain.NewPhoneNumber("+1234567890123456")
		assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
	})

	t.Run("rejects missing plus", func(t *testing.T) {
		_, err := domain.NewPhoneNumber("14155552671")
		assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
	})

	t.Run("rejects leading zero after plus", func(t *testing.T) {
		_, err := domain.NewPhoneNumber("+04155552671")
		assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
	})
}

func TestNormalizePhone(t *testing.T) {
	t.Run("passes through E.164", func(t *testing.T) {
		p, err := domain.NormalizePhone("+14155552671")
		require.NoError(t, err)
		assert.Equal(t, "+14155552671", p.String())
	})

	t.Run("normalizes Chinese national format", func(t *testing.T) {
		p, err := domain.NormalizePhone("13812345678")
		require.NoError(t, err)
		assert.Equal(t, "+8613812345678", p.String())
	})

	t.Run("normalizes Australian national format", func(t *testing.T) {
		p, err := domain.NormalizePhone("0412345678")
		require.NoError(t, err)
		assert.Equal(t, "+61412345678", p.String())
	})

	t.Run("strips separators before matching", func(t *testing.T) {
		p, err := domain.NormalizePhone("+1 (415) 555-2671")
		require.NoError(t, err)
		assert.Equal(t, "+14155552671", p.String())
	})

	t.Run("rejects unrecognized national format", func(t *testing.T) {
		_, err := domain.NormalizePhone("020712345678")
		assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := domain.NormalizePhone("not-a-phone")
		assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
	})
}

func TestMaskPhone(t *testing.T) {
	t.Run("masks all but last four digits", func(t *testing.T) {
		assert.Equal(t, "***2671", domain.MaskPhone("+14155552671"))
	})

	t.Run("fully masks short strings", func(t *testing.T) {
		assert.Equal(t, "****", domain.MaskPhone("123"))
	})

	t.Run("value object Masked matches MaskPhone", func(t *testing.T) {
		p := domain.MustPhoneNumber("+8613812345678")
		assert.Equal(t, "***5678", p.Masked())
	})
}
