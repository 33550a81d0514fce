package auth_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/auth"
	"github.com/taskhive/auth-core/internal/domain"
)

var sixDigits = regexp.MustCompile(`^\d{6}$`)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		code, err := auth.GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, sixDigits, code.Expose())
		seen[code.Expose()] = struct{}{}
	}
	// 64 draws from a million-value space collide vanishingly rarely.
	assert.Greater(t, len(seen), 60)
}

func TestHashPhone(t *testing.T) {
	a := domain.MustPhoneNumber("+8613812345678")
	b := domain.MustPhoneNumber("+61412345678")

	ha := auth.HashPhone(a)
	hb := auth.HashPhone(b)

	assert.Len(t, ha, 64)
	assert.NotEqual(t, ha, hb)
	assert.Equal(t, ha, auth.HashPhone(a))
	assert.NotContains(t, ha, "1381234")
}

func TestRefreshToken(t *testing.T) {
	token, err := auth.GenerateRefreshToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	other, err := auth.GenerateRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)

	hash := auth.HashRefreshToken(token)
	assert.Len(t, hash, 64)

	assert.True(t, auth.ValidateRefreshHash(token, hash))
	assert.False(t, auth.ValidateRefreshHash(other, hash))
	assert.False(t, auth.ValidateRefreshHash("", hash))
}
