package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/taskhive/auth-core/internal/domain"
)

var codeMax = big.NewInt(1_000_000) // 10^6 for 6-digit codes

// GenerateCode generates a cryptographically random six-digit verification
// code, uniform over [0, 999999] via rejection sampling (big.Int) to avoid
// modulo bias, zero-padded (e.g. "000123").
func GenerateCode() (domain.SecretString, error) {
	n, err := rand.Int(rand.Reader, codeMax)
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return domain.SecretString(fmt.Sprintf("%06d", n.Int64())), nil
}

// HashPhone returns the SHA-256 hex digest of an E.164 phone number.
// Used as the rate-limit cache key and the audit key; the raw number is
// never stored.
func HashPhone(phone domain.PhoneNumber) string {
	h := sha256.Sum256([]byte(phone.String()))
	return hex.EncodeToString(h[:])
}
