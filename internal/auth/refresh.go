package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const refreshTokenBytes = 16 // opaque 128-bit value

// GenerateRefreshToken generates a cryptographically random refresh
// credential as a base64url-encoded 128-bit value. Only its hash is ever
// stored server-side.
func GenerateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashRefreshToken returns the SHA-256 hex digest of a refresh credential.
// Lookup occurs only by this hash.
func HashRefreshToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ValidateRefreshHash verifies a refresh credential against its stored hash
// using constant-time comparison.
func ValidateRefreshHash(token, storedHash string) bool {
	candidateHash := HashRefreshToken(token)
	return subtle.ConstantTimeCompare([]byte(candidateHash), []byte(storedHash)) == 1
}
