// Package auth holds the credential primitives: the RSA key manager, JWT
// minting and validation, refresh-token material, and verification-code
// generation. It has no storage or transport dependencies.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

// KeyStore provides access to JWT signing and verification keys.
// Implementations load keys from files / in-memory PEM (FileKeyStore),
// AWS Secrets Manager + SSM (adapter.AWSKeyStore), or hold them directly
// in memory for tests (StaticKeyStore).
type KeyStore interface {
	// SigningKey returns the current private signing key and its key ID.
	SigningKey() (*rsa.PrivateKey, string, error)

	// PublicKey returns the public key for the given key ID.
	PublicKey(kid string) (*rsa.PublicKey, error)
}

// StaticKeyStore is a KeyStore backed by in-memory keys. Use for testing only.
type StaticKeyStore struct {
	mu         sync.RWMutex
	privateKey *rsa.PrivateKey
	keyID      string
	publicKeys map[string]*rsa.PublicKey
}

// NewStaticKeyStore creates a StaticKeyStore with a single key pair.
func NewStaticKeyStore(privateKey *rsa.PrivateKey, keyID string) *StaticKeyStore {
	return &StaticKeyStore{
		privateKey: privateKey,
		keyID:      keyID,
		publicKeys: map[string]*rsa.PublicKey{
			keyID: &privateKey.PublicKey,
		},
	}
}

// SigningKey returns the private signing key and its key ID.
func (s *StaticKeyStore) SigningKey() (*rsa.PrivateKey, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.privateKey == nil {
		return nil, "", fmt.Errorf("no signing key available")
	}
	return s.privateKey, s.keyID, nil
}

// PublicKey returns the public key for the given key ID.
func (s *StaticKeyStore) PublicKey(kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.publicKeys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}
	return pk, nil
}

// AddPublicKey adds a public key for testing key rotation scenarios.
func (s *StaticKeyStore) AddPublicKey(kid string, key *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicKeys[kid] = key
}

// FileKeyStore is a KeyStore that loads an RSA key pair from PEM, either
// from file paths or from in-memory PEM strings, and supports in-process
// reload. Reload re-reads the same source, so rotating the files on disk
// followed by Reload picks up the new pair without a restart.
type FileKeyStore struct {
	mu         sync.RWMutex
	privateKey *rsa.PrivateKey
	keyID      string
	publicKeys map[string]*rsa.PublicKey

	// load re-reads the PEM source. Set at construction.
	load func() (*rsa.PrivateKey, error)
}

// NewFileKeyStore creates a FileKeyStore reading the private key PEM from
// privateKeyPath. The public key is derived from the private key.
func NewFileKeyStore(privateKeyPath, keyID string) (*FileKeyStore, error) {
	s := &FileKeyStore{
		keyID:      keyID,
		publicKeys: map[string]*rsa.PublicKey{},
		load: func() (*rsa.PrivateKey, error) {
			raw, err := os.ReadFile(privateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("read signing key %q: %w", privateKeyPath, err)
			}
			return ParseRSAPrivateKey(string(raw))
		},
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPEMKeyStore creates a FileKeyStore from an in-memory PEM string.
func NewPEMKeyStore(privateKeyPEM, keyID string) (*FileKeyStore, error) {
	s := &FileKeyStore{
		keyID:      keyID,
		publicKeys: map[string]*rsa.PublicKey{},
		load: func() (*rsa.PrivateKey, error) {
			return ParseRSAPrivateKey(privateKeyPEM)
		},
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the key material from the original source. The previous
// public key stays registered under its key ID so credentials signed before
// the reload keep verifying until they expire.
func (s *FileKeyStore) Reload() error {
	key, err := s.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.privateKey = key
	s.publicKeys[s.keyID] = &key.PublicKey
	return nil
}

// SigningKey returns the private signing key and its key ID.
func (s *FileKeyStore) SigningKey() (*rsa.PrivateKey, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.privateKey == nil {
		return nil, "", fmt.Errorf("no signing key available")
	}
	return s.privateKey, s.keyID, nil
}

// PublicKey returns the public key for the given key ID.
func (s *FileKeyStore) PublicKey(kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.publicKeys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}
	return pk, nil
}

// ParseRSAPrivateKey parses a PEM-encoded RSA private key in either PKCS#1
// or PKCS#8 form.
func ParseRSAPrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// ParseRSAPublicKey parses a PEM-encoded RSA public key in either PKIX
// or PKCS#1 form.
func ParseRSAPublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in public key")
	}

	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
		return key, nil
	}

	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

// Compile-time interface checks.
var (
	_ KeyStore = (*StaticKeyStore)(nil)
	_ KeyStore = (*FileKeyStore)(nil)
)
