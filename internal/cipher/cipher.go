// Package cipher provides authenticated encryption of verification codes at
// rest. A Cipher owns an in-memory key ring: exactly one active AES-256 key
// used for new encryptions, plus a bounded number of prior keys retained so
// records sealed before a rotation can still be opened.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/auth-core/internal/domain"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // 96-bit GCM nonce
)

// EncryptedCode is the stored envelope for a verification code. The phone is
// bound into the GCM additional data, so a ciphertext cannot be replayed
// against a different phone.
type EncryptedCode struct {
	Phone        string    `json:"phone"`
	Ciphertext   []byte    `json:"ciphertext"`
	Nonce        []byte    `json:"nonce"`
	KeyID        string    `json:"key_id"`
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the record is unusable due to elapsed TTL.
// A record is rejected exactly at its expiry instant.
func (r EncryptedCode) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ringKey is one entry in the key ring.
type ringKey struct {
	id        string
	aead      stdcipher.AEAD
	createdAt time.Time
}

// Cipher encrypts short plaintexts with AES-256-GCM under a rotating key ring.
// Reads (Encrypt/Decrypt/Verify) take the read lock so rotation never blocks
// in-flight verification.
type Cipher struct {
	mu        sync.RWMutex
	active    *ringKey
	prior     []*ringKey // most recent first
	retention int
	maxAge    time.Duration
	clock     domain.Clock
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithRetention bounds how many prior keys remain usable for decryption
// after rotation. Default domain.CipherKeyRetention.
func WithRetention(n int) Option {
	return func(c *Cipher) { c.retention = n }
}

// WithMaxKeyAge sets the age at which the active key is rotated automatically
// on the next encryption. Zero disables age-based rotation.
func WithMaxKeyAge(d time.Duration) Option {
	return func(c *Cipher) { c.maxAge = d }
}

// New creates a Cipher with a freshly generated active key.
func New(clock domain.Clock, opts ...Option) (*Cipher, error) {
	c := &Cipher{
		retention: domain.CipherKeyRetention,
		maxAge:    domain.CipherKeyMaxAge,
		clock:     clock,
	}
	for _, opt := range opts {
		opt(c)
	}

	key, err := newRingKey(clock.Now())
	if err != nil {
		return nil, err
	}
	c.active = key
	return c, nil
}

// newRingKey generates a fresh 256-bit key and its AEAD.
func newRingKey(now time.Time) (*ringKey, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("cipher: generate key: %w", err)
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("cipher: init AES: %w", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: init GCM: %w", err)
	}
	return &ringKey{
		id:        uuid.NewString(),
		aead:      aead,
		createdAt: now,
	}, nil
}

// Encrypt seals a verification code bound to phone with the active key.
// The returned envelope carries a fresh 96-bit nonce, the active key ID,
// and creation/expiry timestamps derived from ttl.
func (c *Cipher) Encrypt(code domain.SecretString, phone domain.PhoneNumber, ttl time.Duration) (EncryptedCode, error) {
	if err := c.maybeRotate(); err != nil {
		return EncryptedCode{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedCode{}, fmt.Errorf("cipher: generate nonce: %w", err)
	}

	now := c.clock.Now().UTC()
	ciphertext := c.active.aead.Seal(nil, nonce, []byte(code.Expose()), []byte(phone.String()))

	return EncryptedCode{
		Phone:      phone.String(),
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyID:      c.active.id,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// Decrypt opens a stored envelope using the key named in it. Fails if the
// key has been evicted from the ring.
func (c *Cipher) Decrypt(rec EncryptedCode) (domain.SecretString, error) {
	c.mu.RLock()
	key := c.lookupLocked(rec.KeyID)
	c.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("cipher: key %q not in ring: %w", rec.KeyID, domain.ErrInvalidVerificationCode)
	}

	plaintext, err := key.aead.Open(nil, rec.Nonce, rec.Ciphertext, []byte(rec.Phone))
	if err != nil {
		return "", fmt.Errorf("cipher: open: %w", domain.ErrInvalidVerificationCode)
	}
	return domain.SecretString(plaintext), nil
}

// Verify decrypts the record and compares the candidate in constant time.
// Expired records are rejected before any comparison.
func (c *Cipher) Verify(rec EncryptedCode, candidate string) error {
	if rec.Expired(c.clock.Now().UTC()) {
		return domain.ErrCodeExpired
	}

	plaintext, err := c.Decrypt(rec)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(plaintext.Expose()), []byte(candidate)) != 1 {
		return domain.ErrInvalidVerificationCode
	}
	return nil
}

// Rotate generates a new active key and demotes the current one to the prior
// list, evicting the oldest entries beyond the retention bound.
// Returns the new active key ID.
func (c *Cipher) Rotate() (string, error) {
	key, err := newRingKey(c.clock.Now())
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.prior = append([]*ringKey{c.active}, c.prior...)
	if len(c.prior) > c.retention {
		c.prior = c.prior[:c.retention]
	}
	c.active = key
	return key.id, nil
}

// ActiveKeyID returns the identifier of the key used for new encryptions.
func (c *Cipher) ActiveKeyID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active.id
}

// maybeRotate rotates the active key when it exceeds the configured age.
func (c *Cipher) maybeRotate() error {
	if c.maxAge <= 0 {
		return nil
	}

	c.mu.RLock()
	stale := c.clock.Now().Sub(c.active.createdAt) >= c.maxAge
	c.mu.RUnlock()

	if !stale {
		return nil
	}
	_, err := c.Rotate()
	return err
}

// lookupLocked finds a key by ID. Caller holds at least the read lock.
func (c *Cipher) lookupLocked(id string) *ringKey {
	if c.active.id == id {
		return c.active
	}
	for _, k := range c.prior {
		if k.id == id {
			return k
		}
	}
	return nil
}
