package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/cipher"
	"github.com/taskhive/auth-core/internal/domain"
)

// codeBackend is the single-backend contract both RedisCodeStore and
// DynamoCodeStore satisfy.
type codeBackend interface {
	Put(ctx context.Context, rec cipher.EncryptedCode) error
	Get(ctx context.Context, phone domain.PhoneNumber) (*cipher.EncryptedCode, error)
	TTL(ctx context.Context, phone domain.PhoneNumber) (time.Duration, bool, error)
	IncrementAttempts(ctx context.Context, phone domain.PhoneNumber) (int, error)
	Clear(ctx context.Context, phone domain.PhoneNumber) error
}

// Compile-time check: FailoverCodeStore satisfies app.CodeStore.
var _ app.CodeStore = (*FailoverCodeStore)(nil)

// FailoverCodeStore implements app.CodeStore over a primary (Redis) and a
// secondary (DynamoDB) backend. Primary operations retry with exponential
// backoff inside a small budget; when the budget is spent the secondary
// serves the operation and the caller learns which backend answered.
type FailoverCodeStore struct {
	primary   codeBackend
	secondary codeBackend
	logger    *slog.Logger
	retries   uint64
}

// NewFailoverCodeStore creates a FailoverCodeStore over the two backends.
func NewFailoverCodeStore(primary, secondary codeBackend, logger *slog.Logger) *FailoverCodeStore {
	return &FailoverCodeStore{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		retries:   domain.CodeStoreRetryBudget - 1,
	}
}

// withRetry runs op against the primary with exponential backoff.
func (s *FailoverCodeStore) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.retries), ctx))
}

// Put writes to the primary; after the retry budget it falls back to the
// durable secondary so a send is never lost to a cache outage. The other
// backend is cleared best-effort either way: a superseded record surviving
// in one backend must not shadow the record just written to the other.
func (s *FailoverCodeStore) Put(ctx context.Context, rec cipher.EncryptedCode) (app.Backend, error) {
	primaryErr := s.withRetry(ctx, func() error { return s.primary.Put(ctx, rec) })
	if primaryErr == nil {
		s.clearSuperseded(ctx, s.secondary, rec.Phone, "secondary")
		return app.BackendPrimary, nil
	}
	s.logger.WarnContext(ctx, "code store primary put failed, using fallback", "error", primaryErr)

	if err := s.secondary.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("code store: both backends failed: %w", errors.Join(primaryErr, err))
	}
	// The primary just failed, so this usually fails too; Get compares
	// created_at when both backends answer, which covers that window.
	s.clearSuperseded(ctx, s.primary, rec.Phone, "primary")
	return app.BackendSecondary, nil
}

// clearSuperseded drops a leftover record from the backend that did not
// serve the write. Best-effort: failure is logged, never surfaced.
func (s *FailoverCodeStore) clearSuperseded(ctx context.Context, backend codeBackend, rawPhone, name string) {
	phone, err := domain.NewPhoneNumber(rawPhone)
	if err != nil {
		return
	}
	if err := backend.Clear(ctx, phone); err != nil {
		s.logger.DebugContext(ctx, "code store: clear superseded record failed",
			"backend", name, "error", err)
	}
}

// Get consults both backends. When both hold a record the newest write wins
// and the stale copy is cleared: a code written to the fallback during a
// cache outage must not be shadowed by a superseded record the recovered
// primary still holds (and vice versa).
func (s *FailoverCodeStore) Get(ctx context.Context, phone domain.PhoneNumber) (*cipher.EncryptedCode, app.Backend, error) {
	primaryRec, primaryErr := s.primary.Get(ctx, phone)
	if primaryErr != nil && !domain.IsNotFound(primaryErr) {
		s.logger.WarnContext(ctx, "code store primary get failed, using fallback", "error", primaryErr)
	}
	secondaryRec, secondaryErr := s.secondary.Get(ctx, phone)

	switch {
	case primaryErr == nil && secondaryErr == nil:
		if secondaryRec.CreatedAt.After(primaryRec.CreatedAt) {
			s.clearSuperseded(ctx, s.primary, primaryRec.Phone, "primary")
			return secondaryRec, app.BackendSecondary, nil
		}
		return primaryRec, app.BackendPrimary, nil
	case primaryErr == nil:
		if !domain.IsNotFound(secondaryErr) {
			s.logger.WarnContext(ctx, "code store secondary get failed", "error", secondaryErr)
		}
		return primaryRec, app.BackendPrimary, nil
	case secondaryErr == nil:
		return secondaryRec, app.BackendSecondary, nil
	}

	if domain.IsNotFound(primaryErr) && domain.IsNotFound(secondaryErr) {
		return nil, "", fmt.Errorf("code store: get: %w", domain.ErrNotFound)
	}
	if domain.IsNotFound(secondaryErr) {
		// Secondary has nothing and the primary was unreachable.
		return nil, "", fmt.Errorf("code store: get: %w", errors.Join(primaryErr, domain.ErrNotFound))
	}
	if domain.IsNotFound(primaryErr) {
		return nil, "", fmt.Errorf("code store: get: %w", secondaryErr)
	}
	return nil, "", fmt.Errorf("code store: both backends failed: %w", errors.Join(primaryErr, secondaryErr))
}

// TTL asks the primary first and falls back on error or miss.
func (s *FailoverCodeStore) TTL(ctx context.Context, phone domain.PhoneNumber) (time.Duration, bool, error) {
	ttl, ok, primaryErr := s.primary.TTL(ctx, phone)
	if primaryErr == nil && ok {
		return ttl, true, nil
	}
	if primaryErr != nil {
		s.logger.WarnContext(ctx, "code store primary ttl failed, using fallback", "error", primaryErr)
	}

	ttl, ok, err := s.secondary.TTL(ctx, phone)
	if err != nil {
		if primaryErr != nil {
			return 0, false, fmt.Errorf("code store: both backends failed: %w", errors.Join(primaryErr, err))
		}
		return 0, false, err
	}
	return ttl, ok, nil
}

// IncrementAttempts increments on whichever backend holds the live code,
// resolved with the same newest-write-wins rule Get applies.
func (s *FailoverCodeStore) IncrementAttempts(ctx context.Context, phone domain.PhoneNumber) (int, error) {
	if _, backend, err := s.Get(ctx, phone); err == nil && backend == app.BackendPrimary {
		return s.primary.IncrementAttempts(ctx, phone)
	}
	return s.secondary.IncrementAttempts(ctx, phone)
}

// Clear removes the code from both backends. A failure on either side is
// reported, but both are always attempted.
func (s *FailoverCodeStore) Clear(ctx context.Context, phone domain.PhoneNumber) error {
	primaryErr := s.primary.Clear(ctx, phone)
	secondaryErr := s.secondary.Clear(ctx, phone)
	if primaryErr != nil || secondaryErr != nil {
		return fmt.Errorf("code store: clear: %w", errors.Join(primaryErr, secondaryErr))
	}
	return nil
}
