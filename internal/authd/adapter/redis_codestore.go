package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskhive/auth-core/internal/cipher"
	"github.com/taskhive/auth-core/internal/domain"
	redisclient "github.com/taskhive/auth-core/internal/redis"
)

const (
	// codeKeyPrefix holds the encrypted code envelope as a JSON value with
	// the code's TTL. Key pattern: verification:code:{phone}.
	codeKeyPrefix = "verification:code:"

	// attemptsKeyPrefix holds the attempt counter for the live code.
	// Key pattern: verification:attempts:{phone}.
	attemptsKeyPrefix = "verification:attempts:"
)

// putCodeScript stores the envelope and resets the attempt counter in one
// atomic step, so a superseded code can never be consumed with the old
// code's attempt budget.
const putCodeScript = `
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
redis.call('DEL', KEYS[2])
return 1
`

// incrementAttemptsScript bumps the attempt counter and pins its lifetime to
// the code key's remaining TTL.
const incrementAttemptsScript = `
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('TTL', KEYS[2])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return n
`

// RedisCodeStore is the primary verification-code backend. Expiry is enforced
// by key TTL; a vanished key is an expired or consumed code.
type RedisCodeStore struct {
	cmd   redisclient.Cmdable
	clock domain.Clock
}

// NewRedisCodeStore creates a RedisCodeStore that uses cmd for Redis operations.
func NewRedisCodeStore(cmd redisclient.Cmdable, clock domain.Clock) *RedisCodeStore {
	return &RedisCodeStore{cmd: cmd, clock: clock}
}

// Put stores the envelope under the phone's code key, superseding any prior
// code and clearing its attempt counter atomically.
func (s *RedisCodeStore) Put(ctx context.Context, rec cipher.EncryptedCode) error {
	ctx, span := tracer.Start(ctx, "redis.codestore.put")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("code store: marshal envelope: %w", err)
	}

	ttl := rec.ExpiresAt.Sub(s.clock.Now().UTC())
	if ttl <= 0 {
		return fmt.Errorf("code store: record already expired")
	}

	codeKey := codeKeyPrefix + rec.Phone
	attemptsKey := attemptsKeyPrefix + rec.Phone
	err = s.cmd.Eval(ctx, putCodeScript, []string{codeKey, attemptsKey},
		payload, int(ttl.Seconds())).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("code store: put: %w", err)
	}

	return nil
}

// Get returns the live envelope for phone, or domain.ErrNotFound once the
// key TTL has elapsed.
func (s *RedisCodeStore) Get(ctx context.Context, phone domain.PhoneNumber) (*cipher.EncryptedCode, error) {
	ctx, span := tracer.Start(ctx, "redis.codestore.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "GET"),
	)

	raw, err := s.cmd.Get(ctx, codeKeyPrefix+phone.String()).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("code store: get: %w", domain.ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("code store: get: %w", err)
	}

	var rec cipher.EncryptedCode
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("code store: unmarshal envelope: %w", err)
	}
	return &rec, nil
}

// TTL returns the remaining lifetime of the live code, or ok=false when no
// code is pending.
func (s *RedisCodeStore) TTL(ctx context.Context, phone domain.PhoneNumber) (time.Duration, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.codestore.ttl")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "TTL"),
	)

	ttl, err := s.cmd.TTL(ctx, codeKeyPrefix+phone.String()).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, false, fmt.Errorf("code store: ttl: %w", err)
	}
	if ttl < 0 {
		// -2 no key, -1 no expiry; neither counts as a live code.
		return 0, false, nil
	}
	return ttl, true, nil
}

// IncrementAttempts atomically bumps the attempt counter for the live code
// and returns the new count.
func (s *RedisCodeStore) IncrementAttempts(ctx context.Context, phone domain.PhoneNumber) (int, error) {
	ctx, span := tracer.Start(ctx, "redis.codestore.increment_attempts")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	attemptsKey := attemptsKeyPrefix + phone.String()
	codeKey := codeKeyPrefix + phone.String()
	n, err := s.cmd.Eval(ctx, incrementAttemptsScript, []string{attemptsKey, codeKey}).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("code store: increment attempts: %w", err)
	}
	return int(n), nil
}

// Clear removes the code and its attempt counter.
func (s *RedisCodeStore) Clear(ctx context.Context, phone domain.PhoneNumber) error {
	ctx, span := tracer.Start(ctx, "redis.codestore.clear")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "DEL"),
	)

	err := s.cmd.Del(ctx, codeKeyPrefix+phone.String(), attemptsKeyPrefix+phone.String()).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("code store: clear: %w", err)
	}
	return nil
}
