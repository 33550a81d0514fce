package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/domain"
	redisclient "github.com/taskhive/auth-core/internal/redis"
)

const (
	// Key patterns. SMS counters carry a window suffix because the hourly
	// and daily caps run independently.
	smsKeyPrefix      = "rate_limit:sms:"
	verifyKeyPrefix   = "rate_limit:verify:"
	failuresKeyPrefix = "rate_limit:failures:"
	lockKeyPrefix     = "rate_limit:lock:"
)

// counterScript atomically increments a counter and starts its window on the
// first write.
const counterScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`

// recordFailureScript bumps the failure counter and, at the threshold, sets
// the lock key in the same atomic step.
const recordFailureScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
if n >= tonumber(ARGV[2]) then
  redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[4])
  return 1
end
return 0
`

// RateLimiterLimits are the caps and lockout parameters the limiter enforces.
// The zero value is replaced with compiled defaults at construction.
type RateLimiterLimits struct {
	SMSPerPhoneHourly  int
	SMSPerPhoneDaily   int
	VerifyPerIPHourly  int
	FailuresBeforeLock int
	LockDurations      map[domain.LockReason]time.Duration
}

func (l RateLimiterLimits) withDefaults() RateLimiterLimits {
	if l.SMSPerPhoneHourly == 0 {
		l.SMSPerPhoneHourly = domain.SMSPerPhoneHourly
	}
	if l.SMSPerPhoneDaily == 0 {
		l.SMSPerPhoneDaily = domain.SMSPerPhoneDaily
	}
	if l.VerifyPerIPHourly == 0 {
		l.VerifyPerIPHourly = domain.VerifyPerIPHourly
	}
	if l.FailuresBeforeLock == 0 {
		l.FailuresBeforeLock = domain.FailuresBeforeLock
	}
	if l.LockDurations == nil {
		l.LockDurations = map[domain.LockReason]time.Duration{
			domain.LockReasonPhone:      domain.PhoneLockDuration,
			domain.LockReasonOTP:        domain.OTPLockDuration,
			domain.LockReasonBruteForce: domain.BruteForceLockDuration,
		}
	}
	return l
}

// Compile-time check: RateLimiter satisfies app.RateLimiter.
var _ app.RateLimiter = (*RateLimiter)(nil)

// RateLimiter enforces send caps, verification caps, and the failure lockout
// in Redis. Counters are fixed windows started on first increment; the caller
// decides the fail-open/fail-closed policy per check.
type RateLimiter struct {
	cmd    redisclient.Cmdable
	limits RateLimiterLimits
}

// NewRateLimiter creates a RateLimiter that uses cmd for Redis operations.
func NewRateLimiter(cmd redisclient.Cmdable, limits RateLimiterLimits) *RateLimiter {
	return &RateLimiter{cmd: cmd, limits: limits.withDefaults()}
}

// CheckSMS reports whether another send is allowed under both the hourly and
// daily per-phone caps. The check does not consume budget; IncrementSMS does,
// after a successful delivery.
func (r *RateLimiter) CheckSMS(ctx context.Context, phoneHash string) (*app.RateStatus, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.check_sms")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "GET"),
	)

	hourly, err := r.window(ctx, smsKeyPrefix+phoneHash+":hourly", r.limits.SMSPerPhoneHourly, domain.RateLimitWindowHour)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !hourly.Allowed {
		return hourly, nil
	}

	daily, err := r.window(ctx, smsKeyPrefix+phoneHash+":daily", r.limits.SMSPerPhoneDaily, domain.RateLimitWindowDay)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !daily.Allowed {
		return daily, nil
	}

	if daily.Remaining < hourly.Remaining {
		return daily, nil
	}
	return hourly, nil
}

// IncrementSMS consumes one unit of both send windows.
func (r *RateLimiter) IncrementSMS(ctx context.Context, phoneHash string) error {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.increment_sms")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	for key, window := range map[string]time.Duration{
		smsKeyPrefix + phoneHash + ":hourly": domain.RateLimitWindowHour,
		smsKeyPrefix + phoneHash + ":daily":  domain.RateLimitWindowDay,
	} {
		if err := r.cmd.Eval(ctx, counterScript, []string{key}, int(window.Seconds())).Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("rate limiter: increment %q: %w", key, err)
		}
	}
	return nil
}

// CheckVerify reports whether the per-IP verification window has budget
// left. IncrementVerify consumes it.
func (r *RateLimiter) CheckVerify(ctx context.Context, ip string) (*app.RateStatus, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.check_verify")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "GET"),
	)

	status, err := r.window(ctx, verifyKeyPrefix+ip, r.limits.VerifyPerIPHourly, domain.RateLimitWindowHour)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return status, nil
}

// IncrementVerify consumes one unit of the per-IP verification window.
func (r *RateLimiter) IncrementVerify(ctx context.Context, ip string) error {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.increment_verify")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	err := r.cmd.Eval(ctx, counterScript, []string{verifyKeyPrefix + ip},
		int(domain.RateLimitWindowHour.Seconds())).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("rate limiter: increment verify %q: %w", ip, err)
	}
	return nil
}

// FailureCount returns the current failed-attempt counter for key.
func (r *RateLimiter) FailureCount(ctx context.Context, key string) (int, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.failure_count")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "GET"),
	)

	n, err := r.cmd.Get(ctx, failuresKeyPrefix+key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("rate limiter: failure count %q: %w", key, err)
	}
	return n, nil
}

// RecordFailure increments the failed-attempt counter and, when the lockout
// threshold is crossed, sets the lock in the same atomic step.
func (r *RateLimiter) RecordFailure(ctx context.Context, key string, reason domain.LockReason) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.record_failure")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "EVAL"),
	)

	lockDuration, ok := r.limits.LockDurations[reason]
	if !ok {
		lockDuration = domain.PhoneLockDuration
	}

	locked, err := r.cmd.Eval(ctx, recordFailureScript,
		[]string{failuresKeyPrefix + key, lockKeyPrefix + key},
		int(domain.RateLimitWindowHour.Seconds()),
		r.limits.FailuresBeforeLock,
		string(reason),
		int(lockDuration.Seconds()),
	).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("rate limiter: record failure %q: %w", key, err)
	}
	return locked == 1, nil
}

// Reset clears the failure counter and lock flag for key, typically after a
// successful verification.
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.reset")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "DEL"),
	)

	err := r.cmd.Del(ctx, failuresKeyPrefix+key, lockKeyPrefix+key).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("rate limiter: reset %q: %w", key, err)
	}
	return nil
}

// CheckLock reports whether key is under an active lockout, with the lock
// reason and remaining duration.
func (r *RateLimiter) CheckLock(ctx context.Context, key string) (*app.LockStatus, error) {
	ctx, span := tracer.Start(ctx, "redis.ratelimit.check_lock")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", "GET"),
	)

	lockKey := lockKeyPrefix + key
	reason, err := r.cmd.Get(ctx, lockKey).Result()
	if err == redis.Nil {
		return &app.LockStatus{}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("rate limiter: check lock %q: %w", key, err)
	}

	ttl, err := r.cmd.TTL(ctx, lockKey).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("rate limiter: lock ttl %q: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}

	return &app.LockStatus{
		Locked:     true,
		Reason:     domain.LockReason(reason),
		RetryAfter: ttl,
	}, nil
}

// window reads a fixed-window counter and derives the rate status without
// consuming budget.
func (r *RateLimiter) window(ctx context.Context, key string, limit int, window time.Duration) (*app.RateStatus, error) {
	count, err := r.cmd.Get(ctx, key).Int()
	if err == redis.Nil {
		count = 0
	} else if err != nil {
		return nil, fmt.Errorf("rate limiter: read %q: %w", key, err)
	}

	status := &app.RateStatus{
		Allowed:   count < limit,
		Remaining: limit - count,
		Limit:     limit,
		Window:    window,
	}
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	if !status.Allowed {
		ttl, err := r.cmd.TTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("rate limiter: window ttl %q: %w", key, err)
		}
		if ttl > 0 {
			status.RetryAfter = ttl
		} else {
			status.RetryAfter = window
		}
	}
	return status, nil
}
