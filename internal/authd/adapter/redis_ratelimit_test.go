package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/authd/adapter"
	"github.com/taskhive/auth-core/internal/domain"
	redisclient "github.com/taskhive/auth-core/internal/redis"
)

func newTestRateLimiter(t *testing.T, limits adapter.RateLimiterLimits) (*adapter.RateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redisclient.NewClient(redisclient.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	return adapter.NewRateLimiter(client.RDB, limits), mr
}

func TestRateLimiterSMS(t *testing.T) {
	limits := adapter.RateLimiterLimits{
		SMSPerPhoneHourly: 2,
		SMSPerPhoneDaily:  3,
	}
	const phoneHash = "abc123"

	t.Run("fresh phone has the full hourly budget", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t, limits)

		status, err := rl.CheckSMS(context.Background(), phoneHash)

		require.NoError(t, err)
		assert.True(t, status.Allowed)
		assert.Equal(t, 2, status.Remaining)
	})

	t.Run("check does not consume budget", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t, limits)

		for i := 0; i < 5; i++ {
			status, err := rl.CheckSMS(context.Background(), phoneHash)
			require.NoError(t, err)
			assert.True(t, status.Allowed)
		}
	})

	t.Run("hourly cap blocks with a retry hint", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t, limits)

		for i := 0; i < 2; i++ {
			require.NoError(t, rl.IncrementSMS(context.Background(), phoneHash))
		}

		status, err := rl.CheckSMS(context.Background(), phoneHash)
		require.NoError(t, err)
		assert.False(t, status.Allowed)
		assert.Equal(t, domain.RateLimitWindowHour, status.Window)
		assert.Greater(t, status.RetryAfter, time.Duration(0))
	})

	t.Run("daily cap holds after the hourly window resets", func(t *testing.T) {
		rl, mr := newTestRateLimiter(t, limits)

		for i := 0; i < 3; i++ {
			require.NoError(t, rl.IncrementSMS(context.Background(), phoneHash))
		}
		mr.FastForward(domain.RateLimitWindowHour + time.Second)

		status, err := rl.CheckSMS(context.Background(), phoneHash)
		require.NoError(t, err)
		assert.False(t, status.Allowed)
		assert.Equal(t, domain.RateLimitWindowDay, status.Window)
	})

	t.Run("both windows reset after a day", func(t *testing.T) {
		rl, mr := newTestRateLimiter(t, limits)

		for i := 0; i < 3; i++ {
			require.NoError(t, rl.IncrementSMS(context.Background(), phoneHash))
		}
		mr.FastForward(domain.RateLimitWindowDay + time.Second)

		status, err := rl.CheckSMS(context.Background(), phoneHash)
		require.NoError(t, err)
		assert.True(t, status.Allowed)
	})

	t.Run("phones do not share budget", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t, limits)

		for i := 0; i < 2; i++ {
			require.NoError(t, rl.IncrementSMS(context.Background(), phoneHash))
		}

		status, err := rl.CheckSMS(context.Background(), "other-hash")
		require.NoError(t, err)
		assert.True(t, status.Allowed)
	})
}

func TestRateLimiterVerify(t *testing.T) {
	limits := adapter.RateLimiterLimits{VerifyPerIPHourly: 2}
	const ip = "203.0.113.7"

	t.Run("ip window blocks after its cap", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t, limits)

		for i := 0; i < 2; i++ {
			status, err := rl.CheckVerify(context.Background(), ip)
			require.NoError(t, err)
			require.True(t, status.Allowed)
			require.NoError(t, rl.IncrementVerify(context.Background(), ip))
		}

		status, err := rl.CheckVerify(context.Background(), ip)
		require.NoError(t, err)
		assert.False(t, status.Allowed)
		assert.Equal(t, 0, status.Remaining)
	})

	t.Run("window resets after an hour", func(t *testing.T) {
		rl, mr := newTestRateLimiter(t, limits)

		for i := 0; i < 2; i++ {
			require.NoError(t, rl.IncrementVerify(context.Background(), ip))
		}
		mr.FastForward(domain.RateLimitWindowHour + time.Second)

		status, err := rl.CheckVerify(context.Background(), ip)
		require.NoError(t, err)
		assert.True(t, status.Allowed)
	})
}

func TestRateLimiterLockout(t *testing.T) {
	limits := adapter.RateLimiterLimits{
		FailuresBeforeLock: 3,
		LockDurations: map[domain.LockReason]time.Duration{
			domain.LockReasonOTP: 10 * time.Minute,
		},
	}
	const key = "abc123"

	t.Run("failures below the threshold do not lock", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t, limits)

		for i := 0; i < 2; i++ {
			locked, err := rl.RecordFailure(context.Background(), key, domain.LockReasonOTP)
			require.NoError(t, err)
			assert.False(t, locked)
		}

		status, err := rl.CheckLock(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, status.Locked)
	})

	t.Run("threshold failure trips the lock with reason and ttl", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t, limits)

		var locked bool
		for i := 0; i < 3; i++ {
			var err error
			locked, err = rl.RecordFailure(context.Background(), key, domain.LockReasonOTP)
			require.NoError(t, err)
		}
		require.True(t, locked)

		status, err := rl.CheckLock(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, status.Locked)
		assert.Equal(t, domain.LockReasonOTP, status.Reason)
		assert.Equal(t, 10*time.Minute, status.RetryAfter)
	})

	t.Run("lock expires on its own", func(t *testing.T) {
		rl, mr := newTestRateLimiter(t, limits)

		for i := 0; i < 3; i++ {
			_, err := rl.RecordFailure(context.Background(), key, domain.LockReasonOTP)
			require.NoError(t, err)
		}
		mr.FastForward(10*time.Minute + time.Second)

		status, err := rl.CheckLock(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, status.Locked)
	})

	t.Run("failure count tracks and reset clears everything", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t, limits)

		for i := 0; i < 3; i++ {
			_, err := rl.RecordFailure(context.Background(), key, domain.LockReasonOTP)
			require.NoError(t, err)
		}
		n, err := rl.FailureCount(context.Background(), key)
		require.NoError(t, err)
		require.Equal(t, 3, n)

		require.NoError(t, rl.Reset(context.Background(), key))

		n, err = rl.FailureCount(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		status, err := rl.CheckLock(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, status.Locked)
	})

	t.Run("unknown reason falls back to the phone lock duration", func(t *testing.T) {
		rl, _ := newTestRateLimiter(t, adapter.RateLimiterLimits{FailuresBeforeLock: 1})

		locked, err := rl.RecordFailure(context.Background(), key, domain.LockReason("weird"))
		require.NoError(t, err)
		require.True(t, locked)

		status, err := rl.CheckLock(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, status.Locked)
		assert.Equal(t, domain.PhoneLockDuration, status.RetryAfter)
	})
}
