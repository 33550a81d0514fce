package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/domain"
)

var (
	smsSentTotal     metric.Int64Counter
	smsFailoverTotal metric.Int64Counter
)

func init() {
	meter := otel.Meter("authd/adapter")
	smsSentTotal, _ = meter.Int64Counter("auth_sms_sent_total",
		metric.WithDescription("SMS deliveries by provider"))
	smsFailoverTotal, _ = meter.Int64Counter("auth_sms_failover_total",
		metric.WithDescription("Switches from the primary SMS provider to the backup"))
}

// Compile-time check: FailoverSMS satisfies app.SMSSender.
var _ app.SMSSender = (*FailoverSMS)(nil)

// FailoverSMS sends through a primary provider and fails over to a backup
// when the primary's retry budget is spent. While on the backup, the primary
// is re-tried once its cooldown elapses; a successful primary send switches
// traffic back.
type FailoverSMS struct {
	primary  app.SMSSender
	backup   app.SMSSender
	clock    domain.Clock
	logger   *slog.Logger
	cooldown time.Duration
	retries  int
	interval time.Duration
	sleep    func(ctx context.Context, d time.Duration) error

	mu                         sync.Mutex
	usingBackup                bool
	lastPrimaryFailure         time.Time
	consecutivePrimaryFailures int
}

// FailoverSMSConfig configures the provider pair and failover behavior.
// Zero durations and counts fall back to compiled defaults.
type FailoverSMSConfig struct {
	Primary app.SMSSender
	Backup  app.SMSSender
	Clock   domain.Clock
	Logger  *slog.Logger

	// Cooldown is how long the primary stays benched after a failover.
	Cooldown time.Duration

	// Retries is the per-send attempt budget against one provider.
	Retries int

	// RetryInterval separates attempts within one send.
	RetryInterval time.Duration

	// Sleep, when set, replaces the retry pause. Tests inject it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewFailoverSMS creates a FailoverSMS over the provider pair.
func NewFailoverSMS(cfg FailoverSMSConfig) *FailoverSMS {
	if cfg.Clock == nil {
		cfg.Clock = domain.RealClock{}
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = domain.SMSFailoverCooldown
	}
	if cfg.Retries == 0 {
		cfg.Retries = domain.SMSSendRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = domain.SMSRetryInterval
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &FailoverSMS{
		primary:  cfg.Primary,
		backup:   cfg.Backup,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		cooldown: cfg.Cooldown,
		retries:  cfg.Retries,
		interval: cfg.RetryInterval,
		sleep:    cfg.Sleep,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send delivers through the active provider. When the primary's budget is
// spent the backup takes over for the cooldown period, and this send is
// served by the backup too.
func (s *FailoverSMS) Send(ctx context.Context, phone domain.PhoneNumber, message string) (string, error) {
	ctx, span := tracer.Start(ctx, "sms.failover.send")
	defer span.End()

	if s.primaryActive() {
		id, primaryErr := s.attempt(ctx, s.primary, phone, message)
		if primaryErr == nil {
			s.recordPrimarySuccess(ctx)
			smsSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", s.primary.Name())))
			return id, nil
		}
		s.recordPrimaryFailure(ctx, primaryErr)

		id, err := s.attempt(ctx, s.backup, phone, message)
		if err != nil {
			return "", fmt.Errorf("sms failover: both providers failed: %w", errors.Join(primaryErr, err))
		}
		smsSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", s.backup.Name())))
		return id, nil
	}

	id, err := s.attempt(ctx, s.backup, phone, message)
	if err != nil {
		return "", fmt.Errorf("sms failover: backup failed: %w", err)
	}
	smsSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", s.backup.Name())))
	return id, nil
}

// Name reports the currently active provider.
func (s *FailoverSMS) Name() string {
	if s.primaryActive() {
		return s.primary.Name()
	}
	return s.backup.Name()
}

// Healthy reports failover state for the readiness probe: degraded while the
// primary is benched.
func (s *FailoverSMS) Healthy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usingBackup {
		return fmt.Errorf("primary sms provider %s benched since %s",
			s.primary.Name(), s.lastPrimaryFailure.Format(time.RFC3339))
	}
	return nil
}

// attempt runs one provider's retry loop.
func (s *FailoverSMS) attempt(ctx context.Context, provider app.SMSSender, phone domain.PhoneNumber, message string) (string, error) {
	var lastErr error
	for i := 0; i < s.retries; i++ {
		if i > 0 {
			if err := s.sleep(ctx, s.interval); err != nil {
				return "", err
			}
		}
		id, err := provider.Send(ctx, phone, message)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("provider %s: %w", provider.Name(), lastErr)
}

// primaryActive reports whether the primary should serve the next send,
// flipping back from the backup once the cooldown elapses.
func (s *FailoverSMS) primaryActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.usingBackup {
		return true
	}
	if s.clock.Now().Sub(s.lastPrimaryFailure) >= s.cooldown {
		// Cooldown over; give the primary another chance.
		return true
	}
	return false
}

func (s *FailoverSMS) recordPrimarySuccess(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usingBackup {
		s.logger.InfoContext(ctx, "primary sms provider recovered", "provider", s.primary.Name())
	}
	s.usingBackup = false
	s.consecutivePrimaryFailures = 0
}

func (s *FailoverSMS) recordPrimaryFailure(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutivePrimaryFailures++
	s.lastPrimaryFailure = s.clock.Now()
	if !s.usingBackup {
		s.usingBackup = true
		smsFailoverTotal.Add(ctx, 1)
		s.logger.WarnContext(ctx, "failing over to backup sms provider",
			"error", err,
			"provider", s.backup.Name(),
			"consecutive_failures", s.consecutivePrimaryFailures,
		)
	}
}
