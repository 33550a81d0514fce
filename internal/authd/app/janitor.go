package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskhive/auth-core/internal/domain"
)

var janitorPurgedTotal metric.Int64Counter

func init() {
	m := otel.Meter("authd/app")
	janitorPurgedTotal, _ = m.Int64Counter("auth_janitor_purged_total",
		metric.WithDescription("Total expired rows removed or archived by the janitor"))
}

// CodePurger removes expired fallback verification-code rows that outlived
// their TTL without being collected by the store itself.
type CodePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Janitor periodically sweeps expired refresh credentials, blacklist entries,
// and fallback code rows, and archives audit entries past the retention
// window. Every sweep is best-effort; one failing store does not stop the
// others.
type Janitor struct {
	refresh   RefreshStore
	blacklist Blacklist
	codes     CodePurger
	audit     AuditStore
	clock     domain.Clock
	logger    *slog.Logger
	interval  time.Duration
}

// JanitorConfig carries the janitor's dependencies.
type JanitorConfig struct {
	RefreshStore RefreshStore
	Blacklist    Blacklist
	CodePurger   CodePurger
	AuditStore   AuditStore
	Clock        domain.Clock
	Logger       *slog.Logger
	Interval     time.Duration
}

func NewJanitor(cfg JanitorConfig) *Janitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = domain.JanitorInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Janitor{
		refresh:   cfg.RefreshStore,
		blacklist: cfg.Blacklist,
		codes:     cfg.CodePurger,
		audit:     cfg.AuditStore,
		clock:     clock,
		logger:    cfg.Logger,
		interval:  interval,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	j.Sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs a single cleanup pass over every store.
func (j *Janitor) Sweep(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "auth.janitor_sweep")
	defer span.End()

	now := j.clock.Now().UTC()

	if j.refresh != nil {
		n, err := j.refresh.DeleteExpired(ctx, now)
		j.report(ctx, "refresh_credentials", n, err)
	}
	if j.blacklist != nil {
		n, err := j.blacklist.PurgeExpired(ctx, now)
		j.report(ctx, "blacklist", n, err)
	}
	if j.codes != nil {
		n, err := j.codes.PurgeExpired(ctx, now)
		j.report(ctx, "otp_fallback", n, err)
	}
	if j.audit != nil {
		n, err := j.audit.ArchiveOlderThan(ctx, now.Add(-domain.AuditArchiveAge))
		j.report(ctx, "audit_archive", n, err)
	}
}

func (j *Janitor) report(ctx context.Context, resource string, n int, err error) {
	if err != nil {
		j.logger.ErrorContext(ctx, "janitor sweep failed", "error", err, "resource", resource)
		return
	}
	if n > 0 {
		janitorPurgedTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("resource", resource)))
		j.logger.InfoContext(ctx, "janitor.swept", "resource", resource, "purged", n)
	}
}
