// Package app implements the authentication flows. It depends only on the
// port interfaces defined in this file; concrete Redis, DynamoDB, and SMS
// implementations live in the adapter package.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskhive/auth-core/internal/auth"
	"github.com/taskhive/auth-core/internal/cipher"
	"github.com/taskhive/auth-core/internal/domain"
)

var tracer = otel.Tracer("authd/app")

var (
	codeSentTotal       metric.Int64Counter
	codeVerifiedTotal   metric.Int64Counter
	tokenMintedTotal    metric.Int64Counter
	authFailuresTotal   metric.Int64Counter
	rateLimitsTotal     metric.Int64Counter
	lockoutsTotal       metric.Int64Counter
	familyRevokedTotal  metric.Int64Counter
	roleSelectedTotal   metric.Int64Counter
	storeFallbackTotal  metric.Int64Counter
)

func init() {
	m := otel.Meter("authd/app")

	codeSentTotal, _ = m.Int64Counter("auth_code_sent_total",
		metric.WithDescription("Total verification codes sent"))
	codeVerifiedTotal, _ = m.Int64Counter("auth_code_verified_total",
		metric.WithDescription("Total verification codes accepted"))
	tokenMintedTotal, _ = m.Int64Counter("auth_token_minted_total",
		metric.WithDescription("Total access credentials minted"))
	authFailuresTotal, _ = m.Int64Counter("security_auth_failures_total",
		metric.WithDescription("Total authentication failures"))
	rateLimitsTotal, _ = m.Int64Counter("security_rate_limits_total",
		metric.WithDescription("Total rate limit hits"))
	lockoutsTotal, _ = m.Int64Counter("security_lockouts_total",
		metric.WithDescription("Total account lockouts triggered"))
	familyRevokedTotal, _ = m.Int64Counter("security_refresh_family_revoked_total",
		metric.WithDescription("Total refresh-credential families revoked on reuse"))
	roleSelectedTotal, _ = m.Int64Counter("auth_role_selected_total",
		metric.WithDescription("Total one-time role selections"))
	storeFallbackTotal, _ = m.Int64Counter("auth_code_store_fallback_total",
		metric.WithDescription("Total code-store operations served by the secondary backend"))
}

// Backend identifies which code-store backend served an operation.
type Backend string

const (
	BackendPrimary   Backend = "primary"
	BackendSecondary Backend = "secondary"
)

// UserRecord represents a user stored in the users table. Only the phone
// hash is persisted; the raw number never reaches durable storage.
type UserRecord struct {
	UserID      string
	PhoneHash   string
	CountryCode string
	Role        string // "" until selected
	Verified    bool
	Blocked     bool
	CreatedAt   string
	UpdatedAt   string
	LastLoginAt string
}

// RefreshRecord represents a refresh credential stored in the refresh table.
// Lookup occurs only by TokenHash; the raw credential is never stored.
type RefreshRecord struct {
	CredentialID string
	UserID       string
	FamilyID     string
	TokenHash    string
	Revoked      bool
	RotatedTo    string // successor credential ID, set on rotation
	CreatedAt    string
	ExpiresAt    string
	TTL          int64
}

// AuditEntry is one row in the audit log. Phone material appears only
// masked or hashed.
type AuditEntry struct {
	ID            string
	EventType     domain.AuditEvent
	Success       bool
	UserID        string
	PhoneMasked   string
	PhoneHash     string
	IP            string
	UserAgent     string
	DeviceInfo    string
	EventData     map[string]string
	FailureReason string
	CreatedAt     string
	Archived      bool
}

// RateStatus is the outcome of a rate-limit check.
type RateStatus struct {
	Allowed    bool
	Remaining  int
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration // set when not allowed
}

// LockStatus reports whether a key is under an active lockout.
type LockStatus struct {
	Locked     bool
	Reason     domain.LockReason
	RetryAfter time.Duration
}

// CodeStore stores the single live encrypted verification code per phone.
// Implementations are write-through: primary cache first, secondary durable
// store after a bounded retry budget. The returned Backend tells the caller
// which backend actually served the operation.
type CodeStore interface {
	// Put stores the record, atomically superseding any prior record for
	// the same phone.
	Put(ctx context.Context, rec cipher.EncryptedCode) (Backend, error)

	// Get returns the live record for phone, or domain.ErrNotFound.
	// Expired records are never returned.
	Get(ctx context.Context, phone domain.PhoneNumber) (*cipher.EncryptedCode, Backend, error)

	// TTL returns the remaining lifetime of the live record, or ok=false
	// when none exists.
	TTL(ctx context.Context, phone domain.PhoneNumber) (ttl time.Duration, ok bool, err error)

	// IncrementAttempts atomically adds one to the attempt counter and
	// returns the new count.
	IncrementAttempts(ctx context.Context, phone domain.PhoneNumber) (int, error)

	// Clear removes the record and its metadata.
	Clear(ctx context.Context, phone domain.PhoneNumber) error
}

// UserStore persists and retrieves user records.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (*UserRecord, error)
	FindByPhone(ctx context.Context, phoneHash, countryCode string) (*UserRecord, error)

	// Create inserts a new user; domain.ErrAlreadyExists when the
	// (phone_hash, country_code) pair is taken.
	Create(ctx context.Context, user UserRecord) error

	// SetLastLogin stamps last_login_at and, when verified is true, the
	// verified flag in the same update.
	SetLastLogin(ctx context.Context, userID, when string, verified bool) error

	// SelectRole sets the role if and only if it is currently unset;
	// domain.ErrRoleAlreadySelected otherwise.
	SelectRole(ctx context.Context, userID, role, when string) error
}

// RefreshStore persists refresh credentials.
type RefreshStore interface {
	Create(ctx context.Context, rec RefreshRecord) error

	// GetByHash returns the credential with the given token hash, or
	// domain.ErrNotFound.
	GetByHash(ctx context.Context, tokenHash string) (*RefreshRecord, error)

	// Rotate atomically marks the predecessor revoked with its successor
	// pointer set, and inserts the successor. The revocation is conditional
	// on the predecessor still being active; a lost race surfaces as
	// domain.ErrRefreshTokenReuse.
	Rotate(ctx context.Context, predecessorID string, successor RefreshRecord) error

	// RevokeFamily revokes every credential in a family. Returns the
	// number revoked.
	RevokeFamily(ctx context.Context, familyID string) (int, error)

	// RevokeAllForUser revokes every active credential owned by a user.
	RevokeAllForUser(ctx context.Context, userID string) (int, error)

	// DeleteExpired removes credentials whose expiry has elapsed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Blacklist tracks revoked access-credential JTIs until their natural expiry.
type Blacklist interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// PurgeExpired removes durable entries past their expiry.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// RateLimiter enforces send and verification caps plus the failure lockout.
// Keys are phone hashes or client IPs; one key cannot consume another's budget.
type RateLimiter interface {
	CheckSMS(ctx context.Context, phoneHash string) (*RateStatus, error)
	IncrementSMS(ctx context.Context, phoneHash string) error
	CheckVerify(ctx context.Context, ip string) (*RateStatus, error)
	IncrementVerify(ctx context.Context, ip string) error

	// FailureCount returns the current failed-attempt counter for key.
	FailureCount(ctx context.Context, key string) (int, error)

	// RecordFailure increments the failed-attempt counter and reports
	// whether the lockout threshold was crossed.
	RecordFailure(ctx context.Context, key string, reason domain.LockReason) (locked bool, err error)

	// Reset clears counters, failures, and the lock flag for key.
	Reset(ctx context.Context, key string) error

	CheckLock(ctx context.Context, key string) (*LockStatus, error)
}

// AuditStore is the append-only audit sink.
type AuditStore interface {
	Append(ctx context.Context, entry AuditEntry) error

	// ArchiveOlderThan marks rows older than cutoff as archived, returning
	// the number archived.
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// SMSSender transmits a message to a phone, returning an opaque provider
// message ID. The failover wrapper in the adapter package implements this
// over a primary/backup provider pair.
type SMSSender interface {
	Send(ctx context.Context, phone domain.PhoneNumber, message string) (string, error)
	Name() string
}

// SendCodeResult is returned by SendCode on success.
type SendCodeResult struct {
	NextResendAt time.Time
	Backend      Backend // which code-store backend served the write
}

// VerifyCodeResult is returned by VerifyCode on success.
type VerifyCodeResult struct {
	UserID                string
	AccessToken           string
	RefreshToken          string
	ExpiresIn             int // access credential lifetime in seconds
	Role                  string
	RequiresRoleSelection bool
	IsNewUser             bool
}

// RefreshResult is returned by Refresh on success.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// Limits holds the tunable verification limits. The zero value is replaced
// with compiled defaults at construction.
type Limits struct {
	SMSPerPhoneHourly int
	SMSPerPhoneDaily  int
	VerifyPerIPHourly int
	ResendCooldown    time.Duration
	MaxVerifyAttempts int
	CodeValidity      time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.SMSPerPhoneHourly == 0 {
		l.SMSPerPhoneHourly = domain.SMSPerPhoneHourly
	}
	if l.SMSPerPhoneDaily == 0 {
		l.SMSPerPhoneDaily = domain.SMSPerPhoneDaily
	}
	if l.VerifyPerIPHourly == 0 {
		l.VerifyPerIPHourly = domain.VerifyPerIPHourly
	}
	if l.ResendCooldown == 0 {
		l.ResendCooldown = domain.ResendCooldown
	}
	if l.MaxVerifyAttempts == 0 {
		l.MaxVerifyAttempts = domain.MaxVerifyAttempts
	}
	if l.CodeValidity == 0 {
		l.CodeValidity = domain.CodeValidity
	}
	return l
}

// AuthServiceConfig holds the dependencies for AuthService.
type AuthServiceConfig struct {
	CodeStore    CodeStore
	UserStore    UserStore
	RefreshStore RefreshStore
	Blacklist    Blacklist
	RateLimiter  RateLimiter
	AuditStore   AuditStore
	SMS          SMSSender
	Cipher       *cipher.Cipher
	Minter       *auth.Minter
	Validator    *auth.Validator
	Clock        domain.Clock
	Limits       Limits
	Logger       *slog.Logger

	// Sleep is the progressive-delay hook. Defaults to a context-aware
	// timer sleep; tests inject a recorder.
	Sleep func(ctx context.Context, d time.Duration)
}

// AuthService orchestrates the five auth flows: SendCode, VerifyCode,
// Refresh, SelectRole, and Logout. It also owns the audit sink used by
// all flows.
type AuthService struct {
	codeStore    CodeStore
	userStore    UserStore
	refreshStore RefreshStore
	blacklist    Blacklist
	rateLimiter  RateLimiter
	auditStore   AuditStore
	sms          SMSSender
	cipher       *cipher.Cipher
	minter       *auth.Minter
	validator    *auth.Validator
	clock        domain.Clock
	limits       Limits
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration)
}

// NewAuthService creates a new AuthService with the given dependencies.
func NewAuthService(cfg AuthServiceConfig) *AuthService {
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = ctxSleep
	}
	return &AuthService{
		codeStore:    cfg.CodeStore,
		userStore:    cfg.UserStore,
		refreshStore: cfg.RefreshStore,
		blacklist:    cfg.Blacklist,
		rateLimiter:  cfg.RateLimiter,
		auditStore:   cfg.AuditStore,
		sms:          cfg.SMS,
		cipher:       cfg.Cipher,
		minter:       cfg.Minter,
		validator:    cfg.Validator,
		clock:        cfg.Clock,
		limits:       cfg.Limits.withDefaults(),
		logger:       cfg.Logger,
		sleep:        sleep,
	}
}

// ctxSleep blocks for d or until ctx is cancelled.
func ctxSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Authenticate fully validates an access credential: signature, claims,
// and the JTI blacklist. Used by the transport layer for authenticated
// endpoints.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error) {
	claims, err := s.validator.ValidateAccessToken(accessToken)
	if err != nil {
		return nil, err
	}

	revoked, err := s.blacklist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check blacklist: %w", errors.Join(err, domain.ErrUnavailable))
	}
	if revoked {
		return nil, domain.ErrTokenRevoked
	}
	return claims, nil
}

// audit appends an entry to the audit sink. Audit failures are logged and
// never fail the flow that produced them.
func (s *AuthService) audit(ctx context.Context, entry AuditEntry) {
	entry.CreatedAt = s.clock.Now().UTC().Format(time.RFC3339)
	if err := s.auditStore.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed",
			"error", err, "event_type", string(entry.EventType))
	}
}
