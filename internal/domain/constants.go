package domain

import "time"

// Normative limits for the authentication core. These are compiled defaults
// that can be overridden via configuration.
const (
	// Verification codes
	CodeLength          = 6               // Six-digit decimal codes
	CodeValidity        = 5 * time.Minute // How long a code remains valid
	MaxVerifyAttempts   = 3               // Wrong attempts before the code is exhausted
	ResendCooldown      = 60 * time.Second
	CipherKeyRetention  = 3 // Prior cipher keys kept for decryption after rotation
	CipherKeyMaxAge     = 24 * time.Hour
	ProgressiveDelayMin = 500 * time.Millisecond
	ProgressiveDelayMax = 30 * time.Second

	// Rate limiting
	SMSPerPhoneHourly    = 3  // Per-phone sends per hour (dev profile: 10)
	SMSPerPhoneHourlyDev = 10
	SMSPerPhoneDaily     = 10
	VerifyPerIPHourly    = 10
	RateLimitWindowHour  = time.Hour
	RateLimitWindowDay   = 24 * time.Hour

	// Lockout
	FailuresBeforeLock     = 5
	PhoneLockDuration      = 30 * time.Minute
	OTPLockDuration        = 60 * time.Minute
	BruteForceLockDuration = 120 * time.Minute

	// Credentials
	AccessTokenLifetime  = 15 * time.Minute
	RefreshTokenLifetime = 7 * 24 * time.Hour

	// Timeout contracts for outbound calls
	RedisTimeout  = 1 * time.Second
	DynamoTimeout = 5 * time.Second
	SMSTimeout    = 30 * time.Second

	// Code store failure policy
	CodeStoreRetryBudget = 3

	// SMS delivery
	SMSSendRetries   = 3
	SMSRetryInterval = 500 * time.Millisecond
	SMSFailoverCooldown = 5 * time.Minute

	// Janitor (periodic cleanup)
	JanitorInterval = 15 * time.Minute
	AuditArchiveAge = 90 * 24 * time.Hour

	// Graceful shutdown
	ShutdownDrainDelay      = 2 * time.Second
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second
	GracefulShutdownTimeout = 20 * time.Second
)

// AuditEvent identifies the flow that produced an audit entry.
type AuditEvent string

const (
	AuditCodeSent      AuditEvent = "code_sent"
	AuditCodeVerified  AuditEvent = "code_verified"
	AuditVerifyFailed  AuditEvent = "verify_failed"
	AuditTokenRefresh  AuditEvent = "token_refresh"
	AuditRoleSelected  AuditEvent = "role_selected"
	AuditLogout        AuditEvent = "logout"
	AuditRateViolation AuditEvent = "rate_violation"
	AuditLockout       AuditEvent = "lockout"
)
