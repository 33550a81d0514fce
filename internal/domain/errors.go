package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// ID validation errors
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID format")

	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Authorization errors
	ErrUnauthorized = errors.New("authentication required")
	ErrForbidden    = errors.New("permission denied")

	// Validation errors
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidPhoneNumber = errors.New("invalid phone number format")
	ErrInvalidRole        = errors.New("invalid role")

	// Account state errors
	ErrUserBlocked         = errors.New("user account is blocked")
	ErrRoleAlreadySelected = errors.New("role has already been selected")

	// Verification errors
	ErrInvalidVerificationCode = errors.New("invalid verification code")
	ErrCodeExpired             = errors.New("verification code has expired")
	ErrMaxAttemptsExceeded     = errors.New("maximum verification attempts exceeded")
	ErrResendCooldown          = errors.New("verification code was sent too recently")

	// Credential errors
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenReuse   = errors.New("refresh token reuse detected")
	ErrTokenRevoked        = errors.New("token has been revoked")

	// Rate limiting and lockout
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrPhoneRateLimited = errors.New("phone number rate limit exceeded")
	ErrIPRateLimited    = errors.New("IP address rate limit exceeded")
	ErrLocked           = errors.New("account temporarily locked")

	// Operational errors
	ErrUnavailable = errors.New("service temporarily unavailable")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// LockReason identifies what triggered a lockout.
type LockReason string

const (
	LockReasonPhone      LockReason = "phone"
	LockReasonOTP        LockReason = "otp"
	LockReasonBruteForce LockReason = "brute_force"
)

// RateLimitError carries the structured parameters of a rate-limit rejection.
// It wraps one of the rate-limit sentinels so errors.Is still matches; the
// transport layer renders the machine code plus {retry_after, limit, window}.
type RateLimitError struct {
	Sentinel   error
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: limit %d per %s, retry after %s",
		e.Sentinel, e.Limit, e.Window, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return e.Sentinel }

// LockedError carries the structured parameters of an active lockout.
type LockedError struct {
	Reason     LockReason
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%v: reason %s, retry after %s",
		ErrLocked, e.Reason, e.RetryAfter.Round(time.Second))
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrPhoneRateLimited) ||
		errors.Is(err, ErrIPRateLimited) ||
		errors.Is(err, ErrLocked) ||
		errors.Is(err, ErrResendCooldown)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrInvalidInput,
	ErrInvalidPhoneNumber,
	ErrInvalidRole,
	ErrNotFound,
	ErrForbidden,
	ErrUnauthorized,
	ErrEmptyID,
	ErrInvalidID,
	ErrUserBlocked,
	ErrRoleAlreadySelected,
	ErrInvalidVerificationCode,
	ErrCodeExpired,
	ErrMaxAttemptsExceeded,
	ErrInvalidRefreshToken,
	ErrRefreshTokenReuse,
	ErrTokenRevoked,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsPermissionDenied returns true if the error represents a permission issue.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUserBlocked) ||
		errors.Is(err, ErrRoleAlreadySelected) ||
		errors.Is(err, ErrUnauthorized)
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
