// Package errmap maps domain errors to transport error codes. The core emits
// machine codes and structured parameters; human-readable message catalogs
// live at the transport boundary, not here.
package errmap

import (
	"errors"
	"net/http"
	"time"

	"github.com/taskhive/auth-core/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`

	// RetryAfter is nonzero for rate-limit and lockout responses; the
	// handler renders it as both a Retry-After header and a body field.
	RetryAfter time.Duration `json:"-"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and machine codes.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Validation — 400
	{domain.ErrInvalidPhoneNumber, http.StatusBadRequest, "INVALID_PHONE_NUMBER"},
	{domain.ErrInvalidRole, http.StatusBadRequest, "INVALID_ROLE"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrEmptyID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidID, http.StatusBadRequest, "INVALID_ARGUMENT"},

	// Verification and credential failures — 401
	{domain.ErrInvalidVerificationCode, http.StatusUnauthorized, "INVALID_VERIFICATION_CODE"},
	{domain.ErrCodeExpired, http.StatusUnauthorized, "CODE_EXPIRED"},
	{domain.ErrMaxAttemptsExceeded, http.StatusUnauthorized, "MAX_ATTEMPTS_EXCEEDED"},
	{domain.ErrInvalidRefreshToken, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN"},
	{domain.ErrRefreshTokenReuse, http.StatusUnauthorized, "REFRESH_TOKEN_REUSE"},
	{domain.ErrTokenRevoked, http.StatusUnauthorized, "TOKEN_REVOKED"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHENTICATED"},

	// Permission — 403
	{domain.ErrUserBlocked, http.StatusForbidden, "USER_BLOCKED"},
	{domain.ErrRoleAlreadySelected, http.StatusForbidden, "ROLE_ALREADY_SELECTED"},
	{domain.ErrForbidden, http.StatusForbidden, "PERMISSION_DENIED"},

	// Resource — 404 / 409
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},

	// Rate limiting and lockout — 429
	{domain.ErrResendCooldown, http.StatusTooManyRequests, "RESEND_COOLDOWN"},
	{domain.ErrPhoneRateLimited, http.StatusTooManyRequests, "PHONE_RATE_LIMITED"},
	{domain.ErrIPRateLimited, http.StatusTooManyRequests, "IP_RATE_LIMITED"},
	{domain.ErrLocked, http.StatusTooManyRequests, "ACCOUNT_LOCKED"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},

	// Availability — 503
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			// Server-side failures wrap raw backend errors (redis, dynamo,
			// SMS transport); only the sentinel's text crosses the wire.
			// The full chain is for logs.
			message := err.Error()
			if m.statusCode >= http.StatusInternalServerError {
				message = m.err.Error()
			}
			return HTTPError{
				StatusCode: m.statusCode,
				Code:       m.code,
				Message:    message,
				RetryAfter: retryAfter(err),
			}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}

// retryAfter pulls the structured retry-after duration out of rate-limit and
// lockout errors, or zero if the error carries none.
func retryAfter(err error) time.Duration {
	var rle *domain.RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	var le *domain.LockedError
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}
