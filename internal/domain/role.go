package domain

import "fmt"

// Role is the marketplace role attached to a user account.
// Write-once: once a role is selected it may never be overwritten.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
)

// String returns the role as a plain string.
func (r Role) String() string {
	return string(r)
}

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleCustomer, RoleWorker:
		return Role(raw), nil
	}
	return "", fmt.Errorf("role %q is not one of customer, worker: %w", raw, ErrInvalidRole)
}

// IsValidRole checks if a role is supported.
func IsValidRole(r Role) bool {
	return r == RoleCustomer || r == RoleWorker
}
