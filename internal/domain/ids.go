// Package domain contains pure business logic and types.
// No external infrastructure dependencies - this is the innermost ring.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// UserID is a value object representing a unique user identifier
// (an opaque 128-bit value rendered as a UUID string).
type UserID struct {
	value string
}

// NewUserID creates a UserID from a raw string, validating it is a valid UUID.
func NewUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return UserID{}, fmt.Errorf("invalid user ID %q: %w", raw, ErrInvalidID)
	}
	return UserID{value: raw}, nil
}

// MustUserID creates a UserID, panicking on invalid input. Use only in tests.
func MustUserID(raw string) UserID {
	id, err := NewUserID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateUserID creates a new random UserID.
func GenerateUserID() UserID {
	return UserID{value: uuid.NewString()}
}

func (id UserID) String() string { return id.value }
func (id UserID) IsZero() bool   { return id.value == "" }

// CredentialID is a value object representing a unique refresh-credential
// identifier.
type CredentialID struct {
	value string
}

// NewCredentialID creates a CredentialID from a raw string, validating it is a valid UUID.
func NewCredentialID(raw string) (CredentialID, error) {
	if raw == "" {
		return CredentialID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return CredentialID{}, fmt.Errorf("invalid credential ID %q: %w", raw, ErrInvalidID)
	}
	return CredentialID{value: raw}, nil
}

// MustCredentialID creates a CredentialID, panicking on invalid input. Use only in tests.
func MustCredentialID(raw string) CredentialID {
	id, err := NewCredentialID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateCredentialID creates a new random CredentialID.
func GenerateCredentialID() CredentialID {
	return CredentialID{value: uuid.NewString()}
}

func (id CredentialID) String() string { return id.value }
func (id CredentialID) IsZero() bool   { return id.value == "" }

// FamilyID identifies a chain of refresh credentials produced by rotation
// from a single original. Reuse of a rotated-out member is a signal that the
// whole family is compromised.
type FamilyID struct {
	value string
}

// NewFamilyID creates a FamilyID from a raw string, validating it is a valid UUID.
func NewFamilyID(raw string) (FamilyID, error) {
	if raw == "" {
		return FamilyID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return FamilyID{}, fmt.Errorf("invalid family ID %q: %w", raw, ErrInvalidID)
	}
	return FamilyID{value: raw}, nil
}

// GenerateFamilyID creates a new random FamilyID.
func GenerateFamilyID() FamilyID {
	return FamilyID{value: uuid.NewString()}
}

func (id FamilyID) String() string { return id.value }
func (id FamilyID) IsZero() bool   { return id.value == "" }
