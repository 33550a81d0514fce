package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// e164Pattern matches the E.164 numbers this service accepts: '+' followed
// by 10-15 digits with no leading zero after the plus.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{9,14}$`)

// National formats accepted with local normalization.
var (
	// Chinese mobile numbers: 1 followed by 10 digits, second digit 3-9.
	cnNationalPattern = regexp.MustCompile(`^1[3-9]\d{9}$`)

	// Australian mobile numbers: 04 followed by 8 digits.
	auNationalPattern = regexp.MustCompile(`^04\d{8}$`)
)

// PhoneNumber is a value object representing a phone number in E.164 format.
// Always valid in memory — use NewPhoneNumber or NormalizePhone to construct.
type PhoneNumber struct {
	value string
}

// NewPhoneNumber creates a PhoneNumber from a raw string, validating E.164
// format ('+' prefix, 10-15 digits, no leading zero after the country code).
func NewPhoneNumber(raw string) (PhoneNumber, error) {
	if raw == "" {
		return PhoneNumber{}, fmt.Errorf("phone number cannot be empty: %w", ErrInvalidPhoneNumber)
	}
	if !e164Pattern.MatchString(raw) {
		return PhoneNumber{}, fmt.Errorf("phone number %q is not valid E.164: %w", raw, ErrInvalidPhoneNumber)
	}
	return PhoneNumber{value: raw}, nil
}

// NormalizePhone converts a raw phone string to E.164. In addition to
// numbers already in E.164 form it accepts Chinese (+86) and Australian
// (+61) national formats:
//
//	13812345678  -> +8613812345678
//	0412345678   -> +61412345678
//
// Whitespace, dashes, and parentheses are stripped before matching.
func NormalizePhone(raw string) (PhoneNumber, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, raw)

	if strings.HasPrefix(cleaned, "+") {
		return NewPhoneNumber(cleaned)
	}
	if cnNationalPattern.MatchString(cleaned) {
		return NewPhoneNumber("+86" + cleaned)
	}
	if auNationalPattern.MatchString(cleaned) {
		// Drop the national trunk prefix '0'.
		return NewPhoneNumber("+61" + cleaned[1:])
	}
	return PhoneNumber{}, fmt.Errorf("phone number %q is not E.164 nor a recognized national format: %w",
		raw, ErrInvalidPhoneNumber)
}

// MustPhoneNumber creates a PhoneNumber, panicking on invalid input. Use only in tests.
func MustPhoneNumber(raw string) PhoneNumber {
	p, err := NewPhoneNumber(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p PhoneNumber) String() string { return p.value }
func (p PhoneNumber) IsZero() bool   { return p.value == "" }

// Masked returns the audit-safe representation of the phone number: all
// digits replaced except the last four. Raw phone numbers never appear in
// logs or audit entries.
func (p PhoneNumber) Masked() string {
	return MaskPhone(p.value)
}

// MaskPhone masks a raw phone string showing only the last 4 digits.
// Strings of 4 characters or fewer are fully masked.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}
