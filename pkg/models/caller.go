package models

import (
	"fmt"
	"regexp"
)

// CallerID is a normalized E.164 phone number, the primary key into the
// Conversation Store and the Agent Profile Registry.
type CallerID string

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// NewCallerID validates raw as E.164 and returns a CallerID, or an error if
// raw is not a plausible phone number. Callers at the transport boundary
// (telephony WS setup frame, managed-AV device registration) MUST use this
// constructor rather than a bare string conversion.
func NewCallerID(raw string) (CallerID, error) {
	if !e164Pattern.MatchString(raw) {
		return "", fmt.Errorf("models: %q is not a valid E.164 caller id", raw)
	}
	return CallerID(raw), nil
}

// String implements fmt.Stringer.
func (c CallerID) String() string {
	return string(c)
}
