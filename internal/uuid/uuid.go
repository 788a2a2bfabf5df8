// Package uuid generates and validates identifiers for outbox operations and
// domain records.
//
// Operation ids are UUIDv7 so that sorting by id agrees with creation order;
// the outbox uses the id as the tie-breaker for equal timestamps. Record ids
// created on a terminal may be either v4 or v7.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Canonical 8-4-4-4-12 hex form with an RFC 4122 variant nibble.
var canonical = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// NewOperationID returns a time-ordered UUIDv7. It falls back to v4 if the
// clock-sequence generator fails.
func NewOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewRecordID returns a random UUIDv4 for new domain records.
func NewRecordID() string {
	return uuid.New().String()
}

// Parse parses s and requires version 4 or 7.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", v)
	}
	return id, nil
}

// IsValid reports whether s is a canonical v4 or v7 UUID.
func IsValid(s string) bool {
	return canonical.MatchString(s)
}

// Validate returns an error if s is not a canonical v4 or v7 UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid operation id %q", s)
	}
	return nil
}
