// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package entity

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by store lookups for an id that does not exist
// (or is tombstoned awaiting remote delete confirmation).
var ErrNotFound = errors.New("entity not found")

// ValidationError rejects a write immediately; it is never retried.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s.%s: %s", e.Kind, e.Field, e.Reason)
}

// CorruptionError reports a record that failed structural checks during
// import. Repaired=true means field-level defaulting produced a valid
// record; otherwise the record was dropped and reported.
type CorruptionError struct {
	Kind     Kind
	ID       string
	Reason   string
	Repaired bool
}

func (e *CorruptionError) Error() string {
	action := "dropped"
	if e.Repaired {
		action = "repaired"
	}
	return fmt.Sprintf("corrupted %s record %s (%s): %s", e.Kind, e.ID, e.Reason, action)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
