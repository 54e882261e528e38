// Package faults defines the settlement engine's error taxonomy. None of these
// errors are transient: a ConflictError means a uniqueness invariant would be
// violated, an InconsistentDataError means the source data needs fixing, and a
// ConfigurationError means an entity type was never registered. The engine
// never swallows a money discrepancy; any such path surfaces one of these.
package faults

import (
	"errors"
	"fmt"
)

// ConflictError reports that an operation would violate a uniqueness
// invariant: a duplicate identifier, a month already covered by an active
// advance consumption, or a second active recap/withdrawal for the same
// landlord and month.
type ConflictError struct {
	Op  string // operation that detected the conflict
	Key string // the conflicting key (identifier, contract/month pair, ...)
	Err error  // underlying storage error, if any
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: conflict on %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: conflict on %s", e.Op, e.Key)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// InconsistentDataError reports input data that violates an engine
// precondition. It is never auto-corrected and always carries enough context
// to fix the source record.
type InconsistentDataError struct {
	Entity string // e.g. "contract", "payment"
	ID     string
	Reason string
}

func (e *InconsistentDataError) Error() string {
	return fmt.Sprintf("inconsistent %s %s: %s", e.Entity, e.ID, e.Reason)
}

// ConfigurationError reports an entity type with no registered identifier
// format or reset policy. Fatal for that entity type only.
type ConfigurationError struct {
	EntityType string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("entity type %q: %s", e.EntityType, e.Reason)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsInconsistentData reports whether err is (or wraps) an InconsistentDataError.
func IsInconsistentData(err error) bool {
	var ie *InconsistentDataError
	return errors.As(err, &ie)
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
