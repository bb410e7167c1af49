package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("domain: not found")
	// ErrStateConflict is returned when an operation is not allowed in the
	// entity's current state, e.g. changing a vote on a locked ballot or
	// editing ballot options once votes exist.
	ErrStateConflict = errors.New("domain: state conflict")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for field := range v.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return "validation failed: " + strings.Join(fields, ", ")
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// Add records a field level validation error.
func (v *ValidationError) Add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// Validationf builds a single-field validation error.
func Validationf(field, format string, args ...any) *ValidationError {
	v := &ValidationError{}
	v.Add(field, fmt.Sprintf(format, args...))
	return v
}

// WindowError reports an action attempted outside an entity's permitted time window.
type WindowError struct {
	Start time.Time
	End   time.Time
	Now   time.Time
}

// Error implements the error interface.
func (w *WindowError) Error() string {
	if w == nil {
		return "outside time window"
	}
	return fmt.Sprintf("outside time window [%s, %s] at %s",
		w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), w.Now.Format(time.RFC3339))
}

// CorruptionError reports stored bytes that fail to decode. It is distinct
// from legitimate absence: a missing document yields a caller default while
// corruption always surfaces.
type CorruptionError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (c *CorruptionError) Error() string {
	if c == nil {
		return "corrupted record"
	}
	return fmt.Sprintf("corrupted record at %s: %v", c.Path, c.Err)
}

// Unwrap exposes the decoding failure for errors.Is/As chains.
func (c *CorruptionError) Unwrap() error {
	if c == nil {
		return nil
	}
	return c.Err
}

// IsValidation reports whether err is a field validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsWindow reports whether err is a time window rejection.
func IsWindow(err error) bool {
	var w *WindowError
	return errors.As(err, &w)
}

// IsCorruption reports whether err signals undecodable stored bytes.
func IsCorruption(err error) bool {
	var c *CorruptionError
	return errors.As(err, &c)
}
