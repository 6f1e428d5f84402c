package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
)

// ErrConflict marks a benign no-op: a duplicate or stale report, or a Site
// that is no longer in the state the caller expected.
var ErrConflict = errors.New("conflict")

// ErrIllegalTransition is returned when a status change is not in the Site transition table
var ErrIllegalTransition = db.ErrIllegalTransition

// ValidationError carries field-level details about rejected input
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError creates an error with a single field message
func NewValidationError(field, message string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, message)
	return v
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a problem with a field. The first message per field wins.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
}

// HasErrors reports whether any field failed validation
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

// OrNil returns the error if it has fields and nil otherwise
func (e *ValidationError) OrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// NotFoundError reports a missing worker, Site or task type
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

// TransportError is a failed delivery to a worker endpoint
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvariantViolation is raised when a worker and a Site disagree about their binding
type InvariantViolation struct {
	WorkerID string
	SiteID   string
	Detail   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("binding invariant violated for worker %s and site %s: %s", e.WorkerID, e.SiteID, e.Detail)
}

// notFound converts a store miss into a NotFoundError
func notFound(err error, entity, key string) error {
	if errors.Is(err, db.ErrNotFound) {
		return &NotFoundError{Entity: entity, Key: key}
	}
	return err
}
