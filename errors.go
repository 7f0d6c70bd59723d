package main

import (
	"fmt"
	"strings"
)

// ValidationError covers bad operator input: date ranges, empty channel
// lists, malformed values. Never retried, surfaced verbatim.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidFieldError reports update keys outside the allowed field set.
type InvalidFieldError struct {
	Fields []string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid fields: %s", strings.Join(e.Fields, ", "))
}

// InvalidProjectKeyError reports a project key that does not match the
// tracker's key format.
type InvalidProjectKeyError struct {
	Key string
}

func (e *InvalidProjectKeyError) Error() string {
	return fmt.Sprintf("invalid project key %q (expected format: PROJ or PROJ-123)", e.Key)
}

// NotFoundError covers missing sessions and items, including the race
// where the session record was cleaned up mid-operation. Conditional-write
// failures surface as NotFoundError to the caller.
type NotFoundError struct {
	Kind string // "session", "item", "channel config"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// DuplicateCheckError marks a duplicate check that could not run because
// the existing-ticket fetch failed. Distinct from "checked, none found".
type DuplicateCheckError struct {
	ProjectKey string
	Err        error
}

func (e *DuplicateCheckError) Error() string {
	return fmt.Sprintf("duplicate check failed for project %s: %v", e.ProjectKey, e.Err)
}

func (e *DuplicateCheckError) Unwrap() error {
	return e.Err
}

// TicketCreationError captures a failed issue-tracker create call. It is
// accumulated per item in reconcile results, never aborts sibling items.
type TicketCreationError struct {
	Summary string
	Err     error
}

func (e *TicketCreationError) Error() string {
	return fmt.Sprintf("creating ticket %q: %v", e.Summary, e.Err)
}

func (e *TicketCreationError) Unwrap() error {
	return e.Err
}
