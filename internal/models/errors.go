package models

import (
	"errors"
	"fmt"
)

var (
	ErrUpstreamTimeout    = errors.New("upstream timeout")
	ErrSessionNotFound    = errors.New("session not found")
	ErrPatientNotFound    = errors.New("patient not found")
	ErrEscalationNotFound = errors.New("escalation not found")
)

// ValidationError is caller input the service refuses. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func NewValidationError(field, message string) error {
	return ValidationError{Field: field, Message: message}
}

// UpstreamError wraps a failed collaborator call. Timeout marks the
// UpstreamTimeout case; errors.Is(err, ErrUpstreamTimeout) matches it.
type UpstreamError struct {
	Service string
	Op      string
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	kind := "error"
	if e.Timeout {
		kind = "timeout"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s: upstream %s", e.Service, e.Op, kind)
	}
	return fmt.Sprintf("%s %s: upstream %s: %v", e.Service, e.Op, kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamTimeout && e.Timeout
}

// EscalationNotificationFailure records that alerting gave up on an event.
// The event itself stays recorded.
type EscalationNotificationFailure struct {
	EscalationID string
	Attempts     int
	Err          error
}

func (e *EscalationNotificationFailure) Error() string {
	return fmt.Sprintf("escalation %s: notification failed after %d attempts: %v", e.EscalationID, e.Attempts, e.Err)
}

func (e *EscalationNotificationFailure) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

func IsUpstream(err error) bool {
	var u *UpstreamError
	return errors.As(err, &u)
}
