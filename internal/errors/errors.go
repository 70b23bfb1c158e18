package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the stable tag carried by every failure surfaced to a tool
// caller, so clients can branch on it without parsing messages.
type ErrorKind string

const (
	// Transport errors (session-fatal)
	KindStreamClosed   ErrorKind = "stream_closed"
	KindMalformedFrame ErrorKind = "malformed_frame"

	// Correlator errors (request-scoped)
	KindTimeout       ErrorKind = "timeout"
	KindSessionClosed ErrorKind = "session_closed"

	// Supervisor errors
	KindSpawnFailed     ErrorKind = "spawn_failed"
	KindHandshakeFailed ErrorKind = "handshake_failed"

	// Resolve errors (input-scoped, never retried)
	KindSnippetNotFound      ErrorKind = "snippet_not_found"
	KindAmbiguousSnippet     ErrorKind = "ambiguous_snippet"
	KindOccurrenceOutOfRange ErrorKind = "occurrence_out_of_range"

	// Validation errors (rejected before any I/O)
	KindRelativePath ErrorKind = "relative_path"
	KindMissingParam ErrorKind = "missing_param"
	KindInvalidParam ErrorKind = "invalid_param"

	// Check runner errors
	KindCheckTimeout    ErrorKind = "check_timeout"
	KindOutputTruncated ErrorKind = "output_truncated"
	KindCheckSpawn      ErrorKind = "check_spawn_failed"
)

// TransportError represents a failure on the analyzer's stdio channel.
// Always session-fatal: the supervisor restarts the session on the next call.
type TransportError struct {
	Kind       ErrorKind
	Detail     string
	Underlying error
	Timestamp  time.Time
}

// NewTransportError creates a transport error with context
func NewTransportError(kind ErrorKind, detail string, err error) *TransportError {
	return &TransportError{
		Kind:       kind,
		Detail:     detail,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Kind, e.Detail, e.Underlying)
	}
	return fmt.Sprintf("transport %s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying error for errors.Is/As
func (e *TransportError) Unwrap() error {
	return e.Underlying
}

// CorrelatorError represents a request that could not be completed.
// Recoverable: callers may retry after the session is re-established.
type CorrelatorError struct {
	Kind      ErrorKind
	Method    string
	RequestID int64
	Timestamp time.Time
}

// NewCorrelatorError creates a correlator error for a specific request
func NewCorrelatorError(kind ErrorKind, method string, id int64) *CorrelatorError {
	return &CorrelatorError{
		Kind:      kind,
		Method:    method,
		RequestID: id,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface
func (e *CorrelatorError) Error() string {
	return fmt.Sprintf("request %d (%s) failed: %s", e.RequestID, e.Method, e.Kind)
}

// SupervisorError represents a spawn or handshake failure. The session is
// left Failed; ensure-ready attempts a fresh spawn on the next call.
type SupervisorError struct {
	Kind       ErrorKind
	Executable string
	Underlying error
	Timestamp  time.Time
}

// NewSupervisorError creates a supervisor error with context
func NewSupervisorError(kind ErrorKind, executable string, err error) *SupervisorError {
	return &SupervisorError{
		Kind:       kind,
		Executable: executable,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *SupervisorError) Error() string {
	return fmt.Sprintf("analyzer %s (%s): %v", e.Kind, e.Executable, e.Underlying)
}

// Unwrap returns the underlying error
func (e *SupervisorError) Unwrap() error {
	return e.Underlying
}

// ResolveError represents a fuzzy locator that could not be resolved to an
// exact coordinate. Never retried automatically; the message carries enough
// detail for the caller to fix the input.
type ResolveError struct {
	Kind      ErrorKind
	File      string
	Symbol    string
	Requested int // requested occurrence index
	Found     int // number of matches actually found
	Detail    string
	Timestamp time.Time
}

// Error implements the error interface
func (e *ResolveError) Error() string {
	switch e.Kind {
	case KindOccurrenceOutOfRange:
		return fmt.Sprintf("occurrence %d of %q requested but only %d found in %s",
			e.Requested, e.Symbol, e.Found, e.File)
	case KindAmbiguousSnippet:
		return fmt.Sprintf("snippet matches %d locations in %s; provide a longer snippet", e.Found, e.File)
	default:
		if e.Detail != "" {
			return fmt.Sprintf("resolve %s in %s: %s", e.Kind, e.File, e.Detail)
		}
		return fmt.Sprintf("resolve %s in %s", e.Kind, e.File)
	}
}

// ValidationError represents a parameter rejected before any filesystem or
// process I/O occurred.
type ValidationError struct {
	Kind  ErrorKind
	Field string
	Value string
}

// NewValidationError creates a validation error for a specific field
func NewValidationError(kind ErrorKind, field, value string) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Value: value}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindRelativePath:
		return fmt.Sprintf("validation error for field %q: path must be absolute, got %q", e.Field, e.Value)
	case KindMissingParam:
		return fmt.Sprintf("validation error for field %q: required parameter is missing", e.Field)
	default:
		return fmt.Sprintf("validation error for field %q: invalid value %q", e.Field, e.Value)
	}
}

// CheckError represents a guarded check run that did not complete normally.
// Timeout and truncation still carry the diagnostics parsed so far.
type CheckError struct {
	Kind       ErrorKind
	Workspace  string
	Underlying error
	Timestamp  time.Time
}

// NewCheckError creates a check error with context
func NewCheckError(kind ErrorKind, workspace string, err error) *CheckError {
	return &CheckError{
		Kind:       kind,
		Workspace:  workspace,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *CheckError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("check %s for %s: %v", e.Kind, e.Workspace, e.Underlying)
	}
	return fmt.Sprintf("check %s for %s", e.Kind, e.Workspace)
}

// Unwrap returns the underlying error
func (e *CheckError) Unwrap() error {
	return e.Underlying
}

// KindOf extracts the stable kind tag from any bridge error, or "internal"
// for errors that did not originate in this taxonomy.
func KindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	var ce *CorrelatorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var se *SupervisorError
	if errors.As(err, &se) {
		return se.Kind
	}
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	var ke *CheckError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return "internal"
}

// IsSessionClosed reports whether err means the analyzer session died while
// the request was in flight.
func IsSessionClosed(err error) bool {
	return KindOf(err) == KindSessionClosed
}

// IsTimeout reports whether err is a correlator or check timeout.
func IsTimeout(err error) bool {
	k := KindOf(err)
	return k == KindTimeout || k == KindCheckTimeout
}
