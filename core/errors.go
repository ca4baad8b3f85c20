package core

import "errors"

// Sentinel errors callers can compare against with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrConflict       = errors.New("optimistic concurrency conflict")
	ErrCancelled      = errors.New("cancelled")
	ErrTimeout        = errors.New("timeout")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMaxRetries     = errors.New("max retries exceeded")
	ErrNotInitialized = errors.New("not initialized")
)

// ErrorKind is the closed, stable enumeration callers key control flow off
// of. Never the free-form message.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindTemplate         ErrorKind = "template"
	KindTransientNetwork ErrorKind = "transient_network"
	KindRateLimited      ErrorKind = "rate_limited"
	KindUpstream5xx      ErrorKind = "upstream_5xx"
	KindAuth             ErrorKind = "auth"
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindNotFound         ErrorKind = "not_found"
	KindSchemaViolation  ErrorKind = "schema_violation"
	KindTimeout          ErrorKind = "timeout"
	KindCancelled        ErrorKind = "cancelled"
	KindStateStore       ErrorKind = "state_store"
	KindUnknown          ErrorKind = "unknown"
)

// Retryable reports whether a classified kind is safe to retry: transient
// network failures, rate limits, upstream 5xx, and timeouts. Everything
// else is permanent for the attempt that produced it.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindRateLimited, KindUpstream5xx, KindTimeout:
		return true
	default:
		return false
	}
}

// FrameworkError wraps an underlying error with an Op (the operation that
// failed), a classified Kind, and an optional ID (step id, state id, ...).
type FrameworkError struct {
	Op      string
	Kind    ErrorKind
	ID      string
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ID != "" {
		return e.Op + ": " + string(e.Kind) + " (" + e.ID + "): " + msg
	}
	return e.Op + ": " + string(e.Kind) + ": " + msg
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// NewFrameworkError builds a classified error for the given operation.
func NewFrameworkError(op string, kind ErrorKind, id, message string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, ID: id, Message: message, Err: err}
}

// IsRetryable reports whether err, if a *FrameworkError, carries a retryable
// kind. A plain error (not classified) is treated as non-retryable.
func IsRetryable(err error) bool {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind.Retryable()
	}
	return false
}

// IsNotFound reports whether err represents a missing-entity condition.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind == KindNotFound
	}
	return false
}

// IsConflict reports whether err represents an optimistic-concurrency
// conflict (another runner already owns this state_id).
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Kind extracts the classified kind from err, defaulting to KindUnknown for
// unclassified errors.
func Kind(err error) ErrorKind {
	var fe *FrameworkError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
