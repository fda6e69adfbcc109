package querybridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Common sentinel errors for the querybridge package.
var (
	// ErrNotConnected is returned when an operation requires a connected engine.
	ErrNotConnected = errors.New("engine is not connected")

	// ErrPoisoned is returned for any operation on a poisoned engine.
	ErrPoisoned = errors.New("engine is poisoned")

	// ErrCancelled is returned when a query is cancelled or its deadline elapses.
	ErrCancelled = errors.New("query cancelled")

	// ErrPoolDraining is returned when an acquisition is attempted on a draining pool.
	ErrPoolDraining = errors.New("connector pool is draining")

	// ErrPoolCorrupted is returned when pool bookkeeping invariants are violated.
	ErrPoolCorrupted = errors.New("connector pool corrupted")

	// ErrAcquireTimeout is returned when no handle becomes free within the
	// configured acquisition timeout.
	ErrAcquireTimeout = errors.New("connection acquisition timed out")
)

// ErrorKind categorizes engine errors for the host boundary.
type ErrorKind string

const (
	// ErrorKindConfiguration marks invalid or missing settings at connect time.
	ErrorKindConfiguration ErrorKind = "ConfigurationError"
	// ErrorKindConnection marks failures to reach the storage backend.
	ErrorKindConnection ErrorKind = "ConnectionError"
	// ErrorKindNotConnected marks operations attempted outside the Connected state.
	ErrorKindNotConnected ErrorKind = "NotConnectedError"
	// ErrorKindQuery marks validation or execution failures inside one query.
	ErrorKindQuery ErrorKind = "QueryError"
	// ErrorKindCancelled marks deadline expiry or explicit cancellation.
	ErrorKindCancelled ErrorKind = "CancelledError"
	// ErrorKindFatal marks unrecoverable invariant violations; the engine is
	// poisoned and must be rebuilt by the caller.
	ErrorKindFatal ErrorKind = "Fatal"
)

// EngineError is the tagged result of a failed lifecycle or query operation.
// Meta carries only payload safe to cross the host boundary; stack-level
// diagnostics stay in the telemetry stream.
type EngineError struct {
	Kind    ErrorKind
	Message string
	Meta    map[string]string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for EngineError.
func (e *EngineError) Is(target error) bool {
	switch e.Kind {
	case ErrorKindNotConnected:
		return target == ErrNotConnected
	case ErrorKindCancelled:
		return target == ErrCancelled
	case ErrorKindFatal:
		return target == ErrPoisoned
	}
	return false
}

// newEngineError creates a new EngineError.
func newEngineError(kind ErrorKind, message string, cause error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// BoundaryError is the serialized shape of an EngineError crossing the host
// boundary. Internal exception detail is never included.
type BoundaryError struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Boundary converts an EngineError to its cross-boundary representation.
func (e *EngineError) Boundary() BoundaryError {
	return BoundaryError{
		Kind:    string(e.Kind),
		Message: e.Message,
		Meta:    e.Meta,
	}
}

// MarshalBoundary serializes any error for the host boundary. Non-engine
// errors are translated first so a raw internal type never escapes.
func MarshalBoundary(err error) []byte {
	b, mErr := json.Marshal(translateError(err).Boundary())
	if mErr != nil {
		return []byte(`{"kind":"Fatal","message":"error serialization failed"}`)
	}
	return b
}

// translateError maps an arbitrary failure to the EngineError taxonomy.
// Already-translated errors pass through unchanged.
func translateError(err error) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}

	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		if errors.Is(execErr.Cause, context.Canceled) || errors.Is(execErr.Cause, context.DeadlineExceeded) {
			return newEngineError(ErrorKindCancelled, "query cancelled during execution", err)
		}
		return newEngineError(ErrorKindQuery, execErr.Message, err)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return newEngineError(ErrorKindCancelled, "query deadline exceeded or cancelled", err)
	case errors.Is(err, ErrAcquireTimeout), errors.Is(err, ErrPoolDraining):
		return newEngineError(ErrorKindConnection, err.Error(), err)
	case errors.Is(err, ErrPoolCorrupted), errors.Is(err, ErrPoisoned):
		return newEngineError(ErrorKindFatal, err.Error(), err)
	case errors.Is(err, ErrNotConnected):
		return newEngineError(ErrorKindNotConnected, err.Error(), err)
	default:
		return newEngineError(ErrorKindQuery, err.Error(), err)
	}
}

// ExecutorError reports a failure inside a specific execution step.
type ExecutorError struct {
	Step    int
	Message string
	Cause   error
}

func (e *ExecutorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("executor step %d: %s: %v", e.Step, e.Message, e.Cause)
	}
	return fmt.Sprintf("executor step %d: %s", e.Step, e.Message)
}

func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// newExecutorError creates a new ExecutorError.
func newExecutorError(step int, message string, cause error) *ExecutorError {
	return &ExecutorError{
		Step:    step,
		Message: message,
		Cause:   cause,
	}
}
