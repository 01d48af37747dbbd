// Package errors defines the categorized error taxonomy surfaced by the broker.
package errors

import "fmt"

// Kind categorizes why a broker run failed to deliver a validated task batch.
type Kind string

const (
	// KindSpawnFailed means the agent child process could not be started.
	KindSpawnFailed Kind = "spawn_failed"
	// KindProtocolInitFailed means initialize/session.new/prompt was rejected by the agent.
	KindProtocolInitFailed Kind = "protocol_init_failed"
	// KindNoTasksReturned means the agent exited without ever submitting tasks.
	KindNoTasksReturned Kind = "no_tasks_returned"
	// KindValidationFailed means the Task Validator rejected the captured batch.
	KindValidationFailed Kind = "validation_failed"
	// KindTimedOut means the wall-clock timeout elapsed before the agent finished.
	KindTimedOut Kind = "timed_out"
	// KindCancelled means the caller's cancellation signal tripped.
	KindCancelled Kind = "cancelled"
	// KindWorkerCrashed means the background orchestration goroutine died.
	KindWorkerCrashed Kind = "worker_crashed"
)

// BrokerError is the single error type returned by GenerateTasks. Context
// carries the kind-specific payload named in the error taxonomy: command and
// argv for SpawnFailed, the full log/messages/thoughts for NoTasksReturned,
// the rule name for ValidationFailed, elapsed seconds for TimedOut, and so on.
type BrokerError struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Cause
}

// New builds a BrokerError with an empty context map ready for With calls.
func New(kind Kind, message string) *BrokerError {
	return &BrokerError{Kind: kind, Message: message, Context: map[string]any{}}
}

// Wrap builds a BrokerError around an underlying error.
func Wrap(kind Kind, message string, cause error) *BrokerError {
	return &BrokerError{Kind: kind, Message: message, Cause: cause, Context: map[string]any{}}
}

// With attaches a context value and returns the receiver for chaining.
func (e *BrokerError) With(key string, value any) *BrokerError {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}
