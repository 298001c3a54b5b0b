// Package swarmerr provides the structured error taxonomy shared by every
// orchestration component. Errors carry a Kind discriminator so schedulers
// and reviewers can branch on failure category without string matching,
// while still chaining through errors.Is/As.
package swarmerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure for the Scheduler and Reviewer's decision logic.
type Kind string

const (
	// KindModelTransport covers network/transport failures talking to the Model Gateway.
	KindModelTransport Kind = "model_transport"
	// KindRateLimit covers provider rate-limiting responses.
	KindRateLimit Kind = "rate_limit"
	// KindTimeout covers per-step or per-task deadline expiry.
	KindTimeout Kind = "timeout"
	// KindCancelled covers cooperative cancellation via context.
	KindCancelled Kind = "cancelled"
	// KindToolBudgetExhausted covers exhaustion of the per-task tool-call budget.
	KindToolBudgetExhausted Kind = "tool_budget_exhausted"
	// KindToolHandlerError covers a tool handler returning an error (non-fatal, surfaced to the model).
	KindToolHandlerError Kind = "tool_handler_error"
	// KindInvalidOutput covers a step producing unparseable output after a valid completion.
	KindInvalidOutput Kind = "invalid_output"
	// KindPlanUnparseable covers the Supervisor failing to produce a parsable plan.
	KindPlanUnparseable Kind = "plan_unparseable"
	// KindDependencyUnsatisfied covers the internal invariant violation of running a step
	// whose dependencies are not all completed. Treated as a bug: aborts the task.
	KindDependencyUnsatisfied Kind = "dependency_unsatisfied"
	// KindCycleDetected covers a flow mutation that would introduce a dependency cycle.
	KindCycleDetected Kind = "cycle_detected"
)

// Error is the structured failure type threaded through steps, tasks, and the
// library Result. It preserves a message, Kind, and an optional cause chain.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Errorf formats a message and returns it as an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

// Unwrap supports errors.Is/As across the cause chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// As reports whether err is (or wraps) a *Error, returning it if so.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is a *Error, or "" otherwise.
func KindOf(err error) Kind {
	if se, ok := As(err); ok {
		return se.Kind
	}
	return ""
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	se, ok := As(err)
	return ok && se.Kind == kind
}
