// Package errs defines the closed error-kind taxonomy shared by the engine,
// orchestrator and bus, following the sentinel-error style of a registry
// package this codebase's conventions are modeled on.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed taxonomy of error classes surfaced by the engine and
// orchestrator. It is intentionally closed: callers switch over it instead
// of pattern-matching on message strings.
type Kind string

const (
	Invalid Kind = "Invalid"
	NotFound Kind = "NotFound"
	Permission Kind = "PermissionDenied"
	RateLimited Kind = "RateLimited"
	Timeout Kind = "Timeout"
	Transient Kind = "Transient"
	Fatal Kind = "Fatal"
	Cancelled Kind = "Cancelled"
	LowConfidence Kind = "LowConfidence"
	Overloaded Kind = "Overloaded"
)

// Retryable reports whether a failure of this kind should be retried by the
// engine's step-execution loop (step 4).
func (k Kind) Retryable() bool {
	switch k {
	case Timeout, RateLimited, Transient:
		return true
	default:
		return false
	}
}

// TaskError carries a Kind alongside a human message and an optional
// step/task identifier for correlation across the stream and HTTP surfaces.
type TaskError struct {
	Kind Kind
	Op string
	StepID string
	Message string
	Err error
}

func (e *TaskError) Error() string {
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *TaskError) Unwrap() error { return e.Err }

// New builds a TaskError of the given kind.
func New(kind Kind, op, message string) *TaskError {
	return &TaskError{Kind: kind, Op: op, Message: message}
}

// Wrap builds a TaskError of the given kind around an underlying error.
func Wrap(kind Kind, op string, err error) *TaskError {
	if err == nil {
		return nil
	}
	return &TaskError{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// KindOf extracts the Kind carried by err, defaulting to Fatal when err
// does not carry one of our own TaskError values.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return Fatal
}

// Sentinel errors for direct errors.Is comparisons in the registry and
// engine.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentAlreadyExists = errors.New("agent already exists")
	ErrCapabilityNotFound = errors.New("capability not found")
	ErrDependencyCycle = errors.New("plan dependency graph contains a cycle")
	ErrDanglingDependency = errors.New("step references an unknown dependency")
	ErrDuplicateStepID = errors.New("duplicate step id in plan")
	ErrTaskNotFound = errors.New("task not found")
	ErrAlreadyTerminal = errors.New("task already in a terminal state")
	ErrQueueExhausted = errors.New("worker pool exhausted past queue deadline")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrInvalidToken = errors.New("invalid or missing stream token")
	ErrGuardParse = errors.New("guard expression could not be parsed")
)
