package agentapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/scarmonit/a2a-exec/internal/errs"
)

// EchoHandler returns {"echoed": input} unchanged, used by simple
// linear-chain and parallel-group test fixtures.
func EchoHandler(_ context.Context, input interface{}) (interface{}, error) {
	return map[string]interface{}{"echoed": input}, nil
}

// FlakyHandler fails with Transient the first failCount times it's called
// for a given key, then succeeds, for exercising the "retry then succeed" path.
// Safe for concurrent use across independent keys.
type FlakyHandler struct {
	mu sync.Mutex
	calls map[string]int
	failN int
}

func NewFlakyHandler(failCount int) *FlakyHandler {
	return &FlakyHandler{calls: make(map[string]int), failN: failCount}
}

func (f *FlakyHandler) Handle(key string) Handler {
	return func(_ context.Context, input interface{}) (interface{}, error) {
		f.mu.Lock()
		f.calls[key]++
		n := f.calls[key]
		f.mu.Unlock()

		if n <= f.failN {
			return nil, errs.New(errs.Transient, "agentapi.flaky", "simulated transient failure")
		}
		return map[string]interface{}{"echoed": input, "attempt": n}, nil
	}
}

// DelayHandler sleeps for d (respecting ctx cancellation) before echoing
// its input back; used to exercise timeouts and parallel concurrency caps.
func DelayHandler(d time.Duration) Handler {
	return func(ctx context.Context, input interface{}) (interface{}, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Cancelled, "agentapi.delay", ctx.Err())
		case <-timer.C:
			return map[string]interface{}{"echoed": input}, nil
		}
	}
}

// FailingHandler always fails with the given kind, for exercising the
// abort-on-failure path.
func FailingHandler(kind errs.Kind, message string) Handler {
	return func(context.Context, interface{}) (interface{}, error) {
		return nil, errs.New(kind, "agentapi.failing", message)
	}
}

// RawErrorHandler always fails with a bare error (not an *errs.TaskError),
// the way a real Invoker wired to an external agent over HTTP/gRPC would
// when it hasn't bothered classifying its own failures. Used to exercise
// the engine's message/type-based classification heuristic.
func RawErrorHandler(message string) Handler {
	return func(context.Context, interface{}) (interface{}, error) {
		return nil, errors.New(message)
	}
}
