package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarmonit/a2a-exec/internal/agentapi"
	"github.com/scarmonit/a2a-exec/internal/breaker"
	"github.com/scarmonit/a2a-exec/internal/errs"
	"github.com/scarmonit/a2a-exec/internal/events"
	"github.com/scarmonit/a2a-exec/internal/logging"
	"github.com/scarmonit/a2a-exec/internal/ratelimit"
)

// recordingSink captures every emitted event for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) byType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testEngine(invoker agentapi.Invoker, sink events.Sink) *Engine {
	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerInterval: 100, Interval: time.Second}, logging.Nop{}, nil)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	return New(Config{MaxParallelSteps: 4, StepTimeoutMsDefault: 5 * time.Second}, limiter, breakers, invoker, sink, logging.Nop{})
}

func dispatcherOf(handlers map[string]agentapi.Handler) *agentapi.Dispatcher {
	return agentapi.NewDispatcher(func(agentID, capability string) (agentapi.Handler, bool) {
		h, ok := handlers[agentID+"/"+capability]
		return h, ok
	})
}

func TestLinearChain(t *testing.T) {
	disp := dispatcherOf(map[string]agentapi.Handler{
		"echo/run": agentapi.EchoHandler,
	})
	sink := &recordingSink{}
	e := testEngine(disp, sink)

	plan, err := NewPlan("t1", []StepSpec{
		{StepID: "a", AgentID: "echo", Capability: "run", Input: "first"},
		{StepID: "b", AgentID: "echo", Capability: "run", Dependencies: []string{"a"}, Input: "second"},
		{StepID: "c", AgentID: "echo", Capability: "run", Dependencies: []string{"b"}, Input: "third"},
	}, nil)
	require.NoError(t, err)

	err = e.Run(context.Background(), plan, "t1")
	require.NoError(t, err)

	assert.Equal(t, Succeeded, plan.Get("a").snapshot().Status)
	assert.Equal(t, Succeeded, plan.Get("b").snapshot().Status)
	assert.Equal(t, Succeeded, plan.Get("c").snapshot().Status)

	// b must not have started before a finished.
	bStart := plan.Get("b").snapshot().StartedAt
	aFinish := plan.Get("a").snapshot().FinishedAt
	assert.True(t, !bStart.Before(aFinish))

	assert.Len(t, sink.byType(events.TaskCompleted), 1)
}

func TestParallelGroupConcurrencyCap(t *testing.T) {
	var inFlight int32
	var maxInFlight int32

	trackingHandler := func(ctx context.Context, input interface{}) (interface{}, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return "ok", nil
	}

	disp := dispatcherOf(map[string]agentapi.Handler{"worker/run": trackingHandler})
	e := testEngine(disp, events.NopSink{})
	e.cfg.MaxParallelSteps = 2

	specs := make([]StepSpec, 0, 6)
	for i := 0; i < 6; i++ {
		specs = append(specs, StepSpec{StepID: "s" + string(rune('a'+i)), AgentID: "worker", Capability: "run", ParallelGroup: "g1"})
	}
	plan, err := NewPlan("t2", specs, nil)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), plan, "t2"))

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxInFlight)), 2)
	assert.True(t, plan.AllTerminal())
}

func TestRetryThenSucceed(t *testing.T) {
	flaky := agentapi.NewFlakyHandler(2)
	disp := dispatcherOf(map[string]agentapi.Handler{"worker/run": flaky.Handle("step-a")})
	sink := &recordingSink{}
	e := testEngine(disp, sink)

	plan, err := NewPlan("t3", []StepSpec{
		{StepID: "a", AgentID: "worker", Capability: "run", MaxAttempts: 5, BackoffBaseMs: 5},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), plan, "t3"))

	step := plan.Get("a").snapshot()
	assert.Equal(t, Succeeded, step.Status)
	assert.Equal(t, 3, step.Attempt)
}

// fakeNetError is a minimal net.Error fake, independent of any real
// socket, for exercising classify's network-error branch.
type fakeNetError struct {
	msg     string
	timeout bool
}

func (e *fakeNetError) Error() string   { return e.msg }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

func TestClassifyRawNetworkErrorWithTimeout(t *testing.T) {
	kind := classify(&fakeNetError{msg: "dial tcp: i/o timeout", timeout: true}, context.Background())
	assert.Equal(t, errs.Timeout, kind)
}

func TestClassifyRawNetworkErrorWithoutTimeout(t *testing.T) {
	kind := classify(&fakeNetError{msg: "connection reset by peer"}, context.Background())
	assert.Equal(t, errs.Transient, kind)
}

func TestClassifyRawTimeoutMessage(t *testing.T) {
	kind := classify(errors.New("request timeout"), context.Background())
	assert.Equal(t, errs.Timeout, kind)
}

func TestClassifyRawUnknownErrorDefaultsToFatal(t *testing.T) {
	kind := classify(errors.New("something broke"), context.Background())
	assert.Equal(t, errs.Fatal, kind)
}

// TestRetryThenSucceedWithRawError confirms a raw, non-TaskError failure
// (the shape a real Invoker over HTTP/gRPC would actually return) is
// still recognized as retryable end to end, not just via classify in
// isolation.
func TestRetryThenSucceedWithRawError(t *testing.T) {
	var calls int32
	handler := func(context.Context, interface{}) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, errors.New("upstream request timeout")
		}
		return map[string]interface{}{"ok": true}, nil
	}
	disp := dispatcherOf(map[string]agentapi.Handler{"worker/run": handler})
	sink := &recordingSink{}
	e := testEngine(disp, sink)

	plan, err := NewPlan("t3b", []StepSpec{
		{StepID: "a", AgentID: "worker", Capability: "run", MaxAttempts: 5, BackoffBaseMs: 5},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), plan, "t3b"))

	step := plan.Get("a").snapshot()
	assert.Equal(t, Succeeded, step.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAbortOnFailureCascades(t *testing.T) {
	disp := dispatcherOf(map[string]agentapi.Handler{
		"echo/run":    agentapi.EchoHandler,
		"bad/run":     agentapi.FailingHandler(errs.Fatal, "boom"),
	})
	sink := &recordingSink{}
	e := testEngine(disp, sink)

	plan, err := NewPlan("t4", []StepSpec{
		{StepID: "a", AgentID: "bad", Capability: "run", OnFailure: OnFailureAbort, MaxAttempts: 1},
		{StepID: "b", AgentID: "echo", Capability: "run", Dependencies: []string{"a"}},
	}, nil)
	require.NoError(t, err)

	err = e.Run(context.Background(), plan, "t4")
	require.Error(t, err)

	assert.Equal(t, Failed, plan.Get("a").snapshot().Status)
	assert.Equal(t, Cancelled, plan.Get("b").snapshot().Status)
	assert.Len(t, sink.byType(events.TaskFailed), 1)
}

func TestOnFailureSkipAllowsDownstreamViaGuard(t *testing.T) {
	disp := dispatcherOf(map[string]agentapi.Handler{
		"echo/run": agentapi.EchoHandler,
		"bad/run":  agentapi.FailingHandler(errs.Fatal, "boom"),
	})
	e := testEngine(disp, events.NopSink{})

	plan, err := NewPlan("t5", []StepSpec{
		{StepID: "a", AgentID: "bad", Capability: "run", OnFailure: OnFailureSkip, MaxAttempts: 1},
		{StepID: "b", AgentID: "echo", Capability: "run", Dependencies: []string{"a"}},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), plan, "t5"))

	assert.Equal(t, Skipped, plan.Get("a").snapshot().Status)
	assert.Equal(t, Succeeded, plan.Get("b").snapshot().Status)
}
