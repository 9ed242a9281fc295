package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarmonit/a2a-exec/internal/agentapi"
	"github.com/scarmonit/a2a-exec/internal/breaker"
	"github.com/scarmonit/a2a-exec/internal/engine"
	"github.com/scarmonit/a2a-exec/internal/errs"
	"github.com/scarmonit/a2a-exec/internal/events"
	"github.com/scarmonit/a2a-exec/internal/logging"
	"github.com/scarmonit/a2a-exec/internal/ratelimit"
	"github.com/scarmonit/a2a-exec/internal/registry"
)

func seedRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	err := reg.Register(context.Background(), registry.Descriptor{
		AgentID:  "scraper-1",
		Name:     "Scraper",
		Category: "scraping",
		Tags:     []string{"web"},
		Enabled:  true,
		Capabilities: []registry.Capability{
			{Name: "fetch"}, {Name: "scrape"},
		},
	})
	require.NoError(t, err)
	return reg
}

func testEngineWithEcho() *engine.Engine {
	disp := agentapi.NewDispatcher(func(agentID, capability string) (agentapi.Handler, bool) {
		return agentapi.EchoHandler, true
	})
	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerInterval: 100, Interval: time.Second}, logging.Nop{}, nil)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	return engine.New(engine.Config{MaxParallelSteps: 4, StepTimeoutMsDefault: 5 * time.Second}, limiter, breakers, disp, events.NopSink{}, logging.Nop{})
}

func waitTerminal(t *testing.T, o *Orchestrator, taskID string, timeout time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range o.History(0) {
			if s.TaskID == taskID {
				return s
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state in time", taskID)
	return Snapshot{}
}

func TestSubmitWithExplicitPlanRunsToCompletion(t *testing.T) {
	reg := seedRegistry(t)
	o := New(Config{}, reg, NewStubPlanner(reg), testEngineWithEcho(), events.NopSink{}, logging.Nop{})

	te, err := o.Submit(context.Background(), TaskRequest{
		Plan: []engine.StepSpec{
			{StepID: "a", AgentID: "scraper-1", Capability: "fetch"},
		},
	}, nil)
	require.NoError(t, err)

	snap := waitTerminal(t, o, te.TaskID, time.Second)
	assert.Equal(t, StatusCompleted, snap.Status)
}

func TestSubmitNaturalLanguageBuildsScoredPlan(t *testing.T) {
	reg := seedRegistry(t)
	o := New(Config{}, reg, NewStubPlanner(reg), testEngineWithEcho(), events.NopSink{}, logging.Nop{})

	te, err := o.Submit(context.Background(), TaskRequest{
		Description: "please fetch and scrape the scraping target",
	}, nil)
	require.NoError(t, err)
	assert.Greater(t, te.Confidence, 0.0)

	snap := waitTerminal(t, o, te.TaskID, time.Second)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.NotEmpty(t, snap.Steps)
}

func TestSubmitLowConfidenceRejected(t *testing.T) {
	reg := registry.New() // empty: nothing can ever score above 0.3
	o := New(Config{}, reg, NewStubPlanner(reg), testEngineWithEcho(), events.NopSink{}, logging.Nop{})

	_, err := o.Submit(context.Background(), TaskRequest{
		Description: "please deploy something",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.LowConfidence, errs.KindOf(err))
}

func TestCancelUnknownTaskNotFound(t *testing.T) {
	reg := seedRegistry(t)
	o := New(Config{}, reg, NewStubPlanner(reg), testEngineWithEcho(), events.NopSink{}, logging.Nop{})

	err := o.Cancel("no-such-task")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestHistoryRingBounded(t *testing.T) {
	reg := seedRegistry(t)
	o := New(Config{HistorySize: 2}, reg, NewStubPlanner(reg), testEngineWithEcho(), events.NopSink{}, logging.Nop{})

	var lastID string
	for i := 0; i < 5; i++ {
		te, err := o.Submit(context.Background(), TaskRequest{
			Plan: []engine.StepSpec{{StepID: "a", AgentID: "scraper-1", Capability: "fetch"}},
		}, nil)
		require.NoError(t, err)
		waitTerminal(t, o, te.TaskID, time.Second)
		lastID = te.TaskID
	}

	hist := o.History(0)
	assert.Len(t, hist, 2)
	assert.Equal(t, lastID, hist[0].TaskID)
}
