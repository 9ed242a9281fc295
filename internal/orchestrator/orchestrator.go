package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarmonit/a2a-exec/internal/agentapi"
	"github.com/scarmonit/a2a-exec/internal/engine"
	"github.com/scarmonit/a2a-exec/internal/errs"
	"github.com/scarmonit/a2a-exec/internal/events"
	"github.com/scarmonit/a2a-exec/internal/logging"
	"github.com/scarmonit/a2a-exec/internal/registry"
)

// Config parameterizes an Orchestrator.
type Config struct {
	DefaultMinConfidence float64 // default 0.5
	HistorySize int // default 100
}

// Orchestrator owns every TaskExecution it creates for the duration of
// execution (lifecycle-ownership rule), then hands it to a
// bounded history ring.
type Orchestrator struct {
	cfg Config
	reg *registry.Registry
	planner Planner
	eng *engine.Engine
	sink events.Sink
	log logging.Logger

	mu sync.Mutex
	active map[string]*TaskExecution
	history []Snapshot // ring buffer, oldest overwritten first
	histPos int
}

func New(cfg Config, reg *registry.Registry, planner Planner, eng *engine.Engine, sink events.Sink, log logging.Logger) *Orchestrator {
	if cfg.DefaultMinConfidence <= 0 {
		cfg.DefaultMinConfidence = 0.5
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if log == nil {
		log = logging.Nop{}
	}
	return &Orchestrator{
		cfg: cfg,
		reg: reg,
		planner: planner,
		eng: eng,
		sink: sink,
		log: log.WithComponent("orchestrator"),
		active: make(map[string]*TaskExecution),
		history: make([]Snapshot, 0, cfg.HistorySize),
	}
}

// Submit runs the full planning pipeline for req and launches
// execution in the background, returning a live handle immediately.
func (o *Orchestrator) Submit(ctx context.Context, req TaskRequest, approve ApprovalFunc) (*TaskExecution, error) {
	taskID := uuid.NewString()
	t := &TaskExecution{
		TaskID: taskID,
		Description: req.Description,
		Status: StatusPending,
		CreatedAt: time.Now(),
	}

	o.mu.Lock()
	o.active[taskID] = t
	o.mu.Unlock()

	minConfidence := req.MinConfidence
	if minConfidence <= 0 {
		minConfidence = o.cfg.DefaultMinConfidence
	}

	var specs []engine.StepSpec
	if req.Plan != nil {
		specs = req.Plan
		t.Confidence = 1
	} else {
		t.Status = StatusAnalyzing
		o.sink.Publish(events.Event{Type: events.ContextAnalyzed, TaskID: taskID, Timestamp: time.Now()})

		reqs, err := o.planner.Analyze(ctx, req.Description)
		if err != nil {
			return o.failTask(t, errs.Wrap(errs.Fatal, "orchestrator.Submit", err))
		}

		t.Status = StatusPlanning
		candidates := o.reg.Snapshot()
		scores := scoreAgents(reqs, candidates)
		specs = buildPlanSpecs(reqs, scores)
		t.Confidence = confidence(scores)

		if t.Confidence < minConfidence {
			return o.failTask(t, errs.New(errs.LowConfidence, "orchestrator.Submit", "plan confidence below minConfidence"))
		}
	}

	plan, err := engine.NewPlan(taskID, specs, req.Context)
	if err != nil {
		return o.failTask(t, err)
	}
	t.Plan = plan
	o.sink.Publish(events.Event{Type: events.PlanCreated, TaskID: taskID, Timestamp: time.Now()})

	if req.RequireApproval {
		t.Status = StatusPlanning
		if approve == nil || !approve(t) {
			return o.cancelTask(t)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.Status = StatusDeploying

	go o.run(runCtx, t)

	return t, nil
}

func (o *Orchestrator) run(ctx context.Context, t *TaskExecution) {
	o.mu.Lock()
	t.Status = StatusExecuting
	t.StartedAt = time.Now()
	o.mu.Unlock()

	o.sink.Publish(events.Event{Type: events.TaskStarted, TaskID: t.TaskID, Timestamp: time.Now()})

	err := o.eng.Run(ctx, t.Plan, t.TaskID)

	o.mu.Lock()
	t.FinishedAt = time.Now()
	switch {
	case err == nil:
		t.Status = StatusCompleted
	case errs.KindOf(err) == errs.Cancelled:
		t.Status = StatusCancelled
		t.Error = err
	default:
		t.Status = StatusFailed
		t.Error = err
	}
	o.retireLocked(t)
	o.mu.Unlock()
}

// failTask marks t failed before it ever reaches the engine (planning
// failures never get to "executing").
func (o *Orchestrator) failTask(t *TaskExecution, err error) (*TaskExecution, error) {
	o.mu.Lock()
	t.Status = StatusFailed
	t.Error = err
	t.FinishedAt = time.Now()
	o.retireLocked(t)
	o.mu.Unlock()
	return t, err
}

func (o *Orchestrator) cancelTask(t *TaskExecution) (*TaskExecution, error) {
	o.mu.Lock()
	t.Status = StatusCancelled
	t.FinishedAt = time.Now()
	o.retireLocked(t)
	o.mu.Unlock()
	return t, errs.New(errs.Cancelled, "orchestrator.Submit", "rejected by approval callback")
}

// retireLocked must be called with mu held: it moves a terminal task from
// the active map into the bounded history ring.
func (o *Orchestrator) retireLocked(t *TaskExecution) {
	delete(o.active, t.TaskID)
	snap := t.toSnapshot()
	if len(o.history) < cap(o.history) {
		o.history = append(o.history, snap)
	} else {
		o.history[o.histPos] = snap
		o.histPos = (o.histPos + 1) % cap(o.history)
	}
}

// Cancel fires the task's cancellation signal. Already-terminal tasks
// return ErrAlreadyTerminal; unknown ids return ErrTaskNotFound.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	t, ok := o.active[taskID]
	var terminal bool
	if ok {
		terminal = t.Status.Terminal()
	} else {
		for _, h := range o.history {
			if h.TaskID == taskID {
				terminal = true
				break
			}
		}
	}
	o.mu.Unlock()

	if !ok && !terminal {
		return errs.Wrap(errs.NotFound, "orchestrator.Cancel", errs.ErrTaskNotFound)
	}
	if terminal {
		return errs.Wrap(errs.Invalid, "orchestrator.Cancel", errs.ErrAlreadyTerminal)
	}

	if t.cancel != nil {
		t.cancel()
	}
	o.sink.Publish(events.Event{Type: events.TaskCancelled, TaskID: taskID, Timestamp: time.Now()})
	return nil
}

// Shutdown cancels every currently active task (shutdown
// sequence: stop accepting, then cancel in-flight work before draining).
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id, t := range o.active {
		if !t.Status.Terminal() && t.cancel != nil {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		_ = o.Cancel(id)
	}
}

// Get returns the live handle for taskID, or (nil, false) if it is not
// currently active (it may still be in History).
func (o *Orchestrator) Get(taskID string) (*TaskExecution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.active[taskID]
	return t, ok
}

// ListActive returns a snapshot of every currently non-terminal task.
func (o *Orchestrator) ListActive() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Snapshot, 0, len(o.active))
	for _, t := range o.active {
		out = append(out, t.toSnapshot())
	}
	return out
}

// History returns up to n of the most recently retired tasks, most recent
// first.
func (o *Orchestrator) History(n int) []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	total := len(o.history)
	if n <= 0 || n > total {
		n = total
	}

	out := make([]Snapshot, 0, n)
	// Walk backwards from the most recently written slot.
	start := o.histPos - 1
	if len(o.history) < cap(o.history) {
		start = len(o.history) - 1
	}
	for i := 0; i < n; i++ {
		idx := start - i
		for idx < 0 {
			idx += len(o.history)
		}
		out = append(out, o.history[idx])
	}
	return out
}

// DispatcherFromRegistry builds an agentapi.Invoker that resolves
// (agentId, capability) against handlers registered out-of-band — the
// registry itself only carries descriptors, not callable code.
func DispatcherFromRegistry(lookup agentapi.LookupFunc) *agentapi.Dispatcher {
	return agentapi.NewDispatcher(lookup)
}
