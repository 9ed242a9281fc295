// Package engine implements the Parallel Execution Engine: a bounded
// worker pool that drives a dependency-ordered plan to completion, with
// priority scheduling, token-bucket rate limiting, exponential backoff
// retries and at-least-once step semantics. The DAG validation follows
// a WorkflowDAG-style cycle-detection pattern.
package engine

import (
	"sync"
	"time"

	"github.com/scarmonit/a2a-exec/internal/errs"
	"github.com/scarmonit/a2a-exec/internal/expr"
)

// Status is a Step's position in the state machine.
type Status string

const (
	Pending Status = "pending"
	Ready Status = "ready"
	Running Status = "running"
	Succeeded Status = "succeeded"
	Failed Status = "failed"
	Skipped Status = "skipped"
	Cancelled Status = "cancelled"
)

// Terminal reports whether s is one of the four terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case Succeeded, Failed, Skipped, Cancelled:
		return true
	default:
		return false
	}
}

// OnFailure is a step's policy for a terminal (non-retriable, or
// retries-exhausted) failure.
type OnFailure string

const (
	OnFailureRetry OnFailure = "retry"
	OnFailureSkip OnFailure = "skip"
	OnFailureAbort OnFailure = "abort"
)

// StepSpec is the caller-supplied, immutable description of one step;
// NewPlan compiles StepSpecs (including guard expressions) into Steps.
type StepSpec struct {
	StepID string
	Name string
	AgentID string
	Capability string
	Priority int
	ParallelGroup string
	Dependencies []string
	MaxAttempts int
	BackoffBaseMs int
	TimeoutMs int
	OnFailure OnFailure
	RunIf string
	SkipIf string
	Input interface{}
}

// Step is one scheduled unit of work, mutated only by the worker currently
// executing it between acquisition and release (ownership rule).
type Step struct {
	StepID string
	Name string
	AgentID string
	Capability string
	Priority int
	ParallelGroup string
	Dependencies []string
	MaxAttempts int
	BackoffBaseMs int
	TimeoutMs int
	OnFailure OnFailure
	RunIf *expr.Expr
	SkipIf *expr.Expr
	Input interface{}

	mu sync.Mutex
	Status Status
	Attempt int
	Result interface{}
	ErrorKind errs.Kind
	ErrorMessage string
	EnqueuedAt time.Time
	StartedAt time.Time
	FinishedAt time.Time
}

func (s *Step) snapshot() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s
	cp.mu = sync.Mutex{}
	return cp
}

// Snapshot is the exported form of snapshot, for readers outside the
// package (history ring, orchestrator API surface).
func (s *Step) Snapshot() Step { return s.snapshot() }

// Plan is a dependency DAG of Steps plus shared, monotonically-growing
// context. Context is written on step success (and with a nil result when
// a step is skipped), merged through a single serialized path
// (MergeContext), and read via a
// copy-on-read snapshot so concurrent workers never observe a torn map.
type Plan struct {
	PlanID string
	Steps []*Step

	byID map[string]*Step

	ctxMu sync.RWMutex
	context map[string]interface{}
}

// NewPlan validates specs into a DAG and compiles guard expressions,
// rejecting cycles, dangling dependencies and duplicate step ids as
// errs.Invalid at construction time.
func NewPlan(planID string, specs []StepSpec, initialContext map[string]interface{}) (*Plan, error) {
	byID := make(map[string]*Step, len(specs))
	steps := make([]*Step, 0, len(specs))

	for _, spec := range specs {
		if spec.StepID == "" {
			return nil, errs.New(errs.Invalid, "engine.NewPlan", "step id must not be empty")
		}
		if _, dup := byID[spec.StepID]; dup {
			return nil, errs.Wrap(errs.Invalid, "engine.NewPlan", errs.ErrDuplicateStepID)
		}

		step := &Step{
			StepID: spec.StepID,
			Name: spec.Name,
			AgentID: spec.AgentID,
			Capability: spec.Capability,
			Priority: spec.Priority,
			ParallelGroup: spec.ParallelGroup,
			Dependencies: append([]string(nil), spec.Dependencies...),
			MaxAttempts: maxInt(spec.MaxAttempts, 1),
			BackoffBaseMs: spec.BackoffBaseMs,
			TimeoutMs: spec.TimeoutMs,
			OnFailure: defaultOnFailure(spec.OnFailure),
			Input: spec.Input,
			Status: Pending,
		}

		if spec.RunIf != "" {
			e, err := expr.Parse(spec.RunIf)
			if err != nil {
				return nil, err
			}
			step.RunIf = e
		}
		if spec.SkipIf != "" {
			e, err := expr.Parse(spec.SkipIf)
			if err != nil {
				return nil, err
			}
			step.SkipIf = e
		}

		byID[step.StepID] = step
		steps = append(steps, step)
	}

	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, errs.Wrap(errs.Invalid, "engine.NewPlan", errs.ErrDanglingDependency)
			}
		}
	}

	if err := detectCycle(steps); err != nil {
		return nil, err
	}

	ctx := make(map[string]interface{}, len(initialContext))
	for k, v := range initialContext {
		ctx[k] = v
	}

	return &Plan{PlanID: planID, Steps: steps, byID: byID, context: ctx}, nil
}

func defaultOnFailure(of OnFailure) OnFailure {
	if of == "" {
		return OnFailureRetry
	}
	return of
}

func maxInt(n, floor int) int {
	if n < floor {
		return floor
	}
	return n
}

// detectCycle runs DFS over the dependency graph (not the dependents
// graph), matching the "every dependency must already be terminal before
// dispatch" direction that execution follows.
func detectCycle(steps []*Step) error {
	const (
		white = 0
		gray = 1
		black = 2
	)
	byID := make(map[string]*Step, len(steps))
	color := make(map[string]int, len(steps))
	for _, s := range steps {
		byID[s.StepID] = s
		color[s.StepID] = white
	}

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, s := range steps {
		if color[s.StepID] == white {
			if visit(s.StepID) {
				return errs.Wrap(errs.Invalid, "engine.NewPlan", errs.ErrDependencyCycle)
			}
		}
	}
	return nil
}

// Get returns the step with the given id, or nil.
func (p *Plan) Get(stepID string) *Step { return p.byID[stepID] }

// ContextSnapshot returns a shallow copy of the plan context for
// placeholder rendering, so a reader never observes a write mid-merge.
func (p *Plan) ContextSnapshot() map[string]interface{} {
	p.ctxMu.RLock()
	defer p.ctxMu.RUnlock()
	out := make(map[string]interface{}, len(p.context))
	for k, v := range p.context {
		out[k] = v
	}
	return out
}

// MergeContext writes key=value into the shared context. Context only
// grows ("monotonically-growing" invariant) — callers merge
// step results in, they never delete.
func (p *Plan) MergeContext(key string, value interface{}) {
	p.ctxMu.Lock()
	defer p.ctxMu.Unlock()
	p.context[key] = value
}

// AllTerminal reports whether every step in the plan has reached a
// terminal status.
func (p *Plan) AllTerminal() bool {
	for _, s := range p.Steps {
		if !s.snapshot().Status.Terminal() {
			return false
		}
	}
	return true
}
