package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scarmonit/a2a-exec/internal/agentapi"
	"github.com/scarmonit/a2a-exec/internal/breaker"
	"github.com/scarmonit/a2a-exec/internal/errs"
	"github.com/scarmonit/a2a-exec/internal/events"
	"github.com/scarmonit/a2a-exec/internal/logging"
	"github.com/scarmonit/a2a-exec/internal/ratelimit"
	"github.com/scarmonit/a2a-exec/internal/template"
)

// tracer emits one span per task (Run) and one child span per step
// attempt (runStepAttempt). It resolves against whatever TracerProvider
// cmd/server registers globally via otel.SetTracerProvider; with none
// registered it's the package-wide no-op, so tracing is free when unused.
var tracer = otel.Tracer("github.com/scarmonit/a2a-exec/internal/engine")

// Config parameterizes one Engine instance.
type Config struct {
	MaxParallelSteps int
	MaxRetries int // upper bound over any per-step maxAttempts
	RetryBaseMs int // fallback backoff base when a step omits one
	StepTimeoutMsDefault time.Duration
}

// Engine drives plans to completion using a bounded worker pool, a shared
// rate limiter and a per-(agent,capability) circuit breaker registry.
type Engine struct {
	cfg Config
	limiter *ratelimit.Limiter
	breakers *breaker.Registry
	invoker agentapi.Invoker
	sink events.Sink
	log logging.Logger
}

func New(cfg Config, limiter *ratelimit.Limiter, breakers *breaker.Registry, invoker agentapi.Invoker, sink events.Sink, log logging.Logger) *Engine {
	if cfg.MaxParallelSteps < 1 {
		cfg.MaxParallelSteps = 10
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if log == nil {
		log = logging.Nop{}
	}
	return &Engine{cfg: cfg, limiter: limiter, breakers: breakers, invoker: invoker, sink: sink, log: log.WithComponent("engine")}
}

// Run drives plan to a terminal state (algorithm), emitting
// lifecycle events along the way. It returns the plan's own terminal error
// when the plan as a whole failed (onFailure=abort) or was cancelled.
func (e *Engine) Run(ctx context.Context, plan *Plan, taskID string) error {
	ctx, span := tracer.Start(ctx, "engine.task", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	planCtx, abort := context.WithCancel(ctx)
	defer abort()

	var mu sync.Mutex
	notify := make(chan struct{}, 1)
	wake := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	running := 0
	var wg sync.WaitGroup
	var planErr *errs.TaskError

	for _, s := range plan.Steps {
		s.mu.Lock()
		s.EnqueuedAt = time.Now()
		s.mu.Unlock()
	}

	for {
		mu.Lock()
		if planCtx.Err() != nil {
			e.cancelNonTerminal(plan)
		}

		e.resolveGuardsAndSkips(plan)

		ready := e.collectReady(plan)
		sortReady(ready)

		for running < e.cfg.MaxParallelSteps && len(ready) > 0 {
			step := ready[0]
			ready = ready[1:]

			step.mu.Lock()
			step.Status = Running
			step.StartedAt = time.Now()
			step.mu.Unlock()
			running++

			e.emit(events.StepStarted, taskID, step.StepID, nil)

			wg.Add(1)
			go func(s *Step) {
				defer wg.Done()
				outcome := e.runStepAttempt(planCtx, plan, s, taskID)

				mu.Lock()
				running--
				e.applyOutcome(plan, s, outcome, taskID, abort, &planErr)
				mu.Unlock()
				wake()
			}(step)
		}

		done := running == 0 && plan.AllTerminal()
		nextWake := e.nextRetryWake(plan)
		mu.Unlock()

		if done {
			break
		}

		if nextWake > 0 {
			timer := time.NewTimer(nextWake)
			select {
			case <-notify:
			case <-timer.C:
			case <-planCtx.Done():
			}
			timer.Stop()
		} else {
			select {
			case <-notify:
			case <-planCtx.Done():
			}
		}
	}

	wg.Wait()

	if planErr != nil {
		e.emit(events.TaskFailed, taskID, planErr.StepID, map[string]interface{}{
			"kind": string(planErr.Kind), "message": planErr.Message,
		})
		span.RecordError(planErr)
		span.SetStatus(codes.Error, planErr.Error())
		return planErr
	}
	if ctx.Err() != nil {
		cancelErr := errs.Wrap(errs.Cancelled, "engine.Run", ctx.Err())
		span.RecordError(cancelErr)
		span.SetStatus(codes.Error, cancelErr.Error())
		return cancelErr
	}
	e.emit(events.TaskCompleted, taskID, "", nil)
	return nil
}

// stepOutcome is the internal classification of one attempt's result.
type stepOutcome struct {
	ok bool
	result interface{}
	kind errs.Kind
	message string
	timedOut bool
}

func (e *Engine) runStepAttempt(ctx context.Context, plan *Plan, s *Step, taskID string) stepOutcome {
	s.mu.Lock()
	s.Attempt++
	attempt := s.Attempt
	agentID, capability := s.AgentID, s.Capability
	input := s.Input
	timeoutMs := s.TimeoutMs
	s.mu.Unlock()

	ctx, span := tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("step.id", s.StepID),
		attribute.String("agent.id", agentID),
		attribute.String("capability", capability),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	if ctx.Err() != nil {
		return stepOutcome{kind: errs.Cancelled, message: "plan cancelled"}
	}

	rendered := template.Render(input, plan.ContextSnapshot())

	if err := e.limiter.Acquire(ctx); err != nil {
		kind := errs.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stepOutcome{kind: kind, message: err.Error()}
	}

	var br *breaker.Breaker
	if e.breakers != nil {
		br = e.breakers.For(agentID, capability)
		if !br.Allow() {
			msg := "circuit open for " + agentID + "/" + capability
			span.SetStatus(codes.Error, msg)
			return stepOutcome{kind: errs.Overloaded, message: msg}
		}
	}

	deadline := e.stepDeadline(timeoutMs)
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	e.log.DebugContext(ctx, "invoking capability", map[string]interface{}{
		"stepId": s.StepID, "agentId": agentID, "capability": capability, "attempt": attempt,
	})

	result, err := e.invoker.Invoke(callCtx, agentID, capability, rendered)
	if err == nil {
		if br != nil {
			br.RecordSuccess()
		}
		span.SetStatus(codes.Ok, "")
		return stepOutcome{ok: true, result: result}
	}

	if br != nil {
		br.RecordFailure()
	}

	kind := classify(err, callCtx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return stepOutcome{kind: kind, message: err.Error(), timedOut: kind == errs.Timeout}
}

// classify maps an invocation error to an errs.Kind, preferring a
// carried TaskError kind but recognizing a context deadline as Timeout
// even when the handler didn't wrap it itself. An Invoker that returns a
// bare error — not a *errs.TaskError — falls through to a message/type
// heuristic rather than defaulting straight to Fatal, so a plain
// net.Error or a "request timeout" string is still retried.
func classify(err error, callCtx context.Context) errs.Kind {
	if callCtx.Err() == context.DeadlineExceeded {
		return errs.Timeout
	}
	if callCtx.Err() == context.Canceled {
		return errs.Cancelled
	}

	var te *errs.TaskError
	if errors.As(err, &te) {
		return te.Kind
	}

	return classifyHeuristic(err)
}

// classifyHeuristic recognizes a network error or a timeout-flavored
// message from an Invoker that doesn't bother wrapping its errors in an
// errs.TaskError, so the engine still retries transient failures instead
// of treating every unrecognized error as Fatal.
func classifyHeuristic(err error) errs.Kind {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errs.Timeout
		}
		return errs.Transient
	}

	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return errs.Timeout
	}

	return errs.Fatal
}

func (e *Engine) stepDeadline(stepTimeoutMs int) time.Duration {
	d := e.cfg.StepTimeoutMsDefault
	if stepTimeoutMs > 0 {
		stepD := time.Duration(stepTimeoutMs) * time.Millisecond
		if stepD < d || d <= 0 {
			d = stepD
		}
	}
	if d <= 0 {
		d = 60 * time.Second
	}
	return d
}

// applyOutcome must be called with mu held; it performs the state
// transition for one completed attempt.
func (e *Engine) applyOutcome(plan *Plan, s *Step, o stepOutcome, taskID string, abort context.CancelFunc, planErr **errs.TaskError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ok {
		s.Status = Succeeded
		s.FinishedAt = time.Now()
		s.Result = o.result
		plan.MergeContext(s.StepID+"_result", o.result)
		e.emitLocked(events.StepSucceeded, taskID, s.StepID, map[string]interface{}{
			"attempt": s.Attempt, "durationSeconds": s.FinishedAt.Sub(s.StartedAt).Seconds(),
		})
		return
	}

	s.ErrorKind = o.kind
	s.ErrorMessage = o.message

	maxAttempts := s.MaxAttempts
	if e.cfg.MaxRetries > 0 && e.cfg.MaxRetries < maxAttempts {
		maxAttempts = e.cfg.MaxRetries
	}
	if o.kind.Retryable() && s.Attempt < maxAttempts {
		backoffBase := s.BackoffBaseMs
		if backoffBase <= 0 {
			backoffBase = e.cfg.RetryBaseMs
		}
		if backoffBase <= 0 {
			backoffBase = 250
		}
		delay := time.Duration(backoffBase) * time.Millisecond * time.Duration(1<<uint(s.Attempt-1))
		delay += time.Duration(rand.Int63n(int64(time.Duration(backoffBase) * time.Millisecond)))
		s.Status = Ready
		s.EnqueuedAt = time.Now().Add(delay)
		return
	}

	// Terminal failure: apply onFailure policy.
	s.FinishedAt = time.Now()
	switch s.OnFailure {
	case OnFailureSkip:
		s.Status = Skipped
		plan.MergeContext(s.StepID+"_result", nil)
		e.emitLocked(events.StepSkipped, taskID, s.StepID, map[string]interface{}{"kind": string(o.kind), "message": o.message})
	case OnFailureAbort:
		s.Status = Failed
		e.emitLocked(events.StepFailed, taskID, s.StepID, map[string]interface{}{
			"kind": string(o.kind), "message": o.message, "onFailureAbort": true,
			"durationSeconds": s.FinishedAt.Sub(s.StartedAt).Seconds(),
		})
		if *planErr == nil {
			*planErr = &errs.TaskError{Kind: o.kind, Op: "engine.Run", StepID: s.StepID, Message: o.message}
		}
		abort()
	default: // retry, but attempts exhausted: still terminal failure, no plan abort
		s.Status = Failed
		e.emitLocked(events.StepFailed, taskID, s.StepID, map[string]interface{}{
			"kind": string(o.kind), "message": o.message,
			"durationSeconds": s.FinishedAt.Sub(s.StartedAt).Seconds(),
		})
	}
}

// resolveGuardsAndSkips transitions pending steps whose dependencies are
// all terminal into ready/skipped/cancelled,
func (e *Engine) resolveGuardsAndSkips(plan *Plan) {
	for _, s := range plan.Steps {
		s.mu.Lock()
		if s.Status != Pending {
			s.mu.Unlock()
			continue
		}

		resolved, cancelled, failedUpstream := depsState(plan, s.Dependencies)
		if !resolved {
			s.mu.Unlock()
			continue
		}

		ctxSnap := plan.ContextSnapshot()

		if cancelled {
			s.Status = Cancelled
			s.FinishedAt = time.Now()
			s.mu.Unlock()
			continue
		}

		if failedUpstream && !guardAllowsRun(s, ctxSnap) {
			s.Status = Skipped
			s.FinishedAt = time.Now()
			plan.MergeContext(s.StepID+"_result", nil)
			s.mu.Unlock()
			e.emit(events.StepSkipped, plan.PlanID, s.StepID, map[string]interface{}{"reason": "upstream failure"})
			continue
		}

		if s.SkipIf != nil {
			if ok, _ := s.SkipIf.Eval(ctxSnap); ok {
				s.Status = Skipped
				s.FinishedAt = time.Now()
				plan.MergeContext(s.StepID+"_result", nil)
				s.mu.Unlock()
				e.emit(events.StepSkipped, plan.PlanID, s.StepID, map[string]interface{}{"reason": "skipIf"})
				continue
			}
		}
		if s.RunIf != nil {
			if ok, _ := s.RunIf.Eval(ctxSnap); !ok {
				s.Status = Skipped
				s.FinishedAt = time.Now()
				plan.MergeContext(s.StepID+"_result", nil)
				s.mu.Unlock()
				e.emit(events.StepSkipped, plan.PlanID, s.StepID, map[string]interface{}{"reason": "runIf"})
				continue
			}
		}

		s.Status = Ready
		if s.EnqueuedAt.IsZero() {
			s.EnqueuedAt = time.Now()
		}
		s.mu.Unlock()
	}
}

func guardAllowsRun(s *Step, ctx map[string]interface{}) bool {
	if s.RunIf != nil {
		ok, _ := s.RunIf.Eval(ctx)
		return ok
	}
	if s.SkipIf != nil {
		ok, _ := s.SkipIf.Eval(ctx)
		return !ok
	}
	return false
}

// depsState reports whether every dependency is terminal, whether any
// terminalized as cancelled, and whether any terminalized as a real
// (non-skipped) failure.
func depsState(plan *Plan, deps []string) (resolved, cancelled, failedUpstream bool) {
	resolved = true
	for _, dep := range deps {
		d := plan.Get(dep)
		if d == nil {
			continue
		}
		st := d.snapshot().Status
		if !st.Terminal() {
			resolved = false
			continue
		}
		switch st {
		case Cancelled:
			cancelled = true
		case Failed:
			failedUpstream = true
		}
	}
	return
}

// nextRetryWake returns how long until the soonest scheduled retry becomes
// due, so the scheduler loop wakes itself even when no worker completes in
// the meantime. Zero means nothing is pending a delayed retry.
func (e *Engine) nextRetryWake(plan *Plan) time.Duration {
	var soonest time.Duration
	now := time.Now()
	for _, s := range plan.Steps {
		s.mu.Lock()
		if s.Status == Ready && s.EnqueuedAt.After(now) {
			d := s.EnqueuedAt.Sub(now)
			if soonest == 0 || d < soonest {
				soonest = d
			}
		}
		s.mu.Unlock()
	}
	return soonest
}

func (e *Engine) collectReady(plan *Plan) []*Step {
	var out []*Step
	now := time.Now()
	for _, s := range plan.Steps {
		s.mu.Lock()
		if s.Status == Ready && !s.EnqueuedAt.After(now) {
			out = append(out, s)
		}
		s.mu.Unlock()
	}
	return out
}

// sortReady orders ready steps by descending priority, then ascending
// EnqueuedAt (FIFO tie-break, also covering FIFO-within-parallel-group
//
func sortReady(ready []*Step) {
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].EnqueuedAt.Before(ready[j].EnqueuedAt)
	})
}

func (e *Engine) cancelNonTerminal(plan *Plan) {
	for _, s := range plan.Steps {
		s.mu.Lock()
		if !s.Status.Terminal() && s.Status != Running {
			s.Status = Cancelled
			s.FinishedAt = time.Now()
			e.emitLocked(events.StepCancelled, plan.PlanID, s.StepID, nil)
		}
		s.mu.Unlock()
	}
}

func (e *Engine) emit(t events.Type, taskID, stepID string, payload map[string]interface{}) {
	e.sink.Publish(events.Event{Type: t, TaskID: taskID, StepID: stepID, Payload: payload, Timestamp: time.Now()})
}

// emitLocked is emit called while a step's mutex is already held; it never
// touches step state, only the sink, so it is always safe.
func (e *Engine) emitLocked(t events.Type, taskID, stepID string, payload map[string]interface{}) {
	e.emit(t, taskID, stepID, payload)
}
