package metrics

import (
	"context"

	"github.com/scarmonit/a2a-exec/internal/events"
)

// Sink wraps an events.Sink, forwarding every event to it unchanged while
// also recording the counters and histogram Instruments exposes, so the
// orchestrator and engine need no metrics import of their own — they just
// publish to a Sink the way they always do.
type Sink struct {
	inner events.Sink
	inst *Instruments
}

// NewSink returns a Sink that forwards to inner and records against inst.
func NewSink(inner events.Sink, inst *Instruments) *Sink {
	if inner == nil {
		inner = events.NopSink{}
	}
	return &Sink{inner: inner, inst: inst}
}

func (s *Sink) Publish(e events.Event) {
	s.inner.Publish(e)

	ctx := context.Background()
	switch e.Type {
	case events.TaskStarted:
		s.inst.RecordTaskCreated(ctx)
	case events.TaskCompleted:
		s.inst.RecordTaskCompleted(ctx, "completed")
	case events.TaskFailed:
		s.inst.RecordTaskCompleted(ctx, "failed")
	case events.TaskCancelled:
		s.inst.RecordTaskCompleted(ctx, "cancelled")
	case events.StepSucceeded:
		s.recordStepDuration(e, "succeeded")
	case events.StepFailed:
		s.recordStepDuration(e, "failed")
	}
}

func (s *Sink) recordStepDuration(e events.Event, status string) {
	d, ok := e.Payload["durationSeconds"].(float64)
	if !ok {
		return
	}
	s.inst.RecordStepDuration(context.Background(), d, status)
}
