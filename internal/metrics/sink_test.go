package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarmonit/a2a-exec/internal/events"
)

type recordingSink struct{ events []events.Event }

func (r *recordingSink) Publish(e events.Event) { r.events = append(r.events, e) }

func TestSinkForwardsAndRecords(t *testing.T) {
	reg, err := New("sink-test")
	require.NoError(t, err)

	inner := &recordingSink{}
	s := NewSink(inner, reg.Instruments)

	s.Publish(events.Event{Type: events.TaskStarted, TaskID: "t1"})
	s.Publish(events.Event{
		Type: events.StepSucceeded, TaskID: "t1", StepID: "a",
		Payload: map[string]interface{}{"durationSeconds": 0.25},
	})
	s.Publish(events.Event{Type: events.TaskCompleted, TaskID: "t1"})

	assert.Len(t, inner.events, 3)
}

func TestSinkIgnoresMissingDuration(t *testing.T) {
	reg, err := New("sink-test-2")
	require.NoError(t, err)

	s := NewSink(nil, reg.Instruments)
	s.Publish(events.Event{Type: events.StepFailed, TaskID: "t1", StepID: "a"})
}
