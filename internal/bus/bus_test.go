package bus

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarmonit/a2a-exec/internal/events"
	"github.com/scarmonit/a2a-exec/internal/logging"
	"github.com/scarmonit/a2a-exec/internal/orchestrator"
	"github.com/scarmonit/a2a-exec/internal/registry"
)

func newTestServer(t *testing.T) (*Bus, string, func()) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(context.Background(), registry.Descriptor{
		AgentID: "a1", Name: "Agent One", Enabled: true,
		Capabilities: []registry.Capability{{Name: "run"}},
	}))
	orch := orchestrator.New(orchestrator.Config{}, reg, orchestrator.NewStubPlanner(reg), nil, events.NopSink{}, logging.Nop{})

	b := New(Config{}, reg, orch, logging.Nop{})
	srv := httptest.NewServer(b)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	return b, wsURL, srv.Close
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandshakeSendsInit(t *testing.T) {
	_, url, closeSrv := newTestServer(t)
	defer closeSrv()

	conn := dial(t, url+"?requestId=r1")
	defer conn.Close()

	msg := readFrame(t, conn)
	assert.Equal(t, "init", msg.Type)
}

func TestPublishFanOutToSubscriber(t *testing.T) {
	b, url, closeSrv := newTestServer(t)
	defer closeSrv()

	conn := dial(t, url)
	defer conn.Close()
	readFrame(t, conn) // init

	// Give the server a moment to register the subscriber before publishing.
	time.Sleep(20 * time.Millisecond)
	b.Publish(events.Event{Type: events.TaskStarted, TaskID: "t1", Timestamp: time.Now()})

	msg := readFrame(t, conn)
	assert.Equal(t, string(events.TaskStarted), msg.Type)
}

func TestQueryAgentByID(t *testing.T) {
	_, url, closeSrv := newTestServer(t)
	defer closeSrv()

	conn := dial(t, url)
	defer conn.Close()
	readFrame(t, conn) // init

	req := map[string]interface{}{
		"type": "query",
		"data": map[string]interface{}{
			"id":   "q1",
			"kind": "agent",
			"args": map[string]interface{}{"agentId": "a1"},
		},
	}
	require.NoError(t, conn.WriteJSON(req))

	msg := readFrame(t, conn)
	assert.Equal(t, "query_result", msg.Type)
}

func TestCommandCancelTaskNotFound(t *testing.T) {
	_, url, closeSrv := newTestServer(t)
	defer closeSrv()

	conn := dial(t, url)
	defer conn.Close()
	readFrame(t, conn) // init

	req := map[string]interface{}{
		"type": "command",
		"data": map[string]interface{}{
			"id":     "c1",
			"action": "cancel_task",
			"args":   map[string]interface{}{"taskId": "nope"},
		},
	}
	require.NoError(t, conn.WriteJSON(req))

	msg := readFrame(t, conn)
	assert.Equal(t, "error", msg.Type)
}

func TestChannelSubscriptionFiltersEvents(t *testing.T) {
	b, url, closeSrv := newTestServer(t)
	defer closeSrv()

	conn := dial(t, url+"?channels=task_started")
	defer conn.Close()
	readFrame(t, conn) // init

	time.Sleep(20 * time.Millisecond)
	b.Publish(events.Event{Type: events.StepStarted, TaskID: "t1", Timestamp: time.Now()})
	b.Publish(events.Event{Type: events.TaskStarted, TaskID: "t1", Timestamp: time.Now()})

	msg := readFrame(t, conn)
	assert.Equal(t, string(events.TaskStarted), msg.Type)
}

func TestJSONRoundTripOfWireMessage(t *testing.T) {
	raw, err := json.Marshal(wireMessage{Type: "heartbeat", Data: map[string]interface{}{"lagged": false}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "heartbeat")
}

func TestDeliverDropsNonCriticalOverHWM(t *testing.T) {
	b := New(Config{HighWaterMarkBytes: 10}, nil, nil, logging.Nop{})
	sub := &Subscriber{send: make(chan []byte, 4), bufferedBytes: 100}

	b.deliver(sub, []byte("0123456789,over the limit"), false)

	assert.Len(t, sub.send, 0, "non-critical event must be dropped once over the high-water mark")
}

func TestDeliverBlocksThenMarksLaggingForCriticalOverHWM(t *testing.T) {
	b := New(Config{HighWaterMarkBytes: 10}, nil, nil, logging.Nop{})
	sub := &Subscriber{send: make(chan []byte)} // unbuffered, unread: any send blocks
	sub.bufferedBytes = 100

	start := time.Now()
	b.deliver(sub, []byte("critical payload"), true)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed.Milliseconds(), int64(criticalSendTimeout.Milliseconds()))
	sub.mu.Lock()
	lagging := sub.lagging
	sub.mu.Unlock()
	assert.True(t, lagging, "critical event delivery that can't complete in time must mark the subscriber lagging")
}

func TestDeliverUnderHWMEnqueuesDirectly(t *testing.T) {
	b := New(Config{HighWaterMarkBytes: 1 << 20}, nil, nil, logging.Nop{})
	sub := &Subscriber{send: make(chan []byte, 4)}

	b.deliver(sub, []byte("small"), false)

	assert.Len(t, sub.send, 1)
}
