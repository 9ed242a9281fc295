// Package bus implements the Streaming Progress Bus: a WebSocket fan-out
// of typed lifecycle events with per-subscriber backpressure, heartbeats,
// and an inbound query/command channel. The connection lifecycle (upgrade,
// write pump, read pump, ping/pong) follows the WebSocketTransport
// pattern's writePump/readPump split, generalized from a single chat
// stream to a multi-channel event bus.
package bus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scarmonit/a2a-exec/internal/errs"
	"github.com/scarmonit/a2a-exec/internal/events"
	"github.com/scarmonit/a2a-exec/internal/logging"
	"github.com/scarmonit/a2a-exec/internal/orchestrator"
	"github.com/scarmonit/a2a-exec/internal/registry"
)

const (
	compressionThresholdBytes = 1024
	maxPayloadBytes = 2 * 1024 * 1024
	defaultHWMBytes = 512 * 1024
	pingInterval = 30 * time.Second
	pongWait = 60 * time.Second
	criticalSendTimeout = 250 * time.Millisecond
)

// Config parameterizes a Bus.
type Config struct {
	Token string // shared bearer token; empty disables the check
	HighWaterMarkBytes int
	BroadcastPeriod time.Duration // default 1000ms, floor 250ms
}

// Bus multicasts events.Event values to every connected Subscriber and
// implements events.Sink so the engine/orchestrator can publish directly
// into it.
type Bus struct {
	cfg Config
	upgrader websocket.Upgrader
	reg *registry.Registry
	orch *orchestrator.Orchestrator
	log logging.Logger

	mu sync.Mutex
	subs map[string]*Subscriber
	draining bool
}

// SetOrchestrator wires the orchestrator used by query/command handling.
// It exists because the bus (an events.Sink) and the orchestrator (a Sink
// consumer) are mutually dependent; callers construct the Bus first with
// a nil orchestrator, build the Orchestrator with the Bus as its sink,
// then call SetOrchestrator before accepting any connections.
func (b *Bus) SetOrchestrator(orch *orchestrator.Orchestrator) {
	b.mu.Lock()
	b.orch = orch
	b.mu.Unlock()
}

func New(cfg Config, reg *registry.Registry, orch *orchestrator.Orchestrator, log logging.Logger) *Bus {
	if cfg.HighWaterMarkBytes <= 0 {
		cfg.HighWaterMarkBytes = defaultHWMBytes
	}
	if cfg.BroadcastPeriod <= 0 {
		cfg.BroadcastPeriod = 1000 * time.Millisecond
	} else if cfg.BroadcastPeriod < 250*time.Millisecond {
		cfg.BroadcastPeriod = 250 * time.Millisecond
	}
	if log == nil {
		log = logging.Nop{}
	}
	return &Bus{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096,
			WriteBufferSize: 4096,
			EnableCompression: true,
			CheckOrigin: func(*http.Request) bool { return true },
		},
		reg: reg,
		orch: orch,
		log: log.WithComponent("bus"),
		subs: make(map[string]*Subscriber),
	}
}

// Subscriber is one connected client of the bus (Subscriber
// entity): its own send goroutine, buffer accounting, and idle tracking.
type Subscriber struct {
	clientID string
	conn *websocket.Conn
	send chan []byte

	mu sync.Mutex
	channels map[string]struct{}
	bufferedBytes int
	lagging bool
	lastActivity time.Time
	closed bool
}

func (s *Subscriber) subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) == 0 {
		return true // no explicit subscription means "everything"
	}
	_, ok := s.channels[channel]
	return ok
}

// ServeHTTP upgrades the connection and runs its read/write pumps,
// serving the /stream WebSocket endpoint.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.cfg.Token != "" && r.URL.Query().Get("token") != b.cfg.Token {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	b.mu.Lock()
	draining := b.draining
	b.mu.Unlock()
	if draining {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	conn.SetReadLimit(maxPayloadBytes)
	conn.EnableWriteCompression(true)

	sub := &Subscriber{
		clientID: uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		channels: parseChannels(r.URL.Query().Get("channels")),
		lastActivity: time.Now(),
	}

	b.mu.Lock()
	b.subs[sub.clientID] = sub
	b.mu.Unlock()

	b.sendInit(sub, r.URL.Query().Get("requestId"))

	go b.writePump(sub)
	b.readPump(sub) // blocks until the connection closes
}

func parseChannels(raw string) map[string]struct{} {
	if raw == "" {
		return nil
	}
	out := make(map[string]struct{})
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out[raw[start:i]] = struct{}{}
			}
			start = i + 1
		}
	}
	return out
}

func (b *Bus) sendInit(sub *Subscriber, requestID string) {
	b.writeJSON(sub, wireMessage{
		Type: "init",
		Data: map[string]interface{}{
			"clientId": sub.clientID,
			"requestId": requestID,
			"serverTime": time.Now().UTC().Format(time.RFC3339Nano),
			"channels": keysOf(sub.channels),
		},
	})
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Publish implements events.Sink. It serializes the event once and fans it
// out, applying the backpressure policy of per subscriber.
func (b *Bus) Publish(e events.Event) {
	payload, err := json.Marshal(wireMessage{Type: string(e.Type), Data: e})
	if err != nil {
		b.log.Error("failed to marshal event", map[string]interface{}{"error": err.Error()})
		return
	}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	critical := e.Type.Critical()
	channel := string(e.Type)
	for _, sub := range subs {
		if !sub.subscribed(channel) {
			continue
		}
		b.deliver(sub, payload, critical)
	}
}

// deliver applies HWM backpressure policy: non-critical events
// may be dropped once a subscriber's buffered bytes exceed the HWM;
// critical (terminal) events block briefly and otherwise mark the
// subscriber lagging rather than being silently lost.
func (b *Bus) deliver(sub *Subscriber, payload []byte, critical bool) {
	sub.mu.Lock()
	over := sub.bufferedBytes > b.cfg.HighWaterMarkBytes
	sub.mu.Unlock()

	if over && !critical {
		return
	}

	sub.mu.Lock()
	sub.bufferedBytes += len(payload)
	sub.mu.Unlock()

	if !over {
		select {
		case sub.send <- payload:
		default:
			// Channel full even though byte accounting looked fine: drop
			// non-critical, block briefly for critical.
			if !critical {
				b.unaccount(sub, len(payload))
				return
			}
			b.blockingSend(sub, payload)
		}
		return
	}

	b.blockingSend(sub, payload)
}

func (b *Bus) blockingSend(sub *Subscriber, payload []byte) {
	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case sub.send <- payload:
	case <-timer.C:
		sub.mu.Lock()
		sub.lagging = true
		sub.mu.Unlock()
		b.unaccount(sub, len(payload))
	}
}

func (b *Bus) unaccount(sub *Subscriber, n int) {
	sub.mu.Lock()
	sub.bufferedBytes -= n
	if sub.bufferedBytes < 0 {
		sub.bufferedBytes = 0
	}
	sub.mu.Unlock()
}

// Shutdown stops accepting new connections and pushes a final "shutdown"
// event to every connected subscriber (shutdown sequence).
func (b *Bus) Shutdown() {
	b.mu.Lock()
	b.draining = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.writeJSON(sub, wireMessage{Type: "shutdown"})
		sub.close()
	}
}

// ClientCount reports the number of currently connected subscribers (for
// the stream_clients metric).
func (b *Bus) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// BufferedBytes sums every subscriber's buffered byte count (for the
// stream_bytes_buffered metric).
func (b *Bus) BufferedBytes() int {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	total := 0
	for _, s := range subs {
		s.mu.Lock()
		total += s.bufferedBytes
		s.mu.Unlock()
	}
	return total
}

func (b *Bus) removeSubscriber(clientID string) {
	b.mu.Lock()
	delete(b.subs, clientID)
	b.mu.Unlock()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// wireMessage is the envelope for every server->client frame.
type wireMessage struct {
	Type string `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// writeJSON only enqueues onto sub.send; the actual conn write (and its
// compression toggle) happens exclusively in writePump, the one goroutine
// allowed to touch sub.conn for writes.
func (b *Bus) writeJSON(sub *Subscriber, msg wireMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case sub.send <- payload:
	default:
	}
}

// ErrUnauthorized mirrors errs.Permission for callers wiring HTTP
// middleware around ServeHTTP.
var ErrUnauthorized = errs.New(errs.Permission, "bus.ServeHTTP", "invalid or missing stream token")
