package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scarmonit/a2a-exec/internal/errs"
	"github.com/scarmonit/a2a-exec/internal/registry"
)

// writePump owns the subscriber's connection for writes: event frames from
// send, plus periodic pings. Exits (and closes the connection) once send
// is closed or a write fails.
func (b *Bus) writePump(sub *Subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
		b.removeSubscriber(sub.clientID)
	}()

	for {
		select {
		case payload, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b.unaccount(sub, len(payload))
			sub.conn.EnableWriteCompression(len(payload) >= compressionThresholdBytes)
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			b.writeJSON(sub, wireMessage{Type: "heartbeat", Data: sub.heartbeatData()})
		}
	}
}

// readPump handles inbound subscribe/unsubscribe/query/command messages
// and enforces the idle timeout (: 60s with no traffic and no
// pong).
func (b *Bus) readPump(sub *Subscriber) {
	defer sub.close()

	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.touch()
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg inboundMessage
		if err := sub.conn.ReadJSON(&msg); err != nil {
			return
		}
		sub.touch()
		b.handleInbound(sub, msg)
	}
}

// heartbeatData reports lag state and clears it, matching 's
// "next heartbeat will include a lagged=true flag" — one report per lag.
func (s *Subscriber) heartbeatData() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	lagged := s.lagging
	s.lagging = false
	return map[string]interface{}{"lagged": lagged}
}

func (s *Subscriber) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// inboundMessage is the envelope for every client->server frame.
type inboundMessage struct {
	Type string `json:"type"`
	Channels []string `json:"channels,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type queryPayload struct {
	ID string `json:"id"`
	Kind string `json:"kind"`
	Args map[string]interface{} `json:"args"`
}

type commandPayload struct {
	ID string `json:"id"`
	Action string `json:"action"`
	Args map[string]interface{} `json:"args"`
}

func (b *Bus) handleInbound(sub *Subscriber, msg inboundMessage) {
	switch msg.Type {
	case "subscribe":
		sub.mu.Lock()
		if sub.channels == nil {
			sub.channels = make(map[string]struct{})
		}
		for _, c := range msg.Channels {
			sub.channels[c] = struct{}{}
		}
		sub.mu.Unlock()
	case "unsubscribe":
		sub.mu.Lock()
		for _, c := range msg.Channels {
			delete(sub.channels, c)
		}
		sub.mu.Unlock()
	case "query":
		var q queryPayload
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			b.writeJSON(sub, wireMessage{Type: "error", Data: err.Error()})
			return
		}
		result, err := b.handleQuery(q)
		b.respond(sub, "query_result", q.ID, result, err)
	case "command":
		var c commandPayload
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			b.writeJSON(sub, wireMessage{Type: "error", Data: err.Error()})
			return
		}
		result, err := b.handleCommand(c)
		b.respond(sub, "command_result", c.ID, result, err)
	default:
		b.writeJSON(sub, wireMessage{Type: "error", Data: "unknown message type: " + msg.Type})
	}
}

func (b *Bus) respond(sub *Subscriber, frameType, id string, result interface{}, err error) {
	if err != nil {
		b.writeJSON(sub, wireMessage{Type: "error", Data: map[string]interface{}{"id": id, "message": err.Error()}})
		return
	}
	b.writeJSON(sub, wireMessage{Type: frameType, Data: map[string]interface{}{"id": id, "result": result}})
}

// handleQuery implements the query(kind, args) surface of SPEC
// supplements: kind in {task, agent, history}.
func (b *Bus) handleQuery(q queryPayload) (interface{}, error) {
	switch q.Kind {
	case "task":
		taskID, _ := q.Args["taskId"].(string)
		if taskID == "" {
			return b.orch.ListActive(), nil
		}
		t, ok := b.orch.Get(taskID)
		if !ok {
			return nil, errs.Wrap(errs.NotFound, "bus.query.task", errs.ErrTaskNotFound)
		}
		return t.Snapshot(), nil
	case "agent":
		agentID, _ := q.Args["agentId"].(string)
		if agentID == "" {
			return b.reg.List(queryFilter(q.Args)), nil
		}
		d, ok := b.reg.Get(agentID)
		if !ok {
			return nil, errs.Wrap(errs.NotFound, "bus.query.agent", errs.ErrAgentNotFound)
		}
		return d, nil
	case "history":
		n := 0
		if v, ok := q.Args["n"].(float64); ok {
			n = int(v)
		}
		return b.orch.History(n), nil
	default:
		return nil, errs.New(errs.Invalid, "bus.query", "unknown query kind: "+q.Kind)
	}
}

func queryFilter(args map[string]interface{}) registry.Filter {
	f := registry.Filter{}
	if v, ok := args["category"].(string); ok {
		f.Category = v
	}
	if v, ok := args["tag"].(string); ok {
		f.Tag = v
	}
	if v, ok := args["query"].(string); ok {
		f.Query = v
	}
	if v, ok := args["enabled"].(bool); ok {
		f.Enabled = &v
	}
	return f
}

// handleCommand implements command(action, args): action in
// {cancel_task, set_agent_enabled}.
func (b *Bus) handleCommand(c commandPayload) (interface{}, error) {
	switch c.Action {
	case "cancel_task":
		taskID, _ := c.Args["taskId"].(string)
		if taskID == "" {
			return nil, errs.New(errs.Invalid, "bus.command.cancel_task", "taskId is required")
		}
		if err := b.orch.Cancel(taskID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"cancelled": taskID}, nil
	case "set_agent_enabled":
		agentID, _ := c.Args["agentId"].(string)
		enabled, _ := c.Args["enabled"].(bool)
		if agentID == "" {
			return nil, errs.New(errs.Invalid, "bus.command.set_agent_enabled", "agentId is required")
		}
		if err := b.reg.SetEnabled(context.Background(), agentID, enabled); err != nil {
			return nil, err
		}
		return map[string]interface{}{"agentId": agentID, "enabled": enabled}, nil
	default:
		return nil, errs.New(errs.Invalid, "bus.command", "unknown action: "+c.Action)
	}
}
