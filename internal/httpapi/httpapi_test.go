package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarmonit/a2a-exec/internal/agentapi"
	"github.com/scarmonit/a2a-exec/internal/breaker"
	"github.com/scarmonit/a2a-exec/internal/engine"
	"github.com/scarmonit/a2a-exec/internal/events"
	"github.com/scarmonit/a2a-exec/internal/logging"
	"github.com/scarmonit/a2a-exec/internal/metrics"
	"github.com/scarmonit/a2a-exec/internal/orchestrator"
	"github.com/scarmonit/a2a-exec/internal/ratelimit"
	"github.com/scarmonit/a2a-exec/internal/registry"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(context.Background(), registry.Descriptor{
		AgentID: "a1", Name: "Agent One", Enabled: true,
		Capabilities: []registry.Capability{{Name: "run"}},
	}))

	disp := agentapi.NewDispatcher(func(string, string) (agentapi.Handler, bool) {
		return agentapi.EchoHandler, true
	})
	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerInterval: 100, Interval: time.Second}, logging.Nop{}, nil)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	eng := engine.New(engine.Config{MaxParallelSteps: 4}, limiter, breakers, disp, events.NopSink{}, logging.Nop{})
	orch := orchestrator.New(orchestrator.Config{}, reg, orchestrator.NewStubPlanner(reg), eng, events.NopSink{}, logging.Nop{})

	m, err := metrics.New("test")
	require.NoError(t, err)

	return New(orch, m, logging.Nop{})
}

func TestHealthzOK(t *testing.T) {
	s := testServer(t)
	r := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthzDrains(t *testing.T) {
	s := testServer(t)
	s.Drain()
	r := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSubmitAndFetchTask(t *testing.T) {
	s := testServer(t)
	r := s.Router()

	body, _ := json.Marshal(map[string]interface{}{
		"plan": []engine.StepSpec{{StepID: "a", AgentID: "a1", Capability: "run"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	taskID, _ := resp["taskId"].(string)
	require.NotEmpty(t, taskID)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/tasks/"+taskID, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			var snap map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
			if snap["status"] == "completed" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task did not complete in time")
}

func TestCancelUnknownTaskReturnsNotFound(t *testing.T) {
	s := testServer(t)
	r := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/tasks/nope/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
