// Package httpapi implements the HTTP control surface: health,
// Prometheus scrape, and the adapter-agnostic task-submission API,
// wired with gin.
package httpapi

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scarmonit/a2a-exec/internal/engine"
	"github.com/scarmonit/a2a-exec/internal/errs"
	"github.com/scarmonit/a2a-exec/internal/logging"
	"github.com/scarmonit/a2a-exec/internal/metrics"
	"github.com/scarmonit/a2a-exec/internal/orchestrator"
)

// Server wires the orchestrator and metrics registry into a gin.Engine
// for the control surface; the streaming push channel is a
// separate listener owned by the bus package.
type Server struct {
	orch *orchestrator.Orchestrator
	metrics *metrics.Registry
	log logging.Logger

	draining atomic.Bool
}

func New(orch *orchestrator.Orchestrator, m *metrics.Registry, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop{}
	}
	return &Server{orch: orch, metrics: m, log: log.WithComponent("httpapi")}
}

// Drain flips the health check to unavailable, for graceful shutdown.
func (s *Server) Drain() { s.draining.Store(true) }

// Router builds the gin.Engine; callers mount it on an *http.Server.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	r.POST("/tasks", s.handleSubmitTask)
	r.GET("/tasks/:id", s.handleGetTask)
	r.POST("/tasks/:id/cancel", s.handleCancelTask)

	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if s.draining.Load() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// submitTaskRequest mirrors submit_task abstract shape.
type submitTaskRequest struct {
	Description string `json:"description"`
	Plan []engine.StepSpec `json:"plan"`
	Context map[string]interface{} `json:"context"`
	Options struct {
		MinConfidence float64 `json:"minConfidence"`
		RequireApproval bool `json:"requireApproval"`
	} `json:"options"`
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"kind": errs.Overloaded, "message": "server is shutting down"})
		return
	}

	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"kind": errs.Invalid, "message": err.Error()})
		return
	}

	te, err := s.orch.Submit(c.Request.Context(), orchestrator.TaskRequest{
		Description: req.Description,
		Plan: req.Plan,
		Context: req.Context,
		MinConfidence: req.Options.MinConfidence,
		RequireApproval: req.Options.RequireApproval,
	}, nil)
	if err != nil {
		writeTaskError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"taskId": te.TaskID,
		"streamPath": "/stream",
	})
}

func (s *Server) handleGetTask(c *gin.Context) {
	taskID := c.Param("id")
	if t, ok := s.orch.Get(taskID); ok {
		c.JSON(http.StatusOK, t.Snapshot())
		return
	}
	for _, snap := range s.orch.History(0) {
		if snap.TaskID == taskID {
			c.JSON(http.StatusOK, snap)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"kind": errs.NotFound, "message": "task not found"})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	taskID := c.Param("id")
	if err := s.orch.Cancel(taskID); err != nil {
		writeTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func writeTaskError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.Invalid, errs.LowConfidence:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Permission:
		status = http.StatusForbidden
	case errs.Cancelled:
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"kind": kind, "message": err.Error()})
}
