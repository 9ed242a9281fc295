package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scarmonit/a2a-exec/internal/agentapi"
	"github.com/scarmonit/a2a-exec/internal/breaker"
	"github.com/scarmonit/a2a-exec/internal/bus"
	"github.com/scarmonit/a2a-exec/internal/config"
	"github.com/scarmonit/a2a-exec/internal/engine"
	"github.com/scarmonit/a2a-exec/internal/events"
	"github.com/scarmonit/a2a-exec/internal/httpapi"
	"github.com/scarmonit/a2a-exec/internal/logging"
	"github.com/scarmonit/a2a-exec/internal/metrics"
	"github.com/scarmonit/a2a-exec/internal/orchestrator"
	"github.com/scarmonit/a2a-exec/internal/ratelimit"
	"github.com/scarmonit/a2a-exec/internal/registry"
	"github.com/scarmonit/a2a-exec/internal/tracing"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use: "serve",
		Short: "Start the task execution server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	var opts []config.Option
	if cf := viper.GetString("configFile"); cf != "" {
		opts = append(opts, func(c *config.Config) { c.ConfigFile = cf })
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return err
	}

	log := logging.New("a2a-exec", cfg.LogLevel, cfg.LogFormat)

	reg := registry.New()
	seedDemoAgents(reg)

	planner := orchestrator.NewStubPlanner(reg)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerInterval: cfg.RateLimitMaxPerInterval,
		Interval: cfg.RateLimitInterval(),
		MaxRetries: cfg.MaxRetries,
		BaseDelay: time.Duration(cfg.RetryBaseMs) * time.Millisecond,
	}, log, nil)

	breakers := breaker.NewRegistry(breaker.DefaultConfig())

	// Concrete per-domain agent implementations are out of scope; the
	// demo handlers stand in for whatever capability callers register.
	disp := agentapi.NewDispatcher(func(agentID, capability string) (agentapi.Handler, bool) {
		if d, ok := reg.Get(agentID); ok && d.Enabled && d.HasCapability(capability) {
			return agentapi.EchoHandler, true
		}
		return nil, false
	})

	m, err := metrics.New("a2a-exec")
	if err != nil {
		return err
	}

	trc, err := tracing.New("a2a-exec", os.Stderr)
	if err != nil {
		return err
	}

	b := bus.New(bus.Config{
		Token: cfg.StreamToken,
		HighWaterMarkBytes: cfg.StreamMaxBufferBytes,
		BroadcastPeriod: cfg.BroadcastPeriod(),
	}, reg, nil, log) // orchestrator wired in below, once constructed

	// Every lifecycle event reaches the stream bus either way; the metrics
	// sink just taps the same feed to update counters/histograms first.
	sink := metrics.NewSink(b, m.Instruments)

	eng := engine.New(engine.Config{
		MaxParallelSteps: cfg.MaxParallelSteps,
		MaxRetries: cfg.MaxRetries,
		RetryBaseMs: cfg.RetryBaseMs,
		StepTimeoutMsDefault: cfg.StepTimeoutDefault(),
	}, limiter, breakers, disp, sink, log)

	orch := orchestrator.New(orchestrator.Config{
		HistorySize: cfg.HistorySize,
	}, reg, planner, eng, sink, log)
	b.SetOrchestrator(orch)

	if err := m.RegisterGauges(gaugeSource{orch: orch, bus: b}); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(cfg, func(o config.Overlay) {
		b.Publish(events.Event{
			Type: events.ConfigUpdated,
			Timestamp: time.Now(),
			Payload: map[string]interface{}{"logLevel": o.LogLevel},
		})
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	// The push channel and the control surface bind separate addresses
	// (stream.host/stream.port vs metrics.port).
	api := httpapi.New(orch, m, log)
	apiSrv := &http.Server{
		Addr: ":" + strconv.Itoa(cfg.MetricsPort),
		Handler: api.Router(),
	}
	streamSrv := &http.Server{
		Addr: cfg.StreamHost + ":" + strconv.Itoa(cfg.StreamPort),
		Handler: http.HandlerFunc(b.ServeHTTP),
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("control surface listening", map[string]interface{}{"addr": apiSrv.Addr})
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		log.Info("stream listening", map[string]interface{}{"addr": streamSrv.Addr})
		if err := streamSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-stopCtx.Done():
		log.Info("shutdown signal received", nil)
	case err := <-errCh:
		return err
	}

	api.Drain()
	orch.Shutdown()
	b.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := streamSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := trc.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return m.Shutdown(shutdownCtx)
}

// gaugeSource adapts the orchestrator/bus's own read methods to
// metrics.GaugeSource without either package depending on metrics.
type gaugeSource struct {
	orch *orchestrator.Orchestrator
	bus *bus.Bus
}

func (g gaugeSource) StepsRunning() int64 {
	return stepsByStatus(g.orch, "running")
}

func (g gaugeSource) StepsReady() int64 {
	return stepsByStatus(g.orch, "ready")
}

func (g gaugeSource) QueueSize() int64 {
	return int64(len(g.orch.ListActive()))
}

func (g gaugeSource) StreamClients() int64 {
	return int64(g.bus.ClientCount())
}

func (g gaugeSource) StreamBytesBuffered() int64 {
	return int64(g.bus.BufferedBytes())
}

func stepsByStatus(orch *orchestrator.Orchestrator, status string) int64 {
	var n int64
	for _, t := range orch.ListActive() {
		for _, s := range t.Steps {
			if s.Status == status {
				n++
			}
		}
	}
	return n
}

// seedDemoAgents registers the handful of agents the stub planner and
// demo dispatcher can resolve out of the box, since concrete per-domain
// agents are out of scope for this server.
func seedDemoAgents(reg *registry.Registry) {
	_ = reg.Register(context.Background(), registry.Descriptor{
		AgentID: "demo-agent",
		Name: "Demo Agent",
		Category: "general",
		Tags: []string{"demo"},
		Enabled: true,
		Capabilities: []registry.Capability{{Name: "fetch"}, {Name: "analyze"}, {Name: "generate"}},
	})
}

