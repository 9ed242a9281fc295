// Package metrics wires the OpenTelemetry metrics SDK to a Prometheus
// reader and caches the named instruments, created once at startup
// (no lock: they are never written again) and read on every scrape, exported through a pull-based
// Prometheus /metrics handler since this server has no collector to
// push to.
package metrics

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Names of the instruments requires.
const (
	TasksCreatedTotal = "tasks_created_total"
	TasksCompletedTotal = "tasks_completed_total" // labeled by status
	StepsRunning = "steps_running"
	StepsReady = "steps_ready"
	QueueSize = "queue_size"
	StepDurationSeconds = "step_duration_seconds" // histogram
	StreamClients = "stream_clients"
	StreamBytesBuffered = "stream_bytes_buffered"
)

// GaugeSource is polled by the observable gauges on every Prometheus
// scrape; the orchestrator/engine/bus supply the live values.
type GaugeSource interface {
	StepsRunning() int64
	StepsReady() int64
	QueueSize() int64
	StreamClients() int64
	StreamBytesBuffered() int64
}

// Instruments holds the handful of fixed instruments, created once at
// startup rather than lazily per name, since this server only ever
// needs these three on the hot path.
type Instruments struct {
	tasksCreated metric.Int64Counter
	tasksCompleted metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// Registry bundles the OTel SDK provider, the Prometheus reader/HTTP
// handler, and the cached Instruments.
type Registry struct {
	provider *sdkmetric.MeterProvider
	Instruments *Instruments
	handler http.Handler
}

// New builds a Prometheus-backed metrics Registry for serviceName: the
// SDK is wired to exporters/prometheus, a pull reader that also backs
// the returned Handler for a /metrics scrape endpoint.
func New(serviceName string) (*Registry, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	meter := mp.Meter("a2a-exec")

	inst, err := newInstruments(meter)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider: mp,
		Instruments: inst,
		handler: promhttp.Handler(),
	}, nil
}

func newInstruments(meter metric.Meter) (*Instruments, error) {
	i := &Instruments{}

	var err error
	i.tasksCreated, err = meter.Int64Counter(TasksCreatedTotal,
		metric.WithDescription("tasks submitted to the orchestrator"))
	if err != nil {
		return nil, err
	}
	i.tasksCompleted, err = meter.Int64Counter(TasksCompletedTotal,
		metric.WithDescription("tasks that reached a terminal status"))
	if err != nil {
		return nil, err
	}
	i.stepDuration, err = meter.Float64Histogram(StepDurationSeconds,
		metric.WithDescription("step execution duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return i, nil
}

// RegisterGauges attaches the observable gauges (steps_running,
// steps_ready, queue_size, stream_clients, stream_bytes_buffered) backed
// by src, collected once per Prometheus scrape.
func (r *Registry) RegisterGauges(src GaugeSource) error {
	meter := r.provider.Meter("a2a-exec")

	stepsRunning, err := meter.Int64ObservableGauge(StepsRunning)
	if err != nil {
		return err
	}
	stepsReady, err := meter.Int64ObservableGauge(StepsReady)
	if err != nil {
		return err
	}
	queueSize, err := meter.Int64ObservableGauge(QueueSize)
	if err != nil {
		return err
	}
	streamClients, err := meter.Int64ObservableGauge(StreamClients)
	if err != nil {
		return err
	}
	streamBytes, err := meter.Int64ObservableGauge(StreamBytesBuffered)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(stepsRunning, src.StepsRunning())
		o.ObserveInt64(stepsReady, src.StepsReady())
		o.ObserveInt64(queueSize, src.QueueSize())
		o.ObserveInt64(streamClients, src.StreamClients())
		o.ObserveInt64(streamBytes, src.StreamBytesBuffered())
		return nil
	}, stepsRunning, stepsReady, queueSize, streamClients, streamBytes)
	return err
}

// Handler returns the http.Handler to mount at /metrics.
func (r *Registry) Handler() http.Handler { return r.handler }

// Shutdown flushes and releases the SDK provider.
func (r *Registry) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}

// RecordTaskCreated increments tasks_created_total.
func (i *Instruments) RecordTaskCreated(ctx context.Context) {
	i.tasksCreated.Add(ctx, 1)
}

// RecordTaskCompleted increments tasks_completed_total{status}.
func (i *Instruments) RecordTaskCompleted(ctx context.Context, status string) {
	i.tasksCompleted.Add(ctx, 1, metric.WithAttributes(statusAttr(status)))
}

// RecordStepDuration records one step's wall-clock duration in seconds.
func (i *Instruments) RecordStepDuration(ctx context.Context, seconds float64, status string) {
	i.stepDuration.Record(ctx, seconds, metric.WithAttributes(statusAttr(status)))
}

func statusAttr(status string) attribute.KeyValue {
	return attribute.String("status", status)
}
