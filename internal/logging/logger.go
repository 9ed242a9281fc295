// Package logging provides the server's structured logging surface, in
// the style of a layered ProductionLogger: JSON in cluster environments,
// human-readable text locally, component-scoped, with rate-limited
// error logging.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is the minimal structured logging interface used across the
// registry, engine, orchestrator and bus packages.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugContext(ctx context.Context, msg string, fields map[string]interface{})

	// WithComponent returns a logger that tags every entry with component,
	// e.g. "engine", "orchestrator", "bus", "registry".
	WithComponent(component string) Logger
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches a correlation id that appears in every log line
// emitted through the returned context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Level controls the minimum severity emitted by a ProductionLogger.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ProductionLogger is the default Logger implementation.
type ProductionLogger struct {
	level Level
	service string
	component string
	json bool
	output io.Writer

	errLimiter *rateLimiter
}

// New builds a ProductionLogger. format is "json" or "text"; an empty
// format auto-detects JSON when running under Kubernetes.
func New(service, level, format string) *ProductionLogger {
	useJSON := format == "json"
	if format == "" && os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		useJSON = true
	}
	return &ProductionLogger{
		level: parseLevel(level),
		service: service,
		json: useJSON,
		output: os.Stdout,
		errLimiter: newRateLimiter(time.Second),
	}
}

func (p *ProductionLogger) clone() *ProductionLogger {
	c := *p
	return &c
}

func (p *ProductionLogger) WithComponent(component string) Logger {
	c := p.clone()
	c.component = component
	return c
}

func (p *ProductionLogger) Info(msg string, f map[string]interface{}) { p.emit(nil, LevelInfo, msg, f) }
func (p *ProductionLogger) Warn(msg string, f map[string]interface{}) { p.emit(nil, LevelWarn, msg, f) }
func (p *ProductionLogger) Debug(msg string, f map[string]interface{}) { p.emit(nil, LevelDebug, msg, f) }
func (p *ProductionLogger) Error(msg string, f map[string]interface{}) {
	p.emitError(nil, msg, f)
}

func (p *ProductionLogger) InfoContext(ctx context.Context, msg string, f map[string]interface{}) {
	p.emit(ctx, LevelInfo, msg, f)
}
func (p *ProductionLogger) WarnContext(ctx context.Context, msg string, f map[string]interface{}) {
	p.emit(ctx, LevelWarn, msg, f)
}
func (p *ProductionLogger) DebugContext(ctx context.Context, msg string, f map[string]interface{}) {
	p.emit(ctx, LevelDebug, msg, f)
}
func (p *ProductionLogger) ErrorContext(ctx context.Context, msg string, f map[string]interface{}) {
	p.emitError(ctx, msg, f)
}

// emitError rate-limits repeated error logs per (component, msg) pair so a
// wedged agent or limiter cannot flood stdout.
func (p *ProductionLogger) emitError(ctx context.Context, msg string, f map[string]interface{}) {
	if !p.errLimiter.allow(p.component + "|" + msg) {
		return
	}
	p.emit(ctx, LevelError, msg, f)
}

func (p *ProductionLogger) emit(ctx context.Context, lvl Level, msg string, fields map[string]interface{}) {
	if lvl < p.level {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	reqID := requestIDFrom(ctx)

	if p.json {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level": levelName(lvl),
			"service": p.service,
			"message": msg,
		}
		if p.component != "" {
			entry["component"] = p.component
		}
		if reqID != "" {
			entry["request_id"] = reqID
		}
		for k, v := range fields {
			entry[k] = v
		}
		if b, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(b))
		}
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s", ts, levelName(lvl), p.service)
	if p.component != "" {
		fmt.Fprintf(&b, "/%s", p.component)
	}
	b.WriteString("] ")
	if reqID != "" {
		fmt.Fprintf(&b, "req=%s ", reqID)
	}
	b.WriteString(msg)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintln(p.output, b.String())
}

func levelName(l Level) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// rateLimiter gates repeated log keys to at most once per interval,
// same shape as the interval-gated limiter used by the telemetry logger
// this package's conventions are modeled on.
type rateLimiter struct {
	interval time.Duration
	mu sync.Mutex
	last map[string]time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval, last: make(map[string]time.Time)}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.interval {
		return false
	}
	r.last[key] = now
	return true
}

// Nop is a Logger that discards everything; used in tests.
type Nop struct{}

func (Nop) Info(string, map[string]interface{}) {}
func (Nop) Warn(string, map[string]interface{}) {}
func (Nop) Error(string, map[string]interface{}) {}
func (Nop) Debug(string, map[string]interface{}) {}
func (Nop) InfoContext(context.Context, string, map[string]interface{}) {}
func (Nop) WarnContext(context.Context, string, map[string]interface{}) {}
func (Nop) ErrorContext(context.Context, string, map[string]interface{}) {}
func (Nop) DebugContext(context.Context, string, map[string]interface{}) {}
func (n Nop) WithComponent(string) Logger { return n }
