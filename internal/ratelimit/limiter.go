// Package ratelimit implements a token-bucket rate limiter: a sliding
// window over maxRequestsPerInterval, FIFO acquisition across concurrent
// callers, retry-with-backoff on failure, and cooperative cancellation
// mid-wait. The backoff/jitter math is built on cenkalti/backoff/v5
// instead of a hand-rolled sleep loop.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/scarmonit/a2a-exec/internal/errs"
	"github.com/scarmonit/a2a-exec/internal/logging"
)

// Config parameterizes a Limiter
type Config struct {
	MaxRequestsPerInterval int
	Interval time.Duration
	MaxRetries int
	BaseDelay time.Duration
}

// RetryObserver is notified on every rate_limited_retry wait ('s
// closed event set).
type RetryObserver func(attempt int, waitMs int64)

// Limiter is a FIFO sliding-window token bucket shared by every in-flight
// step invocation in the execution engine.
type Limiter struct {
	cfg Config
	log logging.Logger

	mu sync.Mutex
	fifo chan struct{} // ticket queue enforcing FIFO acquisition order
	issuedAt []time.Time // trailing-window timestamps, purged lazily

	onRetry RetryObserver
}

// New builds a Limiter. log may be nil (defaults to a no-op logger).
func New(cfg Config, log logging.Logger, onRetry RetryObserver) *Limiter {
	if log == nil {
		log = logging.Nop{}
	}
	if cfg.MaxRequestsPerInterval < 1 {
		cfg.MaxRequestsPerInterval = 1
	}
	l := &Limiter{
		cfg: cfg,
		log: log.WithComponent("ratelimit"),
		fifo: make(chan struct{}, 1),
		onRetry: onRetry,
	}
	l.fifo <- struct{}{}
	return l
}

// Acquire blocks until a token is available under FIFO ordering and
// consumes it, without wrapping the caller's own retry semantics. The
// execution engine uses this directly so a step's own attempt/backoff
// loop is not compounded with the limiter's independent
// retry-on-failure loop, which Execute provides for callers
// that want both combined.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.acquireFIFOSlot(ctx); err != nil {
		return err
	}
	defer func() { l.fifo <- struct{}{} }()
	return l.waitForToken(ctx)
}

// Execute waits for a token under FIFO ordering, then calls fn, retrying
// on failure up to cfg.MaxRetries times with exponential backoff + jitter.
// Cancellation of ctx while waiting for a token returns errs.Cancelled
// without consuming a token; cancellation is never silently swallowed.
func (l *Limiter) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.acquireFIFOSlot(ctx); err != nil {
		return err
	}
	defer func() { l.fifo <- struct{}{} }()

	if err := l.waitForToken(ctx); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.baseDelay()
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	var lastErr error
	for attempt := 0; attempt <= l.maxRetries(); attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			if l.onRetry != nil {
				l.onRetry(attempt, wait.Milliseconds())
			}
			l.log.Warn("rate limited retry", map[string]interface{}{"attempt": attempt, "waitMs": wait.Milliseconds()})
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errs.Wrap(errs.Cancelled, "ratelimit.Execute", ctx.Err())
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return errs.Wrap(errs.RateLimited, "ratelimit.Execute", lastErr)
}

func (l *Limiter) baseDelay() time.Duration {
	if l.cfg.BaseDelay <= 0 {
		return 100 * time.Millisecond
	}
	return l.cfg.BaseDelay
}

func (l *Limiter) maxRetries() int {
	if l.cfg.MaxRetries < 0 {
		return 0
	}
	return l.cfg.MaxRetries
}

// acquireFIFOSlot serializes the critical section that decides whether a
// token is available, guaranteeing first-come-first-served ordering across
// concurrent callers even though the window check itself is quick.
func (l *Limiter) acquireFIFOSlot(ctx context.Context) error {
	select {
	case <-l.fifo:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Cancelled, "ratelimit.acquire", ctx.Err())
	}
}

// waitForToken blocks until fewer than MaxRequestsPerInterval requests
// have started in the trailing window, purging stale timestamps lazily.
func (l *Limiter) waitForToken(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-l.cfg.Interval)
		kept := l.issuedAt[:0]
		for _, t := range l.issuedAt {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		l.issuedAt = kept

		if len(l.issuedAt) < l.cfg.MaxRequestsPerInterval {
			l.issuedAt = append(l.issuedAt, now)
			l.mu.Unlock()
			return nil
		}

		// Wait until the oldest timestamp in the window falls out of it.
		oldest := l.issuedAt[0]
		waitFor := oldest.Add(l.cfg.Interval).Sub(now)
		l.mu.Unlock()

		if waitFor <= 0 {
			continue
		}
		timer := time.NewTimer(waitFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.Wrap(errs.Cancelled, "ratelimit.waitForToken", ctx.Err())
		case <-timer.C:
		}
	}
}
