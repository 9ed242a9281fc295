// Package breaker implements a per-(agentId,capability) circuit breaker
// guarding capability invocation, following a standard CircuitBreaker
// state machine: closed -> open on a failure streak -> half-open after
// a cooldown -> closed again on trial success.
package breaker

import (
	"sync"
	"time"

	"github.com/scarmonit/a2a-exec/internal/errs"
)

// State is the circuit breaker's current disposition.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// Config parameterizes a single breaker instance.
type Config struct {
	FailureThreshold int // consecutive failures before opening
	CooldownPeriod time.Duration // time in Open before trying HalfOpen
	HalfOpenTrials int // successes required in HalfOpen to close
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CooldownPeriod: 10 * time.Second, HalfOpenTrials: 1}
}

// Breaker is a single circuit breaker instance.
type Breaker struct {
	cfg Config

	mu sync.Mutex
	state State
	consecutiveFail int
	halfOpenOK int
	openedAt time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.CooldownPeriod {
			b.state = HalfOpen
			b.halfOpenOK = 0
			return true
		}
		return false
	}
	return true
}

// RecordSuccess closes the breaker (from HalfOpen, after enough trials) or
// simply resets the failure streak (from Closed).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenTrials {
			b.state = Closed
			b.consecutiveFail = 0
		}
	case Closed:
		b.consecutiveFail = 0
	}
}

// RecordFailure increments the failure streak, opening the breaker once it
// crosses FailureThreshold; a failure while HalfOpen reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = time.Now()
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.cfg.FailureThreshold {
		b.state = Open
		b.openedAt = time.Now()
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry hands out per-key Breaker instances, one per (agentId,capability)
// pair, created lazily on first use.
type Registry struct {
	cfg Config
	mu sync.Mutex
	byK map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, byK: make(map[string]*Breaker)}
}

func (r *Registry) For(agentID, capability string) *Breaker {
	key := agentID + "::" + capability
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byK[key]
	if !ok {
		b = New(r.cfg)
		r.byK[key] = b
	}
	return b
}

// ErrOpen is returned by callers that find the breaker open; mapped to
// errs.Overloaded at the engine boundary.
var ErrOpen = errs.New(errs.Overloaded, "breaker", "circuit is open")
