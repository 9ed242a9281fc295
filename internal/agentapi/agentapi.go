// Package agentapi pins down the capability-invocation collaborator
// interface: agents are opaque, invoked by (agentId, capability, input),
// and must never mutate plan context directly — the engine merges
// returned results itself.
package agentapi

import (
	"context"

	"github.com/scarmonit/a2a-exec/internal/errs"
)

// Invoker dispatches a single capability call. Implementations MUST be
// safe for concurrent use and MUST honor ctx cancellation/deadline.
type Invoker interface {
	Invoke(ctx context.Context, agentID, capability string, input interface{}) (result interface{}, err error)
}

// Registry-backed invoker resolves the agent/capability pair against the
// agent registry before dispatching, so unknown agents/capabilities fail
// fast with the right errs.Kind rather than reaching a handler.
type LookupFunc func(agentID, capability string) (handler Handler, ok bool)

// Handler implements one agent capability. Concrete per-domain agents
// (scraping, codegen, deployment, …) are out of scope; this
// package only ships the test/demo handlers the engine's own test suite
// exercises.
type Handler func(ctx context.Context, input interface{}) (interface{}, error)

// Dispatcher is the default Invoker: a lookup function resolving
// (agentID, capability) to a Handler.
type Dispatcher struct {
	lookup LookupFunc
}

func NewDispatcher(lookup LookupFunc) *Dispatcher {
	return &Dispatcher{lookup: lookup}
}

func (d *Dispatcher) Invoke(ctx context.Context, agentID, capability string, input interface{}) (interface{}, error) {
	h, ok := d.lookup(agentID, capability)
	if !ok {
		return nil, errs.New(errs.NotFound, "agentapi.Invoke", "agent or capability not found: "+agentID+"/"+capability)
	}
	return h(ctx, input)
}
