// Package registry implements the Agent Registry: an in-memory catalog of
// agents and their capabilities, indexed by id, tag and category,
// following an in-memory map-of-indices pattern. A Redis-backed variant
// is not used here — this registry is always in-process.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/scarmonit/a2a-exec/internal/errs"
)

// Capability describes one named operation an agent exposes.
type Capability struct {
	Name string
	Description string
	InputSchema map[string]interface{}
	OutputSchema map[string]interface{}
}

// Descriptor is the authoritative record of one agent.
type Descriptor struct {
	AgentID string
	Name string
	Version string
	Category string
	Tags []string
	Capabilities []Capability
	Enabled bool
}

func (d Descriptor) clone() Descriptor {
	c := d
	c.Tags = append([]string(nil), d.Tags...)
	c.Capabilities = append([]Capability(nil), d.Capabilities...)
	return c
}

// CapabilityNames returns the set of capability names exposed by d.
func (d Descriptor) CapabilityNames() map[string]struct{} {
	out := make(map[string]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		out[c.Name] = struct{}{}
	}
	return out
}

// HasCapability reports whether d exposes a capability named name.
func (d Descriptor) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Filter narrows a list() call.
type Filter struct {
	Category string
	Tag string
	Enabled *bool
	Query string
}

// Patch describes a partial update applied by Update. A nil Capabilities
// never erases the existing set,
type Patch struct {
	Name *string
	Category *string
	Tags []string
	Capabilities []Capability
	Enabled *bool
}

// Registry is the authoritative in-memory agent catalog. All mutation
// serializes through a single write lock; reads use a read lock.
type Registry struct {
	mu sync.RWMutex
	agents map[string]Descriptor
	byTag map[string]map[string]struct{}
	byCategory map[string]map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		agents: make(map[string]Descriptor),
		byTag: make(map[string]map[string]struct{}),
		byCategory: make(map[string]map[string]struct{}),
	}
}

// Register inserts descriptor. It fails with ErrAgentAlreadyExists whenever
// the agentId is already registered; callers wanting to replace an
// existing descriptor must use Update.
func (r *Registry) Register(_ context.Context, d Descriptor) error {
	if d.AgentID == "" {
		return errs.New(errs.Invalid, "registry.Register", "agentId is required")
	}
	if len(d.Capabilities) == 0 {
		return errs.New(errs.Invalid, "registry.Register", "agent must expose at least one capability")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[d.AgentID]; exists {
		return errs.Wrap(errs.Invalid, "registry.Register", errs.ErrAgentAlreadyExists)
	}
	r.agents[d.AgentID] = d.clone()
	r.reindexLocked(d.AgentID, nil, d)
	return nil
}

// Update atomically applies patch to an existing descriptor and reindexes.
func (r *Registry) Update(_ context.Context, agentID string, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.agents[agentID]
	if !exists {
		return errs.Wrap(errs.NotFound, "registry.Update", errs.ErrAgentNotFound)
	}

	updated := old
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Category != nil {
		updated.Category = *patch.Category
	}
	if patch.Tags != nil {
		updated.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.Capabilities != nil {
		updated.Capabilities = append([]Capability(nil), patch.Capabilities...)
	}
	if patch.Enabled != nil {
		updated.Enabled = *patch.Enabled
	}

	r.agents[agentID] = updated.clone()
	r.reindexLocked(agentID, old, updated)
	return nil
}

// SetEnabled flips the eligibility of an agent for scheduling.
func (r *Registry) SetEnabled(ctx context.Context, agentID string, enabled bool) error {
	return r.Update(ctx, agentID, Patch{Enabled: &enabled})
}

// Remove deletes an agent. In-flight steps that reference it complete
// normally; the registry never aborts running work.
func (r *Registry) Remove(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.agents[agentID]
	if !exists {
		return nil
	}
	delete(r.agents, agentID)
	r.unindexLocked(agentID, old)
	return nil
}

// Get returns a copy of the descriptor for agentID, or (zero, false).
func (r *Registry) Get(agentID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[agentID]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// List returns descriptors matching filter.
func (r *Registry) List(filter Filter) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, d := range r.agents {
		if !matches(d, filter) {
			continue
		}
		out = append(out, d.clone())
	}
	return out
}

// Snapshot returns a deep copy of every descriptor, for the orchestrator's
// scoring pass, without holding the registry lock during scoring.
func (r *Registry) Snapshot() []Descriptor {
	return r.List(Filter{})
}

// ByTag returns agent ids tagged t.
func (r *Registry) ByTag(t string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keysOf(r.byTag[t])
}

// ByCategory returns agent ids in category c.
func (r *Registry) ByCategory(c string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keysOf(r.byCategory[c])
}

func matches(d Descriptor, f Filter) bool {
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if f.Tag != "" && !containsString(d.Tags, f.Tag) {
		return false
	}
	if f.Enabled != nil && d.Enabled != *f.Enabled {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(d.AgentID), q) &&
			!strings.Contains(strings.ToLower(d.Name), q) &&
			!capabilityMatches(d, q) {
			return false
		}
	}
	return true
}

func capabilityMatches(d Descriptor, q string) bool {
	for _, c := range d.Capabilities {
		if strings.Contains(strings.ToLower(c.Name), q) {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// reindexLocked must be called with mu held. old is the zero Descriptor on
// first registration.
func (r *Registry) reindexLocked(agentID string, old, updated Descriptor) {
	r.unindexLocked(agentID, old)
	r.indexLocked(agentID, updated)
}

func (r *Registry) indexLocked(agentID string, d Descriptor) {
	for _, tag := range d.Tags {
		if r.byTag[tag] == nil {
			r.byTag[tag] = make(map[string]struct{})
		}
		r.byTag[tag][agentID] = struct{}{}
	}
	if d.Category != "" {
		if r.byCategory[d.Category] == nil {
			r.byCategory[d.Category] = make(map[string]struct{})
		}
		r.byCategory[d.Category][agentID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(agentID string, d Descriptor) {
	for _, tag := range d.Tags {
		delete(r.byTag[tag], agentID)
	}
	if d.Category != "" {
		delete(r.byCategory[d.Category], agentID)
	}
}
