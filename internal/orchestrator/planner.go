package orchestrator

import (
	"context"
	"strings"

	"github.com/scarmonit/a2a-exec/internal/engine"
	"github.com/scarmonit/a2a-exec/internal/registry"
)

// Requirements is what Planner.Analyze derives from a free-text task
// description (step 1).
type Requirements struct {
	Domain string
	Actions []string
	RequiredCapabilities []string
	Tags []string
	Complexity int
	EstimatedSteps int
}

// Planner is the external natural-language-to-plan collaborator interface.
// An LLM-backed implementation is not provided in this package. The only
// implementation shipped here is StubPlanner, a deterministic
// keyword-scan stand-in good enough to drive the scoring and
// plan-construction pipeline end to end.
type Planner interface {
	Analyze(ctx context.Context, description string) (Requirements, error)
}

// AgentScore is one candidate's scored eligibility for a task (
// step 2).
type AgentScore struct {
	AgentID string
	Score float64
	Bucket string // "primary" | "secondary" | "optional"
}

// StubPlanner derives Requirements via a keyword scan against the
// registry's known categories and tags rather than calling out to an LLM.
// It exists so the deterministic scoring/plan-construction machinery has
// something concrete to drive end to end without an external, LLM-backed
// planner this repository does not implement.
type StubPlanner struct {
	reg *registry.Registry
}

func NewStubPlanner(reg *registry.Registry) *StubPlanner {
	return &StubPlanner{reg: reg}
}

// Analyze scans description for any known category or tag name (from the
// current registry snapshot) and for a closed set of action verbs,
// returning them as the task's domain/tags/actions.
func (p *StubPlanner) Analyze(_ context.Context, description string) (Requirements, error) {
	lower := strings.ToLower(description)

	var domain string
	var tags []string
	categories := map[string]struct{}{}
	tagSet := map[string]struct{}{}
	for _, d := range p.reg.Snapshot() {
		if d.Category != "" {
			categories[d.Category] = struct{}{}
		}
		for _, t := range d.Tags {
			tagSet[t] = struct{}{}
		}
	}
	for c := range categories {
		if c != "" && strings.Contains(lower, strings.ToLower(c)) {
			domain = c
			break
		}
	}
	for t := range tagSet {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			tags = append(tags, t)
		}
	}

	actions := detectActions(lower)
	caps := actions // the stub treats each detected action verb as a required capability name

	return Requirements{
		Domain: domain,
		Actions: actions,
		RequiredCapabilities: caps,
		Tags: tags,
		Complexity: len(actions),
		EstimatedSteps: maxIntLocal(len(actions), 1),
	}, nil
}

var knownActionVerbs = []string{
	"fetch", "scrape", "summarize", "generate", "analyze", "deploy", "test",
	"review", "translate", "classify", "notify", "send", "validate", "build",
}

func detectActions(lower string) []string {
	var out []string
	for _, v := range knownActionVerbs {
		if strings.Contains(lower, v) {
			out = append(out, v)
		}
	}
	return out
}

func maxIntLocal(n, floor int) int {
	if n < floor {
		return floor
	}
	return n
}

// scoreAgents implements the deterministic formula of step 2
// verbatim over a registry snapshot (taken without holding the registry
// lock during scoring).
func scoreAgents(req Requirements, candidates []registry.Descriptor) []AgentScore {
	maxPossible := 0.5 + 0.3*float64(len(req.RequiredCapabilities)) + 0.1*float64(len(req.Tags))
	if maxPossible <= 0 {
		maxPossible = 1
	}

	var out []AgentScore
	for _, d := range candidates {
		if !d.Enabled {
			continue
		}
		var raw float64
		if req.Domain != "" && d.Category == req.Domain {
			raw += 0.5
		}

		capNames := d.CapabilityNames()
		matchedCaps := 0
		for _, c := range req.RequiredCapabilities {
			if _, ok := capNames[c]; ok {
				matchedCaps++
			}
		}
		capContribution := 0.3 * float64(matchedCaps)
		capCeiling := 0.3 * float64(len(req.RequiredCapabilities))
		if capContribution > capCeiling {
			capContribution = capCeiling
		}
		raw += capContribution

		matchedTags := 0
		tagSet := make(map[string]struct{}, len(d.Tags))
		for _, t := range d.Tags {
			tagSet[t] = struct{}{}
		}
		for _, t := range req.Tags {
			if _, ok := tagSet[t]; ok {
				matchedTags++
			}
		}
		raw += 0.1 * float64(matchedTags)

		normalized := raw / maxPossible
		if normalized < 0.3 {
			continue
		}

		out = append(out, AgentScore{AgentID: d.AgentID, Score: normalized, Bucket: bucketOf(normalized)})
	}
	return out
}

func bucketOf(score float64) string {
	switch {
	case score >= 0.7:
		return "primary"
	case score >= 0.5:
		return "secondary"
	default:
		return "optional"
	}
}

// buildPlanSpecs turns selected actions/capabilities into one step per
// required action (step 3), wired as a linear chain in planner
// order since the stub planner has no richer dependency signal to offer.
func buildPlanSpecs(req Requirements, scores []AgentScore) []engine.StepSpec {
	primary := make(map[string]string) // agentId -> agentId of each primary-bucket candidate
	for _, sc := range scores {
		if sc.Bucket != "primary" {
			continue
		}
		primary[sc.AgentID] = sc.AgentID
	}

	specs := make([]engine.StepSpec, 0, len(req.Actions))
	var prev string
	for i, action := range req.Actions {
		agentID := bestAgentFor(action, scores)
		spec := engine.StepSpec{
			StepID: "step-" + action,
			Name: action,
			AgentID: agentID,
			Capability: action,
			Priority: len(req.Actions) - i,
			MaxAttempts: 3,
			BackoffBaseMs: 250,
			TimeoutMs: 60000,
			OnFailure: engine.OnFailureRetry,
		}
		if prev != "" {
			spec.Dependencies = []string{prev}
		}
		specs = append(specs, spec)
		prev = spec.StepID
	}
	return specs
}

// bestAgentFor picks the highest-scored candidate for a capability; the
// stub planner has no capability-level score, so it simply returns the
// top-scored agent overall among primaries, falling back to the best
// scored candidate of any bucket.
func bestAgentFor(_ string, scores []AgentScore) string {
	var best AgentScore
	for _, sc := range scores {
		if sc.Score > best.Score {
			best = sc
		}
	}
	return best.AgentID
}

// confidence is the mean score of primary-bucket candidates (
// step 4), 0 if there are none.
func confidence(scores []AgentScore) float64 {
	var sum float64
	var n int
	for _, sc := range scores {
		if sc.Bucket == "primary" {
			sum += sc.Score
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
