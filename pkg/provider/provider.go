// Package provider defines the backend contract every execution
// backend (a local LLM client, a coding-agent subprocess, a remote
// HTTP/SSE endpoint) implements, plus the role-scoped, capability-
// gated router that selects one backend per role. Grounded on the
// teacher's pkg/config.AgentRegistry for the registration bookkeeping;
// the role-filter-then-capability-filter-then-priority-pick selection
// algorithm is original to this component (see DESIGN.md), built in
// the teacher's small-struct-plus-sentinel-error style.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
)

// RenderEventKind tags the variant carried by a streamed RenderEvent.
type RenderEventKind string

const (
	RenderMessageStart            RenderEventKind = "message_start"
	RenderMessageChunk             RenderEventKind = "message_chunk"
	RenderMessageEnd               RenderEventKind = "message_end"
	RenderThinkingStart            RenderEventKind = "thinking_start"
	RenderThinkingChunk            RenderEventKind = "thinking_chunk"
	RenderThinkingEnd              RenderEventKind = "thinking_end"
	RenderToolCallStart            RenderEventKind = "tool_call_start"
	RenderToolCallParameterUpdate RenderEventKind = "tool_call_parameter_update"
	RenderToolCallUpdate           RenderEventKind = "tool_call_update"
	RenderToolCallEnd              RenderEventKind = "tool_call_end"
	RenderPlanUpdate                RenderEventKind = "plan_update"
	RenderInfo                      RenderEventKind = "info"
	RenderError                     RenderEventKind = "error"
	RenderPromptComplete           RenderEventKind = "prompt_complete"
	RenderConnected                 RenderEventKind = "connected"
	RenderDisconnected               RenderEventKind = "disconnected"
)

// RenderEvent is one item in a session's typed output stream. Not
// every field applies to every Kind; see the Kind-specific comments.
type RenderEvent struct {
	Kind RenderEventKind

	Text string // MessageChunk, ThinkingChunk, Info, Error

	Full string // MessageEnd

	ToolCallID    string // ToolCall*
	ToolCallName  string // ToolCallStart
	ToolCallTitle string // ToolCallStart, optional
	ToolCallInput string // ToolCallParameterUpdate (partial JSON/text)
	ToolCallOutput string // ToolCallEnd, optional
	Status        string // ToolCallUpdate/ToolCallEnd status label

	PlanEntries []string // PlanUpdate

	StopReason string // PromptComplete
}

// Capabilities advertises what a provider can do and how it should be
// weighed against competitors for the same role.
type Capabilities struct {
	Name                string
	SupportsToolCalling bool
	SupportsFileEditing bool
	SupportsTerminal    bool
	SupportsStreaming   bool
	SupportsInterrupt   bool
	SupportsHealthCheck bool
	MaxConcurrentAgents int
	Priority            int
}

// Provider is the backend contract. RunStreaming is optional in
// spirit — a provider that can't stream should still deliver at least
// one onChunk call carrying a RenderPromptComplete-equivalent before
// returning, and Capabilities().SupportsStreaming should report false.
type Provider interface {
	Run(ctx context.Context, role coordtypes.AgentRole, agentID, prompt string) (string, error)
	RunStreaming(ctx context.Context, role coordtypes.AgentRole, agentID, prompt string, onChunk func(RenderEvent)) (string, error)
	Capabilities() Capabilities
}

// HealthChecker is an optional capability a provider may implement.
type HealthChecker interface {
	IsHealthy(ctx context.Context, agentID string) bool
}

// Interrupter is an optional capability a provider may implement.
type Interrupter interface {
	Interrupt(ctx context.Context, agentID string) error
}

// Cleaner is an optional capability a provider may implement.
type Cleaner interface {
	Cleanup(ctx context.Context, agentID string) error
}

// Shutdowner is an optional capability a provider may implement.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ErrNoSuitableProvider mirrors config.ErrAgentNotFound's role in the
// teacher: a sentinel identity callers check with errors.Is, not a
// string they compare.
var ErrNoSuitableProvider = errors.New("no suitable provider")

// Requirements are the capability flags a role needs from a provider
// to be eligible for selection.
type Requirements struct {
	ToolCalling bool
	FileEditing bool
	Terminal    bool
}

// DefaultRequirements returns the spec's built-in per-role
// requirements: Planner needs tool calling, Worker needs file editing
// and a terminal, Verifier needs a terminal.
func DefaultRequirements() map[coordtypes.AgentRole]Requirements {
	return map[coordtypes.AgentRole]Requirements{
		coordtypes.RolePlanner:  {ToolCalling: true},
		coordtypes.RoleWorker:   {FileEditing: true, Terminal: true},
		coordtypes.RoleVerifier: {Terminal: true},
	}
}

func satisfies(caps Capabilities, reqs Requirements) bool {
	if reqs.ToolCalling && !caps.SupportsToolCalling {
		return false
	}
	if reqs.FileEditing && !caps.SupportsFileEditing {
		return false
	}
	if reqs.Terminal && !caps.SupportsTerminal {
		return false
	}
	return true
}

type registeredProvider struct {
	provider Provider
	role     coordtypes.AgentRole
	order    int
}

// Router holds the set of registered providers and picks one per role
// invocation. Safe for concurrent readers while registration happens
// concurrently, matching AgentRegistry's RWMutex-guarded map.
type Router struct {
	mu           sync.RWMutex
	providers    map[string]*registeredProvider
	nextOrder    int
	requirements map[coordtypes.AgentRole]Requirements
}

// NewRouter creates an empty Router with the default per-role
// requirements; overrides can be set with SetRequirements.
func NewRouter() *Router {
	return &Router{
		providers:    make(map[string]*registeredProvider),
		requirements: DefaultRequirements(),
	}
}

// SetRequirements overrides the requirements for a role, implementing
// the spec's configuration surface perRoleRequirements.
func (r *Router) SetRequirements(role coordtypes.AgentRole, reqs Requirements) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requirements[role] = reqs
}

// Register adds or replaces a provider under its capability name,
// scoped to the single role it was configured to serve. Registration
// order is tracked for priority tie-breaking; every call assigns a new
// order, so re-registering under an existing name replaces the entry
// and places it after all earlier registrations. A provider whose
// capabilities happen to satisfy another role's Requirements is still
// never selected for that role — role
// scoping is checked independently of capability satisfaction, since a
// Worker's broader capability set can otherwise look like a valid
// (and, by registration order, winning) Verifier.
func (r *Router) Register(role coordtypes.AgentRole, p Provider) {
	name := p.Capabilities().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = &registeredProvider{provider: p, role: role, order: r.nextOrder}
	r.nextOrder++
}

// Unregister removes a provider by name.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
}

// ListProviders returns the capability records of every registered
// provider, in registration order.
func (r *Router) ListProviders() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]registeredProvider, 0, len(r.providers))
	for _, rp := range r.providers {
		out = append(out, *rp)
	}
	sortByOrder(out)
	caps := make([]Capabilities, len(out))
	for i, rp := range out {
		caps[i] = rp.provider.Capabilities()
	}
	return caps
}

// Select filters registered providers to those registered for role and
// whose capabilities satisfy role's requirements, then picks the
// highest-priority match, breaking ties by earliest registration.
// Returns ErrNoSuitableProvider if none match.
func (r *Router) Select(role coordtypes.AgentRole) (Provider, error) {
	r.mu.RLock()
	reqs := r.requirements[role]
	candidates := make([]registeredProvider, 0, len(r.providers))
	for _, rp := range r.providers {
		if rp.role == role && satisfies(rp.provider.Capabilities(), reqs) {
			candidates = append(candidates, *rp)
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for role %s", ErrNoSuitableProvider, role)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.provider.Capabilities().Priority > best.provider.Capabilities().Priority {
			best = c
			continue
		}
		if c.provider.Capabilities().Priority == best.provider.Capabilities().Priority && c.order < best.order {
			best = c
		}
	}
	return best.provider, nil
}

// Capabilities returns the synthetic union of every registered
// provider's capabilities: booleans OR'd, MaxConcurrentAgents summed,
// Priority the max. Per the spec's open question, this union bounds
// the router's total fan-out budget across roles sharing providers —
// a single dispatch still goes through one selected provider, so
// effective parallelism for any one role is bounded by that provider's
// own MaxConcurrentAgents, not this union.
func (r *Router) Capabilities() Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var union Capabilities
	for _, rp := range r.providers {
		c := rp.provider.Capabilities()
		union.SupportsToolCalling = union.SupportsToolCalling || c.SupportsToolCalling
		union.SupportsFileEditing = union.SupportsFileEditing || c.SupportsFileEditing
		union.SupportsTerminal = union.SupportsTerminal || c.SupportsTerminal
		union.SupportsStreaming = union.SupportsStreaming || c.SupportsStreaming
		union.SupportsInterrupt = union.SupportsInterrupt || c.SupportsInterrupt
		union.SupportsHealthCheck = union.SupportsHealthCheck || c.SupportsHealthCheck
		union.MaxConcurrentAgents += c.MaxConcurrentAgents
		if c.Priority > union.Priority {
			union.Priority = c.Priority
		}
	}
	return union
}

func sortByOrder(rps []registeredProvider) {
	for i := 1; i < len(rps); i++ {
		for j := i; j > 0 && rps[j].order < rps[j-1].order; j-- {
			rps[j], rps[j-1] = rps[j-1], rps[j]
		}
	}
}
