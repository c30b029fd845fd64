package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
)

type stubProvider struct {
	caps Capabilities
}

func (s stubProvider) Run(ctx context.Context, role coordtypes.AgentRole, agentID, prompt string) (string, error) {
	return "ok", nil
}

func (s stubProvider) RunStreaming(ctx context.Context, role coordtypes.AgentRole, agentID, prompt string, onChunk func(RenderEvent)) (string, error) {
	onChunk(RenderEvent{Kind: RenderPromptComplete})
	return "ok", nil
}

func (s stubProvider) Capabilities() Capabilities { return s.caps }

func TestRouter_SelectFiltersByRequirements(t *testing.T) {
	r := NewRouter()
	plannerOnly := stubProvider{caps: Capabilities{Name: "planner-only", SupportsToolCalling: true, Priority: 1}}
	r.Register(coordtypes.RolePlanner, plannerOnly)

	_, err := r.Select(coordtypes.RoleWorker)
	assert.ErrorIs(t, err, ErrNoSuitableProvider)

	p, err := r.Select(coordtypes.RolePlanner)
	require.NoError(t, err)
	assert.Equal(t, "planner-only", p.Capabilities().Name)
}

func TestRouter_SelectPicksHighestPriority(t *testing.T) {
	r := NewRouter()
	low := stubProvider{caps: Capabilities{Name: "low", SupportsTerminal: true, Priority: 1}}
	high := stubProvider{caps: Capabilities{Name: "high", SupportsTerminal: true, Priority: 5}}
	r.Register(coordtypes.RoleVerifier, low)
	r.Register(coordtypes.RoleVerifier, high)

	p, err := r.Select(coordtypes.RoleVerifier)
	require.NoError(t, err)
	assert.Equal(t, "high", p.Capabilities().Name)
}

func TestRouter_SelectBreaksTiesByRegistrationOrder(t *testing.T) {
	r := NewRouter()
	first := stubProvider{caps: Capabilities{Name: "first", SupportsTerminal: true, Priority: 3}}
	second := stubProvider{caps: Capabilities{Name: "second", SupportsTerminal: true, Priority: 3}}
	r.Register(coordtypes.RoleVerifier, first)
	r.Register(coordtypes.RoleVerifier, second)

	p, err := r.Select(coordtypes.RoleVerifier)
	require.NoError(t, err)
	assert.Equal(t, "first", p.Capabilities().Name)
}

func TestRouter_CapabilitiesUnion(t *testing.T) {
	r := NewRouter()
	r.Register(coordtypes.RolePlanner, stubProvider{caps: Capabilities{Name: "a", SupportsToolCalling: true, MaxConcurrentAgents: 2, Priority: 1}})
	r.Register(coordtypes.RoleVerifier, stubProvider{caps: Capabilities{Name: "b", SupportsTerminal: true, MaxConcurrentAgents: 3, Priority: 4}})

	union := r.Capabilities()
	assert.True(t, union.SupportsToolCalling)
	assert.True(t, union.SupportsTerminal)
	assert.Equal(t, 5, union.MaxConcurrentAgents)
	assert.Equal(t, 4, union.Priority)
}

// TestRouter_MonotoneSelection covers invariant 6: adding a dominated,
// lower-priority provider cannot change a prior selection.
func TestRouter_MonotoneSelection(t *testing.T) {
	r := NewRouter()
	winner := stubProvider{caps: Capabilities{Name: "winner", SupportsTerminal: true, Priority: 5}}
	r.Register(coordtypes.RoleVerifier, winner)

	before, err := r.Select(coordtypes.RoleVerifier)
	require.NoError(t, err)
	require.Equal(t, "winner", before.Capabilities().Name)

	dominated := stubProvider{caps: Capabilities{Name: "dominated", SupportsTerminal: true, Priority: 1}}
	r.Register(coordtypes.RoleVerifier, dominated)

	after, err := r.Select(coordtypes.RoleVerifier)
	require.NoError(t, err)
	assert.Equal(t, "winner", after.Capabilities().Name)
}

func TestRouter_Unregister(t *testing.T) {
	r := NewRouter()
	p := stubProvider{caps: Capabilities{Name: "only", SupportsTerminal: true, Priority: 1}}
	r.Register(coordtypes.RoleVerifier, p)
	r.Unregister("only")

	_, err := r.Select(coordtypes.RoleVerifier)
	assert.ErrorIs(t, err, ErrNoSuitableProvider)
}

// TestRouter_SelectIgnoresCapabilityMatchFromOtherRoles covers the
// case where a Worker's capability set (FileEditing+Terminal) is a
// strict superset of the Verifier's (Terminal only): a provider
// registered for Worker must never be selectable for Verifier just
// because it would satisfy Verifier's requirements too.
func TestRouter_SelectIgnoresCapabilityMatchFromOtherRoles(t *testing.T) {
	r := NewRouter()
	worker := stubProvider{caps: Capabilities{Name: "worker", SupportsFileEditing: true, SupportsTerminal: true, Priority: 1}}
	verifier := stubProvider{caps: Capabilities{Name: "verifier", SupportsTerminal: true, Priority: 1}}
	r.Register(coordtypes.RoleWorker, worker)
	r.Register(coordtypes.RoleVerifier, verifier)

	p, err := r.Select(coordtypes.RoleVerifier)
	require.NoError(t, err)
	assert.Equal(t, "verifier", p.Capabilities().Name)
}
