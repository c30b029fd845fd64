package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/coordinator/pkg/backend"
	"github.com/codeready-toolchain/coordinator/pkg/config"
	"github.com/codeready-toolchain/coordinator/pkg/coordinator"
	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
	"github.com/codeready-toolchain/coordinator/pkg/provider"
)

type fakeProvider struct {
	name string
	caps provider.Capabilities

	mu   sync.Mutex
	text string
}

func (p *fakeProvider) Capabilities() provider.Capabilities {
	c := p.caps
	c.Name = p.name
	return c
}

func (p *fakeProvider) Run(ctx context.Context, role coordtypes.AgentRole, agentID, prompt string) (string, error) {
	return p.current(), nil
}

func (p *fakeProvider) RunStreaming(ctx context.Context, role coordtypes.AgentRole, agentID, prompt string, onChunk func(provider.RenderEvent)) (string, error) {
	text := p.current()
	if onChunk != nil {
		onChunk(provider.RenderEvent{Kind: provider.RenderMessageEnd, Full: text})
	}
	return text, nil
}

func (p *fakeProvider) current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

func newTestFacade(cfg *config.CoordinatorConfig, planner, worker, verifier provider.Provider) *Facade {
	router := provider.NewRouter()
	router.Register(coordtypes.RolePlanner, planner)
	router.Register(coordtypes.RoleWorker, worker)
	router.Register(coordtypes.RoleVerifier, verifier)
	return &Facade{cfg: cfg, router: router, pool: backend.NewProcessPool()}
}

func baseConfig() *config.CoordinatorConfig {
	replaySize := 8
	return &config.CoordinatorConfig{
		MaxIterations:      3,
		EventLogSize:       64,
		ReplaySize:         &replaySize,
		SessionGracePeriod: time.Second,
	}
}

// TestNewFacade_RoleRequirementsOverrideIsAdditiveNotReplacing covers an
// operator config that only sets FileEditing for the planner role: the
// planner's mandatory default ToolCalling requirement must survive,
// not be dropped just because the YAML block didn't repeat it.
func TestNewFacade_RoleRequirementsOverrideIsAdditiveNotReplacing(t *testing.T) {
	replaySize := 8
	cfg := &config.CoordinatorConfig{
		MaxIterations:      3,
		EventLogSize:       64,
		ReplaySize:         &replaySize,
		SessionGracePeriod: time.Second,
		RoleRequirements: map[string]config.RoleRequirementsConfig{
			"planner": {FileEditing: true},
		},
	}

	f, err := NewFacade(context.Background(), cfg)
	require.NoError(t, err)
	defer f.Shutdown(context.Background())

	noToolCalling := &fakeProvider{name: "no-tool-calling", caps: provider.Capabilities{SupportsFileEditing: true}}
	f.router.Register(coordtypes.RolePlanner, noToolCalling)

	_, err = f.router.Select(coordtypes.RolePlanner)
	assert.Error(t, err, "planner's default tool_calling requirement must still be enforced")
}

const onePlanWithOneTask = `
@@@task
# Only
## Objective
Do the only thing.
@@@
`

func TestFacade_ExecuteSucceedsWhenVerifierApprovesFirstTry(t *testing.T) {
	planner := &fakeProvider{name: "planner", text: onePlanWithOneTask, caps: provider.Capabilities{SupportsToolCalling: true}}
	worker := &fakeProvider{name: "worker", text: "Done. No errors.", caps: provider.Capabilities{SupportsFileEditing: true, SupportsTerminal: true, MaxConcurrentAgents: 2}}
	verifier := &fakeProvider{name: "verifier", text: "APPROVED", caps: provider.Capabilities{SupportsTerminal: true}}

	f := newTestFacade(baseConfig(), planner, worker, verifier)
	result := f.Execute(context.Background(), "build the only thing", Options{})

	require.Equal(t, ResultSuccess, result.Kind)
	require.Len(t, result.TaskSummaries, 1)
	assert.Equal(t, coordtypes.TaskCompleted, result.TaskSummaries[0].Status)
}

func TestFacade_ExecuteReturnsNoTasksWhenPlanHasNone(t *testing.T) {
	planner := &fakeProvider{name: "planner", text: "There is nothing to do here.", caps: provider.Capabilities{SupportsToolCalling: true}}
	worker := &fakeProvider{name: "worker", text: "", caps: provider.Capabilities{SupportsFileEditing: true, SupportsTerminal: true}}
	verifier := &fakeProvider{name: "verifier", text: "", caps: provider.Capabilities{SupportsTerminal: true}}

	f := newTestFacade(baseConfig(), planner, worker, verifier)
	result := f.Execute(context.Background(), "do nothing", Options{})

	require.Equal(t, ResultNoTasks, result.Kind)
	assert.Contains(t, result.PlanText, "nothing to do")
}

func TestFacade_ExecuteReachesMaxIterationsWhenVerifierNeverApproves(t *testing.T) {
	planner := &fakeProvider{name: "planner", text: onePlanWithOneTask, caps: provider.Capabilities{SupportsToolCalling: true}}
	worker := &fakeProvider{name: "worker", text: "Done.", caps: provider.Capabilities{SupportsFileEditing: true, SupportsTerminal: true}}
	verifier := &fakeProvider{name: "verifier", text: "NOT_APPROVED try again", caps: provider.Capabilities{SupportsTerminal: true}}

	cfg := baseConfig()
	cfg.MaxIterations = 2
	f := newTestFacade(cfg, planner, worker, verifier)
	result := f.Execute(context.Background(), "build the only thing", Options{})

	require.Equal(t, ResultMaxIterationsReached, result.Kind)
	require.Len(t, result.TaskSummaries, 1)
}

func TestFacade_ExecuteReportsPhaseTransitionsToObserver(t *testing.T) {
	planner := &fakeProvider{name: "planner", text: onePlanWithOneTask, caps: provider.Capabilities{SupportsToolCalling: true}}
	worker := &fakeProvider{name: "worker", text: "Done.", caps: provider.Capabilities{SupportsFileEditing: true, SupportsTerminal: true}}
	verifier := &fakeProvider{name: "verifier", text: "APPROVED", caps: provider.Capabilities{SupportsTerminal: true}}

	f := newTestFacade(baseConfig(), planner, worker, verifier)

	var mu sync.Mutex
	var seen []coordinator.Phase
	observer := func(p coordinator.Phase) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p)
	}

	result := f.Execute(context.Background(), "build the only thing", Options{PhaseObserver: observer})
	require.Equal(t, ResultSuccess, result.Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
	assert.Equal(t, coordinator.PhasePlanning, seen[0])
}

func TestFacade_ExecuteFailsWhenNoProviderSatisfiesRole(t *testing.T) {
	worker := &fakeProvider{name: "worker", text: "Done.", caps: provider.Capabilities{SupportsFileEditing: true, SupportsTerminal: true}}
	verifier := &fakeProvider{name: "verifier", text: "APPROVED", caps: provider.Capabilities{SupportsTerminal: true}}

	router := provider.NewRouter()
	router.Register(coordtypes.RoleWorker, worker)
	router.Register(coordtypes.RoleVerifier, verifier)
	f := &Facade{cfg: baseConfig(), router: router, pool: backend.NewProcessPool()}

	result := f.Execute(context.Background(), "build the only thing", Options{})
	require.Equal(t, ResultFailed, result.Kind)
	assert.Error(t, result.Err)
}
