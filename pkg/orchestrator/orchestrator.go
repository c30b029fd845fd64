// Package orchestrator wires every component (bus, stores, router,
// coordinator, pipeline, stages) into the single entry point the CLI
// calls: Facade.Execute. Grounded on cmd/tarsy/main.go's
// construct-and-wire composition style, collapsed from an HTTP server
// bring-up into a single synchronous call since this engine has no
// request/response surface of its own.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/codeready-toolchain/coordinator/pkg/backend"
	"github.com/codeready-toolchain/coordinator/pkg/backend/httpprovider"
	"github.com/codeready-toolchain/coordinator/pkg/backend/subprocessprovider"
	"github.com/codeready-toolchain/coordinator/pkg/config"
	"github.com/codeready-toolchain/coordinator/pkg/coordinator"
	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
	"github.com/codeready-toolchain/coordinator/pkg/events"
	"github.com/codeready-toolchain/coordinator/pkg/pipeline"
	"github.com/codeready-toolchain/coordinator/pkg/provider"
	"github.com/codeready-toolchain/coordinator/pkg/stage"
	"github.com/codeready-toolchain/coordinator/pkg/store"
)

// ResultKind tags the variant Facade.Execute returns.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultNoTasks
	ResultMaxIterationsReached
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultNoTasks:
		return "no_tasks"
	case ResultMaxIterationsReached:
		return "max_iterations_reached"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Facade.Execute call.
type Result struct {
	Kind          ResultKind
	TaskSummaries []coordinator.TaskSummary
	PlanText      string // set on ResultNoTasks
	Err           error  // set on ResultFailed and ResultMaxIterationsReached
}

// Options customizes one Execute call: observers and per-role prompt
// preambles.
type Options struct {
	WorkspaceID     string
	RoleDefinitions map[coordtypes.AgentRole]string
	PhaseObserver   func(coordinator.Phase)
	StreamObserver  func(agentID string, chunk provider.RenderEvent)
}

// Facade owns the long-lived components shared across Execute calls:
// the router, its registered providers, and the process pool backing
// them. A fresh Coordinator (and its stores) is created per
// workspace/run, since coordination state does not outlive one
// request.
type Facade struct {
	cfg    *config.CoordinatorConfig
	router *provider.Router
	pool   *backend.ProcessPool
	logger *slog.Logger
}

// NewFacade builds a Facade from cfg: registers one provider per
// configured backend, wires role requirement overrides, and starts
// the process pool.
func NewFacade(ctx context.Context, cfg *config.CoordinatorConfig) (*Facade, error) {
	// LoadCoordinatorConfig already does this, but callers can also
	// build a CoordinatorConfig by hand (no YAML file involved), and
	// ReplaySize in particular is a *int that Execute dereferences
	// unconditionally below.
	cfg.ApplyDefaults()

	router := provider.NewRouter()
	defaults := provider.DefaultRequirements()
	for role, reqs := range cfg.RoleRequirements {
		// Additive onto the role's default requirements, not a
		// replacement: a YAML block that only sets file_editing for the
		// planner must not silently drop its mandatory default
		// tool_calling requirement just because the operator didn't
		// repeat it.
		merged := defaults[coordtypes.AgentRole(role)]
		merged.ToolCalling = merged.ToolCalling || reqs.ToolCalling
		merged.FileEditing = merged.FileEditing || reqs.FileEditing
		merged.Terminal = merged.Terminal || reqs.Terminal
		router.SetRequirements(coordtypes.AgentRole(role), merged)
	}

	pool := backend.NewProcessPool()
	for _, b := range cfg.Backends {
		p, sm, err := buildProvider(b, cfg.SessionGracePeriod)
		if err != nil {
			return nil, fmt.Errorf("build backend %q: %w", b.Name, err)
		}
		router.Register(coordtypes.AgentRole(b.Role), p)
		pool.Register(b.Name, sm)
	}

	if err := pool.Start(ctx); err != nil {
		return nil, fmt.Errorf("start process pool: %w", err)
	}

	return &Facade{
		cfg:    cfg,
		router: router,
		pool:   pool,
		logger: slog.With("component", "orchestrator.Facade"),
	}, nil
}

// buildProvider constructs the provider.Provider (and its underlying
// backend.SessionManager, for pool registration) for one configured
// backend.
func buildProvider(b config.BackendConfig, defaultGrace time.Duration) (provider.Provider, *backend.SessionManager, error) {
	grace := b.GracePeriod
	if grace <= 0 {
		grace = defaultGrace
	}

	switch b.Transport {
	case "", "subprocess":
		p := subprocessprovider.New(subprocessprovider.Config{
			Name:                b.Name,
			Command:             b.Command,
			Args:                b.Args,
			Env:                 b.Env,
			ToolName:            b.ToolName,
			MaxConcurrentAgents: b.MaxConcurrentAgents,
			Priority:            b.Priority,
			GracePeriod:         grace,
		})
		return p, p.SessionManager(), nil
	case "http", "sse":
		var bearerToken string
		if b.BearerTokenEnv != "" {
			bearerToken = os.Getenv(b.BearerTokenEnv)
		}
		p := httpprovider.New(httpprovider.Config{
			Name:                b.Name,
			Transport:           httpprovider.TransportKind(b.Transport),
			URL:                 b.URL,
			BearerToken:         bearerToken,
			VerifySSL:           b.VerifySSL,
			Timeout:             b.Timeout,
			ToolName:            b.ToolName,
			MaxConcurrentAgents: b.MaxConcurrentAgents,
			Priority:            b.Priority,
			GracePeriod:         grace,
		})
		return p, p.SessionManager(), nil
	default:
		return nil, nil, fmt.Errorf("unknown backend transport %q", b.Transport)
	}
}

// Shutdown stops the process pool, disconnecting every backend
// session.
func (f *Facade) Shutdown(ctx context.Context) {
	f.pool.Stop(ctx)
}

// Execute runs one full planner → worker-wave → verifier coordination
// loop for request within a fresh workspace, returning the tagged
// outcome.
func (f *Facade) Execute(ctx context.Context, request string, opts Options) Result {
	workspaceID := opts.WorkspaceID
	if workspaceID == "" {
		workspaceID = "default"
	}

	agents := store.NewAgentStore(nil)
	tasks := store.NewTaskStore(nil)
	conversations := store.NewConversationStore()
	bus := events.NewBus(events.Config{MaxLogSize: f.cfg.EventLogSize, ReplaySize: *f.cfg.ReplaySize})
	coord := coordinator.New(workspaceID, agents, tasks, conversations, bus, f.router)
	for role, def := range opts.RoleDefinitions {
		coord.SetRoleDefinition(role, def)
	}

	if _, err := coord.Initialize(ctx); err != nil {
		return Result{Kind: ResultFailed, Err: fmt.Errorf("initialize coordinator: %w", err)}
	}

	// The first report is made synchronously here, right after
	// Initialize, rather than from the background poller below: a
	// fast/synchronous provider can run the entire pipeline to
	// completion before a freshly spawned goroutine is ever scheduled,
	// so leaving watchPhase to take its own first snapshot could report
	// the final phase as the only phase the observer ever sees.
	//
	// Registered before coord.Shutdown's defer so it runs after: Shutdown
	// drains the coordinator's reaction loop (processing any in-flight
	// phase-changing event), so the watcher's final poll-and-report below
	// always sees the settled phase rather than racing it.
	if opts.PhaseObserver != nil {
		initialPhase := coord.Phase()
		opts.PhaseObserver(initialPhase)

		var watchWG sync.WaitGroup
		stopWatch := make(chan struct{})
		watchWG.Add(1)
		go func() {
			defer watchWG.Done()
			watchPhase(stopWatch, coord, opts.PhaseObserver, initialPhase)
		}()
		defer func() {
			close(stopWatch)
			watchWG.Wait()
			opts.PhaseObserver(coord.Phase())
		}()
	}
	defer coord.Shutdown(ctx)

	stages := []pipeline.Stage{
		stage.Planning{Timeout: f.cfg.RoleTimeout(string(coordtypes.RolePlanner), stage.DefaultPlannerTimeout)},
		stage.TaskRegistration{},
		stage.WorkerExecution{Timeout: f.cfg.RoleTimeout(string(coordtypes.RoleWorker), stage.DefaultWorkerTimeout)},
		stage.Verification{Timeout: f.cfg.RoleTimeout(string(coordtypes.RoleVerifier), stage.DefaultVerifierTimeout)},
	}
	executor := pipeline.NewExecutor(stages, f.cfg.MaxIterations)

	pc := &pipeline.Context{
		Ctx:            ctx,
		WorkspaceID:    workspaceID,
		Agents:         agents,
		Tasks:          tasks,
		Conversations:  conversations,
		Bus:            bus,
		Router:         f.router,
		Coordinator:    coord,
		Request:        request,
		StreamObserver: opts.StreamObserver,
	}

	result := executor.Execute(pc)
	switch result.Kind {
	case pipeline.ResultDone:
		if value, ok := result.Value.(stage.NoTasksValue); ok {
			return Result{Kind: ResultNoTasks, PlanText: value.PlanText}
		}
		return Result{Kind: ResultSuccess, TaskSummaries: coord.GetTaskSummary()}
	case pipeline.ResultSkipRemaining:
		return Result{Kind: ResultSuccess, TaskSummaries: coord.GetTaskSummary()}
	case pipeline.ResultFailed:
		if errors.Is(result.Err, pipeline.ErrMaxIterationsReached) {
			return Result{Kind: ResultMaxIterationsReached, TaskSummaries: coord.GetTaskSummary(), Err: result.Err}
		}
		return Result{Kind: ResultFailed, Err: result.Err}
	default:
		return Result{Kind: ResultSuccess, TaskSummaries: coord.GetTaskSummary()}
	}
}

// watchPhase polls the coordinator's phase and reports every change
// after last to observer until stop is closed. The coordinator has no
// native phase-changed event of its own (phase is a derived, not
// emitted, property), so polling is the cheapest faithful bridge.
func watchPhase(stop <-chan struct{}, coord *coordinator.Coordinator, observer func(coordinator.Phase), last coordinator.Phase) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := coord.Phase()
			if current != last {
				last = current
				observer(current)
			}
		}
	}
}
