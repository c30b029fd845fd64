// Package coordinator drives a single workspace through the
// Planner → Worker-wave → Verifier phase machine. Grounded on the
// teacher's pkg/queue/worker.Worker: a mutex-guarded status field with
// a Health()-style snapshot accessor, generalized here to the full
// phase enum, plus pkg/agent/orchestrator/runner.go's
// reservation-then-commit bookkeeping for wave membership (a worker's
// agent id is reserved into the active wave at dispatch time and
// removed only once it reaches a terminal status).
//
// Phase transitions driven by direct operation calls (initialize,
// registerTasks, executeNextWave, startVerification) happen inline;
// transitions driven by wave/verification completion happen only in
// reaction to events observed on the bus, decoupling this state
// machine from the pipeline's stage execution order.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
	"github.com/codeready-toolchain/coordinator/pkg/events"
	"github.com/codeready-toolchain/coordinator/pkg/planparser"
	"github.com/codeready-toolchain/coordinator/pkg/provider"
	"github.com/codeready-toolchain/coordinator/pkg/store"
)

// Phase is a workspace's position in the coordination loop.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePlanning     Phase = "planning"
	PhaseReady        Phase = "ready"
	PhaseExecuting    Phase = "executing"
	PhaseWaveComplete Phase = "wave_complete"
	PhaseVerifying    Phase = "verifying"
	PhaseNeedsFix     Phase = "needs_fix"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// WaveAssignment pairs a newly created Worker with the task it was
// delegated, returned by ExecuteNextWave.
type WaveAssignment struct {
	AgentID string
	TaskID  string
}

// TaskSummary is the observer-facing snapshot returned by
// GetTaskSummary.
type TaskSummary struct {
	TaskID     string
	Title      string
	Status     coordtypes.TaskStatus
	Verdict    *coordtypes.Verdict
	AssignedTo string
}

// Coordinator owns one workspace's phase machine, agent/task
// bookkeeping, and bus subscription.
type Coordinator struct {
	workspaceID   string
	agents        *store.AgentStore
	tasks         *store.TaskStore
	conversations *store.ConversationStore
	bus           *events.Bus
	router        *provider.Router

	roleDefinitions map[coordtypes.AgentRole]string

	mu         sync.Mutex
	phase      Phase
	plannerID  string
	verifierID string
	activeWave       map[string]struct{}
	waveActive       bool
	waveAnySucceeded bool

	sub          *events.Subscription
	subWG        sync.WaitGroup
	shutdownOnce sync.Once

	logger *slog.Logger
}

// New creates a Coordinator for workspaceID over the given stores,
// bus, and router. Phase starts at Idle.
func New(workspaceID string, agents *store.AgentStore, tasks *store.TaskStore, conversations *store.ConversationStore, bus *events.Bus, router *provider.Router) *Coordinator {
	return &Coordinator{
		workspaceID:     workspaceID,
		agents:          agents,
		tasks:           tasks,
		conversations:   conversations,
		bus:             bus,
		router:          router,
		roleDefinitions: make(map[coordtypes.AgentRole]string),
		phase:           PhaseIdle,
		activeWave:      make(map[string]struct{}),
		logger:          slog.With("component", "coordinator", "workspace", workspaceID),
	}
}

// SetRoleDefinition installs the prompt preamble used by
// BuildAgentContext for role.
func (c *Coordinator) SetRoleDefinition(role coordtypes.AgentRole, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roleDefinitions[role] = text
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// PlannerID returns the workspace's Planner agent id, set by
// Initialize. Empty before Initialize has run.
func (c *Coordinator) PlannerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plannerID
}

// Initialize creates the workspace's Planner agent, emits
// AgentCreated, and subscribes the coordinator to the bus so
// completion/cancellation events can drive later phase transitions.
func (c *Coordinator) Initialize(ctx context.Context) (string, error) {
	planner := c.agents.Create(c.workspaceID, "planner", coordtypes.RolePlanner, coordtypes.TierSmart, "")
	c.bus.Emit(coordtypes.AgentEvent{
		Kind:        coordtypes.EventAgentCreated,
		WorkspaceID: c.workspaceID,
		AgentID:     planner.ID,
		Role:        coordtypes.RolePlanner,
		Status:      coordtypes.AgentPending,
	})

	c.mu.Lock()
	c.plannerID = planner.ID
	c.phase = PhasePlanning
	c.mu.Unlock()

	c.sub = c.bus.Subscribe()
	c.subWG.Add(1)
	go c.reactLoop()

	return planner.ID, nil
}

func (c *Coordinator) reactLoop() {
	defer c.subWG.Done()
	for event := range c.sub.Events() {
		c.handleEvent(event)
	}
}

func (c *Coordinator) handleEvent(event coordtypes.AgentEvent) {
	switch event.Kind {
	case coordtypes.EventAgentCompleted:
		switch event.Role {
		case coordtypes.RoleWorker:
			// A completed worker (whatever its report's Success value)
			// is later moved to TaskReviewRequired by WorkerExecution,
			// but only after this same event is emitted — so
			// markWorkerTerminal must not re-derive "did this wave
			// produce anything to review" from the store, which may not
			// have caught up yet. succeeded=true here is the reliable
			// signal instead.
			c.markWorkerTerminal(event.AgentID, true)
		case coordtypes.RoleVerifier:
			c.advanceAfterVerification(event.TaskStatus == coordtypes.TaskNeedsFix)
		}
	case coordtypes.EventAgentStatusChanged:
		if event.Role == coordtypes.RoleWorker && (event.Status == coordtypes.AgentError || event.Status == coordtypes.AgentCancelled) {
			c.markWorkerTerminal(event.AgentID, false)
		}
	case coordtypes.EventTaskStatusChanged:
		if event.TaskStatus == coordtypes.TaskCancelled {
			c.advanceIfAllTasksTerminal()
		}
	}
}

// markWorkerTerminal removes agentID from the active wave and, once
// every wave member has reached a terminal status, advances the
// phase to WaveComplete. Implements invariant 2 from spec §8.
//
// If the whole wave crashed (succeeded was false for every member),
// no task ever reaches ReviewRequired, Verification's
// StartVerification finds nothing to review and never runs, and
// nothing else would ever move the phase past WaveComplete. Settle it
// here instead, using the same ready/done logic advanceAfterVerification
// applies once a Verifier does run — but deciding from
// waveAnySucceeded, tracked off the events themselves, rather than
// querying TaskReviewRequired from the store: WorkerExecution moves a
// completed task to ReviewRequired only after emitting the very event
// this handler reacts to, so a store query here could race that write.
func (c *Coordinator) markWorkerTerminal(agentID string, succeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.waveActive {
		return
	}
	if succeeded {
		c.waveAnySucceeded = true
	}
	delete(c.activeWave, agentID)
	if len(c.activeWave) != 0 {
		return
	}
	c.phase = PhaseWaveComplete
	c.waveActive = false

	if c.waveAnySucceeded {
		return
	}
	if len(c.tasks.FindReadyTasks(c.workspaceID)) > 0 {
		c.phase = PhaseReady
		return
	}
	c.phase = PhaseCompleted
}

// advanceAfterVerification sets the phase following a Verifier
// completion. needsFix comes from the triggering event's TaskStatus
// rather than a fresh store query: Verification.Run resets rejected
// tasks back to Pending in the same call that emits this event, so by
// the time this handler runs asynchronously the store itself no
// longer shows any task as NeedsFix.
func (c *Coordinator) advanceAfterVerification(needsFix bool) {
	ready := c.tasks.FindReadyTasks(c.workspaceID)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case needsFix:
		c.phase = PhaseNeedsFix
	case len(ready) > 0:
		c.phase = PhaseReady
	default:
		c.phase = PhaseCompleted
	}
}

func (c *Coordinator) advanceIfAllTasksTerminal() {
	if !c.tasks.AllTerminal(c.workspaceID) {
		return
	}
	c.mu.Lock()
	c.phase = PhaseCompleted
	c.mu.Unlock()
}

// RegisterTasks parses text for task blocks, saves the resulting
// tasks, and emits one TaskStatusChanged(Pending) per task. Malformed
// blocks are logged and skipped, never fail the call.
func (c *Coordinator) RegisterTasks(ctx context.Context, text string) ([]string, error) {
	parsed, warnings := planparser.Parse(text)
	for _, w := range warnings {
		c.logger.Info("skipped malformed task block", "kind", w.Kind, "note", w.Note)
	}

	ids := make([]string, 0, len(parsed))
	for _, pt := range parsed {
		t := c.tasks.Create(c.workspaceID, pt.Title, pt.Objective, pt.Scope, pt.AcceptanceCriteria, pt.VerificationCommands, nil)
		ids = append(ids, t.ID)
		c.bus.Emit(coordtypes.AgentEvent{
			Kind:        coordtypes.EventTaskStatusChanged,
			WorkspaceID: c.workspaceID,
			TaskID:      t.ID,
			TaskStatus:  coordtypes.TaskPending,
		})
	}

	c.mu.Lock()
	c.phase = PhaseReady
	c.mu.Unlock()

	return ids, nil
}

// ExecuteNextWave snapshots the ready-task set, creates one Worker
// per ready task, delegates it, and advances phase to Executing.
// Tasks that become ready after this call wait for the next wave.
func (c *Coordinator) ExecuteNextWave(ctx context.Context) ([]WaveAssignment, error) {
	ready := c.tasks.FindReadyTasks(c.workspaceID)
	if len(ready) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	plannerID := c.plannerID
	c.mu.Unlock()

	assignments := make([]WaveAssignment, 0, len(ready))
	wave := make(map[string]struct{}, len(ready))
	for _, t := range ready {
		w := c.agents.Create(c.workspaceID, "worker-"+t.ID, coordtypes.RoleWorker, coordtypes.TierFast, plannerID)
		c.bus.Emit(coordtypes.AgentEvent{
			Kind:        coordtypes.EventAgentCreated,
			WorkspaceID: c.workspaceID,
			AgentID:     w.ID,
			Role:        coordtypes.RoleWorker,
			Status:      coordtypes.AgentPending,
		})

		if err := c.tasks.Assign(t.ID, w.ID); err != nil {
			return nil, fmt.Errorf("assign task %q to worker %q: %w", t.ID, w.ID, err)
		}
		c.bus.Emit(coordtypes.AgentEvent{
			Kind:        coordtypes.EventTaskDelegated,
			WorkspaceID: c.workspaceID,
			AgentID:     w.ID,
			TaskID:      t.ID,
			Role:        coordtypes.RoleWorker,
		})

		wave[w.ID] = struct{}{}
		assignments = append(assignments, WaveAssignment{AgentID: w.ID, TaskID: t.ID})
	}

	c.mu.Lock()
	c.activeWave = wave
	c.waveActive = true
	c.waveAnySucceeded = false
	c.phase = PhaseExecuting
	c.mu.Unlock()

	return assignments, nil
}

// StartVerification creates one Verifier for the wave's
// ReviewRequired tasks. Returns "" if there is nothing to verify.
func (c *Coordinator) StartVerification(ctx context.Context) (string, error) {
	reviewTasks := c.tasks.ListByStatus(c.workspaceID, coordtypes.TaskReviewRequired)
	if len(reviewTasks) == 0 {
		return "", nil
	}

	c.mu.Lock()
	plannerID := c.plannerID
	c.mu.Unlock()

	v := c.agents.Create(c.workspaceID, "verifier", coordtypes.RoleVerifier, coordtypes.TierSmart, plannerID)
	c.bus.Emit(coordtypes.AgentEvent{
		Kind:        coordtypes.EventAgentCreated,
		WorkspaceID: c.workspaceID,
		AgentID:     v.ID,
		Role:        coordtypes.RoleVerifier,
		Status:      coordtypes.AgentPending,
	})

	c.mu.Lock()
	c.verifierID = v.ID
	c.phase = PhaseVerifying
	c.mu.Unlock()

	return v.ID, nil
}

// BuildAgentContext assembles the role-specific prompt for agentID
// from its role definition and, for Worker/Verifier, the task(s) it
// concerns.
func (c *Coordinator) BuildAgentContext(agentID string) (string, error) {
	agent, err := c.agents.Get(agentID)
	if err != nil {
		return "", fmt.Errorf("build context for %q: %w", agentID, err)
	}

	c.mu.Lock()
	roleDef := c.roleDefinitions[agent.Role]
	c.mu.Unlock()

	switch agent.Role {
	case coordtypes.RolePlanner:
		return roleDef, nil
	case coordtypes.RoleWorker:
		assigned := c.tasks.ListByAssignee(agentID)
		if len(assigned) == 0 {
			return roleDef, nil
		}
		return roleDef + "\n\n" + formatTask(assigned[0]), nil
	case coordtypes.RoleVerifier:
		reviewTasks := c.tasks.ListByStatus(c.workspaceID, coordtypes.TaskReviewRequired)
		prompt := roleDef
		for _, t := range reviewTasks {
			prompt += "\n\n" + formatTask(t)
		}
		return prompt, nil
	default:
		return roleDef, nil
	}
}

func formatTask(t coordtypes.Task) string {
	text := fmt.Sprintf("Task %s: %s\nObjective: %s", t.ID, t.Title, t.Objective)
	if len(t.Scope) > 0 {
		text += "\nScope:"
		for _, s := range t.Scope {
			text += "\n- " + s
		}
	}
	if len(t.AcceptanceCriteria) > 0 {
		text += "\nDefinition of Done:"
		for _, a := range t.AcceptanceCriteria {
			text += "\n- " + a
		}
	}
	if len(t.VerificationCommands) > 0 {
		text += "\nVerification:"
		for _, v := range t.VerificationCommands {
			text += "\n- " + v
		}
	}
	return text
}

// GetTaskSummary returns a snapshot of every task in the workspace.
func (c *Coordinator) GetTaskSummary() []TaskSummary {
	tasks := c.tasks.ListByWorkspace(c.workspaceID)
	out := make([]TaskSummary, len(tasks))
	for i, t := range tasks {
		out[i] = TaskSummary{
			TaskID:     t.ID,
			Title:      t.Title,
			Status:     t.Status,
			Verdict:    t.Verdict,
			AssignedTo: t.AssignedTo,
		}
	}
	return out
}

// Reset discards every agent, task, and conversation owned by the
// workspace and returns the coordinator to Idle.
func (c *Coordinator) Reset() {
	for _, a := range c.agents.ListByWorkspace(c.workspaceID) {
		c.conversations.DeleteAgent(a.ID)
	}
	c.agents.DeleteWorkspace(c.workspaceID)
	c.tasks.DeleteWorkspace(c.workspaceID)

	c.mu.Lock()
	c.phase = PhaseIdle
	c.plannerID = ""
	c.verifierID = ""
	c.activeWave = make(map[string]struct{})
	c.waveActive = false
	c.waveAnySucceeded = false
	c.mu.Unlock()
}

// Shutdown unsubscribes from the bus and waits for the reaction loop
// to drain. Safe to call more than once.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		if c.sub != nil {
			c.sub.Close()
		}
		c.subWG.Wait()
	})
	return nil
}
