// Package stage implements the four pipeline.Stage implementations
// named in spec §4.I: Planning, TaskRegistration, WorkerExecution, and
// Verification. Planning/Verification follow the teacher's single-
// request controller-call idiom (one provider invocation, no fan-out).
// WorkerExecution is grounded directly on
// pkg/agent/orchestrator/runner.go's SubAgentRunner: a bounded
// concurrent dispatch over the ready-task set, generalized from
// "sub-agent" to "worker-per-task" and implemented with
// golang.org/x/sync/errgroup's Group.SetLimit rather than a hand-rolled
// semaphore + WaitGroup, since errgroup is already an indirect teacher
// dependency promoted here to direct use.
package stage

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/coordinator/pkg/coordinator"
	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
	"github.com/codeready-toolchain/coordinator/pkg/pipeline"
	"github.com/codeready-toolchain/coordinator/pkg/provider"
	"github.com/codeready-toolchain/coordinator/pkg/reportparser"
)

// Default per-role provider-call timeouts, per spec §5.
const (
	DefaultPlannerTimeout  = 120 * time.Second
	DefaultWorkerTimeout   = 300 * time.Second
	DefaultVerifierTimeout = 180 * time.Second
)

// NoTasksValue is the StageResult payload TaskRegistration returns
// when the planner's output contained no task blocks.
type NoTasksValue struct {
	PlanText string
}

func observe(pc *pipeline.Context, agentID string) func(provider.RenderEvent) {
	return func(e provider.RenderEvent) {
		if pc.StreamObserver != nil {
			pc.StreamObserver(agentID, e)
		}
	}
}

// Planning calls the router for role=Planner with the user request as
// prompt and writes the result to context.PlanOutput.
type Planning struct {
	Timeout time.Duration
}

func (s Planning) Name() string { return "planning" }

func (s Planning) Run(pc *pipeline.Context) pipeline.StageResult {
	// A repeat iteration (Verification -> RepeatPipeline) restarts the
	// executor from stage 0 to re-run WorkerExecution/Verification over
	// the tasks Unassign reset to Pending. Planning already ran once for
	// this request; re-invoking the planner here would only produce a
	// second, unrelated plan.
	if len(pc.TaskIDs) > 0 {
		return pipeline.Continue()
	}

	p, err := pc.Router.Select(coordtypes.RolePlanner)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("planning: %w", err))
	}

	plannerID := pc.Coordinator.PlannerID()
	preamble, err := pc.Coordinator.BuildAgentContext(plannerID)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("planning: %w", err))
	}
	prompt := pc.Request
	if preamble != "" {
		prompt = preamble + "\n\n" + pc.Request
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultPlannerTimeout
	}
	ctx, cancel := context.WithTimeout(pc.Ctx, timeout)
	defer cancel()

	text, err := p.RunStreaming(ctx, coordtypes.RolePlanner, plannerID, prompt, observe(pc, plannerID))
	if err != nil {
		return pipeline.Failed(fmt.Errorf("planning: %w", err))
	}

	pc.PlanOutput = text
	return pipeline.Continue()
}

// TaskRegistration parses context.PlanOutput and saves the resulting
// tasks. An empty plan is success-with-empty, not a failure.
type TaskRegistration struct{}

func (s TaskRegistration) Name() string { return "task_registration" }

func (s TaskRegistration) Run(pc *pipeline.Context) pipeline.StageResult {
	// Same rationale as Planning.Run: a repeat iteration must re-pick the
	// already-registered tasks Verification reset to Pending, never
	// register a fresh batch alongside them.
	if len(pc.TaskIDs) > 0 {
		return pipeline.Continue()
	}

	ids, err := pc.Coordinator.RegisterTasks(pc.Ctx, pc.PlanOutput)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("task registration: %w", err))
	}
	if len(ids) == 0 {
		return pipeline.Done(NoTasksValue{PlanText: pc.PlanOutput})
	}
	pc.TaskIDs = ids
	return pipeline.Continue()
}

// WorkerExecution concurrently dispatches a Worker per ready task,
// bounded by the selected provider's MaxConcurrentAgents.
type WorkerExecution struct {
	Timeout time.Duration
}

func (s WorkerExecution) Name() string { return "worker_execution" }

func (s WorkerExecution) Run(pc *pipeline.Context) pipeline.StageResult {
	assignments, err := pc.Coordinator.ExecuteNextWave(pc.Ctx)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("worker execution: %w", err))
	}
	if len(assignments) == 0 {
		return pipeline.Continue()
	}

	p, err := pc.Router.Select(coordtypes.RoleWorker)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("worker execution: %w", err))
	}

	limit := p.Capabilities().MaxConcurrentAgents
	if limit <= 0 {
		limit = len(assignments)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}

	g, ctx := errgroup.WithContext(pc.Ctx)
	g.SetLimit(limit)
	for _, assignment := range assignments {
		assignment := assignment
		g.Go(func() error {
			s.runWorker(ctx, pc, p, assignment, timeout)
			return nil
		})
	}
	_ = g.Wait() // runWorker never returns an error: crashes are recorded as Blocked tasks, not pipeline failures.

	return pipeline.Continue()
}

func (s WorkerExecution) runWorker(ctx context.Context, pc *pipeline.Context, p provider.Provider, assignment coordinator.WaveAssignment, timeout time.Duration) {
	agentID := assignment.AgentID
	taskID := assignment.TaskID

	_ = pc.Agents.SetStatus(agentID, coordtypes.AgentActive)
	pc.Bus.Emit(coordtypes.AgentEvent{
		Kind:        coordtypes.EventAgentStatusChanged,
		WorkspaceID: pc.WorkspaceID,
		AgentID:     agentID,
		Role:        coordtypes.RoleWorker,
		Status:      coordtypes.AgentActive,
	})

	prompt, err := pc.Coordinator.BuildAgentContext(agentID)
	if err != nil {
		s.markCrashed(pc, agentID, taskID)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := p.RunStreaming(wctx, coordtypes.RoleWorker, agentID, prompt, observe(pc, agentID))
	if err != nil {
		s.markCrashed(pc, agentID, taskID)
		return
	}

	report := reportparser.ParseWorkerReport(agentID, taskID, text)

	_ = pc.Agents.SetStatus(agentID, coordtypes.AgentCompleted)
	pc.Bus.Emit(coordtypes.AgentEvent{
		Kind:        coordtypes.EventAgentCompleted,
		WorkspaceID: pc.WorkspaceID,
		AgentID:     agentID,
		TaskID:      taskID,
		Role:        coordtypes.RoleWorker,
		Report:      &report,
	})

	// Per the Open Question resolution in DESIGN.md: success=false marks
	// the task for review, it never triggers an automatic repeat.
	_ = pc.Tasks.SetStatus(taskID, coordtypes.TaskReviewRequired)
}

// markCrashed records a provider-level failure on a worker session as
// AgentStatusChanged(Error) and moves its task to Blocked, per the
// stage failure policy in spec §4.I: a crash does not fail the wave.
func (s WorkerExecution) markCrashed(pc *pipeline.Context, agentID, taskID string) {
	_ = pc.Agents.SetStatus(agentID, coordtypes.AgentError)
	pc.Bus.Emit(coordtypes.AgentEvent{
		Kind:        coordtypes.EventAgentStatusChanged,
		WorkspaceID: pc.WorkspaceID,
		AgentID:     agentID,
		Role:        coordtypes.RoleWorker,
		Status:      coordtypes.AgentError,
	})
	_ = pc.Tasks.SetStatus(taskID, coordtypes.TaskBlocked)
}

// Verification creates one Verifier, submits a batched review prompt
// covering every ReviewRequired task, and applies the resulting
// verdicts.
type Verification struct {
	Timeout time.Duration
}

func (s Verification) Name() string { return "verification" }

func (s Verification) Run(pc *pipeline.Context) pipeline.StageResult {
	verifierID, err := pc.Coordinator.StartVerification(pc.Ctx)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("verification: %w", err))
	}
	if verifierID == "" {
		return pipeline.Continue()
	}

	p, err := pc.Router.Select(coordtypes.RoleVerifier)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("verification: %w", err))
	}

	prompt, err := pc.Coordinator.BuildAgentContext(verifierID)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("verification: %w", err))
	}

	reviewTasks := pc.Tasks.ListByStatus(pc.WorkspaceID, coordtypes.TaskReviewRequired)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultVerifierTimeout
	}
	ctx, cancel := context.WithTimeout(pc.Ctx, timeout)
	defer cancel()

	text, err := p.RunStreaming(ctx, coordtypes.RoleVerifier, verifierID, prompt, observe(pc, verifierID))
	if err != nil {
		return pipeline.Failed(fmt.Errorf("verification: %w", err))
	}

	verdicts := reportparser.ParseVerifierVerdicts(text, reviewTasks)
	anyNeedsFix := false
	for _, t := range reviewTasks {
		result := verdicts[t.ID]
		_ = pc.Tasks.SetVerdict(t.ID, result.Verdict)
		if result.Verdict == coordtypes.VerdictNotApproved {
			anyNeedsFix = true
		}
	}

	// Rejected tasks go back to Pending so a later WorkerExecution wave
	// picks them up again (FindReadyTasks only ever returns Pending
	// tasks). This happens before Emit purely so the store is fully
	// settled by the time any observer reacts to the event; the
	// coordinator's reactLoop does not rely on querying task status
	// here — anyNeedsFix is carried explicitly on the event below,
	// since the reactLoop runs asynchronously and the Unassign above
	// would otherwise have already erased the NeedsFix status this
	// same event is reporting on.
	if anyNeedsFix {
		for _, t := range reviewTasks {
			if verdicts[t.ID].Verdict == coordtypes.VerdictNotApproved {
				_ = pc.Tasks.Unassign(t.ID)
			}
		}
	}

	_ = pc.Agents.SetStatus(verifierID, coordtypes.AgentCompleted)
	event := coordtypes.AgentEvent{
		Kind:        coordtypes.EventAgentCompleted,
		WorkspaceID: pc.WorkspaceID,
		AgentID:     verifierID,
		Role:        coordtypes.RoleVerifier,
	}
	if anyNeedsFix {
		event.TaskStatus = coordtypes.TaskNeedsFix
	}
	pc.Bus.Emit(event)

	// A wave completing fully can still leave work behind: approving the
	// last dependency of another task makes that task newly ready, and
	// WorkerExecution only ever dispatches the wave that was ready when
	// it ran. Repeat whenever either a rejection sent a task back to
	// Pending or approvals unlocked a dependent task, so multi-wave
	// plans keep advancing instead of stopping after their first wave.
	if anyNeedsFix || len(pc.Tasks.FindReadyTasks(pc.WorkspaceID)) > 0 {
		return pipeline.RepeatPipeline()
	}
	return pipeline.Continue()
}
