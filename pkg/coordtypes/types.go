// Package coordtypes holds the plain data records shared across the
// coordination engine: workspaces, agents, tasks, completion reports,
// conversation turns, and the tagged events the coordinator reacts to.
// None of these types carry behavior — they are the hand-written
// equivalent of generated entity structs, scoped to in-memory use only.
package coordtypes

import "time"

// AgentRole partitions agents by the phase of work they perform.
type AgentRole string

const (
	RolePlanner  AgentRole = "planner"
	RoleWorker   AgentRole = "worker"
	RoleVerifier AgentRole = "verifier"
)

// AgentTier selects how capable (and expensive) a backend should be for
// a given agent. Providers may treat this as a hint only.
type AgentTier string

const (
	TierSmart AgentTier = "smart"
	TierFast  AgentTier = "fast"
)

// AgentStatus is the lifecycle state of an Agent record.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentActive    AgentStatus = "active"
	AgentCompleted AgentStatus = "completed"
	AgentError     AgentStatus = "error"
	AgentCancelled AgentStatus = "cancelled"
)

// Agent is a participant in a workspace's coordination session: the
// Planner, one Worker per task, or the Verifier. ParentID is a weak
// back-edge (lookup only) used to trace a worker back to the planner
// that spawned it; it is never traversed for ownership or cascade
// deletion, which instead happens by workspace.
type Agent struct {
	ID          string
	Name        string
	Role        AgentRole
	Tier        AgentTier
	WorkspaceID string
	ParentID    string // empty if none
	Status      AgentStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskStatus is the lifecycle state of a Task record.
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskInProgress      TaskStatus = "in_progress"
	TaskReviewRequired  TaskStatus = "review_required"
	TaskCompleted       TaskStatus = "completed"
	TaskNeedsFix        TaskStatus = "needs_fix"
	TaskBlocked         TaskStatus = "blocked"
	TaskCancelled       TaskStatus = "cancelled"
)

// Verdict is the Verifier's judgement on a task under review.
type Verdict string

const (
	VerdictApproved    Verdict = "approved"
	VerdictNotApproved Verdict = "not_approved"
)

// Task is a unit of work extracted from the Planner's output by the
// task parser, mutated only by the coordinator and by worker-tool
// invocations that are routed through it.
//
// DependsOn is additive to the distilled spec's Task shape: the
// store's findReadyTasks presupposes some notion of dependency that
// the base record otherwise lacks. Empty means "no dependencies",
// which preserves every existing invariant for tasks that don't use it.
type Task struct {
	ID                   string
	Title                string
	Objective            string
	Scope                []string
	AcceptanceCriteria   []string
	VerificationCommands []string
	WorkspaceID          string
	AssignedTo           string // empty if unassigned
	Status               TaskStatus
	Verdict              *Verdict
	DependsOn            []string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CompletionReport is produced by a Worker when it finishes a task,
// either parsed from free text or supplied directly by a structured
// tool call.
type CompletionReport struct {
	AgentID       string
	TaskID        string
	Summary       string
	FilesModified []string
	Success       bool
}

// ToolCall records one tool invocation surfaced in a conversation turn.
type ToolCall struct {
	Name  string
	Input string
}

// ConversationTurn is one append-only entry in an agent's transcript.
type ConversationTurn struct {
	AgentID   string
	Index     int
	Content   string
	ToolCalls []ToolCall
}

// EventKind tags the variant carried by an AgentEvent.
type EventKind string

const (
	EventAgentCreated       EventKind = "agent_created"
	EventAgentStatusChanged EventKind = "agent_status_changed"
	EventTaskDelegated      EventKind = "task_delegated"
	EventTaskStatusChanged  EventKind = "task_status_changed"
	EventAgentCompleted     EventKind = "agent_completed"
	EventMessageReceived    EventKind = "message_received"
)

// AgentEvent is the tagged variant the coordinator, the stages, and
// external observers all react to. Every kind except MessageReceived
// is critical: it must appear in the event bus's replay log.
type AgentEvent struct {
	Kind        EventKind
	WorkspaceID string
	AgentID     string
	TaskID      string
	Role        AgentRole
	Status      AgentStatus
	TaskStatus  TaskStatus
	Report      *CompletionReport
	Message     string

	// Timestamp and Sequence are assigned by the event bus at emission,
	// not by the producer — callers leave these zero.
	Timestamp time.Time
	Sequence  uint64
}

// IsCritical reports whether this event must be retained in the bus's
// bounded replay log.
func (e AgentEvent) IsCritical() bool {
	return e.Kind != EventMessageReceived
}
