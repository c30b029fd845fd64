package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
)

// ErrTaskNotFound is returned when a task lookup by id fails.
var ErrTaskNotFound = fmt.Errorf("task not found")

// TaskStore is the in-memory record of every Task in a workspace set.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*coordtypes.Task
	clock Clock
}

// NewTaskStore creates an empty TaskStore. A nil clock defaults to
// time.Now.
func NewTaskStore(clock Clock) *TaskStore {
	if clock == nil {
		clock = time.Now
	}
	return &TaskStore{
		tasks: make(map[string]*coordtypes.Task),
		clock: clock,
	}
}

// Create allocates a fresh id and saves a new Pending task.
func (s *TaskStore) Create(workspaceID, title, objective string, scope, acceptance, verification, dependsOn []string) *coordtypes.Task {
	now := s.clock()
	t := &coordtypes.Task{
		ID:                   uuid.New().String(),
		Title:                title,
		Objective:            objective,
		Scope:                scope,
		AcceptanceCriteria:   acceptance,
		VerificationCommands: verification,
		WorkspaceID:          workspaceID,
		Status:               coordtypes.TaskPending,
		DependsOn:            dependsOn,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t
}

// Save inserts or updates a record atomically.
func (s *TaskStore) Save(t *coordtypes.Task) {
	t.UpdatedAt = s.clock()
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
}

// Get returns a copy of the record for id, or ErrTaskNotFound.
func (s *TaskStore) Get(id string) (coordtypes.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return coordtypes.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return *t, nil
}

// mutate applies fn to the stored record under the write lock and
// bumps UpdatedAt. fn runs against the live pointer.
func (s *TaskStore) mutate(id string, fn func(*coordtypes.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	fn(t)
	t.UpdatedAt = s.clock()
	return nil
}

// SetStatus updates a task's status.
func (s *TaskStore) SetStatus(id string, status coordtypes.TaskStatus) error {
	return s.mutate(id, func(t *coordtypes.Task) { t.Status = status })
}

// Assign sets assignedTo and status=InProgress together, since the
// invariant ties an assignment to a worker picking the task up.
func (s *TaskStore) Assign(id, agentID string) error {
	return s.mutate(id, func(t *coordtypes.Task) {
		t.AssignedTo = agentID
		t.Status = coordtypes.TaskInProgress
	})
}

// Unassign clears assignedTo and resets the task to Pending, used when
// the Verification stage sends a NeedsFix task back for a retry. The
// prior verdict is cleared with it: a Pending task is one awaiting a
// fresh verification pass, and a stale NotApproved verdict left in
// place would misreport that pass as already judged.
func (s *TaskStore) Unassign(id string) error {
	return s.mutate(id, func(t *coordtypes.Task) {
		t.AssignedTo = ""
		t.Status = coordtypes.TaskPending
		t.Verdict = nil
	})
}

// SetVerdict records a verifier's judgement and moves the task to its
// terminal (Completed) or retry (NeedsFix) status.
func (s *TaskStore) SetVerdict(id string, verdict coordtypes.Verdict) error {
	return s.mutate(id, func(t *coordtypes.Task) {
		v := verdict
		t.Verdict = &v
		if verdict == coordtypes.VerdictApproved {
			t.Status = coordtypes.TaskCompleted
		} else {
			t.Status = coordtypes.TaskNeedsFix
		}
	})
}

// ListByWorkspace returns a snapshot of every task in a workspace.
func (s *TaskStore) ListByWorkspace(workspaceID string) []coordtypes.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]coordtypes.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.WorkspaceID == workspaceID {
			out = append(out, *t)
		}
	}
	return out
}

// ListByStatus returns every task in a workspace matching a status.
func (s *TaskStore) ListByStatus(workspaceID string, status coordtypes.TaskStatus) []coordtypes.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]coordtypes.Task, 0)
	for _, t := range s.tasks {
		if t.WorkspaceID == workspaceID && t.Status == status {
			out = append(out, *t)
		}
	}
	return out
}

// ListByAssignee returns every task currently assigned to agentID.
func (s *TaskStore) ListByAssignee(agentID string) []coordtypes.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]coordtypes.Task, 0)
	for _, t := range s.tasks {
		if t.AssignedTo == agentID {
			out = append(out, *t)
		}
	}
	return out
}

// FindReadyTasks returns tasks that are Pending and whose declared
// dependencies (if any) are all Completed, in workspace.
func (s *TaskStore) FindReadyTasks(workspaceID string) []coordtypes.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ready := make([]coordtypes.Task, 0)
	for _, t := range s.tasks {
		if t.WorkspaceID != workspaceID || t.Status != coordtypes.TaskPending {
			continue
		}
		if s.dependenciesSatisfiedLocked(t.DependsOn) {
			ready = append(ready, *t)
		}
	}
	return ready
}

func (s *TaskStore) dependenciesSatisfiedLocked(dependsOn []string) bool {
	for _, depID := range dependsOn {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != coordtypes.TaskCompleted {
			return false
		}
	}
	return true
}

// AllTerminal reports whether every task in a workspace is Completed
// or Cancelled, used by the coordinator's TaskStatusChanged(Cancelled)
// reaction.
func (s *TaskStore) AllTerminal(workspaceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.WorkspaceID != workspaceID {
			continue
		}
		if t.Status != coordtypes.TaskCompleted && t.Status != coordtypes.TaskCancelled {
			return false
		}
	}
	return true
}

// DeleteWorkspace discards every task belonging to a workspace.
func (s *TaskStore) DeleteWorkspace(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.WorkspaceID == workspaceID {
			delete(s.tasks, id)
		}
	}
}
