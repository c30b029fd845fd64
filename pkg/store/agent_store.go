// Package store holds the in-memory entity stores for agents, tasks,
// and conversation turns. Each store is a map[string]*record guarded
// by its own sync.RWMutex, modeled directly on the teacher's
// session.Manager (create/get/list/delete over a plain map) and
// extended with the listBy*/findReady query shapes the coordinator
// needs. There are no cross-store transactions: consistency rests on
// single-writer discipline in the coordinator, exactly as the teacher
// relies on a single queue worker owning a session's status field.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
)

// Clock is a seam for deterministic tests, mirroring the teacher's
// habit of calling time.Now() at the call site rather than hiding it
// behind a package global.
type Clock func() time.Time

// ErrAgentNotFound is returned when a lookup by id fails.
var ErrAgentNotFound = fmt.Errorf("agent not found")

// AgentStore is the in-memory record of every Agent in a workspace set.
type AgentStore struct {
	mu     sync.RWMutex
	agents map[string]*coordtypes.Agent
	clock  Clock
}

// NewAgentStore creates an empty AgentStore. A nil clock defaults to
// time.Now.
func NewAgentStore(clock Clock) *AgentStore {
	if clock == nil {
		clock = time.Now
	}
	return &AgentStore{
		agents: make(map[string]*coordtypes.Agent),
		clock:  clock,
	}
}

// Create allocates a fresh id and saves a new Pending agent.
func (s *AgentStore) Create(workspaceID, name string, role coordtypes.AgentRole, tier coordtypes.AgentTier, parentID string) *coordtypes.Agent {
	now := s.clock()
	agent := &coordtypes.Agent{
		ID:          uuid.New().String(),
		Name:        name,
		Role:        role,
		Tier:        tier,
		WorkspaceID: workspaceID,
		ParentID:    parentID,
		Status:      coordtypes.AgentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	s.agents[agent.ID] = agent
	s.mu.Unlock()
	return agent
}

// Save inserts or updates a record atomically. The caller owns the
// pointer and must not mutate it again afterward.
func (s *AgentStore) Save(agent *coordtypes.Agent) {
	agent.UpdatedAt = s.clock()
	s.mu.Lock()
	s.agents[agent.ID] = agent
	s.mu.Unlock()
}

// Get returns a copy of the record for id, or ErrAgentNotFound.
func (s *AgentStore) Get(id string) (coordtypes.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return coordtypes.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return *a, nil
}

// SetStatus updates an agent's status and bumps its UpdatedAt.
func (s *AgentStore) SetStatus(id string, status coordtypes.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.Status = status
	a.UpdatedAt = s.clock()
	return nil
}

// ListByWorkspace returns a snapshot of every agent in a workspace.
func (s *AgentStore) ListByWorkspace(workspaceID string) []coordtypes.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]coordtypes.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if a.WorkspaceID == workspaceID {
			out = append(out, *a)
		}
	}
	return out
}

// ListByStatus returns every agent in a workspace matching a status.
func (s *AgentStore) ListByStatus(workspaceID string, status coordtypes.AgentStatus) []coordtypes.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]coordtypes.Agent, 0)
	for _, a := range s.agents {
		if a.WorkspaceID == workspaceID && a.Status == status {
			out = append(out, *a)
		}
	}
	return out
}

// ListByRole returns every agent in a workspace with a given role.
func (s *AgentStore) ListByRole(workspaceID string, role coordtypes.AgentRole) []coordtypes.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]coordtypes.Agent, 0)
	for _, a := range s.agents {
		if a.WorkspaceID == workspaceID && a.Role == role {
			out = append(out, *a)
		}
	}
	return out
}

// DeleteWorkspace discards every agent belonging to a workspace. This
// is the only deletion path: agents are never deleted individually,
// matching the lifecycle rule that agents are destroyed only by
// workspace reset.
func (s *AgentStore) DeleteWorkspace(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.agents {
		if a.WorkspaceID == workspaceID {
			delete(s.agents, id)
		}
	}
}
