package store

import (
	"sync"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
)

// ConversationStore holds each agent's append-only transcript.
type ConversationStore struct {
	mu    sync.RWMutex
	turns map[string][]coordtypes.ConversationTurn // agentID -> ordered turns
}

// NewConversationStore creates an empty ConversationStore.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		turns: make(map[string][]coordtypes.ConversationTurn),
	}
}

// Append adds a turn to an agent's transcript, assigning the next
// index itself so callers never race on index assignment.
func (s *ConversationStore) Append(agentID, content string, toolCalls []coordtypes.ToolCall) coordtypes.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn := coordtypes.ConversationTurn{
		AgentID:   agentID,
		Index:     len(s.turns[agentID]),
		Content:   content,
		ToolCalls: toolCalls,
	}
	s.turns[agentID] = append(s.turns[agentID], turn)
	return turn
}

// ListByAgent returns a snapshot of an agent's transcript in order.
func (s *ConversationStore) ListByAgent(agentID string) []coordtypes.ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing := s.turns[agentID]
	out := make([]coordtypes.ConversationTurn, len(existing))
	copy(out, existing)
	return out
}

// DeleteAgent discards an agent's transcript, used during workspace
// reset.
func (s *ConversationStore) DeleteAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, agentID)
}
