package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
)

func TestBus_EmitAndReplayAll(t *testing.T) {
	b := NewBus(DefaultConfig())

	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventAgentCreated, AgentID: "planner"})
	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventMessageReceived, AgentID: "planner"})
	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventTaskDelegated, AgentID: "worker-1"})

	log := b.ReplayAll()
	require.Len(t, log, 2, "MessageReceived is not critical and must not be logged")
	assert.Equal(t, coordtypes.EventAgentCreated, log[0].Event.Kind)
	assert.Equal(t, coordtypes.EventTaskDelegated, log[1].Event.Kind)
	assert.Less(t, log[0].Sequence, log[1].Sequence)
}

func TestBus_MaxLogSizeEvictsOldest(t *testing.T) {
	b := NewBus(Config{MaxLogSize: 2, ReplaySize: 0})

	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventAgentCreated, AgentID: "a"})
	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventAgentCreated, AgentID: "b"})
	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventAgentCreated, AgentID: "c"})

	log := b.ReplayAll()
	require.Len(t, log, 2)
	assert.Equal(t, "b", log[0].Event.AgentID)
	assert.Equal(t, "c", log[1].Event.AgentID)
}

func TestBus_LateSubscriberReplay(t *testing.T) {
	b := NewBus(Config{MaxLogSize: 1024, ReplaySize: 8})

	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventAgentCreated, AgentID: "planner"})

	sub := b.Subscribe()
	defer sub.Close()

	first := <-sub.Events()
	assert.Equal(t, coordtypes.EventAgentCreated, first.Kind)

	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventTaskDelegated, AgentID: "worker-1"})
	second := <-sub.Events()
	assert.Equal(t, coordtypes.EventTaskDelegated, second.Kind)

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected duplicate event delivered: %+v", e)
	default:
	}
}

// TestBus_ZeroReplaySizeSendsNoBacklog covers ReplaySize: 0 as a
// deliberate "no replay" setting: a late subscriber must not receive
// the whole retained log just because 0 also happens to be the zero
// value for an unset field.
func TestBus_ZeroReplaySizeSendsNoBacklog(t *testing.T) {
	b := NewBus(Config{MaxLogSize: 1024, ReplaySize: 0})

	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventAgentCreated, AgentID: "planner"})
	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventTaskDelegated, AgentID: "worker-1"})

	sub := b.Subscribe()
	defer sub.Close()

	select {
	case e := <-sub.Events():
		t.Fatalf("expected no replayed backlog with ReplaySize 0, got %+v", e)
	default:
	}

	b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventTaskDelegated, AgentID: "worker-2"})
	live := <-sub.Events()
	assert.Equal(t, "worker-2", live.AgentID, "live events after subscribing must still be delivered")
}

// TestBus_SubscribeRacingEmitNeverDuplicatesEvents stresses the window
// between a new subscriber's registration and its replay snapshot
// against a concurrent Emit: the event must reach the subscriber
// exactly once (live or via replay), never zero and never twice.
func TestBus_SubscribeRacingEmitNeverDuplicatesEvents(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := NewBus(DefaultConfig())

		var wg sync.WaitGroup
		var sub *Subscription
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventAgentCreated, AgentID: "a"})
		}()
		go func() {
			defer wg.Done()
			sub = b.Subscribe()
		}()
		wg.Wait()

		seen := make(map[uint64]int)
	drain:
		for {
			select {
			case e := <-sub.Events():
				seen[e.Sequence]++
			default:
				break drain
			}
		}
		sub.Close()

		require.Len(t, seen, 1, "iteration %d: expected exactly one distinct event", i)
		for seq, count := range seen {
			assert.Equal(t, 1, count, "iteration %d: sequence %d delivered %d times", i, seq, count)
		}
	}
}

// TestBus_EmitRacingCloseDoesNotPanic stresses a subscriber closing
// its subscription at the same moment an Emit is mid-delivery to it:
// closeChan must wait out any send already in flight before closing
// the channel, never racing a send against close.
func TestBus_EmitRacingCloseDoesNotPanic(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := NewBus(DefaultConfig())
		sub := b.Subscribe()

		go func() {
			for range sub.Events() {
			}
		}()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Emit(coordtypes.AgentEvent{Kind: coordtypes.EventAgentCreated, AgentID: "a"})
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
		wg.Wait()
	}
}

func TestBus_SubscriberCount(t *testing.T) {
	b := NewBus(DefaultConfig())
	assert.Equal(t, 0, b.SubscriberCount())
	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())
	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())
}
