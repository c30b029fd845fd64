// Package events provides the coordination engine's in-memory event
// bus: a live pub/sub fan-out plus a bounded critical-event log that
// lets late subscribers catch up. It generalizes the teacher's
// pkg/events.ConnectionManager — which fans out WebSocket frames to
// browser clients and serves catchup from Postgres — to a
// network-free, channel-based subscriber registry backed by an
// in-memory ring buffer, since the coordination core has no network
// boundary of its own.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
)

// defaultSubscriberBuffer bounds a subscriber's per-event channel.
// tryEmit treats a full channel as the subscriber being too slow and
// drops the event for that subscriber rather than blocking the
// emitter, the same non-blocking posture as the teacher's Broadcast
// (which never holds a lock across a slow write).
const defaultSubscriberBuffer = 256

// TimestampedEvent pairs an event with the monotonic sequence and wall
// clock timestamp the bus assigned it at emission.
type TimestampedEvent struct {
	Sequence  uint64
	Timestamp time.Time
	Event     coordtypes.AgentEvent
}

// Bus is a thread-safe broadcast channel with a bounded critical-event
// replay log. Any number of subscribers may attach and detach
// concurrently with emitters; emit never blocks on a slow subscriber.
type Bus struct {
	// mu guards both subscribers and the log together: registering a
	// subscriber and appending+snapshotting recipients for an emitted
	// event must be mutually exclusive, or a subscriber added in the
	// gap between an emitter's log-append and its recipient snapshot
	// can receive that event twice (once live, once via replay).
	mu          sync.Mutex
	subscribers map[string]*subscriber

	log        []TimestampedEvent // ring buffer, oldest first
	maxLog     int
	replaySize int
	nextSeq    uint64

	clock  func() time.Time
	logger *slog.Logger
}

// subscriber brackets every send to ch between enterSend/sendWG.Done
// so unsubscribe can wait out any send already in flight before
// closing ch — the only way to close a channel other goroutines send
// on without risking a send-on-closed-channel panic, since tryEmit
// sends to subscribers outside the Bus's own lock (so a slow
// subscriber never stalls registration or other recipients).
type subscriber struct {
	id string
	ch chan coordtypes.AgentEvent

	mu     sync.Mutex
	closed bool
	sendWG sync.WaitGroup
}

func (sub *subscriber) enterSend() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	sub.sendWG.Add(1)
	return true
}

// closeChan marks sub closed to further sends, waits out any send
// already in flight, then closes ch. Safe to call more than once.
func (sub *subscriber) closeChan() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	sub.sendWG.Wait()
	close(sub.ch)
}

// Config controls the bus's replay behavior.
type Config struct {
	// MaxLogSize bounds the critical-event ring buffer. Default 1024.
	MaxLogSize int
	// ReplaySize is how many of the most recent critical events a
	// newly-attached subscriber receives before live events. Default 8.
	ReplaySize int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{MaxLogSize: 1024, ReplaySize: 8}
}

// NewBus creates a Bus with the given config. A non-positive
// MaxLogSize or a negative ReplaySize falls back to DefaultConfig's
// value; a ReplaySize of 0 is kept and disables replay on Subscribe.
func NewBus(cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.MaxLogSize <= 0 {
		cfg.MaxLogSize = def.MaxLogSize
	}
	if cfg.ReplaySize < 0 {
		cfg.ReplaySize = def.ReplaySize
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		maxLog:      cfg.MaxLogSize,
		replaySize:  cfg.ReplaySize,
		clock:       time.Now,
		logger:      slog.With("component", "events.Bus"),
	}
}

// Subscription is a handle a caller reads events from and closes when
// done.
type Subscription struct {
	id   string
	bus  *Bus
	ch    <-chan coordtypes.AgentEvent
}

// Events returns the channel of live events for this subscription.
func (s *Subscription) Events() <-chan coordtypes.AgentEvent { return s.ch }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Subscribe attaches a new live subscriber and immediately replays up
// to replaySize of the most recent critical events to it, closing the
// gap the teacher's subscribe-then-catchup sequence also has to close
// (LISTEN before catchup so no events are missed in between). Here the
// ordering is simpler because registration and the replay snapshot are
// taken under the same critical section as tryEmit's log-append and
// recipient snapshot, so an event emitted concurrently with Subscribe
// is deterministically delivered to the new subscriber exactly once —
// either live (if tryEmit's section runs second and already sees the
// new subscriber) or via replay (if it ran first) — never both.
func (b *Bus) Subscribe() *Subscription {
	sub := &subscriber{
		id: uuid.New().String(),
		ch: make(chan coordtypes.AgentEvent, defaultSubscriberBuffer),
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	tail := b.replayTailLocked(b.replaySize)
	b.mu.Unlock()

	for _, e := range tail {
		select {
		case sub.ch <- e.Event:
		default:
			b.logger.Warn("subscriber buffer full during initial replay", "subscriber_id", sub.id)
		}
	}

	return &Subscription{id: sub.id, bus: b, ch: sub.ch}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		sub.closeChan()
	}
}

// Emit delivers an event to every live subscriber and, if critical,
// appends it to the replay log. It never blocks the caller: per-
// subscriber delivery is best-effort (see tryEmit for the same
// semantics made explicit).
func (b *Bus) Emit(event coordtypes.AgentEvent) {
	b.tryEmit(event)
}

// TryEmit is the non-suspending variant spec'd for callers that need
// to know whether the live buffer accepted delivery to every current
// subscriber. It returns false if at least one subscriber's buffer was
// full and the event was dropped for them; the critical log write
// always succeeds regardless (the ring buffer simply evicts the
// oldest entry).
func (b *Bus) TryEmit(event coordtypes.AgentEvent) bool {
	return b.tryEmit(event)
}

func (b *Bus) tryEmit(event coordtypes.AgentEvent) bool {
	// Stamping, the log append, and the recipient snapshot all happen
	// in one critical section so that Subscribe (which registers and
	// snapshots the replay tail in its own single critical section)
	// can never observe a half-applied emit: it either runs entirely
	// before this section (and gets the event only via replay) or
	// entirely after (and gets it only live).
	b.mu.Lock()
	b.nextSeq++
	event.Sequence = b.nextSeq
	event.Timestamp = b.clock()
	stamped := event

	if stamped.IsCritical() {
		b.appendLogLocked(stamped)
	}

	recipients := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		recipients = append(recipients, sub)
	}
	b.mu.Unlock()

	// Sends happen outside the lock, exactly as ConnectionManager.Broadcast
	// avoids stalling register/unregister behind a slow subscriber.
	delivered := true
	for _, sub := range recipients {
		if !sub.enterSend() {
			continue // unsubscribed between the snapshot and this send
		}
		select {
		case sub.ch <- stamped:
		default:
			delivered = false
			b.logger.Warn("dropping event for slow subscriber", "subscriber_id", sub.id, "kind", stamped.Kind)
		}
		sub.sendWG.Done()
	}
	return delivered
}

// appendLogLocked appends event to the ring buffer. Callers must hold
// b.mu.
func (b *Bus) appendLogLocked(event coordtypes.AgentEvent) {
	b.log = append(b.log, TimestampedEvent{
		Sequence:  event.Sequence,
		Timestamp: event.Timestamp,
		Event:     event,
	})
	if len(b.log) > b.maxLog {
		// Oldest critical events are dropped first.
		b.log = b.log[len(b.log)-b.maxLog:]
	}
}

// replayTailLocked returns up to n of the most recent logged events. A
// negative n is treated as unbounded (the whole log); n == 0 is a
// deliberate "no replay" setting and returns none. Callers must hold
// b.mu.
func (b *Bus) replayTailLocked(n int) []TimestampedEvent {
	if n < 0 || n > len(b.log) {
		n = len(b.log)
	}
	out := make([]TimestampedEvent, n)
	copy(out, b.log[len(b.log)-n:])
	return out
}

// ReplayAll returns every event currently retained in the critical log,
// oldest first.
func (b *Bus) ReplayAll() []TimestampedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TimestampedEvent, len(b.log))
	copy(out, b.log)
	return out
}

// Filter narrows ReplaySince to a subset of event kinds. A nil filter
// matches everything.
type Filter func(coordtypes.AgentEvent) bool

// ReplaySince returns every logged event with Timestamp >= since that
// also satisfies filter (if non-nil), oldest first.
func (b *Bus) ReplaySince(since time.Time, filter Filter) []TimestampedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TimestampedEvent, 0)
	for _, e := range b.log {
		if e.Timestamp.Before(since) {
			continue
		}
		if filter != nil && !filter(e.Event) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ClearLog discards the critical-event log. Subscribers are
// unaffected.
func (b *Bus) ClearLog() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = nil
}

// GetTimestampedLog is an alias for ReplayAll kept to match the spec's
// named operation.
func (b *Bus) GetTimestampedLog() []TimestampedEvent {
	return b.ReplayAll()
}

// SubscriberCount reports the number of live subscribers, exposed for
// tests the way the teacher exposes subscriberCount for polling
// instead of sleeping.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
