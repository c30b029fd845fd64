// Package backend provides the streaming session manager that
// multiplexes long-lived backend connections (a subprocess over
// stdio, an HTTP/SSE endpoint) into the typed RenderEvent stream
// providers hand back to callers. Grounded on the teacher's
// pkg/mcp.Client: a per-key session map guarded by sync.RWMutex, a
// per-key reinit mutex (sync.Map of *sync.Mutex) to prevent a
// thundering herd of concurrent (re)connect attempts, and the same
// "connect once, reuse, recreate on failure" lifecycle. The typed
// event stream itself generalizes pkg/agent/controller/streaming.go's
// agent.Chunk sum-type-over-channel idiom.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/coordinator/pkg/provider"
)

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateWorking      SessionState = "working"
	StateClosed       SessionState = "closed"
	StateError        SessionState = "error"
)

// BackpressurePolicy controls what a Session does when its reader
// falls behind the producer.
type BackpressurePolicy int

const (
	// BackpressureBlock slows the producer until the reader catches up.
	BackpressureBlock BackpressurePolicy = iota
	// BackpressureDrop stops producing and delivers a RenderError event
	// instead of blocking indefinitely.
	BackpressureDrop
)

// SessionConfig configures a session's connection and its
// backpressure/output-limit behavior. The zero value resolves to safe
// defaults (block, unbounded output), the same way the teacher
// resolves a zero-valued cfg.Timeout to "no timeout override".
type SessionConfig struct {
	BackendIdentity string
	Backpressure    BackpressurePolicy
	OutputByteLimit int // 0 = unbounded
}

// Conn is the live connection a session wraps: a subprocess speaking a
// framed protocol, or an HTTP/SSE stream. Concrete providers supply
// their own Conn implementation via a Connector.
type Conn interface {
	// SendPrompt sends a prompt and streams RenderEvents via emit until
	// the backend signals end-of-turn or ctx is done. It must not
	// return until one of: emit delivered a PromptComplete, ctx.Err()
	// is non-nil, or an unrecoverable error occurred.
	SendPrompt(ctx context.Context, text string, emit func(provider.RenderEvent)) error
	// CancelPrompt asks the backend to stop the in-flight turn, if any.
	CancelPrompt(ctx context.Context) error
	// Close tears down the connection.
	Close(ctx context.Context) error
}

// Connector establishes a Conn for a session key. Implemented per
// backend kind (subprocess, HTTP/SSE).
type Connector interface {
	Connect(ctx context.Context, key string, cfg SessionConfig) (Conn, error)
}

// Session is one long-lived connection to a backend, identified by a
// key derived deterministically from the owning agent id.
type Session struct {
	key    string
	config SessionConfig

	mu     sync.Mutex
	state  SessionState
	conn   Conn
	closed bool
	sendWG sync.WaitGroup

	events chan provider.RenderEvent

	outputBytes int
	truncated   bool
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Truncated reports whether the session's output buffer hit
// OutputByteLimit and further output was discarded.
func (s *Session) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// Events returns the session's typed output stream. What happens when
// a reader stops consuming depends on SessionConfig.Backpressure: under
// BackpressureDrop an event that does not fit is replaced by a
// RenderError (or discarded if that does not fit either); under
// BackpressureBlock the producer waits until the reader takes the
// event or the send's ctx is done.
func (s *Session) Events() <-chan provider.RenderEvent {
	return s.events
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// deliver applies the configured backpressure policy for one event.
// It is a no-op once closeEvents has run: enterSend/leaveSend bracket
// every send so closeEvents can wait out in-flight deliveries before
// closing s.events, the only way to close a channel other goroutines
// send on without a send-on-closed-channel panic.
func (s *Session) deliver(ctx context.Context, event provider.RenderEvent) {
	if s.config.OutputByteLimit > 0 && len(event.Text) > 0 {
		s.mu.Lock()
		if s.outputBytes >= s.config.OutputByteLimit {
			s.truncated = true
			s.mu.Unlock()
			return
		}
		s.outputBytes += len(event.Text)
		s.mu.Unlock()
	}

	if !s.enterSend() {
		return
	}
	defer s.sendWG.Done()

	switch s.config.Backpressure {
	case BackpressureDrop:
		select {
		case s.events <- event:
		case <-ctx.Done():
		default:
			select {
			case s.events <- provider.RenderEvent{Kind: provider.RenderError, Text: "reader too slow, event dropped"}:
			default:
			}
		}
	default: // BackpressureBlock
		select {
		case s.events <- event:
		case <-ctx.Done():
		}
	}
}

// enterSend registers an in-flight send against closeEvents, refusing
// once the session has already been closed.
func (s *Session) enterSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sendWG.Add(1)
	return true
}

// closeEvents marks the session closed to further sends, waits for any
// deliver call already in flight to finish, then closes s.events.
// Safe to call more than once.
func (s *Session) closeEvents() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sendWG.Wait()
	close(s.events)
}

// sessionBuffer is the channel capacity for a session's event stream.
const sessionBuffer = 64

// SessionManager maintains the sessionKey → Session mapping described
// in spec §4.F. Each Connector call is serialized per key via reinitMu
// to prevent a thundering herd of concurrent reconnects, exactly as
// mcp.Client.InitializeServer serializes on a per-server mutex.
type SessionManager struct {
	connector Connector

	mu       sync.RWMutex
	sessions map[string]*Session

	reinitMu sync.Map // key -> *sync.Mutex

	gracePeriod time.Duration
	logger      *slog.Logger
}

// NewSessionManager creates a manager backed by connector. gracePeriod
// bounds how long Disconnect waits for a connection to close; zero
// defaults to 5s per spec §5.
func NewSessionManager(connector Connector, gracePeriod time.Duration) *SessionManager {
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	return &SessionManager{
		connector:   connector,
		sessions:    make(map[string]*Session),
		gracePeriod: gracePeriod,
		logger:      slog.With("component", "backend.SessionManager"),
	}
}

// GetOrCreate returns the session for key, creating a fresh
// Disconnected one if none exists.
func (m *SessionManager) GetOrCreate(key string, cfg SessionConfig) *Session {
	m.mu.RLock()
	if s, ok := m.sessions[key]; ok {
		m.mu.RUnlock()
		return s
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &Session{
		key:    key,
		config: cfg,
		state:  StateDisconnected,
		events: make(chan provider.RenderEvent, sessionBuffer),
	}
	m.sessions[key] = s
	return s
}

// Connect establishes (or reuses) the connection for key. Serialized
// per key so concurrent callers for the same agent don't race into
// duplicate connects.
func (m *SessionManager) Connect(ctx context.Context, key string, cfg SessionConfig) (*Session, error) {
	muI, _ := m.reinitMu.LoadOrStore(key, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	s := m.GetOrCreate(key, cfg)

	s.mu.Lock()
	already := s.state == StateConnected || s.state == StateWorking
	s.mu.Unlock()
	if already {
		return s, nil
	}

	s.setState(StateConnecting)
	conn, err := m.connector.Connect(ctx, key, cfg)
	if err != nil {
		s.setState(StateError)
		s.deliver(ctx, provider.RenderEvent{Kind: provider.RenderError, Text: err.Error()})
		return nil, fmt.Errorf("connect session %q: %w", key, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.deliver(ctx, provider.RenderEvent{Kind: provider.RenderConnected})

	return s, nil
}

// SendPrompt sends text on the session for key and suspends until the
// backend signals end-of-turn (PromptComplete) or ctx is done. Returns
// the full assembled text from MessageEnd, if the backend delivered
// one.
func (m *SessionManager) SendPrompt(ctx context.Context, key, text string) (string, error) {
	return m.sendPrompt(ctx, key, text, nil)
}

// SendPromptStreaming behaves like SendPrompt but additionally invokes
// onChunk synchronously for every RenderEvent, in the same order they
// are delivered to the session's own Events() stream. Both bundled
// providers call it from RunStreaming, although both report
// Capabilities().SupportsStreaming as false.
func (m *SessionManager) SendPromptStreaming(ctx context.Context, key, text string, onChunk func(provider.RenderEvent)) (string, error) {
	return m.sendPrompt(ctx, key, text, onChunk)
}

func (m *SessionManager) sendPrompt(ctx context.Context, key, text string, onChunk func(provider.RenderEvent)) (string, error) {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no session for key %q", key)
	}

	s.setState(StateWorking)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.setState(StateError)
		return "", fmt.Errorf("send prompt on session %q: not connected", key)
	}

	var full string
	emit := func(e provider.RenderEvent) {
		if e.Kind == provider.RenderMessageEnd {
			full = e.Full
		}
		if onChunk != nil {
			onChunk(e)
		}
		s.deliver(ctx, e)
	}

	if err := conn.SendPrompt(ctx, text, emit); err != nil {
		s.setState(StateError)
		return "", fmt.Errorf("send prompt on session %q: %w", key, err)
	}
	s.setState(StateConnected)
	return full, nil
}

// CancelPrompt asks the backend to stop the in-flight turn for key.
func (m *SessionManager) CancelPrompt(ctx context.Context, key string) error {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.CancelPrompt(ctx)
}

// Disconnect tears down the session for key: it asks the connection
// to close and waits up to gracePeriod for that, matching
// pool.WorkerPool's "signal, then wait with a bound" shutdown shape.
// When the grace period runs out, Disconnect stops waiting, logs a
// warning and marks the session closed; no forced kill follows.
func (m *SessionManager) Disconnect(ctx context.Context, key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.closeSession(ctx, s)
}

func (m *SessionManager) closeSession(ctx context.Context, s *Session) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.setState(StateClosed)
		s.deliver(ctx, provider.RenderEvent{Kind: provider.RenderDisconnected})
		s.closeEvents()
		return nil
	}

	closeCtx, cancel := context.WithTimeout(ctx, m.gracePeriod)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Close(closeCtx) }()

	var err error
	select {
	case err = <-done:
	case <-closeCtx.Done():
		err = closeCtx.Err()
		m.logger.Warn("session close exceeded grace period, treating as forced", "key", s.key)
	}

	s.setState(StateClosed)
	s.deliver(ctx, provider.RenderEvent{Kind: provider.RenderDisconnected})
	s.closeEvents()
	return err
}

// ShutdownAll disconnects every session, collecting but not stopping
// on individual close errors, since shutdown must make best-effort
// progress on all sessions.
func (m *SessionManager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := m.Disconnect(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
