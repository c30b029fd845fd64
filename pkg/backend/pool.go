package backend

import (
	"context"
	"log/slog"
	"sync"
)

// PoolHealth summarizes a ProcessPool's state for a health endpoint or
// log line. Grounded on the teacher's queue.PoolHealth shape.
type PoolHealth struct {
	IsHealthy       bool
	BackendCount    int
	ConnectedCount  int
	ErrorCount      int
	PerBackend      map[string]int // identity -> count of sessions in StateConnected or StateWorking
}

// ProcessPool is the top-level registry of SessionManagers, one per
// backend identity (e.g. "claude-cli", "gpt-5-http"). It owns the
// pool's Start/Stop lifecycle the way queue.WorkerPool owns its
// workers': Start is idempotent, Stop is sync.Once-guarded and
// gracefully drains every manager before returning.
type ProcessPool struct {
	mu       sync.RWMutex
	managers map[string]*SessionManager

	started  bool
	stopOnce sync.Once

	logger *slog.Logger
}

// NewProcessPool creates an empty pool.
func NewProcessPool() *ProcessPool {
	return &ProcessPool{
		managers: make(map[string]*SessionManager),
		logger:   slog.With("component", "backend.ProcessPool"),
	}
}

// Register adds a SessionManager under a backend identity. Call before
// Start; registering after Start is still safe but the new manager
// won't be covered by a Start call that already ran.
func (p *ProcessPool) Register(identity string, m *SessionManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.managers[identity] = m
}

// Manager returns the SessionManager registered under identity.
func (p *ProcessPool) Manager(identity string) (*SessionManager, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.managers[identity]
	return m, ok
}

// Start marks the pool as running. It is safe to call more than once;
// subsequent calls are no-ops, matching WorkerPool.Start.
func (p *ProcessPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn("process pool already started, ignoring duplicate Start call")
		return nil
	}
	p.started = true
	count := len(p.managers)
	p.mu.Unlock()

	p.logger.Info("starting process pool", "backend_count", count)
	return nil
}

// Stop gracefully shuts down every registered SessionManager exactly
// once. Safe to call multiple times or concurrently; only the first
// call does the work.
func (p *ProcessPool) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.mu.RLock()
		managers := make(map[string]*SessionManager, len(p.managers))
		for k, v := range p.managers {
			managers[k] = v
		}
		p.mu.RUnlock()

		var wg sync.WaitGroup
		for identity, m := range managers {
			wg.Add(1)
			go func(identity string, m *SessionManager) {
				defer wg.Done()
				if err := m.ShutdownAll(ctx); err != nil {
					p.logger.Error("backend shutdown finished with error", "backend", identity, "error", err)
				}
			}(identity, m)
		}
		wg.Wait()
		p.logger.Info("process pool stopped")
	})
}

// Health reports per-backend session counts. A pool is healthy as long
// as at least one backend is registered and, summed over all backends,
// the sessions in StateError do not outnumber the connected ones.
func (p *ProcessPool) Health() PoolHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	health := PoolHealth{
		BackendCount: len(p.managers),
		PerBackend:   make(map[string]int, len(p.managers)),
	}

	for identity, m := range p.managers {
		m.mu.RLock()
		connected, errored := 0, 0
		for _, s := range m.sessions {
			switch s.State() {
			case StateConnected, StateWorking:
				connected++
			case StateError:
				errored++
			}
		}
		m.mu.RUnlock()

		health.PerBackend[identity] = connected
		health.ConnectedCount += connected
		health.ErrorCount += errored
	}

	health.IsHealthy = health.BackendCount > 0 && health.ErrorCount <= health.ConnectedCount
	return health
}
