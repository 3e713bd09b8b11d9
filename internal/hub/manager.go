package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/session-hub/backend/internal/model"
	"github.com/session-hub/backend/internal/store"
)

// Manager resolves hub instances by name within one namespace. Hubs are
// created on first use and may be evicted between requests; a later Resolve
// rehydrates a fresh instance from the store.
type Manager struct {
	namespace string
	st        store.Store
	opts      Options
	log       *slog.Logger

	mu   sync.Mutex
	hubs map[string]*Hub
	// draining holds put-to-sleep hubs whose writers have not finished.
	draining map[string]*Hub
}

// NewManager creates a Manager whose hubs share opts and persist into st.
func NewManager(namespace string, st store.Store, opts Options, log *slog.Logger) *Manager {
	return &Manager{
		namespace: namespace,
		st:        st,
		opts:      opts,
		log:       log.With("namespace", namespace),
		hubs:      make(map[string]*Hub),
		draining:  make(map[string]*Hub),
	}
}

// Namespace returns the manager's namespace.
func (m *Manager) Namespace() string {
	return m.namespace
}

// HistoryCap returns the history bound shared by the manager's hubs.
func (m *Manager) HistoryCap() int {
	return m.opts.HistoryCap
}

// Resolve returns the live hub for name, instantiating it if needed.
func (m *Manager) Resolve(name string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.hubs[name]; ok {
		return h
	}

	h := New(name, store.Prefixed(m.st, m.namespace+":"+name+":"), m.opts, m.log)
	if prev, ok := m.draining[name]; ok {
		// Load only once the previous instance's last write has landed.
		h.predecessor = prev.drained()
	}
	h.Start()
	m.hubs[name] = h
	m.log.Debug("Hub instantiated", "hub", name)
	return h
}

// Get returns the live hub for name without creating one.
func (m *Manager) Get(name string) (*Hub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[name]
	return h, ok
}

// Do runs fn against the hub for name. If the hub is put to sleep between
// resolution and fn, fn is retried once on a fresh instance.
func (m *Manager) Do(name string, fn func(h *Hub) error) error {
	err := fn(m.Resolve(name))
	if !errors.Is(err, model.ErrHubClosed) {
		return err
	}
	return fn(m.Resolve(name))
}

// Evict puts the hub for name to sleep and forgets it.
func (m *Manager) Evict(ctx context.Context, name string) error {
	m.mu.Lock()
	h, ok := m.hubs[name]
	if ok {
		delete(m.hubs, name)
		m.draining[name] = h
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.log.Debug("Hub evicted", "hub", name)
	err := h.Sleep(ctx)
	m.retire(name, h)
	return err
}

// retire forgets h once its writer has finished.
func (m *Manager) retire(name string, h *Hub) {
	go func() {
		<-h.drained()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.draining[name] == h {
			delete(m.draining, name)
		}
	}()
}

// Sweep evicts every hub that has had no sessions for at least idle and
// returns how many were evicted.
func (m *Manager) Sweep(ctx context.Context, idle time.Duration) int {
	m.mu.Lock()
	var slept []*Hub
	for name, h := range m.hubs {
		if h.closeIfIdle(idle) {
			delete(m.hubs, name)
			m.draining[name] = h
			slept = append(slept, h)
		}
	}
	m.mu.Unlock()

	for _, h := range slept {
		if err := h.flush(ctx); err != nil {
			m.log.Warn("Failed to flush idle hub", "hub", h.Name(), "err", err)
		}
		m.retire(h.Name(), h)
	}
	if len(slept) > 0 {
		m.log.Debug("Idle hubs evicted", "count", len(slept))
	}
	return len(slept)
}

// Run sweeps idle hubs every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, idle)
		}
	}
}

// Close puts every hub to sleep.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	hubs := m.hubs
	m.hubs = make(map[string]*Hub)
	m.mu.Unlock()

	var errs []error
	for _, h := range hubs {
		if err := h.Sleep(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
