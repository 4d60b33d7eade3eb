package session

import (
	"log/slog"
	"sync"
)

// Closer is the connection surface the manager needs for teardown.
type Closer interface {
	ID() string
	Close()
}

// Manager tracks live connections by device id. A device reconnecting while
// its old session is still up replaces it; the stale session is closed.
type Manager struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]Closer
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, conns: map[string]Closer{}}
}

// Register adds a connection for deviceID, closing any previous session for
// the same device. The old session is fully closed, and so deregistered,
// before the new one takes the slot.
func (m *Manager) Register(deviceID string, conn Closer) {
	m.mu.Lock()
	old, exists := m.conns[deviceID]
	m.mu.Unlock()

	if exists {
		m.logger.Info("replacing stale session", "device_id", deviceID, "old_session", old.ID())
		old.Close()
	}

	m.mu.Lock()
	m.conns[deviceID] = conn
	m.mu.Unlock()
}

// Deregister removes the connection for deviceID.
func (m *Manager) Deregister(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, deviceID)
}

// Get returns the live connection for deviceID.
func (m *Manager) Get(deviceID string) (Closer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[deviceID]
	return c, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll closes every live session, for server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]Closer, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = map[string]Closer{}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
