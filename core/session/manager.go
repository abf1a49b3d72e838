package session

import "sync"

// Entry pairs a session id with its live connection.
type Entry struct {
	SID  string
	Conn Conn
}

// Manager is the registry of live and in-progress connections. All methods
// are safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	conns      map[string]Conn
	connecting map[string]struct{}
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{
		conns:      make(map[string]Conn),
		connecting: make(map[string]struct{}),
	}
}

// IsConnected reports whether sid has a registered connection.
func (m *Manager) IsConnected(sid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[sid]
	return ok
}

// IsConnecting reports whether a connect attempt for sid is in flight.
func (m *Manager) IsConnecting(sid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connecting[sid]
	return ok
}

// StartConnecting atomically claims the connecting slot for sid. It returns
// false when sid is already connected or another attempt holds the slot.
func (m *Manager) StartConnecting(sid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[sid]; ok {
		return false
	}
	if _, ok := m.connecting[sid]; ok {
		return false
	}
	m.connecting[sid] = struct{}{}
	return true
}

// AbortConnecting releases the connecting slot without registering a
// connection.
func (m *Manager) AbortConnecting(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connecting, sid)
}

// Add registers a live connection and clears the connecting state.
func (m *Manager) Add(sid string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[sid] = conn
	delete(m.connecting, sid)
}

// Get returns the connection for sid, or nil.
func (m *Manager) Get(sid string) Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[sid]
}

// Remove drops the connection and any connecting state for sid.
func (m *Manager) Remove(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, sid)
	delete(m.connecting, sid)
}

// All returns a snapshot of every registered connection.
func (m *Manager) All() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.conns))
	for sid, conn := range m.conns {
		out = append(out, Entry{SID: sid, Conn: conn})
	}
	return out
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
