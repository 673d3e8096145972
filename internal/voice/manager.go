package voice

import (
	"errors"
	"sync"
)

// ErrCapacity is returned when the gateway is at its concurrent-session cap.
var ErrCapacity = errors.New("too many concurrent sessions")

// Manager owns the global session registry and enforces the concurrency
// cap. Check-and-increment happens under one mutex so the cap can never be
// raced past.
type Manager struct {
	mu       sync.Mutex
	max      int
	count    int
	sessions map[string]*Session
}

// NewManager creates a Manager with the given session cap.
func NewManager(max int) *Manager {
	return &Manager{
		max:      max,
		sessions: make(map[string]*Session),
	}
}

// Acquire registers a session, or returns ErrCapacity without incrementing
// the count.
func (m *Manager) Acquire(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count >= m.max {
		return ErrCapacity
	}
	m.count++
	m.sessions[s.id] = s
	return nil
}

// Release removes a session and decrements the count. Releasing an unknown
// session is a no-op.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return
	}
	delete(m.sessions, id)
	m.count--
}

// ShutdownAll cancels every registered session. Each session's own run
// loop performs its teardown and its handler releases the registration;
// the snapshot is taken first so Shutdown never runs under the mutex.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Shutdown()
	}
}

// ActiveCount returns the number of registered sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
