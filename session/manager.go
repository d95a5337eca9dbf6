package session

import (
	"context"
	"sync"
)

// Manager holds the one open session of a host, such as an editor window.
type Manager struct {
	opts Options

	mu      sync.Mutex
	current *Session
}

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Open returns the open session when it is for name. Otherwise it closes
// the open session before building a new one, so two stacks never share a
// document name.
func (m *Manager) Open(ctx context.Context, name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if m.current.name == name && !m.current.isClosed() {
			return m.current, nil
		}
		_ = m.current.Close()
		m.current = nil
	}
	s, err := Open(ctx, name, m.opts)
	if err != nil {
		return nil, err
	}
	m.current = s
	return s, nil
}

// Current returns the open session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close closes the open session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}
