// Package lifecycle suspends a document's server connection while the user is
// idle and the document is hidden, and restores it as soon as the document is
// visible again.
package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alimasry/go-collab-sync/remote"
)

// Visibility of the document in its host.
type Visibility int

const (
	Visible Visibility = iota
	Hidden
)

func (v Visibility) String() string {
	switch v {
	case Visible:
		return "visible"
	case Hidden:
		return "hidden"
	default:
		return fmt.Sprintf("visibility(%d)", int(v))
	}
}

// Action is what the manager asks of the connection.
type Action int

const (
	NoOp Action = iota
	Disconnect
	Reconnect
)

func (a Action) String() string {
	switch a {
	case NoOp:
		return "noop"
	case Disconnect:
		return "disconnect"
	case Reconnect:
		return "reconnect"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// IdleState reports whether the user has been inactive past the threshold.
type IdleState struct {
	Idle         bool
	LastActivity time.Time
}

// Decide maps the current inputs to an action.
func Decide(idle IdleState, vis Visibility, status remote.Status) Action {
	switch {
	case idle.Idle && vis == Hidden && status == remote.Connected:
		return Disconnect
	case vis == Visible && status == remote.Disconnected:
		return Reconnect
	default:
		return NoOp
	}
}

// Controller is the connection the manager drives.
type Controller interface {
	Connect()
	Disconnect()
	Status() remote.Status
}

// Options configures a Manager.
type Options struct {
	// IdleThreshold defaults to 5 minutes.
	IdleThreshold time.Duration
	// Schedule runs evaluations triggered by the idle timer. It defaults to
	// running them on the timer goroutine.
	Schedule func(func())
	Logger   *slog.Logger
}

// Manager holds the latest idle and visibility inputs and applies Decide to
// the controller whenever one of them changes.
type Manager struct {
	ctl    Controller
	idle   *IdleTracker
	logger *slog.Logger

	mu      sync.Mutex
	vis     Visibility
	stopped bool
}

// NewManager starts the idle timer. The document starts out visible.
func NewManager(ctl Controller, opts Options) *Manager {
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = 5 * time.Minute
	}
	if opts.Schedule == nil {
		opts.Schedule = func(fn func()) { fn() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{ctl: ctl, logger: opts.Logger}
	m.idle = NewIdleTracker(opts.IdleThreshold, func(IdleState) {
		opts.Schedule(func() { m.Evaluate() })
	})
	return m
}

// Activity records user input.
func (m *Manager) Activity() { m.idle.Activity() }

// SetVisibility records a visibility change and evaluates it.
func (m *Manager) SetVisibility(v Visibility) Action {
	m.mu.Lock()
	m.vis = v
	m.mu.Unlock()
	return m.Evaluate()
}

// StatusChanged evaluates a new connection status. Only a fresh connection
// can need action here: reconnecting on every drop would bypass the
// provider's backoff.
func (m *Manager) StatusChanged(status remote.Status) Action {
	if status != remote.Connected {
		return NoOp
	}
	return m.Evaluate()
}

// Evaluate decides on the current inputs and applies the result.
func (m *Manager) Evaluate() Action {
	m.mu.Lock()
	vis, stopped := m.vis, m.stopped
	m.mu.Unlock()
	if stopped {
		return NoOp
	}

	idle := m.idle.State()
	status := m.ctl.Status()
	act := Decide(idle, vis, status)
	switch act {
	case Disconnect:
		m.logger.Info("lifecycle: suspending idle connection", "visibility", vis, "idle_since", idle.LastActivity)
		m.ctl.Disconnect()
	case Reconnect:
		m.logger.Info("lifecycle: resuming connection", "visibility", vis)
		m.idle.Reset()
		m.ctl.Connect()
	}
	return act
}

// Visibility returns the last reported visibility.
func (m *Manager) Visibility() Visibility {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vis
}

// Idle returns the idle tracker's state.
func (m *Manager) Idle() IdleState { return m.idle.State() }

// TimerPending reports whether the idle timer is armed.
func (m *Manager) TimerPending() bool { return m.idle.Armed() }

// Stop cancels the idle timer. Later evaluations do nothing.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.idle.Stop()
}
