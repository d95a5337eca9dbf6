package lifecycle

import (
	"sync"
	"time"
)

// IdleTracker turns idle after threshold passes without Activity.
type IdleTracker struct {
	threshold time.Duration
	onChange  func(IdleState)
	now       func() time.Time

	mu      sync.Mutex
	state   IdleState
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewIdleTracker starts tracking from now. onChange runs on the timer
// goroutine when the tracker turns idle, and on the caller's goroutine when
// Activity ends an idle period.
func NewIdleTracker(threshold time.Duration, onChange func(IdleState)) *IdleTracker {
	t := &IdleTracker{threshold: threshold, onChange: onChange, now: time.Now}
	t.mu.Lock()
	t.state.LastActivity = t.now()
	t.armLocked()
	t.mu.Unlock()
	return t
}

// Activity marks the user active and restarts the threshold.
func (t *IdleTracker) Activity() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	wasIdle := t.state.Idle
	t.state = IdleState{LastActivity: t.now()}
	t.armLocked()
	state := t.state
	t.mu.Unlock()

	if wasIdle && t.onChange != nil {
		t.onChange(state)
	}
}

// Reset is Activity without a change notification.
func (t *IdleTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.state = IdleState{LastActivity: t.now()}
	t.armLocked()
}

func (t *IdleTracker) State() IdleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Armed reports whether the threshold timer is pending.
func (t *IdleTracker) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Stop cancels the timer for good.
func (t *IdleTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.disarmLocked()
}

func (t *IdleTracker) armLocked() {
	t.disarmLocked()
	gen := t.gen
	t.timer = time.AfterFunc(t.threshold, func() { t.expire(gen) })
}

func (t *IdleTracker) disarmLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *IdleTracker) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.stopped {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.state.Idle = true
	state := t.state
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(state)
	}
}
