// Package readiness derives whether a document may become interactive from
// its local and remote sync state.
package readiness

import (
	"sync"
	"time"

	"github.com/alimasry/go-collab-sync/remote"
)

// State is the input to readiness.
type State struct {
	LocalSynced  bool
	RemoteSynced bool
	Status       remote.Status
}

// Ready reports whether the document is loaded, reconciled and connected.
func (s State) Ready() bool {
	return s.Status == remote.Connected && s.LocalSynced && s.RemoteSynced
}

// Signal tags a gate notification.
type Signal int

const (
	// SignalRecomputed fires on every recomputation, including ones that
	// leave the state unchanged. Subscribers that care about edges compare
	// State.Ready with what they saw last.
	SignalRecomputed Signal = iota
	// SignalDegraded fires at most once, when the wait window passes
	// without the gate becoming ready. It does not make the gate ready.
	SignalDegraded
)

// Options configures a Gate.
type Options struct {
	// Wait is the fallback window, 3 seconds by default.
	Wait time.Duration
	// Schedule runs the fallback. It defaults to running it on the timer
	// goroutine.
	Schedule func(func())
}

// Gate tracks State and notifies subscribers. Subscribers run on the
// goroutine that changed the state, outside the gate's lock.
type Gate struct {
	wait     time.Duration
	schedule func(func())

	mu       sync.Mutex
	state    State
	timer    *time.Timer
	degraded bool
	stopped  bool
	subs     map[int]func(Signal, State)
	nextSub  int
}

func NewGate(opts Options) *Gate {
	if opts.Wait <= 0 {
		opts.Wait = 3 * time.Second
	}
	if opts.Schedule == nil {
		opts.Schedule = func(fn func()) { fn() }
	}
	return &Gate{wait: opts.Wait, schedule: opts.Schedule, subs: make(map[int]func(Signal, State))}
}

// Start arms the fallback window. Calling it again does nothing.
func (g *Gate) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.timer != nil || g.degraded || g.state.Ready() {
		return
	}
	g.timer = time.AfterFunc(g.wait, func() { g.schedule(g.fallback) })
}

func (g *Gate) Subscribe(fn func(Signal, State)) (cancel func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn
	return func() {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Ready() bool { return g.State().Ready() }

// Degraded reports whether the fallback has fired.
func (g *Gate) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// TimerPending reports whether the fallback window is still open.
func (g *Gate) TimerPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timer != nil
}

// SetLocalSynced marks the local load done. It cannot be undone.
func (g *Gate) SetLocalSynced() {
	g.update(func(s *State) { s.LocalSynced = true })
}

// SetRemoteSynced marks the first reconciliation done. Later disconnects do
// not undo it.
func (g *Gate) SetRemoteSynced() {
	g.update(func(s *State) { s.RemoteSynced = true })
}

func (g *Gate) SetStatus(status remote.Status) {
	g.update(func(s *State) { s.Status = status })
}

// Stop cancels the fallback and drops all subscribers.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	g.stopTimerLocked()
	clear(g.subs)
}

func (g *Gate) update(fn func(*State)) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	fn(&g.state)
	if g.state.Ready() {
		g.stopTimerLocked()
	}
	g.emitLocked(SignalRecomputed)
}

func (g *Gate) fallback() {
	g.mu.Lock()
	if g.stopped || g.timer == nil {
		g.mu.Unlock()
		return
	}
	g.timer = nil
	if g.degraded || g.state.Ready() {
		g.mu.Unlock()
		return
	}
	g.degraded = true
	g.emitLocked(SignalDegraded)
}

// emitLocked releases g.mu before calling subscribers.
func (g *Gate) emitLocked(sig Signal) {
	state := g.state
	subs := make([]func(Signal, State), 0, len(g.subs))
	for _, fn := range g.subs {
		subs = append(subs, fn)
	}
	g.mu.Unlock()
	for _, fn := range subs {
		fn(sig, state)
	}
}

func (g *Gate) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
