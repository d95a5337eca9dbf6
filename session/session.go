// Package session wires one open document to its local cache, its server
// connection, and the signals an editor needs around them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/alimasry/go-collab-sync/auth"
	"github.com/alimasry/go-collab-sync/crdt"
	"github.com/alimasry/go-collab-sync/delta"
	"github.com/alimasry/go-collab-sync/lifecycle"
	"github.com/alimasry/go-collab-sync/local"
	"github.com/alimasry/go-collab-sync/mirror"
	"github.com/alimasry/go-collab-sync/readiness"
	"github.com/alimasry/go-collab-sync/remote"
	"github.com/alimasry/go-collab-sync/store"
)

var (
	ErrClosed = errors.New("session closed")
	// ErrAuthRejected is carried by EventFatal when the server refuses a
	// token that has not expired.
	ErrAuthRejected = errors.New("authentication rejected")
)

// EventKind tags an Event.
type EventKind int

const (
	EventStatus EventKind = iota
	EventLocalSynced
	EventRemoteSynced
	// EventReady fires each time the document becomes interactive.
	EventReady
	// EventDegraded fires when the document is not ready within the wait
	// window. The host should show a read-only view.
	EventDegraded
	// EventConnectivityDegraded fires when reconnects keep failing.
	EventConnectivityDegraded
	EventStorageWarning
	// EventFatal ends syncing with the server until the document is reopened.
	EventFatal
)

var eventNames = [...]string{
	EventStatus:               "status",
	EventLocalSynced:          "local-synced",
	EventRemoteSynced:         "remote-synced",
	EventReady:                "ready",
	EventDegraded:             "degraded",
	EventConnectivityDegraded: "connectivity-degraded",
	EventStorageWarning:       "storage-warning",
	EventFatal:                "fatal",
}

func (k EventKind) String() string {
	if int(k) >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered to subscribers on the session's task goroutine.
type Event struct {
	Kind   EventKind
	Status remote.Status
	State  readiness.State
	Err    error
}

// Options configures a Session. Zero durations use the component defaults.
type Options struct {
	// ServerURL is the websocket base, for example ws://host:8080/ws.
	ServerURL string
	// Store is the local durable cache.
	Store store.DocumentStore
	// Tokens supplies bearer tokens. Nil connects anonymously.
	Tokens *auth.TokenManager
	// Cache receives the mirrored text. Nil disables mirroring.
	Cache mirror.Cache
	// Client is the replica id. Empty picks a random one.
	Client string
	// OnEvent is subscribed before anything starts, so it sees every event.
	OnEvent func(Event)

	IdleThreshold    time.Duration
	ReadyWait        time.Duration
	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	RetryCeiling     int
	// AuthRetryDelay spaces the reconnect after a token refresh. Defaults to 1s.
	AuthRetryDelay time.Duration
	MirrorDebounce time.Duration
	MirrorCeiling  time.Duration
	DisposeGrace   time.Duration
	CompactEvery   int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Session owns the synchronization stack of one open document. All
// callbacks from its components run on a single task goroutine and are
// dropped once Close begins.
type Session struct {
	name   string
	opts   Options
	logger *slog.Logger

	doc    *crdt.Document
	local  *local.Provider
	remote *remote.Provider
	gate   *readiness.Gate
	mirror *mirror.Mirror
	life   *lifecycle.Manager

	ctx    context.Context
	cancel context.CancelFunc
	queue  *taskQueue
	revoke []func()

	mu        sync.Mutex
	closed    bool
	fatal     bool
	ready     bool
	authTimer *time.Timer
	subs      map[int]func(Event)
	nextSub   int
}

// Open builds the stack for name and starts loading and connecting. It
// returns before either finishes; watch events or State for progress.
func Open(ctx context.Context, name string, opts Options) (*Session, error) {
	if name == "" {
		return nil, errors.New("session: document name is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.AuthRetryDelay <= 0 {
		opts.AuthRetryDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		name:   name,
		opts:   opts,
		logger: opts.Logger.With("doc", name),
		doc:    crdt.NewDocument(opts.Client),
		queue:  newTaskQueue(),
		subs:   make(map[int]func(Event)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if opts.OnEvent != nil {
		s.subs[0] = opts.OnEvent
		s.nextSub = 1
	}

	rp, err := remote.New(remote.Options{
		URL:              strings.TrimSuffix(opts.ServerURL, "/"),
		Name:             name,
		Doc:              s.doc,
		Token:            s.token,
		OnAuthFailure:    func(err error) { s.post(func() { s.authFailed(err) }) },
		HandshakeTimeout: opts.HandshakeTimeout,
		MinBackoff:       opts.MinBackoff,
		MaxBackoff:       opts.MaxBackoff,
		RetryCeiling:     opts.RetryCeiling,
		Dialer:           opts.Dialer,
		Logger:           opts.Logger,
	})
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("session %q: %w", name, err)
	}
	s.remote = rp
	s.local = local.NewProvider(opts.Store, name, s.doc, local.Options{
		DisposeGrace: opts.DisposeGrace,
		CompactEvery: opts.CompactEvery,
		OnWarning:    func(err error) { s.post(func() { s.emit(Event{Kind: EventStorageWarning, Err: err}) }) },
		Logger:       opts.Logger,
	})
	s.gate = readiness.NewGate(readiness.Options{Wait: opts.ReadyWait, Schedule: s.post})
	s.life = lifecycle.NewManager(rp, lifecycle.Options{
		IdleThreshold: opts.IdleThreshold,
		Schedule:      s.post,
		Logger:        opts.Logger,
	})
	if opts.Cache != nil {
		s.mirror = mirror.New(opts.Cache, s.doc, mirror.Options{
			Key:      name,
			Debounce: opts.MirrorDebounce,
			Ceiling:  opts.MirrorCeiling,
			OnError:  func(err error) { s.post(func() { s.emit(Event{Kind: EventStorageWarning, Err: err}) }) },
			Logger:   opts.Logger,
		})
	}

	s.revoke = append(s.revoke,
		rp.Subscribe(s.remoteEvent),
		s.gate.Subscribe(s.gateSignal),
	)

	go s.queue.run(s.ctx)
	go s.awaitLocal()
	s.local.Open(ctx)
	s.gate.Start()
	rp.Connect()
	s.logger.Info("session: opened")
	return s, nil
}

func (s *Session) Name() string { return s.name }

// Doc returns the replicated document. It must not be used after Close.
func (s *Session) Doc() *crdt.Document { return s.doc }

func (s *Session) Text() string { return s.doc.Text() }

// Edit applies a local edit. It never waits for storage or the network.
func (s *Session) Edit(op delta.Operation) error {
	return s.editFunc(func(string) delta.Operation { return op })
}

// Append adds text at the end of the document as it is at that instant.
func (s *Session) Append(text string) error {
	return s.editFunc(func(cur string) delta.Operation {
		return delta.Append(text, utf8.RuneCountInString(cur))
	})
}

// Replace makes the document read text, touching only the span that differs.
func (s *Session) Replace(text string) error {
	return s.editFunc(func(cur string) delta.Operation { return delta.Between(cur, text) })
}

func (s *Session) editFunc(build func(string) delta.Operation) error {
	if s.isClosed() {
		return ErrClosed
	}
	if _, err := s.doc.EditFunc(build, s); err != nil {
		if errors.Is(err, crdt.ErrDestroyed) {
			return ErrClosed
		}
		return err
	}
	s.life.Activity()
	return nil
}

// Activity records user input without an edit.
func (s *Session) Activity() {
	if !s.isClosed() {
		s.life.Activity()
	}
}

// SetVisibility reports a host visibility change. The resulting connect or
// disconnect happens asynchronously on the task goroutine.
func (s *Session) SetVisibility(v lifecycle.Visibility) {
	s.post(func() { s.life.SetVisibility(v) })
}

func (s *Session) Visibility() lifecycle.Visibility { return s.life.Visibility() }

func (s *Session) State() readiness.State { return s.gate.State() }

func (s *Session) Ready() bool { return s.gate.Ready() }

func (s *Session) Status() remote.Status { return s.remote.Status() }

// Subscribe registers fn for session events. Subscriptions end at Close.
func (s *Session) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// PendingTimers counts the timers the session still has armed.
func (s *Session) PendingTimers() int {
	n := 0
	if s.life.TimerPending() {
		n++
	}
	if s.gate.TimerPending() {
		n++
	}
	if s.remote.RetryScheduled() {
		n++
	}
	if s.mirror != nil {
		n += s.mirror.Timers()
	}
	s.mu.Lock()
	if s.authTimer != nil {
		n++
	}
	s.mu.Unlock()
	return n
}

// Close tears the session down: the mirror first, then the server
// connection, then the local cache, and finally the document. Closing twice
// does nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	clear(s.subs)
	s.mu.Unlock()

	s.cancel()
	s.queue.close()
	for _, revoke := range s.revoke {
		revoke()
	}
	s.life.Stop()
	s.gate.Stop()

	if s.mirror != nil {
		s.mirror.Close()
	}
	s.remote.Close()
	s.local.Dispose()
	s.doc.Destroy()
	s.logger.Info("session: closed")
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// post queues fn on the task goroutine unless the session is closing.
func (s *Session) post(fn func()) {
	if s.ctx.Err() != nil {
		return
	}
	s.queue.push(fn)
}

func (s *Session) token() string {
	if s.opts.Tokens == nil {
		return ""
	}
	return s.opts.Tokens.Raw()
}

func (s *Session) awaitLocal() {
	select {
	case <-s.local.Synced():
	case <-s.ctx.Done():
		return
	}
	s.gate.SetLocalSynced()
	s.post(func() { s.emit(Event{Kind: EventLocalSynced, State: s.gate.State()}) })
}

// remoteEvent runs inside the provider's transition. It updates the gate
// in step with the provider and defers everything else to the task queue.
func (s *Session) remoteEvent(ev remote.Event) {
	if s.ctx.Err() != nil {
		return
	}
	switch ev.Kind {
	case remote.EventStatus:
		s.gate.SetStatus(ev.Status)
		s.post(func() {
			s.emit(Event{Kind: EventStatus, Status: ev.Status, State: s.gate.State(), Err: ev.Err})
			s.life.StatusChanged(ev.Status)
		})
	case remote.EventSynced:
		s.gate.SetRemoteSynced()
		s.post(func() { s.emit(Event{Kind: EventRemoteSynced, Status: ev.Status, State: s.gate.State()}) })
	case remote.EventDegraded:
		s.post(func() {
			s.emit(Event{Kind: EventConnectivityDegraded, Status: ev.Status, Err: fmt.Errorf("%d connection attempts failed: %w", ev.Attempts, ev.Err)})
		})
	}
}

func (s *Session) gateSignal(sig readiness.Signal, state readiness.State) {
	s.post(func() {
		switch sig {
		case readiness.SignalDegraded:
			s.logger.Warn("session: not ready in time", "status", state.Status, "local", state.LocalSynced, "remote", state.RemoteSynced)
			s.emit(Event{Kind: EventDegraded, Status: state.Status, State: state})
		case readiness.SignalRecomputed:
			ready := state.Ready()
			s.mu.Lock()
			became := ready && !s.ready
			s.ready = ready
			s.mu.Unlock()
			if became {
				s.emit(Event{Kind: EventReady, Status: state.Status, State: state})
			}
		}
	})
}

// authFailed decides between a token refresh and a fatal error.
func (s *Session) authFailed(cause error) {
	s.mu.Lock()
	if s.fatal {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.opts.Tokens == nil || !auth.IsExpired(s.opts.Tokens.Current(), time.Now()) {
		s.fail(fmt.Errorf("%w: %w", ErrAuthRejected, cause))
		return
	}

	s.logger.Info("session: token expired, refreshing")
	go func() {
		_, err := s.opts.Tokens.Refresh(s.ctx)
		s.post(func() { s.refreshed(err) })
	}()
}

func (s *Session) refreshed(err error) {
	if err != nil {
		s.fail(fmt.Errorf("%w: token refresh failed: %w", ErrAuthRejected, err))
		return
	}
	s.remote.Disconnect()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.opts.AuthRetryDelay, func() {
		s.post(func() {
			s.mu.Lock()
			if s.authTimer == t {
				s.authTimer = nil
			}
			s.mu.Unlock()
			s.remote.Connect()
		})
	})
	s.authTimer = t
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.fatal = true
	s.mu.Unlock()

	s.logger.Error("session: giving up on server", "error", err)
	s.life.Stop()
	s.remote.Disconnect()
	s.emit(Event{Kind: EventFatal, Status: s.remote.Status(), State: s.gate.State(), Err: err})
}

// emit runs on the task goroutine.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
