// Package remote keeps a replicated document in sync with the collaboration
// server over a websocket, reconnecting with bounded backoff after failures.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/alimasry/go-collab-sync/crdt"
	"github.com/alimasry/go-collab-sync/protocol"
)

// ErrAuthRejected is reported when the server refuses the bearer token.
var ErrAuthRejected = errors.New("authentication rejected")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
	outBuffer  = 256
)

// Status is the connection state.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// EventKind tags an Event.
type EventKind int

const (
	// EventStatus reports a status transition.
	EventStatus EventKind = iota
	// EventSynced fires once, after the first completed handshake.
	EventSynced
	// EventDegraded fires when consecutive failures reach the retry ceiling.
	EventDegraded
)

// Event is delivered to subscribers.
type Event struct {
	Kind     EventKind
	Status   Status
	Attempts int
	Err      error // cause of a transition to Disconnected, if any
}

// Options configures a Provider.
type Options struct {
	// URL is the websocket base, for example ws://host:8080/ws.
	URL  string
	Name string
	Doc  *crdt.Document
	// Token returns the bearer token for the next connection attempt.
	Token func() string
	// OnAuthFailure runs when the server rejects the token. No reconnect is
	// scheduled after a rejection; the callback decides what happens next.
	OnAuthFailure func(error)

	HandshakeTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	RetryCeiling     int
	Dialer           *websocket.Dialer
	Logger           *slog.Logger
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	if o.RetryCeiling <= 0 {
		o.RetryCeiling = 50
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Provider is the client side of one document's server connection.
//
// Subscribers are called synchronously, in transition order, while no other
// transition can start. They must not call back into the Provider.
type Provider struct {
	opts    Options
	url     string
	logger  *slog.Logger
	backoff *backoff.ExponentialBackOff

	emitMu sync.Mutex

	mu            sync.Mutex
	status        Status
	synced        bool
	wantConnected bool
	closed        bool
	epoch         uint64
	cancel        context.CancelFunc
	out           chan []byte
	retryTimer    *time.Timer
	attempts      int
	degraded      bool
	subs          map[int]func(Event)
	nextSub       int

	unobserve func()
	wg        sync.WaitGroup
}

// New creates a disconnected Provider. Call Connect to start syncing.
func New(opts Options) (*Provider, error) {
	if opts.Doc == nil {
		return nil, fmt.Errorf("remote: document is required")
	}
	if opts.URL == "" || opts.Name == "" {
		return nil, fmt.Errorf("remote: url and name are required")
	}
	opts.setDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.MinBackoff
	b.MaxInterval = opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	p := &Provider{
		opts:    opts,
		url:     strings.TrimRight(opts.URL, "/") + "/" + url.PathEscape(opts.Name),
		logger:  opts.Logger.With("doc", opts.Name),
		backoff: b,
		subs:    make(map[int]func(Event)),
	}
	p.unobserve = opts.Doc.Observe(p.forward)
	return p, nil
}

// Subscribe registers fn for every event. The returned function removes it.
func (p *Provider) Subscribe(fn func(Event)) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	id := p.nextSub
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Status returns the current connection state.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Synced reports whether a handshake has ever completed.
func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// RetryScheduled reports whether a reconnect timer is pending.
func (p *Provider) RetryScheduled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryTimer != nil
}

// Connect starts connecting unless already connecting or connected. A pending
// retry is replaced by an immediate attempt.
func (p *Provider) Connect() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if p.closed || p.status != Disconnected {
		p.mu.Unlock()
		return
	}
	p.wantConnected = true
	p.stopRetryLocked()
	p.startLocked()
	p.deliverLocked(Event{Kind: EventStatus, Status: Connecting})
}

// Disconnect closes the connection and cancels any pending retry. It is
// idempotent.
func (p *Provider) Disconnect() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	p.wantConnected = false
	p.stopRetryLocked()
	if p.status == Disconnected {
		p.mu.Unlock()
		return
	}
	p.epoch++
	p.teardownLocked()
	p.status = Disconnected
	p.deliverLocked(Event{Kind: EventStatus, Status: Disconnected})
}

// Close disconnects, stops observing the document and waits for the
// connection goroutines to exit. Later calls to Connect do nothing.
func (p *Provider) Close() {
	p.Disconnect()
	p.mu.Lock()
	p.closed = true
	p.subs = make(map[int]func(Event))
	p.mu.Unlock()
	p.unobserve()
	p.wg.Wait()
}

// startLocked launches a connection attempt. p.mu must be held.
func (p *Provider) startLocked() {
	p.epoch++
	epoch := p.epoch
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.status = Connecting
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.run(ctx, epoch)
		p.ended(epoch, err)
	}()
}

func (p *Provider) teardownLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.out = nil
}

func (p *Provider) stopRetryLocked() {
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
}

// deliverLocked releases p.mu and notifies subscribers. p.emitMu must be held.
func (p *Provider) deliverLocked(events ...Event) {
	subs := make([]func(Event), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// handshakeDone moves an attempt to Connected. It reports false when the
// attempt has been superseded.
func (p *Provider) handshakeDone(epoch uint64) bool {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if epoch != p.epoch || p.status != Connecting {
		p.mu.Unlock()
		return false
	}
	p.status = Connected
	p.attempts = 0
	p.degraded = false
	p.backoff.Reset()
	events := []Event{{Kind: EventStatus, Status: Connected}}
	if !p.synced {
		p.synced = true
		events = append(events, Event{Kind: EventSynced, Status: Connected})
	}
	p.logger.Info("remote: connected")
	p.deliverLocked(events...)
	return true
}

// ended handles the end of a connection attempt.
func (p *Provider) ended(epoch uint64, err error) {
	authFailed := errors.Is(err, ErrAuthRejected)

	p.emitMu.Lock()
	p.mu.Lock()
	if epoch != p.epoch || p.closed {
		p.mu.Unlock()
		p.emitMu.Unlock()
		return
	}
	p.teardownLocked()
	p.status = Disconnected
	events := []Event{{Kind: EventStatus, Status: Disconnected, Err: err}}

	switch {
	case authFailed:
		p.wantConnected = false
		p.logger.Warn("remote: token rejected", "error", err)
	case p.wantConnected:
		p.attempts++
		delay := p.backoff.NextBackOff()
		p.retryTimer = time.AfterFunc(delay, func() { p.retry(epoch) })
		p.logger.Info("remote: connection lost", "attempt", p.attempts, "delay", delay, "error", err)
		if p.attempts >= p.opts.RetryCeiling && !p.degraded {
			p.degraded = true
			events = append(events, Event{Kind: EventDegraded, Status: Disconnected, Attempts: p.attempts, Err: err})
		}
	}
	p.deliverLocked(events...)
	p.emitMu.Unlock()

	if authFailed && p.opts.OnAuthFailure != nil {
		p.opts.OnAuthFailure(err)
	}
}

func (p *Provider) retry(epoch uint64) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if p.closed || !p.wantConnected || epoch != p.epoch || p.status != Disconnected {
		p.mu.Unlock()
		return
	}
	p.retryTimer = nil
	p.startLocked()
	p.deliverLocked(Event{Kind: EventStatus, Status: Connecting, Attempts: p.attempts})
}

// forward sends local document changes to the server while a connection is
// up. Changes made offline travel with the next handshake instead.
func (p *Provider) forward(ev crdt.Event) {
	if ev.Origin == p {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return
	}
	select {
	case p.out <- ev.Update:
	default:
		// Resync from scratch rather than skip an update.
		p.logger.Warn("remote: outbound buffer full, reconnecting")
		if p.cancel != nil {
			p.cancel()
		}
	}
}

// run dials, performs the handshake and pumps frames until the connection
// ends. The returned error describes why.
func (p *Provider) run(ctx context.Context, epoch uint64) error {
	hctx, hcancel := context.WithTimeout(ctx, p.opts.HandshakeTimeout)
	defer hcancel()

	header := http.Header{}
	if p.opts.Token != nil {
		if tok := p.opts.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	// Close the raw connection if the handshake is abandoned, since an
	// upgrade that is waiting for a response does not watch hctx.
	var release func() bool
	dialer := *p.opts.Dialer
	netDial := dialer.NetDialContext
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}
	dialer.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		c, err := netDial(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		release = context.AfterFunc(hctx, func() { c.Close() })
		return c, nil
	}

	conn, resp, err := dialer.DialContext(hctx, p.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: server returned %d", ErrAuthRejected, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	conn.SetReadLimit(maxMsgSize)

	out := make(chan []byte, outBuffer)
	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		return context.Canceled
	}
	p.out = out
	p.mu.Unlock()

	deadline, _ := hctx.Deadline()
	if err := p.handshake(conn, deadline); err != nil {
		return err
	}
	if release != nil {
		release()
	}
	if !p.handshakeDone(epoch) {
		return context.Canceled
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writePump(conn, out, done)
	}()
	err = p.readPump(conn)
	close(done)
	conn.Close()
	<-writerDone
	return err
}

// handshake exchanges state vectors and the missing state in both directions.
func (p *Provider) handshake(conn *websocket.Conn, deadline time.Time) error {
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	hello := protocol.Message{Type: protocol.MsgSync, Doc: p.opts.Name, StateVector: p.opts.Doc.StateVector()}
	if err := conn.WriteMessage(websocket.TextMessage, hello.Encode()); err != nil {
		return fmt.Errorf("send sync: %w", err)
	}

	var reply protocol.Message
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await sync: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return fmt.Errorf("decode sync: %w", err)
		}
		if msg.Type == protocol.MsgError {
			return fmt.Errorf("server error: %s", msg.Message)
		}
		if msg.Type == protocol.MsgSync {
			reply = msg
			break
		}
		// Updates racing the reply are also covered by it, applying is harmless.
		if msg.Type == protocol.MsgUpdate {
			p.apply(msg.Update)
		}
	}
	if err := p.opts.Doc.Apply(reply.Update, p); err != nil {
		return fmt.Errorf("apply sync: %w", err)
	}

	missing := protocol.Message{Type: protocol.MsgUpdate, Doc: p.opts.Name, Update: p.opts.Doc.Diff(reply.StateVector)}
	if err := conn.WriteMessage(websocket.TextMessage, missing.Encode()); err != nil {
		return fmt.Errorf("send diff: %w", err)
	}
	return nil
}

func (p *Provider) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			p.logger.Warn("remote: invalid frame", "error", err)
			continue
		}
		switch msg.Type {
		case protocol.MsgUpdate:
			p.apply(msg.Update)
		case protocol.MsgError:
			p.logger.Warn("remote: server error", "message", msg.Message)
		case protocol.MsgJoin, protocol.MsgLeave:
			p.logger.Debug("remote: presence", "type", msg.Type, "client", msg.ClientID, "name", msg.Name)
		}
	}
}

func (p *Provider) writePump(conn *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case update := <-out:
			msg := protocol.Message{Type: protocol.MsgUpdate, Doc: p.opts.Name, Update: update}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg.Encode()); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (p *Provider) apply(update []byte) {
	if err := p.opts.Doc.Apply(update, p); err != nil {
		p.logger.Warn("remote: apply update failed", "error", err)
	}
}
