package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alimasry/go-collab-sync/crdt"
	"github.com/alimasry/go-collab-sync/protocol"
	"github.com/alimasry/go-collab-sync/store"
)

var errSessionClosed = errors.New("session closed")

type inbound struct {
	client *Client
	msg    protocol.Message
	err    error // frame could not be decoded
}

// Session manages collaboration for a single document.
// All work is serialized through a single goroutine.
type Session struct {
	name         string
	doc          *crdt.Document
	store        store.DocumentStore
	version      int
	compactEvery int
	logger       *slog.Logger
	clients      map[*Client]bool
	unobserve    func()

	incoming chan inbound
	join     chan *Client
	leave    chan *Client
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// newSession rebuilds the document from its persisted state.
func newSession(name string, loaded *store.Loaded, st store.DocumentStore, compactEvery int, logger *slog.Logger) (*Session, error) {
	doc := crdt.NewDocument("server")
	if len(loaded.Snapshot) > 0 {
		if err := doc.Apply(loaded.Snapshot, nil); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}
	for i, u := range loaded.Updates {
		if err := doc.Apply(u, nil); err != nil {
			return nil, fmt.Errorf("replay update %d: %w", i, err)
		}
	}
	s := &Session{
		name:         name,
		doc:          doc,
		store:        st,
		version:      loaded.Version,
		compactEvery: compactEvery,
		logger:       logger.With("doc", name),
		clients:      make(map[*Client]bool),
		incoming:     make(chan inbound, 64),
		join:         make(chan *Client, 16),
		leave:        make(chan *Client, 16),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.unobserve = doc.Observe(s.onChange)
	return s, nil
}

// Run is the session's main loop. It serializes all operations.
func (s *Session) Run() {
	defer close(s.done)
	for {
		select {
		case c := <-s.join:
			s.handleJoin(c)
		case c := <-s.leave:
			s.handleLeave(c)
		case in := <-s.incoming:
			s.handleMessage(in)
		case <-s.stop:
			s.shutdown()
			return
		}
	}
}

// Stop ends Run and waits for it to return.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Text returns the current document text. It is safe to call from any goroutine.
func (s *Session) Text() string { return s.doc.Text() }

func (s *Session) deliver(in inbound) {
	select {
	case s.incoming <- in:
	case <-s.done:
	}
}

func (s *Session) handleJoin(c *Client) {
	if s.clients[c] {
		return
	}
	s.clients[c] = true

	// Notify other clients about the new user.
	for other := range s.clients {
		if other != c {
			other.sendMsg(protocol.Message{
				Type:     protocol.MsgJoin,
				ClientID: c.ID,
				Name:     c.Name,
				Color:    c.Color,
			})
		}
	}
}

func (s *Session) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)

	// Notify others.
	for other := range s.clients {
		other.sendMsg(protocol.Message{
			Type:     protocol.MsgLeave,
			ClientID: c.ID,
		})
	}
}

func (s *Session) handleMessage(in inbound) {
	// Frames can arrive before the join is processed.
	s.handleJoin(in.client)

	if in.err != nil {
		in.client.sendError("invalid message format")
		return
	}
	switch in.msg.Type {
	case protocol.MsgSync:
		in.client.sendMsg(protocol.Message{
			Type:        protocol.MsgSync,
			Doc:         s.name,
			Update:      s.doc.Diff(in.msg.StateVector),
			StateVector: s.doc.StateVector(),
			Clients:     s.clientInfos(),
		})
	case protocol.MsgUpdate:
		if err := s.doc.Apply(in.msg.Update, in.client); err != nil {
			s.logger.Warn("session: rejected update", "client", in.client.ID, "error", err)
			in.client.sendError("invalid update: " + err.Error())
		}
	default:
		in.client.sendError("unknown message type: " + in.msg.Type)
	}
}

// onChange runs on the session goroutine, inside doc.Apply.
func (s *Session) onChange(ev crdt.Event) {
	s.version++
	ctx := context.Background()
	if err := s.store.AppendUpdate(ctx, s.name, ev.Update, s.version); err != nil {
		s.logger.Error("session: persist update failed", "version", s.version, "error", err)
	}
	if s.compactEvery > 0 && s.version%s.compactEvery == 0 {
		if err := s.store.Save(ctx, s.name, s.doc.Snapshot(), s.version); err != nil {
			s.logger.Error("session: save snapshot failed", "version", s.version, "error", err)
		}
	}

	from, _ := ev.Origin.(*Client)
	msg := protocol.Message{Type: protocol.MsgUpdate, Doc: s.name, Update: ev.Update}
	if from != nil {
		msg.ClientID = from.ID
	}
	for c := range s.clients {
		if c != from {
			c.sendMsg(msg)
		}
	}
}

func (s *Session) shutdown() {
	s.unobserve()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Session) clientInfos() []protocol.ClientInfo {
	infos := make([]protocol.ClientInfo, 0, len(s.clients))
	for c := range s.clients {
		infos = append(infos, c.Info())
	}
	return infos
}
