package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alimasry/go-collab-sync/store"
)

var errHubClosed = errors.New("hub closed")

// HubOptions configures a Hub.
type HubOptions struct {
	// CompactEvery writes a snapshot after this many updates. Zero disables it.
	CompactEvery int
	Logger       *slog.Logger
}

// Hub manages document sessions and routes clients to the right session.
type Hub struct {
	store        store.DocumentStore
	compactEvery int
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewHub(st store.DocumentStore, opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		store:        st,
		compactEvery: opts.CompactEvery,
		logger:       opts.Logger,
		sessions:     make(map[string]*Session),
	}
}

// Join binds c to the session for name, loading the document on first use.
func (h *Hub) Join(ctx context.Context, c *Client, name string) error {
	s, err := h.session(ctx, name)
	if err != nil {
		return err
	}
	c.session = s
	select {
	case s.join <- c:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) session(ctx context.Context, name string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errHubClosed
	}
	if s, ok := h.sessions[name]; ok {
		return s, nil
	}
	loaded, err := store.Load(ctx, h.store, name)
	if err != nil {
		h.logger.Error("hub: failed to load doc", "doc", name, "error", err)
		return nil, fmt.Errorf("load %q: %w", name, err)
	}
	s, err := newSession(name, loaded, h.store, h.compactEvery, h.logger)
	if err != nil {
		h.logger.Error("hub: failed to restore doc", "doc", name, "error", err)
		return nil, err
	}
	h.sessions[name] = s
	go s.Run()
	return s, nil
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(name string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[name]
}

// Close stops every session. Later joins fail.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
