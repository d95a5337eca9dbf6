package remote

import (
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-collab-sync/auth"
	"github.com/alimasry/go-collab-sync/crdt"
	"github.com/alimasry/go-collab-sync/delta"
	"github.com/alimasry/go-collab-sync/server"
	"github.com/alimasry/go-collab-sync/store"
)

var testKey = []byte("remote-test-key-0123456789abcdef")

type testServer struct {
	url string
	hub *server.Hub
	st  *store.MemoryStore
}

func startServer(t *testing.T, verifier *auth.Verifier) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	hub := server.NewHub(st, server.HubOptions{})
	srv := httptest.NewServer(server.NewHandler(hub, server.HandlerOptions{Verifier: verifier}))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return &testServer{
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		hub: hub,
		st:  st,
	}
}

// deadURL points at a port nothing listens on.
func deadURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "ws://" + addr + "/ws"
}

// silentURL accepts TCP connections and never answers.
func silentURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	return "ws://" + ln.Addr().String() + "/ws"
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newProvider(t *testing.T, opts Options) (*Provider, *recorder) {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "doc"
	}
	if opts.Doc == nil {
		opts.Doc = crdt.NewDocument("")
	}
	if opts.MinBackoff == 0 {
		opts.MinBackoff = 10 * time.Millisecond
		opts.MaxBackoff = 50 * time.Millisecond
	}
	p, err := New(opts)
	require.NoError(t, err)
	rec := &recorder{}
	p.Subscribe(rec.record)
	t.Cleanup(p.Close)
	return p, rec
}

func edit(t *testing.T, d *crdt.Document, text string) {
	t.Helper()
	_, err := d.Edit(delta.Append(text, d.Len()), nil)
	require.NoError(t, err)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{URL: "ws://x", Name: "doc"})
	require.Error(t, err)
	_, err = New(Options{Doc: crdt.NewDocument("a"), Name: "doc"})
	require.Error(t, err)
}

func TestProvider_ConnectSyncsBothWays(t *testing.T) {
	srv := startServer(t, nil)

	// Seed the server through another replica.
	other, _ := newProvider(t, Options{URL: srv.url})
	other.Connect()
	require.Eventually(t, func() bool { return other.Status() == Connected }, 2*time.Second, 10*time.Millisecond)
	edit(t, other.opts.Doc, "server side ")
	require.Eventually(t, func() bool {
		s := srv.hub.GetSession("doc")
		return s != nil && s.Text() == "server side "
	}, 2*time.Second, 10*time.Millisecond)

	// A replica with offline edits connects.
	doc := crdt.NewDocument("local")
	edit(t, doc, "offline")
	p, rec := newProvider(t, Options{URL: srv.url, Doc: doc})
	assert.Equal(t, Disconnected, p.Status())
	p.Connect()
	require.Eventually(t, p.Synced, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, doc.Text(), "server side ")
	assert.Contains(t, doc.Text(), "offline")
	require.Eventually(t, func() bool {
		return srv.hub.GetSession("doc").Text() == doc.Text()
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return other.opts.Doc.Text() == doc.Text() }, 2*time.Second, 10*time.Millisecond)

	events := rec.snapshot()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, Event{Kind: EventStatus, Status: Connecting}, events[0])
	assert.Equal(t, Event{Kind: EventStatus, Status: Connected}, events[1])
	assert.Equal(t, Event{Kind: EventSynced, Status: Connected}, events[2])
}

func TestProvider_ForwardsLiveEdits(t *testing.T) {
	srv := startServer(t, nil)
	a, _ := newProvider(t, Options{URL: srv.url})
	b, _ := newProvider(t, Options{URL: srv.url})
	a.Connect()
	b.Connect()
	require.Eventually(t, func() bool {
		return a.Status() == Connected && b.Status() == Connected
	}, 2*time.Second, 10*time.Millisecond)

	edit(t, a.opts.Doc, "hello")
	require.Eventually(t, func() bool { return b.opts.Doc.Text() == "hello" }, 2*time.Second, 10*time.Millisecond)
	edit(t, b.opts.Doc, " world")
	require.Eventually(t, func() bool { return a.opts.Doc.Text() == "hello world" }, 2*time.Second, 10*time.Millisecond)
}

func TestProvider_NoLostWritesAcrossReconnect(t *testing.T) {
	srv := startServer(t, nil)
	p, rec := newProvider(t, Options{URL: srv.url})
	p.Connect()
	require.Eventually(t, func() bool { return p.Status() == Connected }, 2*time.Second, 10*time.Millisecond)

	p.Disconnect()
	assert.Equal(t, Disconnected, p.Status())
	edit(t, p.opts.Doc, "written while offline")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, srv.hub.GetSession("doc").Text())

	p.Connect()
	require.Eventually(t, func() bool {
		return srv.hub.GetSession("doc").Text() == "written while offline"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.count(EventSynced), "synced fires once per provider")
}

func TestProvider_ConnectIsNoopWhileActive(t *testing.T) {
	srv := startServer(t, nil)
	p, rec := newProvider(t, Options{URL: srv.url})
	p.Connect()
	p.Connect()
	require.Eventually(t, func() bool { return p.Status() == Connected }, 2*time.Second, 10*time.Millisecond)
	p.Connect()

	connecting := 0
	for _, ev := range rec.snapshot() {
		if ev.Kind == EventStatus && ev.Status == Connecting {
			connecting++
		}
	}
	assert.Equal(t, 1, connecting)
}

func TestProvider_RetriesWithBackoffAndDisconnectCancels(t *testing.T) {
	p, rec := newProvider(t, Options{URL: deadURL(t)})
	p.Connect()
	require.Eventually(t, func() bool {
		return rec.count(EventStatus) >= 4 // connecting, disconnected, connecting, disconnected
	}, 2*time.Second, 5*time.Millisecond)

	p.Disconnect()
	p.Disconnect()
	assert.Equal(t, Disconnected, p.Status())
	assert.False(t, p.RetryScheduled())

	n := len(rec.snapshot())
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, rec.snapshot(), n, "no attempts after Disconnect")
}

func TestProvider_HandshakeTimeout(t *testing.T) {
	p, rec := newProvider(t, Options{
		URL:              silentURL(t),
		HandshakeTimeout: 100 * time.Millisecond,
		MinBackoff:       time.Second,
		MaxBackoff:       time.Second,
	})
	start := time.Now()
	p.Connect()
	assert.Equal(t, Connecting, p.Status())

	require.Eventually(t, func() bool { return p.Status() == Disconnected }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.True(t, p.RetryScheduled())

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, Disconnected, events[1].Status)
	assert.Error(t, events[1].Err)
}

func TestProvider_DegradedAfterRetryCeiling(t *testing.T) {
	p, rec := newProvider(t, Options{
		URL:          deadURL(t),
		MinBackoff:   time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		RetryCeiling: 3,
	})
	p.Connect()
	require.Eventually(t, func() bool { return rec.count(EventDegraded) == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(EventDegraded), "degraded is reported once")
	p.Disconnect()

	for _, ev := range rec.snapshot() {
		if ev.Kind == EventDegraded {
			assert.Equal(t, 3, ev.Attempts)
		}
	}
}

func TestProvider_AuthRejection(t *testing.T) {
	srv := startServer(t, auth.NewVerifier(testKey))
	failures := make(chan error, 1)
	p, _ := newProvider(t, Options{
		URL:           srv.url,
		Token:         func() string { return "bogus" },
		OnAuthFailure: func(err error) { failures <- err },
	})
	p.Connect()

	select {
	case err := <-failures:
		assert.True(t, errors.Is(err, ErrAuthRejected))
	case <-time.After(2 * time.Second):
		t.Fatal("auth failure not reported")
	}
	assert.Equal(t, Disconnected, p.Status())
	assert.False(t, p.RetryScheduled(), "rejections are not retried automatically")
}

func TestProvider_AuthenticatedConnect(t *testing.T) {
	srv := startServer(t, auth.NewVerifier(testKey))
	tok, err := auth.NewIssuer(testKey, time.Minute).Issue("alice")
	require.NoError(t, err)

	p, _ := newProvider(t, Options{URL: srv.url, Token: func() string { return tok.Raw }})
	p.Connect()
	require.Eventually(t, func() bool { return p.Status() == Connected }, 2*time.Second, 10*time.Millisecond)
}

func TestProvider_CloseStopsEverything(t *testing.T) {
	srv := startServer(t, nil)
	p, rec := newProvider(t, Options{URL: srv.url})
	p.Connect()
	require.Eventually(t, func() bool { return p.Status() == Connected }, 2*time.Second, 10*time.Millisecond)

	p.Close()
	p.Close()
	assert.Equal(t, Disconnected, p.Status())
	assert.False(t, p.RetryScheduled())

	n := len(rec.snapshot())
	p.Connect()
	assert.Equal(t, Disconnected, p.Status())
	assert.Len(t, rec.snapshot(), n)

	// Local edits after Close are not forwarded.
	edit(t, p.opts.Doc, "late")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, srv.hub.GetSession("doc").Text())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "status(9)", Status(9).String())
}
