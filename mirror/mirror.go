// Package mirror projects a document's text into an external read cache,
// coalescing bursts of edits into a single write.
package mirror

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alimasry/go-collab-sync/crdt"
)

// Options configures a Mirror.
type Options struct {
	// Key is the cache key, usually the document name.
	Key string
	// Debounce is the quiet period before a flush, 3s by default.
	Debounce time.Duration
	// Ceiling bounds how long a pending change can wait under continuous
	// editing, 10s by default.
	Ceiling time.Duration
	// Timeout bounds each cache write, 5s by default.
	Timeout time.Duration
	// OnError receives failed cache writes. A failed write is retried with
	// backoff between Debounce and Ceiling until it succeeds, a newer change
	// replaces it, or the mirror is closed.
	OnError func(error)
	Logger  *slog.Logger
}

// Mirror observes a document and writes its text to a Cache once edits
// settle. Close discards a pending write.
type Mirror struct {
	cache  Cache
	doc    *crdt.Document
	opts   Options
	logger *slog.Logger

	flushMu sync.Mutex // orders cache writes

	mu        sync.Mutex
	retry     *backoff.ExponentialBackOff
	pending   []byte
	dirty     bool
	debounce  *time.Timer
	ceiling   *time.Timer
	gen       uint64
	debGen    uint64
	ceilGen   uint64
	closed    bool
	unobserve func()
}

// New starts mirroring doc into cache.
func New(cache Cache, doc *crdt.Document, opts Options) *Mirror {
	if opts.Debounce <= 0 {
		opts.Debounce = 3 * time.Second
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = opts.Debounce
	retry.MaxInterval = max(opts.Ceiling, opts.Debounce)
	retry.MaxElapsedTime = 0
	retry.Reset()

	m := &Mirror{
		cache:  cache,
		doc:    doc,
		opts:   opts,
		logger: opts.Logger.With("key", opts.Key),
		retry:  retry,
	}
	m.unobserve = doc.Observe(m.changed)
	return m
}

// Pending reports whether a change is waiting to be flushed.
func (m *Mirror) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Timers returns the number of armed timers.
func (m *Mirror) Timers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	if m.debounce != nil {
		n++
	}
	if m.ceiling != nil {
		n++
	}
	return n
}

// Close stops observing the document and drops any pending change.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimersLocked()
	m.pending = nil
	m.dirty = false
	m.mu.Unlock()
	m.unobserve()
}

func (m *Mirror) changed(crdt.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	// Read under m.mu so the last writer always holds the latest text.
	m.pending = []byte(m.doc.Text())
	m.dirty = true

	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.gen++
	m.debGen = m.gen
	gen := m.gen
	m.debounce = time.AfterFunc(m.opts.Debounce, func() { m.fire(gen) })

	if m.ceiling == nil {
		m.gen++
		m.ceilGen = m.gen
		gen := m.gen
		m.ceiling = time.AfterFunc(m.opts.Ceiling, func() { m.fire(gen) })
	}
}

func (m *Mirror) fire(gen uint64) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	if m.closed || (gen != m.debGen && gen != m.ceilGen) || !m.dirty {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	value := m.pending
	m.pending = nil
	m.dirty = false
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()
	err := m.cache.Set(ctx, m.opts.Key, value)

	m.mu.Lock()
	if err == nil {
		m.retry.Reset()
		m.mu.Unlock()
		m.logger.Debug("mirror: flushed", "bytes", len(value))
		return
	}
	var delay time.Duration
	if !m.closed && !m.dirty {
		// Nothing newer is pending, so retry this value.
		m.pending = value
		m.dirty = true
		delay = m.retry.NextBackOff()
		m.gen++
		m.debGen = m.gen
		gen := m.gen
		m.debounce = time.AfterFunc(delay, func() { m.fire(gen) })
	}
	m.mu.Unlock()

	m.logger.Warn("mirror: flush failed", "retry", delay, "error", err)
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

func (m *Mirror) stopTimersLocked() {
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	if m.ceiling != nil {
		m.ceiling.Stop()
		m.ceiling = nil
	}
	m.debGen, m.ceilGen = 0, 0
}
