// Package local persists a replicated document to a local DocumentStore so
// it can be reopened offline.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alimasry/go-collab-sync/crdt"
	"github.com/alimasry/go-collab-sync/store"
)

// Options configures a Provider.
type Options struct {
	// DisposeGrace bounds how long Dispose waits for queued writes. Defaults to 2s.
	DisposeGrace time.Duration
	// CompactEvery writes a snapshot after this many appended updates.
	// Defaults to 100; negative disables compaction.
	CompactEvery int
	// OnWarning receives storage failures. They never stop the provider.
	OnWarning func(error)
	Logger    *slog.Logger
}

// Provider loads a document from the store and appends every later change
// to it. Changes are queued in memory and written by a background goroutine,
// so editing never waits on storage.
type Provider struct {
	store  store.DocumentStore
	name   string
	doc    *crdt.Document
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	synced chan struct{}

	mu           sync.Mutex
	opened       bool
	disposed     bool
	versionKnown bool
	version      int
	sinceCompact int
	pending      [][]byte
	inflight     int
	unobserve    func()
}

// NewProvider binds a provider to doc. Nothing is read until Open.
func NewProvider(st store.DocumentStore, name string, doc *crdt.Document, opts Options) *Provider {
	if opts.DisposeGrace <= 0 {
		opts.DisposeGrace = 2 * time.Second
	}
	if opts.CompactEvery == 0 {
		opts.CompactEvery = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		store:  st,
		name:   name,
		doc:    doc,
		opts:   opts,
		logger: opts.Logger.With("doc", name),
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		synced: make(chan struct{}),
	}
}

// Synced is closed once the stored state has been applied to the document.
// A failed load counts as an empty one and is reported through OnWarning.
func (p *Provider) Synced() <-chan struct{} { return p.synced }

// Open starts observing the document and loads the stored state in the
// background. Later calls do nothing.
func (p *Provider) Open(ctx context.Context) {
	p.mu.Lock()
	if p.opened || p.disposed {
		p.mu.Unlock()
		return
	}
	p.opened = true
	p.unobserve = p.doc.Observe(p.record)
	p.mu.Unlock()

	go p.run(ctx)
}

// Pending returns the number of updates not yet written.
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) + p.inflight
}

// Dispose stops observing the document and gives queued writes up to the
// grace period to finish. Writes still running after that are abandoned.
func (p *Provider) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	opened := p.opened
	unobserve := p.unobserve
	p.mu.Unlock()

	if !opened {
		p.cancel()
		return
	}
	unobserve()
	close(p.stop)

	grace := time.NewTimer(p.opts.DisposeGrace)
	defer grace.Stop()
	select {
	case <-p.done:
	case <-grace.C:
		p.logger.Warn("local: abandoning pending writes", "pending", p.Pending())
	}
	p.cancel()
}

// record queues a change. Changes loaded from the store are not written back.
func (p *Provider) record(ev crdt.Event) {
	if ev.Origin == p {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, ev.Update)
	p.mu.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Provider) run(ctx context.Context) {
	defer close(p.done)
	p.load(ctx)

	for {
		select {
		case <-p.kick:
			p.flush(p.ctx)
		case <-p.stop:
			p.flush(p.ctx)
			return
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Provider) load(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(p.ctx, cancel)()

	loaded, err := store.Load(ctx, p.store, p.name)
	if err != nil {
		p.warn(fmt.Errorf("load %q: %w", p.name, err))
	} else {
		if len(loaded.Snapshot) > 0 {
			if err := p.doc.Apply(loaded.Snapshot, p); err != nil {
				p.warn(fmt.Errorf("restore snapshot: %w", err))
			}
		}
		for _, u := range loaded.Updates {
			if err := p.doc.Apply(u, p); err != nil {
				p.warn(fmt.Errorf("replay update: %w", err))
			}
		}
		p.mu.Lock()
		p.version = loaded.Version
		p.versionKnown = true
		p.mu.Unlock()
		p.logger.Debug("local: loaded", "version", loaded.Version, "updates", len(loaded.Updates))
	}

	select {
	case <-p.stop:
	default:
		close(p.synced)
	}
	// Flush what was queued during the load.
	p.flush(p.ctx)
}

// flush writes queued updates in order. On failure the unwritten updates stay
// queued and are retried on the next change.
func (p *Provider) flush(ctx context.Context) {
	if p.Pending() == 0 || !p.resolveVersion(ctx) {
		return
	}
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.inflight = len(batch)
	version := p.version
	p.mu.Unlock()

	written := 0
	var err error
	for _, u := range batch {
		if err = p.store.AppendUpdate(ctx, p.name, u, version+1); err != nil {
			break
		}
		version++
		written++
	}

	p.mu.Lock()
	p.version = version
	p.inflight = 0
	p.sinceCompact += written
	if err != nil {
		p.pending = append(batch[written:len(batch):len(batch)], p.pending...)
	}
	compact := p.opts.CompactEvery > 0 && p.sinceCompact >= p.opts.CompactEvery
	p.mu.Unlock()

	if err != nil {
		p.warn(fmt.Errorf("append update %d: %w", version+1, err))
		return
	}
	if compact {
		p.compact(ctx, version)
	}
}

func (p *Provider) compact(ctx context.Context, version int) {
	if err := p.store.Save(ctx, p.name, p.doc.Snapshot(), version); err != nil {
		p.warn(fmt.Errorf("save snapshot: %w", err))
		return
	}
	p.mu.Lock()
	p.sinceCompact = 0
	p.mu.Unlock()
	p.logger.Debug("local: compacted", "version", version)
}

// resolveVersion finds the last stored version after a failed load.
func (p *Provider) resolveVersion(ctx context.Context) bool {
	p.mu.Lock()
	known := p.versionKnown
	p.mu.Unlock()
	if known {
		return true
	}

	info, err := p.store.Get(ctx, p.name)
	if errors.Is(err, store.ErrNotFound) {
		if err := p.store.Create(ctx, p.name); err != nil && !errors.Is(err, store.ErrExists) {
			p.warn(fmt.Errorf("create %q: %w", p.name, err))
			return false
		}
		info = &store.DocumentInfo{}
	} else if err != nil {
		p.warn(fmt.Errorf("get %q: %w", p.name, err))
		return false
	}

	p.mu.Lock()
	p.version = max(info.Version, info.SnapshotVersion)
	p.versionKnown = true
	p.mu.Unlock()
	return true
}

func (p *Provider) warn(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	p.logger.Warn("local: storage failure", "error", err)
	if p.opts.OnWarning != nil {
		p.opts.OnWarning(err)
	}
}
