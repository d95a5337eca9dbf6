package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// dirtyState tracks what needs flushing for a single document.
type dirtyState struct {
	snapshotDirty  bool // snapshot needs writing to backing store
	snapshotGen    int  // bumped on every Save
	flushedUpdates int  // number of updates already flushed (index into history)
	created        bool // doc created locally but not yet in backing store
}

// CachedStore wraps a backing DocumentStore with an in-memory cache.
// All reads and writes are served from the cache. Dirty documents are
// flushed to the backing store periodically in the background.
type CachedStore struct {
	cache         *MemoryStore
	backing       DocumentStore
	logger        *slog.Logger
	mu            sync.Mutex
	dirty         map[string]*dirtyState
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// NewCachedStore creates a CachedStore that caches in memory and flushes
// dirty documents to the backing store every flushInterval.
func NewCachedStore(backing DocumentStore, flushInterval time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		logger:        logger,
		dirty:         make(map[string]*dirtyState),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, name string) error {
	if _, err := cs.Get(ctx, name); err == nil {
		return exists(name)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := cs.cache.Create(ctx, name); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dirty[name] = &dirtyState{created: true}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, name string) (*DocumentInfo, error) {
	info, err := cs.cache.Get(ctx, name)
	if err == nil {
		return info, nil
	}
	// Cache miss, load from backing store.
	if err := cs.loadFromBacking(ctx, name); err != nil {
		return nil, err
	}
	return cs.cache.Get(ctx, name)
}

func (cs *CachedStore) List(ctx context.Context) ([]DocumentInfo, error) {
	return cs.backing.List(ctx)
}

func (cs *CachedStore) Save(ctx context.Context, name string, snapshot []byte, version int) error {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, name); err != nil {
		return err
	}
	if err := cs.cache.Save(ctx, name, snapshot, version); err != nil {
		return err
	}
	cs.mu.Lock()
	ds := cs.dirty[name]
	if ds == nil {
		ds = &dirtyState{flushedUpdates: cs.historyLen(name)}
		cs.dirty[name] = ds
	}
	ds.snapshotDirty = true
	ds.snapshotGen++
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) AppendUpdate(ctx context.Context, name string, update []byte, version int) error {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, name); err != nil {
		return err
	}

	// Snapshot history length before append so we know how many updates were
	// already flushed if this doc was previously clean (removed from dirty map).
	prevLen := cs.historyLen(name)

	if err := cs.cache.AppendUpdate(ctx, name, update, version); err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.dirty[name] == nil {
		cs.dirty[name] = &dirtyState{flushedUpdates: prevLen}
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) GetUpdates(ctx context.Context, name string, fromVersion int) ([][]byte, error) {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, name); err != nil {
		return nil, err
	}
	return cs.cache.GetUpdates(ctx, name, fromVersion)
}

func (cs *CachedStore) historyLen(name string) int {
	cs.cache.mu.RLock()
	defer cs.cache.mu.RUnlock()
	if rec, ok := cs.cache.docs[name]; ok {
		return len(rec.history)
	}
	return 0
}

// loadFromBacking loads a document and its updates from the backing store
// into the cache. The cached history is padded so that history indexes keep
// matching versions even when the backing store compacted older updates away.
func (cs *CachedStore) loadFromBacking(ctx context.Context, name string) error {
	info, err := cs.backing.Get(ctx, name)
	if err != nil {
		return err
	}
	updates, err := cs.backing.GetUpdates(ctx, name, info.SnapshotVersion)
	if err != nil {
		return err
	}
	history := make([][]byte, info.SnapshotVersion, info.SnapshotVersion+len(updates))
	history = append(history, updates...)

	// Write directly into cache's internal map.
	cs.cache.mu.Lock()
	if _, ok := cs.cache.docs[name]; !ok {
		cs.cache.docs[name] = &docRecord{info: *info, history: history}
	}
	cs.cache.mu.Unlock()

	// Set flushedUpdates so we don't re-flush existing updates.
	cs.mu.Lock()
	if cs.dirty[name] == nil {
		cs.dirty[name] = &dirtyState{flushedUpdates: len(history)}
	}
	cs.mu.Unlock()

	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush writes all dirty documents to the backing store.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	// Snapshot the dirty map and work on a copy.
	pending := make(map[string]*dirtyState, len(cs.dirty))
	for name, ds := range cs.dirty {
		cp := *ds
		pending[name] = &cp
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for name, ds := range pending {
		// Read current state from cache.
		cs.cache.mu.RLock()
		rec, ok := cs.cache.docs[name]
		if !ok {
			cs.cache.mu.RUnlock()
			continue
		}
		info := rec.info
		total := len(rec.history)
		// Copy the new updates while holding the lock.
		var fresh [][]byte
		if ds.flushedUpdates < total {
			fresh = make([][]byte, total-ds.flushedUpdates)
			copy(fresh, rec.history[ds.flushedUpdates:])
		}
		cs.cache.mu.RUnlock()

		// 1. Create doc in backing store if needed.
		if ds.created {
			if err := cs.backing.Create(ctx, name); err != nil && !errors.Is(err, ErrExists) {
				cs.logger.Error("cached store: create in backing store failed", "doc", name, "error", err)
				continue
			}
		}

		// 2. Flush new updates (before the snapshot, so crash-recovery can replay).
		for i, update := range fresh {
			version := ds.flushedUpdates + i + 1
			if err := cs.backing.AppendUpdate(ctx, name, update, version); err != nil {
				cs.logger.Error("cached store: flush update failed", "doc", name, "version", version, "error", err)
				// Stop flushing this doc, will retry next cycle.
				break
			}
			ds.flushedUpdates++
		}

		// 3. Flush the snapshot if dirty.
		if ds.snapshotDirty {
			if err := cs.backing.Save(ctx, name, info.Snapshot, info.SnapshotVersion); err != nil {
				cs.logger.Error("cached store: flush snapshot failed", "doc", name, "error", err)
			} else {
				ds.snapshotDirty = false
			}
		}

		ds.created = false

		// Update the authoritative dirty state.
		cs.mu.Lock()
		cur := cs.dirty[name]
		if cur != nil {
			cur.flushedUpdates = ds.flushedUpdates
			cur.created = ds.created
			// Only clear snapshotDirty if no Save happened since the copy.
			if !ds.snapshotDirty && cur.snapshotGen == ds.snapshotGen {
				cur.snapshotDirty = false
			}
			// Remove from dirty map if fully clean.
			if !cur.snapshotDirty && !cur.created && cur.flushedUpdates >= total {
				// Re-check history length, new updates may have arrived.
				if cur.flushedUpdates >= cs.historyLen(name) {
					delete(cs.dirty, name)
				}
			}
		}
		cs.mu.Unlock()
	}
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete. It is safe to call more than once.
func (cs *CachedStore) Close() {
	cs.closeOnce.Do(func() { close(cs.stop) })
	<-cs.done
}
