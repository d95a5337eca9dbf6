// Package store persists replicated documents as a compacted snapshot plus an
// append-only log of updates recorded after it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")

	// ErrInvalidName is returned by stores that cannot represent a name.
	ErrInvalidName = errors.New("invalid document name")
)

// DocumentInfo holds document metadata and its latest compaction snapshot.
type DocumentInfo struct {
	Name            string
	Snapshot        []byte // state covering updates 1..SnapshotVersion
	SnapshotVersion int
	Version         int // version of the last appended update
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DocumentStore abstracts document persistence.
// Implementations: MemoryStore, FileStore, CachedStore, FirestoreStore, PostgresStore.
type DocumentStore interface {
	Create(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (*DocumentInfo, error)
	List(ctx context.Context) ([]DocumentInfo, error)
	// Save records a snapshot that covers every update up to version.
	Save(ctx context.Context, name string, snapshot []byte, version int) error
	AppendUpdate(ctx context.Context, name string, update []byte, version int) error
	// GetUpdates returns the updates with a version greater than fromVersion, in order.
	GetUpdates(ctx context.Context, name string, fromVersion int) ([][]byte, error)
}

// Loaded is the persisted state of one document.
type Loaded struct {
	Snapshot []byte
	Updates  [][]byte
	Version  int
}

// Load reads a document's snapshot and the updates recorded after it,
// creating the document when it does not exist yet.
func Load(ctx context.Context, s DocumentStore, name string) (*Loaded, error) {
	info, err := s.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		if err := s.Create(ctx, name); err != nil && !errors.Is(err, ErrExists) {
			return nil, fmt.Errorf("create %q: %w", name, err)
		}
		return &Loaded{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", name, err)
	}
	updates, err := s.GetUpdates(ctx, name, info.SnapshotVersion)
	if err != nil {
		return nil, fmt.Errorf("get updates %q: %w", name, err)
	}
	version := info.Version
	if v := info.SnapshotVersion + len(updates); v > version {
		version = v
	}
	return &Loaded{Snapshot: info.Snapshot, Updates: updates, Version: version}, nil
}

func notFound(name string) error { return fmt.Errorf("document %q: %w", name, ErrNotFound) }
func exists(name string) error   { return fmt.Errorf("document %q: %w", name, ErrExists) }
