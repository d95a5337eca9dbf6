package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedStore_ReadThrough(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	// Pre-populate backing store.
	require.NoError(t, backing.Create(ctx, "doc1"))
	require.NoError(t, backing.AppendUpdate(ctx, "doc1", []byte("u1"), 1))

	cs := NewCachedStore(backing, time.Hour, nil) // long interval, no auto flush
	defer cs.Close()

	// Get should load from backing.
	info, err := cs.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)

	updates, err := cs.GetUpdates(ctx, "doc1", 0)
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestCachedStore_WriteBehind(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, 50*time.Millisecond, nil)
	defer cs.Close()

	require.NoError(t, cs.Create(ctx, "doc1"))

	// Backing should NOT have it yet.
	_, err := backing.Get(ctx, "doc1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.Eventually(t, func() bool {
		_, err := backing.Get(ctx, "doc1")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCachedStore_CreateExistingInBacking(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, backing.Create(ctx, "doc1"))

	cs := NewCachedStore(backing, time.Hour, nil)
	defer cs.Close()

	assert.ErrorIs(t, cs.Create(ctx, "doc1"), ErrExists)
}

func TestCachedStore_UpdateFlushTracking(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, 50*time.Millisecond, nil)
	defer cs.Close()

	require.NoError(t, cs.Create(ctx, "doc1"))
	for i := 1; i <= 3; i++ {
		require.NoError(t, cs.AppendUpdate(ctx, "doc1", []byte{byte(i)}, i))
	}

	require.Eventually(t, func() bool {
		updates, err := backing.GetUpdates(ctx, "doc1", 0)
		return err == nil && len(updates) == 3
	}, 2*time.Second, 20*time.Millisecond)

	for i := 4; i <= 5; i++ {
		require.NoError(t, cs.AppendUpdate(ctx, "doc1", []byte{byte(i)}, i))
	}

	require.Eventually(t, func() bool {
		updates, err := backing.GetUpdates(ctx, "doc1", 0)
		return err == nil && len(updates) == 5
	}, 2*time.Second, 20*time.Millisecond)

	updates, err := backing.GetUpdates(ctx, "doc1", 0)
	require.NoError(t, err)
	for i, u := range updates {
		assert.Equal(t, []byte{byte(i + 1)}, u, "update %d flushed out of order", i+1)
	}
}

func TestCachedStore_CloseFlushes(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	cs := NewCachedStore(backing, time.Hour, nil) // very long interval

	require.NoError(t, cs.Create(ctx, "doc1"))
	require.NoError(t, cs.AppendUpdate(ctx, "doc1", []byte("u1"), 1))
	require.NoError(t, cs.Save(ctx, "doc1", []byte("snap"), 1))

	// Close triggers final flush.
	cs.Close()
	cs.Close()

	info, err := backing.Get(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, []byte("snap"), info.Snapshot)
	assert.Equal(t, 1, info.SnapshotVersion)
	assert.Equal(t, 1, info.Version)

	updates, err := backing.GetUpdates(ctx, "doc1", 0)
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestCachedStore_PreLoadedDoc(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, backing.Create(ctx, "doc1"))
	require.NoError(t, backing.AppendUpdate(ctx, "doc1", []byte("u1"), 1))
	require.NoError(t, backing.AppendUpdate(ctx, "doc1", []byte("u2"), 2))

	cs := NewCachedStore(backing, time.Hour, nil)

	_, err := cs.Get(ctx, "doc1")
	require.NoError(t, err)
	require.NoError(t, cs.AppendUpdate(ctx, "doc1", []byte("u3"), 3))

	cs.Close()

	// Backing should have exactly 3 updates (no duplicates).
	updates, err := backing.GetUpdates(ctx, "doc1", 0)
	require.NoError(t, err)
	assert.Len(t, updates, 3)
}

func TestCachedStore_ListDelegatesToBacking(t *testing.T) {
	backing := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, backing.Create(ctx, "a"))
	require.NoError(t, backing.Create(ctx, "b"))

	cs := NewCachedStore(backing, time.Hour, nil)
	defer cs.Close()

	docs, err := cs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}
