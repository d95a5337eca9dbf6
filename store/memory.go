package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type docRecord struct {
	info    DocumentInfo
	history [][]byte // history[i] is the update with version i+1
}

// MemoryStore is an in-memory implementation of DocumentStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docRecord)}
}

func (s *MemoryStore) Create(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[name]; ok {
		return exists(name)
	}
	now := time.Now()
	s.docs[name] = &docRecord{
		info: DocumentInfo{
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (*DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[name]
	if !ok {
		return nil, notFound(name)
	}
	info := rec.info
	info.Snapshot = append([]byte(nil), rec.info.Snapshot...)
	return &info, nil
}

func (s *MemoryStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DocumentInfo, 0, len(s.docs))
	for _, rec := range s.docs {
		result = append(result, rec.info)
	}
	return result, nil
}

func (s *MemoryStore) Save(_ context.Context, name string, snapshot []byte, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[name]
	if !ok {
		return notFound(name)
	}
	rec.info.Snapshot = append([]byte(nil), snapshot...)
	rec.info.SnapshotVersion = version
	if version > rec.info.Version {
		rec.info.Version = version
	}
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AppendUpdate(_ context.Context, name string, update []byte, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[name]
	if !ok {
		return notFound(name)
	}
	rec.history = append(rec.history, append([]byte(nil), update...))
	rec.info.Version = version
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetUpdates(_ context.Context, name string, fromVersion int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[name]
	if !ok {
		return nil, notFound(name)
	}
	if fromVersion < 0 || fromVersion > len(rec.history) {
		return nil, fmt.Errorf("invalid version %d", fromVersion)
	}
	updates := make([][]byte, len(rec.history)-fromVersion)
	copy(updates, rec.history[fromVersion:])
	return updates, nil
}
