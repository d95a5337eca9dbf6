package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	metaFile    = "document.json"
	updatesFile = "updates.log"
)

// fileMeta is rewritten only by Create and Save. The version of the latest
// update is read from the log.
type fileMeta struct {
	Name            string    `json:"name"`
	Snapshot        []byte    `json:"snapshot,omitempty"`
	SnapshotVersion int       `json:"snapshotVersion"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type fileEntry struct {
	Version int    `json:"v"`
	Update  []byte `json:"u"`
}

// FileStore is a durable DocumentStore on the local filesystem. Each document
// lives in its own directory holding an atomically replaced metadata file
// and an append-only update log.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the root directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	return &FileStore{dir: filepath.Clean(dir)}, nil
}

// docDir maps a name to a single directory directly under the root.
func (s *FileStore) docDir(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("document %q: %w", name, ErrInvalidName)
	}
	enc := url.PathEscape(name)
	// "." and ".." pass through escaping unchanged.
	if strings.HasPrefix(enc, ".") {
		enc = "%2E" + enc[1:]
	}
	dir := filepath.Join(s.dir, enc)
	if filepath.Dir(dir) != s.dir {
		return "", fmt.Errorf("document %q: %w", name, ErrInvalidName)
	}
	return dir, nil
}

func (s *FileStore) Create(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.docDir(name)
	if err != nil {
		return err
	}
	if _, err := s.readMeta(dir, name); err == nil {
		return exists(name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.writeMeta(dir, fileMeta{Name: name, CreatedAt: now, UpdatedAt: now})
}

func (s *FileStore) Get(_ context.Context, name string) (*DocumentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.docDir(name)
	if err != nil {
		return nil, err
	}
	meta, err := s.readMeta(dir, name)
	if err != nil {
		return nil, err
	}
	info, err := s.describe(dir, meta)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *FileStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var result []DocumentInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		dir := filepath.Join(s.dir, e.Name())
		meta, err := s.readMeta(dir, name)
		if err != nil {
			continue
		}
		info, err := s.describe(dir, meta)
		if err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Save replaces the snapshot and drops log entries it covers.
func (s *FileStore) Save(_ context.Context, name string, snapshot []byte, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.docDir(name)
	if err != nil {
		return err
	}
	meta, err := s.readMeta(dir, name)
	if err != nil {
		return err
	}
	entries, err := s.readLog(dir)
	if err != nil {
		return err
	}
	meta.Snapshot = snapshot
	meta.SnapshotVersion = version
	meta.Version = max(meta.Version, version, lastVersion(entries))
	meta.UpdatedAt = time.Now().UTC()
	if err := s.writeMeta(dir, meta); err != nil {
		return err
	}

	var buf []byte
	for _, e := range entries {
		if e.Version <= version {
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf = append(append(buf, line...), '\n')
	}
	return writeFileAtomic(filepath.Join(dir, updatesFile), buf, 0o644)
}

// AppendUpdate only touches the update log.
func (s *FileStore) AppendUpdate(_ context.Context, name string, update []byte, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.docDir(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, metaFile)); errors.Is(err, fs.ErrNotExist) {
		return notFound(name)
	} else if err != nil {
		return err
	}
	line, err := json.Marshal(fileEntry{Version: version, Update: update})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, updatesFile), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := trimTornTail(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("document %q: repair update log: %w", name, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *FileStore) GetUpdates(_ context.Context, name string, fromVersion int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.docDir(name)
	if err != nil {
		return nil, err
	}
	if _, err := s.readMeta(dir, name); err != nil {
		return nil, err
	}
	entries, err := s.readLog(dir)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", name, err)
	}
	var updates [][]byte
	for _, e := range entries {
		if e.Version > fromVersion {
			updates = append(updates, e.Update)
		}
	}
	return updates, nil
}

func (s *FileStore) readMeta(dir, name string) (fileMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return fileMeta{}, notFound(name)
	}
	if err != nil {
		return fileMeta{}, err
	}
	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fileMeta{}, fmt.Errorf("document %q: corrupt metadata: %w", name, err)
	}
	return meta, nil
}

func (s *FileStore) writeMeta(dir string, meta fileMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, metaFile), data, 0o644)
}

// describe folds the log tail into the metadata.
func (s *FileStore) describe(dir string, meta fileMeta) (DocumentInfo, error) {
	info := meta.info()
	entries, err := s.readLog(dir)
	if err != nil {
		return DocumentInfo{}, fmt.Errorf("document %q: %w", meta.Name, err)
	}
	info.Version = max(info.Version, lastVersion(entries))
	if st, err := os.Stat(filepath.Join(dir, updatesFile)); err == nil && st.ModTime().After(info.UpdatedAt) {
		info.UpdatedAt = st.ModTime().UTC()
	}
	return info, nil
}

// readLog skips an unterminated final line left by an interrupted append.
// Any other unreadable line is an error.
func (s *FileStore) readLog(dir string) ([]fileEntry, error) {
	f, err := os.Open(filepath.Join(dir, updatesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []fileEntry
	r := bufio.NewReader(f)
	for n := 1; ; n++ {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		var e fileEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("corrupt update log line %d: %w", n, err)
		}
		entries = append(entries, e)
	}
}

func lastVersion(entries []fileEntry) int {
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Version
}

// trimTornTail truncates f after its last newline.
func trimTornTail(f *os.File) error {
	st, err := f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		n := min(int64(len(buf)), end)
		chunk := buf[:n]
		if _, err := f.ReadAt(chunk, end-n); err != nil {
			return err
		}
		if end == size && chunk[n-1] == '\n' {
			return nil
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return f.Truncate(end - n + int64(i) + 1)
		}
		end -= n
	}
	if size == 0 {
		return nil
	}
	return f.Truncate(0)
}

func (m fileMeta) info() DocumentInfo {
	return DocumentInfo{
		Name:            m.Name,
		Snapshot:        m.Snapshot,
		SnapshotVersion: m.SnapshotVersion,
		Version:         m.Version,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
