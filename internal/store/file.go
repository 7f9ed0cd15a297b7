// ABOUTME: JSON file KV implementation: one object mapping conversation id to records
// ABOUTME: The whole file is rewritten atomically (temp file + rename) on every mutation

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultFileName is used when no storage path is configured.
const DefaultFileName = "message_store.json"

// FileStore keeps the full mapping in memory and mirrors it to a single
// JSON file.
type FileStore struct {
	mu   sync.RWMutex
	path string
	data map[string][]Record
	// unreadable holds conversations that failed to decode, written back
	// verbatim until they are replaced or deleted
	unreadable map[string]json.RawMessage
	readOnly   bool
	logger     *slog.Logger
}

// ErrReadOnly is returned by writes to a store opened read-only.
var ErrReadOnly = errors.New("store is read-only")

// NewFileStore opens the JSON store at path. A missing file starts empty.
// A file whose top-level object cannot be parsed is moved aside and the
// store starts empty; a single undecodable conversation is skipped.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	return newFileStore(path, logger, false)
}

// NewReadOnlyFileStore opens the JSON store at path for reading only. The
// file is never written or moved, even when it cannot be parsed.
func NewReadOnlyFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	return newFileStore(path, logger, true)
}

func newFileStore(path string, logger *slog.Logger, readOnly bool) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = DefaultFileName
	}

	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}

	s := &FileStore{
		path:       path,
		data:       make(map[string][]Record),
		unreadable: make(map[string]json.RawMessage),
		readOnly:   readOnly,
		logger:     logger.With("component", "file-store"),
	}
	s.load()
	return s, nil
}

func (s *FileStore) load() {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("no message store on disk, starting empty", "path", s.path)
		return
	}
	if err != nil {
		s.logger.Warn("message store unreadable, starting empty", "path", s.path, "error", err)
		return
	}
	if len(raw) == 0 {
		return
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		if s.readOnly {
			s.logger.Warn("message store corrupt", "path", s.path, "error", err)
			return
		}
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			s.logger.Warn("failed to move corrupt message store aside", "path", s.path, "error", renameErr)
		}
		s.logger.Warn("message store corrupt, starting empty", "path", s.path, "moved_to", aside, "error", err)
		return
	}

	for id, seq := range top {
		var records []Record
		if err := json.Unmarshal(seq, &records); err != nil {
			s.logger.Warn("skipping unreadable conversation", "path", s.path, "conversation_id", id, "error", err)
			s.unreadable[id] = seq
			continue
		}
		if records == nil {
			records = []Record{}
		}
		s.data[id] = records
	}
	s.logger.Info("message store loaded", "path", s.path,
		"conversations", len(s.data),
		"unreadable", len(s.unreadable))
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Get returns a copy of the sequence stored under key.
func (s *FileStore) Get(_ context.Context, key string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecords(records), nil
}

// Put replaces the sequence under key and rewrites the file.
func (s *FileStore) Put(_ context.Context, key string, records []Record) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.data[key]
	prevRaw, wasUnreadable := s.unreadable[key]
	s.data[key] = cloneRecords(records)
	delete(s.unreadable, key)
	if err := s.flushLocked(); err != nil {
		if existed {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		if wasUnreadable {
			s.unreadable[key] = prevRaw
		}
		return err
	}
	return nil
}

// Delete removes key and rewrites the file.
func (s *FileStore) Delete(_ context.Context, key string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.data[key]
	prevRaw, wasUnreadable := s.unreadable[key]
	if !existed && !wasUnreadable {
		return nil
	}
	delete(s.data, key)
	delete(s.unreadable, key)
	if err := s.flushLocked(); err != nil {
		if existed {
			s.data[key] = prev
		}
		if wasUnreadable {
			s.unreadable[key] = prevRaw
		}
		return err
	}
	return nil
}

// Keys returns all readable keys in sorted order.
func (s *FileStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error { return nil }

// flushLocked writes the full mapping to a temp file next to the target and
// renames it into place. Must be called with mu held.
func (s *FileStore) flushLocked() error {
	out := make(map[string]any, len(s.data)+len(s.unreadable))
	for id, seq := range s.unreadable {
		out[id] = seq
	}
	for id, records := range s.data {
		out[id] = records
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding message store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replacing message store: %w", err)
	}
	return nil
}
