package undo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"

	"github.com/agentworkforce/qbanksync/internal/collection"
)

// Entry is the one pending undo, as persisted.
type Entry struct {
	ID        int64                  `json:"id"`
	Snapshot  collection.RecordInput `json:"snapshot"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

// Storage holds at most one Entry and outlives the ledger that wrote it.
type Storage interface {
	Save(entry Entry) error
	Load() (Entry, bool, error)
	Clear() error
}

// Watcher is implemented by storages that can report writes made by
// another ledger sharing them.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

type MemoryStorage struct {
	mu    sync.Mutex
	entry *Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Save(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Snapshot = cloneInput(entry.Snapshot)
	s.entry = &entry
	return nil
}

func (s *MemoryStorage) Load() (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return Entry{}, false, nil
	}
	entry := *s.entry
	entry.Snapshot = cloneInput(entry.Snapshot)
	return entry, true, nil
}

func (s *MemoryStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry = nil
	return nil
}

// FileStorage keeps the entry as a single JSON document, replaced
// atomically on every save.
type FileStorage struct {
	path string
}

var _ Watcher = (*FileStorage)(nil)

func NewFileStorage(path string) (*FileStorage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("undo storage path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &FileStorage{path: abs}, nil
}

func (s *FileStorage) Path() string {
	return s.path
}

func (s *FileStorage) Save(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

func (s *FileStorage) Load() (Entry, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode undo entry %s: %w", s.path, err)
	}
	return entry, true, nil
}

func (s *FileStorage) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Watch registers a watch on the entry file and calls onChange after every
// create, write, rename or removal of it until ctx is done. The watch is
// active when Watch returns.
func (s *FileStorage) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.path {
					continue
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func cloneInput(in collection.RecordInput) collection.RecordInput {
	in.Choices = append([]string(nil), in.Choices...)
	in.Tags = append([]string(nil), in.Tags...)
	return in
}
