package stub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
)

// StateBackend stores one row per question. Every write names the revision
// the caller last saw, so two stub processes sharing a backend reject the
// slower writer with ErrPreconditionFailed instead of overwriting it.
type StateBackend interface {
	// Load returns every row and the highest id and revision ever issued.
	Load() (*persistedState, error)
	// Put writes row when the stored revision equals prev; prev 0 requires
	// the id to be vacant.
	Put(row storedRecord, prev int64) error
	// Remove deletes id when its stored revision equals prev.
	Remove(id, prev int64) error
}

type stateBackendCloser interface {
	Close() error
}

type StateBackendFactory func(dsn *url.URL) (StateBackend, error)

var backends = struct {
	sync.RWMutex
	byScheme map[string]StateBackendFactory
}{byScheme: map[string]StateBackendFactory{}}

func init() {
	memory := func(*url.URL) (StateBackend, error) { return NewInMemoryStateBackend(), nil }
	file := func(dsn *url.URL) (StateBackend, error) {
		path, err := filePathFromDSN(dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONFileStateBackend(path), nil
	}
	postgres := func(dsn *url.URL) (StateBackend, error) { return NewPostgresStateBackend(dsn.String()) }
	for scheme, factory := range map[string]StateBackendFactory{
		"memory":     memory,
		"file":       file,
		"":           file,
		"postgres":   postgres,
		"postgresql": postgres,
	} {
		RegisterStateBackendFactory(scheme, factory)
	}
}

// RegisterStateBackendFactory makes BuildStateBackendFromDSN accept scheme,
// replacing any factory already registered for it.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	if factory == nil {
		return
	}
	backends.Lock()
	backends.byScheme[strings.ToLower(strings.TrimSpace(scheme))] = factory
	backends.Unlock()
}

// BuildStateBackendFromDSN picks a backend by scheme: memory://, file://
// (or a bare path) and postgres://. An empty DSN means no persistence.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse state dsn: %w", err)
	}
	backends.RLock()
	factory, ok := backends.byScheme[strings.ToLower(parsed.Scheme)]
	backends.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported state backend scheme: %s", parsed.Scheme)
	}
	return factory(parsed)
}

func filePathFromDSN(dsn *url.URL) (string, error) {
	var path string
	switch {
	case dsn.Scheme == "":
		path = dsn.Path
	case dsn.Opaque != "":
		path = dsn.Opaque
	default:
		path = dsn.Host + dsn.Path
	}
	if path = strings.TrimSpace(path); path == "" {
		return "", fmt.Errorf("%w: file state dsn has no path", ErrInvalidInput)
	}
	return path, nil
}

// rowSet is the revision-checked row map behind the memory and file backends.
type rowSet struct {
	rows   map[int64]storedRecord
	nextID int64
	rev    int64
}

func newRowSet(state *persistedState) *rowSet {
	set := &rowSet{rows: map[int64]storedRecord{}, nextID: 1}
	if state == nil {
		return set
	}
	for _, row := range state.Records {
		set.rows[row.Record.ID] = row
	}
	set.nextID = max(set.nextID, state.NextID)
	set.rev = state.RevCounter
	return set
}

func (s *rowSet) clone() *rowSet {
	out := &rowSet{rows: make(map[int64]storedRecord, len(s.rows)), nextID: s.nextID, rev: s.rev}
	for id, row := range s.rows {
		out.rows[id] = row
	}
	return out
}

func (s *rowSet) put(row storedRecord, prev int64) error {
	id := row.Record.ID
	current, exists := s.rows[id]
	if prev == 0 && exists {
		return fmt.Errorf("%w: question %d already stored", ErrPreconditionFailed, id)
	}
	if prev != 0 && (!exists || current.Revision != prev) {
		return fmt.Errorf("%w: question %d is not at revision %d", ErrPreconditionFailed, id, prev)
	}
	row.Record = cloneRecord(row.Record)
	s.rows[id] = row
	s.nextID = max(s.nextID, id+1)
	s.rev = max(s.rev, row.Revision)
	return nil
}

func (s *rowSet) remove(id, prev int64) error {
	current, exists := s.rows[id]
	if !exists {
		return ErrNotFound
	}
	if current.Revision != prev {
		return fmt.Errorf("%w: question %d is not at revision %d", ErrPreconditionFailed, id, prev)
	}
	delete(s.rows, id)
	return nil
}

func (s *rowSet) state() *persistedState {
	out := &persistedState{Records: make([]storedRecord, 0, len(s.rows)), NextID: s.nextID, RevCounter: s.rev}
	for _, row := range s.rows {
		row.Record = cloneRecord(row.Record)
		out.Records = append(out.Records, row)
	}
	sort.Slice(out.Records, func(i, j int) bool { return out.Records[i].Record.ID < out.Records[j].Record.ID })
	return out
}

type InMemoryStateBackend struct {
	mu  sync.Mutex
	set *rowSet
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{set: newRowSet(nil)}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set.state(), nil
}

func (b *InMemoryStateBackend) Put(row storedRecord, prev int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set.put(row, prev)
}

func (b *InMemoryStateBackend) Remove(id, prev int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set.remove(id, prev)
}

// JSONFileStateBackend keeps the rows in one JSON document. A change is
// applied to a copy and only becomes visible once the file was replaced.
type JSONFileStateBackend struct {
	Path string

	mu  sync.Mutex
	set *rowSet
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, err := b.rowsLocked()
	if err != nil {
		return nil, err
	}
	return set.state(), nil
}

func (b *JSONFileStateBackend) Put(row storedRecord, prev int64) error {
	return b.commit(func(set *rowSet) error { return set.put(row, prev) })
}

func (b *JSONFileStateBackend) Remove(id, prev int64) error {
	return b.commit(func(set *rowSet) error { return set.remove(id, prev) })
}

func (b *JSONFileStateBackend) commit(change func(*rowSet) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, err := b.rowsLocked()
	if err != nil {
		return err
	}
	next := current.clone()
	if err := change(next); err != nil {
		return err
	}
	data, err := json.Marshal(next.state())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
		return err
	}
	if err := atomic.WriteFile(b.Path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write stub state %s: %w", b.Path, err)
	}
	b.set = next
	return nil
}

func (b *JSONFileStateBackend) rowsLocked() (*rowSet, error) {
	if b.set != nil {
		return b.set, nil
	}
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		b.set = newRowSet(nil)
		return b.set, nil
	}
	if err != nil {
		return nil, err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode stub state %s: %w", b.Path, err)
	}
	b.set = newRowSet(&state)
	return b.set, nil
}
