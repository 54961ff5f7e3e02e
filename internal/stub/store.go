// Package stub is an in-process question collection service implementing
// the REST contract the collection client speaks: ETag concurrency tokens,
// conditional writes and idempotency-key replay.
package stub

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/qbanksync/internal/collection"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidInput       = errors.New("invalid input")
)

type storedRecord struct {
	Record   collection.Record `json:"record"`
	Revision int64             `json:"revision"`
}

type persistedState struct {
	Records    []storedRecord `json:"records"`
	NextID     int64          `json:"nextId"`
	RevCounter int64          `json:"revCounter"`
}

type StoreOptions struct {
	StateBackend StateBackend
	Now          func() time.Time
}

// Store holds the records of the stub service.
type Store struct {
	mu         sync.Mutex
	records    map[int64]*storedRecord
	nextID     int64
	revCounter int64
	backend    StateBackend
	now        func() time.Time
}

func NewStore() *Store {
	store, _ := NewStoreWithOptions(StoreOptions{})
	return store
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Store{
		records: map[int64]*storedRecord{},
		nextID:  1,
		backend: opts.StateBackend,
		now:     now,
	}
	if s.backend == nil {
		return s, nil
	}
	state, err := s.backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load stub state: %w", err)
	}
	if state != nil {
		for i := range state.Records {
			rec := state.Records[i]
			s.records[rec.Record.ID] = &rec
		}
		if state.NextID > s.nextID {
			s.nextID = state.NextID
		}
		s.revCounter = state.RevCounter
	}
	return s, nil
}

// ETag renders a revision as the opaque concurrency token sent to clients.
func ETag(revision int64) string {
	return fmt.Sprintf(`"rev_%d"`, revision)
}

// Seed inserts records as-is, assigning ids to those without one.
func (s *Store) Seed(records ...collection.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.ID == 0 {
			rec.ID = s.nextID
		}
		if rec.ID >= s.nextID {
			s.nextID = rec.ID + 1
		}
		now := s.now()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = rec.CreatedAt
		}
		var prev int64
		if existing, ok := s.records[rec.ID]; ok {
			prev = existing.Revision
		}
		s.revCounter++
		row := storedRecord{Record: cloneRecord(rec), Revision: s.revCounter}
		if err := s.writeLocked(row, prev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) Get(id int64) (collection.Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[id]
	if !ok {
		return collection.Record{}, "", ErrNotFound
	}
	return cloneRecord(stored.Record), ETag(stored.Revision), nil
}

func (s *Store) Create(in collection.RecordInput) (collection.Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return s.putLocked(id, in, time.Time{}, 0)
}

// Update replaces id's content. ifMatch, when non-empty, must equal the
// current ETag (or be "*").
func (s *Store) Update(id int64, in collection.RecordInput, ifMatch string) (collection.Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[id]
	if !ok {
		return collection.Record{}, "", ErrNotFound
	}
	if !etagMatches(ifMatch, stored.Revision) {
		return collection.Record{}, "", ErrPreconditionFailed
	}
	return s.putLocked(id, in, stored.Record.CreatedAt, stored.Revision)
}

// Restore re-creates id; it fails with ErrPreconditionFailed when the id is taken.
func (s *Store) Restore(id int64, in collection.RecordInput) (collection.Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id <= 0 {
		return collection.Record{}, "", ErrInvalidInput
	}
	if _, ok := s.records[id]; ok {
		return collection.Record{}, "", ErrPreconditionFailed
	}
	if id >= s.nextID {
		s.nextID = id + 1
	}
	return s.putLocked(id, in, time.Time{}, 0)
}

// Delete removes id and returns an advisory warning for published records.
func (s *Store) Delete(id int64, ifMatch string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[id]
	if !ok {
		return "", ErrNotFound
	}
	if !etagMatches(ifMatch, stored.Revision) {
		return "", ErrPreconditionFailed
	}
	if s.backend != nil {
		if err := s.backend.Remove(id, stored.Revision); err != nil {
			return "", err
		}
	}
	delete(s.records, id)
	if stored.Record.Status == "published" {
		return "question was published; existing exam papers keep their copy", nil
	}
	return "", nil
}

// putLocked writes a new revision of id; prev is the revision being
// replaced, 0 when the id is vacant.
func (s *Store) putLocked(id int64, in collection.RecordInput, createdAt time.Time, prev int64) (collection.Record, string, error) {
	now := s.now()
	if createdAt.IsZero() {
		createdAt = now
	}
	s.revCounter++
	rec := collection.Record{
		ID:          id,
		Prompt:      in.Prompt,
		Choices:     append([]string(nil), in.Choices...),
		Answer:      in.Answer,
		Explanation: in.Explanation,
		TopicID:     in.TopicID,
		Topic:       in.Topic,
		Difficulty:  in.Difficulty,
		Status:      in.Status,
		Tags:        append([]string(nil), in.Tags...),
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}
	if err := s.writeLocked(storedRecord{Record: rec, Revision: s.revCounter}, prev); err != nil {
		return collection.Record{}, "", err
	}
	return cloneRecord(rec), ETag(s.revCounter), nil
}

// writeLocked stores row in the backend first, so a backend that refuses
// the revision leaves the in-memory index untouched.
func (s *Store) writeLocked(row storedRecord, prev int64) error {
	if s.backend != nil {
		if err := s.backend.Put(row, prev); err != nil {
			return err
		}
	}
	s.records[row.Record.ID] = &row
	return nil
}

func etagMatches(ifMatch string, revision int64) bool {
	ifMatch = strings.TrimSpace(ifMatch)
	if ifMatch == "" || ifMatch == "*" {
		return true
	}
	current := ETag(revision)
	for _, candidate := range strings.Split(ifMatch, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == current {
			return true
		}
	}
	return false
}

func cloneRecord(rec collection.Record) collection.Record {
	rec.Choices = append([]string(nil), rec.Choices...)
	rec.Tags = append([]string(nil), rec.Tags...)
	return rec
}

// ListQuery is the server-side view of a list request.
type ListQuery struct {
	Query      string
	TopicID    int64
	Topic      string
	Difficulty string
	Status     string
	Page       int
	PageSize   int
	SortBy     string
	Order      string
	Cursor     string
}

type ListPage struct {
	Records    []collection.Record
	Total      int64
	NextCursor string
}

type sortKey struct {
	N  int64  `json:"n"`
	S  string `json:"s,omitempty"`
	ID int64  `json:"id"`
}

// List filters, sorts and pages the records. A non-empty Cursor selects
// keyset paging and Page is ignored.
func (s *Store) List(q ListQuery) (ListPage, error) {
	s.mu.Lock()
	matched := make([]collection.Record, 0, len(s.records))
	for _, stored := range s.records {
		if matchesQuery(stored.Record, q) {
			matched = append(matched, cloneRecord(stored.Record))
		}
	}
	s.mu.Unlock()

	desc := !strings.EqualFold(q.Order, "asc")
	sort.Slice(matched, func(i, j int) bool {
		return compareKeys(keyFor(matched[i], q.SortBy), keyFor(matched[j], q.SortBy), desc) < 0
	})
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	total := int64(len(matched))

	start := 0
	if q.Cursor != "" {
		after, err := decodeCursor(q.Cursor)
		if err != nil {
			return ListPage{}, err
		}
		start = len(matched)
		for i := range matched {
			if compareKeys(keyFor(matched[i], q.SortBy), after, desc) > 0 {
				start = i
				break
			}
		}
	} else if q.Page > 1 {
		start = (q.Page - 1) * pageSize
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := ListPage{Records: matched[start:end], Total: total}
	if end < len(matched) && end > start {
		page.NextCursor = encodeCursor(keyFor(matched[end-1], q.SortBy))
	}
	return page, nil
}

func matchesQuery(rec collection.Record, q ListQuery) bool {
	if text := strings.ToLower(strings.TrimSpace(q.Query)); text != "" {
		haystack := strings.ToLower(rec.Prompt + " " + strings.Join(rec.Tags, " "))
		if !strings.Contains(haystack, text) {
			return false
		}
	}
	if q.TopicID > 0 && rec.TopicID != q.TopicID {
		return false
	}
	if q.TopicID <= 0 && q.Topic != "" && !strings.EqualFold(rec.Topic, q.Topic) {
		return false
	}
	if q.Difficulty != "" && rec.Difficulty != q.Difficulty {
		return false
	}
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	return true
}

var difficultyRank = map[string]int64{"easy": 1, "medium": 2, "hard": 3}

func keyFor(rec collection.Record, sortBy string) sortKey {
	key := sortKey{ID: rec.ID}
	switch sortBy {
	case "id":
		key.N = rec.ID
	case "created":
		key.N = rec.CreatedAt.UnixNano()
	case "difficulty":
		key.N = difficultyRank[rec.Difficulty]
	case "topic":
		key.S = strings.ToLower(rec.Topic)
		key.N = rec.TopicID
	case "status":
		key.S = rec.Status
	default:
		key.N = rec.UpdatedAt.UnixNano()
	}
	return key
}

func compareKeys(a, b sortKey, desc bool) int {
	c := 0
	switch {
	case a.S != b.S:
		c = strings.Compare(a.S, b.S)
	case a.N != b.N:
		c = cmpInt(a.N, b.N)
	default:
		c = cmpInt(a.ID, b.ID)
	}
	if desc {
		return -c
	}
	return c
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func encodeCursor(key sortKey) string {
	data, _ := json.Marshal(key)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(raw string) (sortKey, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return sortKey{}, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	var key sortKey
	if err := json.Unmarshal(data, &key); err != nil {
		return sortKey{}, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	return key, nil
}
