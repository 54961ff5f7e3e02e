// Package listscreen is the controller behind the question-bank list
// screen. It ties the address bar, the debounced fetch path, mutations and
// the undo window together and exposes the resulting view state.
package listscreen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/qbanksync/internal/clock"
	"github.com/agentworkforce/qbanksync/internal/collection"
	"github.com/agentworkforce/qbanksync/internal/filter"
	"github.com/agentworkforce/qbanksync/internal/scheduler"
	"github.com/agentworkforce/qbanksync/internal/undo"
	"github.com/agentworkforce/qbanksync/internal/urlsync"
)

var (
	ErrDeleteCanceled = errors.New("delete not confirmed")
	ErrNoWatcher      = errors.New("collection does not provide a change feed")
)

// Confirmer is the blocking confirmation step before a destructive call.
type Confirmer func(ctx context.Context, rec collection.Record) bool

type UndoState struct {
	ID        int64
	Remaining time.Duration
}

// State is a snapshot of the view.
type State struct {
	Spec    filter.Spec
	Page    collection.PageResult
	Cursor  string
	Loading bool
	// Fetches counts list results applied to the view, failed ones included.
	Fetches int
	Err     error
	Notice  *Notification
	Undo    *UndoState
}

type Options struct {
	Client      collection.Collection
	Watcher     collection.Watcher
	Codec       filter.Codec
	Location    urlsync.Location
	Confirm     Confirmer
	UndoStorage undo.Storage
	UndoTTL     time.Duration
	Debounce    time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
	// OnChange is called after every state change, outside any lock.
	OnChange func(State)
}

// listRequest is one fetch of the view. cursors is the back stack that
// becomes current if the fetch succeeds; a failed fetch leaves the shown
// cursor and its stack alone.
type listRequest struct {
	spec    filter.Spec
	cursor  string
	cursors []string
}

type Screen struct {
	client   collection.Collection
	watcher  collection.Watcher
	confirm  Confirmer
	clock    clock.Clock
	logger   *zap.Logger
	onChange func(State)
	ttl      time.Duration

	urls   *urlsync.Synchronizer
	sched  *scheduler.Scheduler[listRequest, collection.PageResult]
	ledger *undo.Ledger

	mu         sync.Mutex
	spec       filter.Spec
	page       collection.PageResult
	cursor     string
	cursors    []string
	fetches    int
	appliedSeq uint64
	err        error
	notice     *Notification
	changed    chan struct{}
}

func New(opts Options) (*Screen, error) {
	if opts.Client == nil {
		return nil, errors.New("listscreen: client is required")
	}
	if opts.Location == nil {
		return nil, errors.New("listscreen: location is required")
	}
	if opts.Confirm == nil {
		return nil, errors.New("listscreen: confirm callback is required")
	}
	if opts.Codec.Mode() == "" {
		return nil, errors.New("listscreen: codec is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := opts.UndoTTL
	if ttl <= 0 {
		ttl = undo.DefaultTTL
	}
	s := &Screen{
		client:   opts.Client,
		watcher:  opts.Watcher,
		confirm:  opts.Confirm,
		clock:    clk,
		logger:   logger,
		onChange: opts.OnChange,
		ttl:      ttl,
		changed:  make(chan struct{}),
	}
	if s.watcher == nil {
		if w, ok := opts.Client.(collection.Watcher); ok {
			s.watcher = w
		}
	}
	s.urls = urlsync.New(opts.Codec, opts.Location, logger)
	s.spec = s.urls.Current()
	s.sched = scheduler.New(s.fetch, s.apply, scheduler.Options{
		Quiet:  opts.Debounce,
		Clock:  clk,
		Logger: logger,
	})
	s.ledger = undo.NewLedger(opts.UndoStorage, opts.Client, undo.Options{
		TTL:          ttl,
		Clock:        clk,
		Logger:       logger,
		OnTransition: s.undoTransition,
	})
	return s, nil
}

// Load restores a pending undo from storage and fetches the page the
// address describes.
func (s *Screen) Load() {
	if entry, remaining, ok := s.ledger.Hydrate(); ok {
		s.logger.Debug("undo window survived reload", zap.Int64("id", entry.ID), zap.Duration("remaining", remaining))
	}
	spec := s.urls.Current()
	s.mu.Lock()
	s.spec = spec
	s.resetCursorLocked()
	s.mu.Unlock()
	s.sched.Submit(listRequest{spec: spec})
}

// Update applies an edit to the filter model. Any change other than the
// page number sends the view back to page 1. The fetch is debounced.
func (s *Screen) Update(edit func(*filter.Spec)) filter.Spec {
	s.mu.Lock()
	prev := s.spec
	s.mu.Unlock()

	next := prev
	edit(&next)
	if !sameView(prev, next) {
		next = next.WithFirstPage()
	}
	published, _ := s.urls.Publish(next)

	s.mu.Lock()
	s.spec = published
	s.resetCursorLocked()
	s.mu.Unlock()
	s.emit()
	// A pagination strategy switch is fetched at once, like SetKeyset.
	if prev.Keyset != published.Keyset {
		s.sched.Submit(listRequest{spec: published})
	} else {
		s.sched.Schedule(listRequest{spec: published})
	}
	return published
}

// Submit fetches the current view immediately, skipping the debounce.
func (s *Screen) Submit() {
	s.mu.Lock()
	req := s.currentRequestLocked()
	s.mu.Unlock()
	s.sched.Submit(req)
}

// SetKeyset switches between offset and cursor paging. The held cursor is
// dropped and the first page is fetched right away.
func (s *Screen) SetKeyset(on bool) {
	s.mu.Lock()
	if s.spec.Keyset == on {
		s.mu.Unlock()
		return
	}
	next := s.spec
	s.mu.Unlock()

	next.Keyset = on
	next = next.WithFirstPage()
	published, _ := s.urls.Publish(next)

	s.mu.Lock()
	s.spec = published
	s.resetCursorLocked()
	s.mu.Unlock()
	s.sched.Submit(listRequest{spec: published})
}

// NextPage advances one page. It reports false when the current page is
// the last one.
func (s *Screen) NextPage() bool {
	s.mu.Lock()
	spec, page := s.spec, s.page
	if spec.Keyset {
		if page.NextCursor == "" {
			s.mu.Unlock()
			return false
		}
		req := listRequest{
			spec:    spec,
			cursor:  page.NextCursor,
			cursors: append(append([]string(nil), s.cursors...), s.cursor),
		}
		s.mu.Unlock()
		s.sched.Submit(req)
		return true
	}
	s.mu.Unlock()

	if int64(spec.Page*spec.PageSize) >= page.Total {
		return false
	}
	spec.Page++
	s.goToPage(spec)
	return true
}

// PrevPage goes back one page; in keyset mode it reuses the cursor that
// produced the previous page.
func (s *Screen) PrevPage() bool {
	s.mu.Lock()
	spec := s.spec
	if spec.Keyset {
		if len(s.cursors) == 0 {
			s.mu.Unlock()
			return false
		}
		last := len(s.cursors) - 1
		req := listRequest{
			spec:    spec,
			cursor:  s.cursors[last],
			cursors: append([]string(nil), s.cursors[:last]...),
		}
		s.mu.Unlock()
		s.sched.Submit(req)
		return true
	}
	s.mu.Unlock()

	if spec.Page <= 1 {
		return false
	}
	spec.Page--
	s.goToPage(spec)
	return true
}

func (s *Screen) goToPage(spec filter.Spec) {
	published, _ := s.urls.Publish(spec)
	s.mu.Lock()
	s.spec = published
	s.mu.Unlock()
	s.sched.Submit(listRequest{spec: published})
}

// Navigated handles an address change made outside the screen, such as
// back/forward. The model follows the address and any cursor is dropped.
func (s *Screen) Navigated() bool {
	spec, changed := s.urls.Navigated()
	if !changed {
		return false
	}
	s.mu.Lock()
	s.spec = spec
	s.resetCursorLocked()
	s.mu.Unlock()
	s.sched.Submit(listRequest{spec: spec})
	return true
}

// Delete removes id after confirmation. On success the removed content
// becomes the pending undo and the list is fetched again.
func (s *Screen) Delete(ctx context.Context, id int64) error {
	rec, err := s.snapshot(ctx, id)
	if err != nil {
		if errors.Is(err, collection.ErrNotFound) {
			s.notify(LevelInfo, "This question was already deleted.")
			s.refresh()
			return nil
		}
		s.notifyErr("load the question", err)
		return err
	}
	if !s.confirm(ctx, rec) {
		return ErrDeleteCanceled
	}

	result, err := s.client.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, collection.ErrNotFound) {
			s.notify(LevelInfo, "This question was already deleted.")
			s.refresh()
			return nil
		}
		s.notifyErr("delete the question", err)
		return err
	}

	if _, err := s.ledger.Record(id, rec.Input()); err != nil {
		s.logger.Warn("undo entry not persisted", zap.Int64("id", id), zap.Error(err))
	}
	message := fmt.Sprintf("Question %d deleted. Undo is available for %s.", id, s.ttl)
	level := LevelSuccess
	if result.Warning != "" {
		message += " " + result.Warning
		level = LevelWarning
	}
	s.notify(level, message)
	s.refresh()
	return nil
}

// RestoreLast reverses the most recent delete if its undo window is open.
func (s *Screen) RestoreLast(ctx context.Context) (collection.Record, error) {
	rec, err := s.ledger.Restore(ctx)
	switch {
	case errors.Is(err, undo.ErrNothingToRestore), errors.Is(err, undo.ErrExpired):
		s.notify(LevelInfo, "There is nothing to undo.")
		return collection.Record{}, err
	case errors.Is(err, collection.ErrPreconditionFailed):
		s.notify(LevelWarning, "The question already exists again; nothing was restored.")
		s.refresh()
		return collection.Record{}, err
	case err != nil:
		s.notifyErr("restore the question", err)
		return collection.Record{}, err
	}
	s.notify(LevelSuccess, fmt.Sprintf("Question %d restored.", rec.ID))
	s.refresh()
	return rec, nil
}

// Open loads id for editing and remembers its concurrency token.
func (s *Screen) Open(ctx context.Context, id int64) (collection.Record, error) {
	rec, err := s.client.Get(ctx, id)
	if err != nil {
		s.notifyErr("open the question", err)
		return collection.Record{}, err
	}
	return rec, nil
}

// Save writes an edit guarded by the token captured when the record was
// last read. A stale token leaves both the record and the view unchanged.
func (s *Screen) Save(ctx context.Context, id int64, in collection.RecordInput) (collection.Record, error) {
	rec, err := s.client.Update(ctx, id, in)
	if err != nil {
		s.notifyErr("save the question", err)
		return collection.Record{}, err
	}
	s.notify(LevelSuccess, fmt.Sprintf("Question %d saved.", id))
	s.refresh()
	return rec, nil
}

func (s *Screen) Create(ctx context.Context, in collection.RecordInput) (collection.Record, error) {
	rec, err := s.client.Create(ctx, in)
	if err != nil {
		s.notifyErr("create the question", err)
		return collection.Record{}, err
	}
	s.notify(LevelSuccess, fmt.Sprintf("Question %d created.", rec.ID))
	s.refresh()
	return rec, nil
}

// Follow re-fetches the view, debounced, whenever the change feed reports a
// mutation. It blocks until ctx is done or the feed fails.
func (s *Screen) Follow(ctx context.Context) error {
	if s.watcher == nil {
		return ErrNoWatcher
	}
	return s.watcher.Watch(ctx, func(event collection.ChangeEvent) {
		s.logger.Debug("collection changed", zap.String("type", event.Type), zap.Int64("id", event.ID))
		s.mu.Lock()
		req := s.currentRequestLocked()
		s.mu.Unlock()
		s.sched.Schedule(req)
	})
}

// FollowUndo keeps the undo window in step with other screens sharing the
// same undo storage.
func (s *Screen) FollowUndo(ctx context.Context) error {
	return s.ledger.WatchStorage(ctx)
}

func (s *Screen) Dismiss() {
	s.mu.Lock()
	s.notice = nil
	s.mu.Unlock()
	s.emit()
}

func (s *Screen) State() State {
	s.mu.Lock()
	st := s.stateLocked()
	s.mu.Unlock()
	if entry, remaining, ok := s.ledger.Pending(); ok {
		st.Undo = &UndoState{ID: entry.ID, Remaining: remaining}
	}
	return st
}

// WaitFor blocks until cond holds for the current state or ctx is done.
func (s *Screen) WaitFor(ctx context.Context, cond func(State) bool) (State, error) {
	for {
		s.mu.Lock()
		ch := s.changed
		s.mu.Unlock()
		st := s.State()
		if cond(st) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ch:
		}
	}
}

// Close stops pending fetches and the undo timer. A pending undo stays in
// storage for the next Load.
func (s *Screen) Close() {
	s.sched.Stop()
	s.ledger.Close()
}

func (s *Screen) fetch(ctx context.Context, req listRequest) (collection.PageResult, error) {
	return s.client.List(ctx, req.spec, req.cursor)
}

// apply receives only the newest fetch. A failure keeps the previous page.
func (s *Screen) apply(res scheduler.Result[listRequest, collection.PageResult]) {
	s.mu.Lock()
	s.appliedSeq = res.Seq
	s.fetches++
	if res.Err != nil {
		s.err = res.Err
		if !errors.Is(res.Err, context.Canceled) {
			level, message := describe("load questions", res.Err)
			s.notice = &Notification{Level: level, Message: message, At: s.clock.Now()}
		}
		s.mu.Unlock()
		s.logger.Warn("list fetch failed", zap.Uint64("seq", res.Seq), zap.Error(res.Err))
		s.emit()
		return
	}
	s.err = nil
	s.page = res.Value
	// A result for a view the user already left must not bring its cursor back.
	if res.Request.spec == s.spec {
		s.cursor = res.Request.cursor
		s.cursors = res.Request.cursors
	}
	s.mu.Unlock()
	s.emit()
}

func (s *Screen) snapshot(ctx context.Context, id int64) (collection.Record, error) {
	s.mu.Lock()
	for _, rec := range s.page.Results {
		if rec.ID == id {
			s.mu.Unlock()
			return rec, nil
		}
	}
	s.mu.Unlock()
	return s.client.Get(ctx, id)
}

func (s *Screen) refresh() {
	s.mu.Lock()
	req := s.currentRequestLocked()
	s.mu.Unlock()
	s.sched.Submit(req)
}

func (s *Screen) undoTransition(tr undo.Transition) {
	s.logger.Debug("undo transition", zap.String("outcome", string(tr.Outcome)), zap.Int64("id", tr.Entry.ID), zap.Stringer("to", tr.To))
	if tr.Outcome == undo.OutcomeExpired {
		s.emit()
	}
}

func (s *Screen) notify(level Level, message string) {
	s.mu.Lock()
	s.notice = &Notification{Level: level, Message: message, At: s.clock.Now()}
	s.mu.Unlock()
	s.emit()
}

func (s *Screen) notifyErr(action string, err error) {
	level, message := describe(action, err)
	s.notify(level, message)
}

func (s *Screen) emit() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(s.State())
	}
}

func (s *Screen) stateLocked() State {
	st := State{
		Spec:    s.spec,
		Page:    s.page,
		Cursor:  s.cursor,
		Loading: s.sched.Seq() > s.appliedSeq,
		Fetches: s.fetches,
		Err:     s.err,
	}
	st.Page.Results = append([]collection.Record(nil), s.page.Results...)
	if s.notice != nil {
		notice := *s.notice
		st.Notice = &notice
	}
	return st
}

// currentRequestLocked re-fetches exactly what is shown.
func (s *Screen) currentRequestLocked() listRequest {
	return listRequest{spec: s.spec, cursor: s.cursor, cursors: append([]string(nil), s.cursors...)}
}

func (s *Screen) resetCursorLocked() {
	s.cursor = ""
	s.cursors = nil
}

// sameView reports whether a and b select the same filtered, sorted set,
// ignoring which page of it is shown.
func sameView(a, b filter.Spec) bool {
	a.Page, b.Page = 0, 0
	return a == b
}
