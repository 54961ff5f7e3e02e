// Package undo offers a single, time-boxed chance to reverse the most
// recent delete. The pending entry survives a restart through Storage.
package undo

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/qbanksync/internal/clock"
	"github.com/agentworkforce/qbanksync/internal/collection"
)

const DefaultTTL = 5 * time.Second

var (
	ErrNothingToRestore = errors.New("nothing to restore")
	ErrExpired          = errors.New("undo window expired")
	ErrWatchUnsupported = errors.New("undo storage cannot be watched")
)

type State int

const (
	StateIdle State = iota
	StatePending
)

func (s State) String() string {
	if s == StatePending {
		return "pending"
	}
	return "idle"
}

type Outcome string

const (
	OutcomeRecorded   Outcome = "recorded"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeRestored   Outcome = "restored"
	OutcomeExpired    Outcome = "expired"
	OutcomeFailed     Outcome = "restore_failed"
	OutcomeHydrated   Outcome = "hydrated"
	OutcomeDropped    Outcome = "dropped"
)

// Transition describes one state change. Entry is the entry the outcome
// applies to.
type Transition struct {
	From    State
	To      State
	Outcome Outcome
	Entry   Entry
	Err     error
}

// Restorer re-creates a deleted record under its original id.
type Restorer interface {
	Restore(ctx context.Context, id int64, in collection.RecordInput) (collection.Record, error)
}

type Options struct {
	TTL          time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
	OnTransition func(Transition)
}

type Ledger struct {
	storage      Storage
	restorer     Restorer
	ttl          time.Duration
	clock        clock.Clock
	logger       *zap.Logger
	onTransition func(Transition)

	mu        sync.Mutex
	entry     *Entry
	restoring *Entry
	timer     clock.Timer
	gen       uint64
}

func NewLedger(storage Storage, restorer Restorer, opts Options) *Ledger {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		storage:      storage,
		restorer:     restorer,
		ttl:          ttl,
		clock:        clk,
		logger:       logger,
		onTransition: opts.OnTransition,
	}
}

// Hydrate replaces the in-memory state with whatever Storage holds. An
// entry whose deadline has passed is cleared; a live one keeps its original
// deadline, so the remaining window only ever shrinks across reloads.
func (l *Ledger) Hydrate() (Entry, time.Duration, bool) {
	stored, ok, err := l.storage.Load()
	if err != nil {
		l.logger.Warn("discarding unreadable undo entry", zap.Error(err))
		l.clearStorage()
		ok = false
	}

	l.mu.Lock()
	from := l.stateLocked()
	now := l.clock.Now()
	if ok && l.restoring != nil && sameEntry(*l.restoring, stored) {
		// Read before Restore cleared storage; the entry is already taken.
		l.mu.Unlock()
		return Entry{}, 0, false
	}
	if ok && !now.Before(stored.ExpiresAt) {
		l.clearStorage()
		ok = false
	}
	if !ok {
		previous := l.entry
		if previous != nil {
			l.dropLocked()
		}
		l.mu.Unlock()
		if previous != nil {
			l.notify(Transition{From: from, To: StateIdle, Outcome: OutcomeDropped, Entry: *previous})
		}
		return Entry{}, 0, false
	}
	if l.entry != nil && sameEntry(*l.entry, stored) {
		remaining := stored.ExpiresAt.Sub(now)
		l.mu.Unlock()
		return stored, remaining, true
	}
	l.armLocked(stored)
	remaining := stored.ExpiresAt.Sub(now)
	l.mu.Unlock()
	l.notify(Transition{From: from, To: StatePending, Outcome: OutcomeHydrated, Entry: stored})
	return stored, remaining, true
}

// Record makes (id, snapshot) the pending undo, superseding any earlier
// entry. It is called only after the delete succeeded.
func (l *Ledger) Record(id int64, snapshot collection.RecordInput) (Entry, error) {
	l.mu.Lock()
	from := l.stateLocked()
	var superseded *Entry
	if l.entry != nil {
		prev := *l.entry
		superseded = &prev
	}
	entry := Entry{ID: id, Snapshot: cloneInput(snapshot), ExpiresAt: l.clock.Now().Add(l.ttl)}
	l.armLocked(entry)
	err := l.storage.Save(entry)
	l.mu.Unlock()

	if superseded != nil {
		l.notify(Transition{From: from, To: StatePending, Outcome: OutcomeSuperseded, Entry: *superseded})
	}
	l.notify(Transition{From: from, To: StatePending, Outcome: OutcomeRecorded, Entry: entry})
	if err != nil {
		l.logger.Warn("persist undo entry", zap.Int64("id", id), zap.Error(err))
		return entry, err
	}
	return entry, nil
}

// Restore sends the pending snapshot back through the Restorer. The entry is
// taken out of memory and Storage before the call, so neither a concurrent
// Restore nor a Hydrate finds it. When the call fails the entry is
// reinstated and saved again if it is still live and has not been
// superseded; an id that is occupied again is not retried.
func (l *Ledger) Restore(ctx context.Context) (collection.Record, error) {
	if l.restorer == nil {
		return collection.Record{}, errors.New("undo ledger has no restorer")
	}
	l.mu.Lock()
	if l.entry == nil {
		l.mu.Unlock()
		return collection.Record{}, ErrNothingToRestore
	}
	entry := *l.entry
	if !l.clock.Now().Before(entry.ExpiresAt) {
		l.dropLocked()
		l.clearStorage()
		l.mu.Unlock()
		l.notify(Transition{From: StatePending, To: StateIdle, Outcome: OutcomeExpired, Entry: entry})
		return collection.Record{}, ErrExpired
	}
	l.dropLocked()
	l.clearStorage()
	l.restoring = &entry
	gen := l.gen
	l.mu.Unlock()

	rec, err := l.restorer.Restore(ctx, entry.ID, entry.Snapshot)

	l.mu.Lock()
	l.restoring = nil
	untouched := l.entry == nil && l.gen == gen
	if err != nil {
		reinstate := untouched &&
			l.clock.Now().Before(entry.ExpiresAt) &&
			!errors.Is(err, collection.ErrPreconditionFailed) &&
			!errors.Is(err, collection.ErrInvalidInput)
		to := StateIdle
		if reinstate {
			l.armLocked(entry)
			if serr := l.storage.Save(entry); serr != nil {
				l.logger.Warn("persist reinstated undo entry", zap.Int64("id", entry.ID), zap.Error(serr))
			}
			to = StatePending
		}
		l.mu.Unlock()
		l.logger.Warn("undo restore failed", zap.Int64("id", entry.ID), zap.Bool("reinstated", reinstate), zap.Error(err))
		l.notify(Transition{From: StatePending, To: to, Outcome: OutcomeFailed, Entry: entry, Err: err})
		return collection.Record{}, err
	}
	to := l.stateLocked()
	l.mu.Unlock()
	l.notify(Transition{From: StatePending, To: to, Outcome: OutcomeRestored, Entry: entry})
	return rec, nil
}

// Pending returns the live entry and its remaining window.
func (l *Ledger) Pending() (Entry, time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entry == nil {
		return Entry{}, 0, false
	}
	remaining := l.entry.ExpiresAt.Sub(l.clock.Now())
	if remaining <= 0 {
		return Entry{}, 0, false
	}
	return *l.entry, remaining, true
}

func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

// Close stops the expiry timer and leaves Storage untouched, as when the
// screen goes away with an undo still pending.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropLocked()
}

// WatchStorage re-hydrates whenever another ledger changes the shared
// storage. It returns ErrWatchUnsupported for storages without change
// notification.
func (l *Ledger) WatchStorage(ctx context.Context) error {
	watcher, ok := l.storage.(Watcher)
	if !ok {
		return ErrWatchUnsupported
	}
	return watcher.Watch(ctx, func() { l.Hydrate() })
}

func (l *Ledger) stateLocked() State {
	if l.entry == nil {
		return StateIdle
	}
	return StatePending
}

func (l *Ledger) armLocked(entry Entry) {
	l.stopTimerLocked()
	l.entry = &entry
	gen := l.gen
	l.timer = l.clock.AfterFunc(entry.ExpiresAt.Sub(l.clock.Now()), func() { l.expire(gen) })
}

func (l *Ledger) dropLocked() {
	l.stopTimerLocked()
	l.entry = nil
}

func (l *Ledger) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
}

func (l *Ledger) expire(gen uint64) {
	l.mu.Lock()
	if gen != l.gen || l.entry == nil {
		l.mu.Unlock()
		return
	}
	entry := *l.entry
	l.entry = nil
	l.timer = nil
	l.gen++
	l.clearStorage()
	l.mu.Unlock()
	l.logger.Debug("undo window expired", zap.Int64("id", entry.ID))
	l.notify(Transition{From: StatePending, To: StateIdle, Outcome: OutcomeExpired, Entry: entry})
}

func (l *Ledger) clearStorage() {
	if err := l.storage.Clear(); err != nil {
		l.logger.Warn("clear undo entry", zap.Error(err))
	}
}

func sameEntry(a, b Entry) bool {
	return a.ID == b.ID && a.ExpiresAt.Equal(b.ExpiresAt)
}

func (l *Ledger) notify(tr Transition) {
	if l.onTransition != nil {
		l.onTransition(tr)
	}
}
