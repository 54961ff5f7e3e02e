// Package scheduler coalesces bursts of list requests and makes sure only
// the newest in-flight request ever reaches the view.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/qbanksync/internal/clock"
)

const DefaultQuiet = 300 * time.Millisecond

type Fetch[Req, Res any] func(ctx context.Context, req Req) (Res, error)

// Result is delivered to the apply callback for the newest request only.
type Result[Req, Res any] struct {
	Seq     uint64
	Request Req
	Value   Res
	Err     error
}

type Options struct {
	// Quiet is how long edits must pause before a scheduled fetch fires.
	Quiet  time.Duration
	Clock  clock.Clock
	Logger *zap.Logger
}

type Scheduler[Req, Res any] struct {
	fetch  Fetch[Req, Res]
	apply  func(Result[Req, Res])
	quiet  time.Duration
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	seq      uint64
	timer    clock.Timer
	timerGen uint64
	pending  Req
	cancel   context.CancelFunc
	stopped  bool
	stale    int

	applyMu sync.Mutex
	wg      sync.WaitGroup
}

func New[Req, Res any](fetch Fetch[Req, Res], apply func(Result[Req, Res]), opts Options) *Scheduler[Req, Res] {
	quiet := opts.Quiet
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler[Req, Res]{
		fetch:  fetch,
		apply:  apply,
		quiet:  quiet,
		clock:  clk,
		logger: logger,
	}
}

// Schedule buffers req and restarts the quiet window. Only the last request
// scheduled before the window elapses is fetched.
func (s *Scheduler[Req, Res]) Schedule(req Req) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopTimerLocked()
	s.pending = req
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(s.quiet, func() { s.fire(gen) })
}

// Submit drops any pending debounce and fetches req immediately. It returns
// the sequence number assigned to the fetch.
func (s *Scheduler[Req, Res]) Submit(req Req) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return s.seq
	}
	s.stopTimerLocked()
	return s.startLocked(req)
}

// Pending reports whether a debounced request is waiting for its quiet window.
func (s *Scheduler[Req, Res]) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Seq returns the sequence number of the newest fetch started.
func (s *Scheduler[Req, Res]) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Discarded counts responses dropped because a newer fetch had started.
func (s *Scheduler[Req, Res]) Discarded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Stop cancels the pending debounce and the in-flight fetch, then waits for
// fetch goroutines to return. It must not be called from apply.
func (s *Scheduler[Req, Res]) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.stopTimerLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler[Req, Res]) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// A timer that already fired but has not taken the lock yet sees a
	// newer generation and does nothing.
	s.timerGen++
}

func (s *Scheduler[Req, Res]) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.timerGen {
		return
	}
	s.timer = nil
	s.timerGen++
	s.startLocked(s.pending)
}

func (s *Scheduler[Req, Res]) startLocked(req Req) uint64 {
	if s.cancel != nil {
		s.cancel()
	}
	s.seq++
	seq := s.seq
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx, cancel, seq, req)
	return seq
}

func (s *Scheduler[Req, Res]) run(ctx context.Context, cancel context.CancelFunc, seq uint64, req Req) {
	defer s.wg.Done()
	defer cancel()
	value, err := s.fetch(ctx, req)

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.mu.Lock()
	current := seq == s.seq && !s.stopped
	if !current {
		s.stale++
	}
	s.mu.Unlock()
	if !current {
		s.logger.Debug("discarding superseded response", zap.Uint64("seq", seq))
		return
	}
	s.apply(Result[Req, Res]{Seq: seq, Request: req, Value: value, Err: err})
}
