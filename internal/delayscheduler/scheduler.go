// Package delayscheduler holds failed stories until their scheduled retry
// time, then reinjects them into the ingress channel. It is time-source
// based so tests can drive it with a virtual clock instead of wall time.
package delayscheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"forge.stoat.dev/fanfic/fetcher/internal/clock"
	"forge.stoat.dev/fanfic/fetcher/internal/ingress"
	"forge.stoat.dev/fanfic/fetcher/internal/logfields"
	"forge.stoat.dev/fanfic/fetcher/internal/story"
	"forge.stoat.dev/fanfic/fetcher/internal/taskruntime"
)

const drainTimeout = 2 * time.Second

// Scheduler accepts (Story, fireAt) entries and reinjects each exactly once,
// no earlier than fireAt (late firing under load is acceptable). On
// shutdown, pending entries are dropped rather than reinjected.
type Scheduler struct {
	clk     clock.Clock
	ingress chan<- ingress.Message
	log     *slog.Logger

	selfCtx    context.Context
	selfCancel context.CancelFunc

	mu      sync.Mutex
	pending map[story.Key]*entry
	group   taskruntime.WorkerGroup
}

// entry is a single scheduled story, identified within the pending map by
// pointer identity so a superseded entry's goroutine never clears a newer
// one sharing the same story key.
type entry struct {
	cancel context.CancelFunc
}

// New builds a Scheduler. A nil logger falls back to slog.Default(); clk
// defaults to the real wall clock if nil.
func New(clk clock.Clock, ingressCh chan<- ingress.Message, log *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clk:        clk,
		ingress:    ingressCh,
		log:        log,
		selfCtx:    ctx,
		selfCancel: cancel,
		pending:    make(map[story.Key]*entry),
	}
}

// Name identifies this task to TaskRuntime.
func (s *Scheduler) Name() string { return "delay_scheduler" }

// Run blocks until ctx is canceled, then drops every pending entry without
// reinjecting it and waits (briefly) for their goroutines to exit.
func (s *Scheduler) Run(ctx context.Context) error {
	<-ctx.Done()

	s.mu.Lock()
	dropped := len(s.pending)
	for key, e := range s.pending {
		e.cancel()
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Info("dropping pending retries on shutdown", slog.Int("count", dropped))
	}
	s.selfCancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer waitCancel()
	return s.group.StopAndWait(waitCtx)
}

// Schedule arranges for st to be reinjected into ingress at or after fireAt.
// Scheduling the same story identity again replaces any still-pending entry,
// guaranteeing single-firing per story.
func (s *Scheduler) Schedule(st story.Story, fireAt time.Time) {
	st.NextAttemptAt = fireAt
	key := st.Key()

	s.mu.Lock()
	if prev, exists := s.pending[key]; exists {
		prev.cancel()
	}
	entryCtx, cancel := context.WithCancel(s.selfCtx)
	e := &entry{cancel: cancel}
	s.pending[key] = e
	s.mu.Unlock()

	wait := fireAt.Sub(s.clk.Now())
	if wait < 0 {
		wait = 0
	}
	timer := s.clk.After(wait)

	s.group.Go(func() {
		s.run(entryCtx, key, e, st, timer)
	})
}

func (s *Scheduler) run(entryCtx context.Context, key story.Key, self *entry, st story.Story, timer <-chan time.Time) {
	select {
	case <-timer:
		s.clearPending(key, self)
		if entryCtx.Err() != nil {
			// Superseded or shut down before this goroutine saw the timer.
			return
		}
		select {
		case s.ingress <- ingress.Arrival{Story: st}:
		case <-entryCtx.Done():
			s.log.Info("dropped retry fire on shutdown", logfields.URL(st.URL), logfields.Site(st.Site))
		}
	case <-entryCtx.Done():
		s.clearPending(key, self)
		s.log.Info("dropped pending retry on shutdown", logfields.URL(st.URL), logfields.Site(st.Site))
	}
}

// clearPending removes key's pending entry only if it is still self: a
// superseded entry (replaced by a newer Schedule call for the same story
// identity) must never clear the entry that replaced it.
func (s *Scheduler) clearPending(key story.Key, self *entry) {
	s.mu.Lock()
	if s.pending[key] == self {
		delete(s.pending, key)
	}
	s.mu.Unlock()
}

// Pending returns the count of stories currently awaiting their fire time.
// Intended for tests and diagnostics.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Contains reports whether key currently has a pending retry. Ingestion
// points (EmailSource, Coordinator) use this alongside ActiveSet membership
// so a story held by the scheduler is not re-ingested from a fresh arrival
// of the same URL.
func (s *Scheduler) Contains(key story.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}
