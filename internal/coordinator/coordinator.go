// Package coordinator implements the ingress-routed scheduler that enforces
// one worker per site ("domain locking"): it consumes the ingress channel,
// buffers per-site backlogs, and hands work to idle workers over per-site
// channels so that no two workers ever hit the same remote site at once.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"forge.stoat.dev/fanfic/fetcher/internal/activeset"
	"forge.stoat.dev/fanfic/fetcher/internal/events"
	"forge.stoat.dev/fanfic/fetcher/internal/ingress"
	"forge.stoat.dev/fanfic/fetcher/internal/logfields"
	"forge.stoat.dev/fanfic/fetcher/internal/metrics"
	"forge.stoat.dev/fanfic/fetcher/internal/story"
)

// publishTimeout bounds how long a best-effort event-bus publish may hold up
// the Coordinator's processing loop; the loop must never block, so this is
// deliberately short relative to health_check_interval.
const publishTimeout = 50 * time.Millisecond

// Assignment hands a SiteWorker the channel it should now read stories from.
type Assignment struct {
	Site    string
	Channel <-chan story.Story
}

const defaultSiteChannelBuffer = 64

// Coordinator is the single-threaded ingress-processing loop. All its
// bookkeeping (assignment, idle set, backlog, site channels) is owned
// exclusively by the goroutine running Run; RegisterWorker must be called
// before Run starts so there is no concurrent access to that state.
type Coordinator struct {
	log      *slog.Logger
	recorder metrics.Recorder
	active   *activeset.Set

	ingressCh         chan ingress.Message
	siteChannelBuffer int

	assignment   map[string]string // site -> worker id
	idle         []string          // ordered idle worker ids, FIFO
	idleSet      map[string]bool
	backlog      map[string][]story.Story
	backlogOrder []string // insertion order of sites ever backlogged
	backlogSeen  map[string]bool
	siteChannels map[string]chan story.Story
	assignCh     map[string]chan Assignment

	registerMu sync.Mutex

	// bus is an optional control-flow event feed (site assignments) for
	// observability consumers; nil disables publishing entirely.
	bus *events.Bus

	// retryPending reports whether a story identity is currently held by the
	// delay scheduler awaiting its fire time. A fresh arrival for such a key
	// is a duplicate (the scheduler owns reinjecting it) rather than new
	// work, per the documented open-question resolution on cross-component
	// deduplication. Optional; nil means "nothing pending".
	retryPending func(story.Key) bool
}

// SetRetryPending wires a predicate (typically (*delayscheduler.Scheduler).Contains)
// that the Coordinator consults to suppress re-ingestion of a story already
// held by the retry subsystem. Must be called before Run starts.
func (c *Coordinator) SetRetryPending(fn func(story.Key) bool) {
	c.retryPending = fn
}

// SetEventBus wires an optional events.Bus that the Coordinator publishes
// SiteAssigned events to. Must be called before Run starts; nil is a no-op.
func (c *Coordinator) SetEventBus(bus *events.Bus) {
	c.bus = bus
}

func (c *Coordinator) publish(evt any) {
	if c.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.bus.Publish(ctx, evt); err != nil {
		c.log.Debug("event publish dropped", logfields.Error(err))
	}
}

// New builds a Coordinator. recorder may be nil (falls back to a no-op).
func New(log *slog.Logger, recorder metrics.Recorder, active *activeset.Set) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Coordinator{
		log:               log,
		recorder:          recorder,
		active:            active,
		ingressCh:         make(chan ingress.Message, 256),
		siteChannelBuffer: defaultSiteChannelBuffer,
		assignment:        make(map[string]string),
		idleSet:           make(map[string]bool),
		backlog:           make(map[string][]story.Story),
		backlogSeen:       make(map[string]bool),
		siteChannels:      make(map[string]chan story.Story),
		assignCh:          make(map[string]chan Assignment),
	}
}

// Name identifies this task to TaskRuntime.
func (c *Coordinator) Name() string { return "coordinator" }

// Ingress returns the send side of the ingress channel for producers
// (EmailSource, DelayScheduler, SiteWorker reinjection).
func (c *Coordinator) Ingress() chan<- ingress.Message { return c.ingressCh }

// RegisterWorker creates the assignment channel for workerID and returns its
// receive side. Must be called for every worker before Run starts.
func (c *Coordinator) RegisterWorker(workerID string) <-chan Assignment {
	c.registerMu.Lock()
	defer c.registerMu.Unlock()
	ch := make(chan Assignment, 1)
	c.assignCh[workerID] = ch
	return ch
}

// Run is the Coordinator's processing loop. It never blocks on anything but
// the ingress channel and ctx, so cancellation is observed promptly.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.ingressCh:
			c.handle(msg)
		}
	}
}

func (c *Coordinator) handle(msg ingress.Message) {
	switch m := msg.(type) {
	case ingress.Arrival:
		c.handleArrival(m.Story)
	case ingress.WorkerIdle:
		c.handleWorkerIdle(m.WorkerID, m.FinishedSite)
	}
}

func (c *Coordinator) handleArrival(s story.Story) {
	if c.active.Contains(s) || c.backlogContains(s) || (c.retryPending != nil && c.retryPending(s.Key())) {
		c.log.Debug("dropping duplicate arrival", logfields.URL(s.URL), logfields.Site(s.Site))
		c.recorder.IncDuplicateSkipped(s.Site)
		return
	}

	if !c.backlogSeen[s.Site] {
		c.backlogSeen[s.Site] = true
		c.backlogOrder = append(c.backlogOrder, s.Site)
	}
	c.backlog[s.Site] = append(c.backlog[s.Site], s)
	c.recorder.IncStoryIngested(s.Site)
	c.recorder.SetBacklogSize(s.Site, len(c.backlog[s.Site]))

	if _, assigned := c.assignment[s.Site]; assigned {
		// Already has a worker; top up its channel. Covers the race where a
		// new arrival for an in-progress site lands before that worker's
		// next WorkerIdle is processed.
		c.drainSite(s.Site)
		return
	}
	if len(c.idle) == 0 {
		return
	}
	worker := c.popIdle()
	c.assign(worker, s.Site)
}

func (c *Coordinator) handleWorkerIdle(workerID, finishedSite string) {
	if finishedSite != "" && c.assignment[finishedSite] == workerID {
		delete(c.assignment, finishedSite)
	}
	c.markIdle(workerID)

	for _, site := range c.backlogOrder {
		if _, assigned := c.assignment[site]; assigned {
			continue
		}
		if !c.sitePending(site) {
			continue
		}
		c.removeIdle(workerID)
		c.assign(workerID, site)
		return
	}
}

// assign binds worker to site, drains whatever backlog exists for it into
// the (lazily created, persistent) site channel, and notifies the worker.
func (c *Coordinator) assign(worker, site string) {
	c.assignment[site] = worker
	c.drainSite(site)
	c.recorder.SetWorkerBusy(worker, true)
	c.log.Info("assigned site to worker", logfields.Worker(worker), logfields.Site(site))
	c.publish(events.SiteAssigned{WorkerID: worker, Site: site, OccurredAt: time.Now()})
	c.assignCh[worker] <- Assignment{Site: site, Channel: c.siteChannelFor(site)}
}

// drainSite pushes as much of backlog[site] as fits, non-blockingly, into
// the site's channel. Any remainder stays in the backlog; the site remains
// assigned and the worker will re-pull until it is empty.
func (c *Coordinator) drainSite(site string) {
	ch := c.siteChannelFor(site)
	for len(c.backlog[site]) > 0 {
		next := c.backlog[site][0]
		select {
		case ch <- next:
			c.backlog[site] = c.backlog[site][1:]
		default:
			c.recorder.SetBacklogSize(site, len(c.backlog[site]))
			return
		}
	}
	c.recorder.SetBacklogSize(site, 0)
}

func (c *Coordinator) siteChannelFor(site string) chan story.Story {
	ch, ok := c.siteChannels[site]
	if !ok {
		ch = make(chan story.Story, c.siteChannelBuffer)
		c.siteChannels[site] = ch
	}
	return ch
}

// sitePending reports whether site has work waiting, either still in the
// backlog or already sitting in its (persistent, buffered) channel.
func (c *Coordinator) sitePending(site string) bool {
	if len(c.backlog[site]) > 0 {
		return true
	}
	if ch, ok := c.siteChannels[site]; ok && len(ch) > 0 {
		return true
	}
	return false
}

func (c *Coordinator) backlogContains(s story.Story) bool {
	for _, existing := range c.backlog[s.Site] {
		if existing.Key() == s.Key() {
			return true
		}
	}
	return false
}

func (c *Coordinator) markIdle(workerID string) {
	if c.idleSet[workerID] {
		return
	}
	c.idleSet[workerID] = true
	c.idle = append(c.idle, workerID)
	c.recorder.SetWorkerBusy(workerID, false)
}

func (c *Coordinator) popIdle() string {
	worker := c.idle[0]
	c.idle = c.idle[1:]
	delete(c.idleSet, worker)
	return worker
}

func (c *Coordinator) removeIdle(workerID string) {
	if !c.idleSet[workerID] {
		return
	}
	delete(c.idleSet, workerID)
	for i, w := range c.idle {
		if w == workerID {
			c.idle = append(c.idle[:i], c.idle[i+1:]...)
			return
		}
	}
}
