// Package siteworker implements the per-site executor: it dequeues stories
// for exactly one site at a time (as dictated by the Coordinator's current
// assignment), runs the story-fetcher CLI in an isolated scratch directory,
// integrates the resulting EPUB via the library CLI, and routes failures
// into the retry subsystem.
package siteworker

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"forge.stoat.dev/fanfic/fetcher/internal/activeset"
	"forge.stoat.dev/fanfic/fetcher/internal/audit"
	"forge.stoat.dev/fanfic/fetcher/internal/clock"
	"forge.stoat.dev/fanfic/fetcher/internal/config"
	"forge.stoat.dev/fanfic/fetcher/internal/coordinator"
	"forge.stoat.dev/fanfic/fetcher/internal/delayscheduler"
	"forge.stoat.dev/fanfic/fetcher/internal/events"
	"forge.stoat.dev/fanfic/fetcher/internal/fetcher"
	"forge.stoat.dev/fanfic/fetcher/internal/ingress"
	"forge.stoat.dev/fanfic/fetcher/internal/library"
	"forge.stoat.dev/fanfic/fetcher/internal/logfields"
	"forge.stoat.dev/fanfic/fetcher/internal/metrics"
	"forge.stoat.dev/fanfic/fetcher/internal/notify"
	"forge.stoat.dev/fanfic/fetcher/internal/retry"
	"forge.stoat.dev/fanfic/fetcher/internal/scratch"
	"forge.stoat.dev/fanfic/fetcher/internal/story"
)

// publishTimeout bounds a best-effort event-bus publish from the worker
// loop; a slow or absent consumer must never stall story processing.
const publishTimeout = 100 * time.Millisecond

// Deps bundles a Worker's external collaborators so the constructor
// signature stays manageable as the pipeline grows.
type Deps struct {
	Active      *activeset.Set
	Library     *library.Client
	Fetcher     *fetcher.Client
	Scheduler   *delayscheduler.Scheduler
	Notifier    notify.Notifier
	Recorder    metrics.Recorder
	Clock       clock.Clock
	LibraryCfg  config.LibraryConfig
	RetryPolicy retry.Policy
	ScratchRoot string
	Audit       audit.Store // optional; nil disables the audit trail
	Bus         *events.Bus // optional; nil disables control-flow event publishing
	Log         *slog.Logger

	// HardCtx governs external-process work. It must outlive the cooperative
	// cancellation the worker's Run context observes, so an in-flight fetch
	// finishes its current story and is killed only when forced shutdown
	// fires (see taskruntime.Runtime.HardContext). Nil falls back to
	// context.Background(): never killed.
	HardCtx context.Context
}

// Worker is one SiteWorker instance. Its id often names its initial site,
// but sites may be reassigned by the Coordinator over its lifetime.
type Worker struct {
	id          string
	assignments <-chan coordinator.Assignment
	ingress     chan<- ingress.Message

	active      *activeset.Set
	library     *library.Client
	fetcher     *fetcher.Client
	scheduler   *delayscheduler.Scheduler
	notifier    notify.Notifier
	recorder    metrics.Recorder
	clk         clock.Clock
	libraryCfg  config.LibraryConfig
	retryPolicy retry.Policy
	scratchRoot string
	audit       audit.Store
	bus         *events.Bus
	log         *slog.Logger
	hardCtx     context.Context
}

// New builds a Worker. The Coordinator must already have called
// RegisterWorker(id) to produce assignments.
func New(id string, assignments <-chan coordinator.Assignment, ingressCh chan<- ingress.Message, deps Deps) *Worker {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	hardCtx := deps.HardCtx
	if hardCtx == nil {
		hardCtx = context.Background()
	}
	return &Worker{
		id:          id,
		assignments: assignments,
		ingress:     ingressCh,
		active:      deps.Active,
		library:     deps.Library,
		fetcher:     deps.Fetcher,
		scheduler:   deps.Scheduler,
		notifier:    deps.Notifier,
		recorder:    recorder,
		clk:         clk,
		libraryCfg:  deps.LibraryCfg,
		retryPolicy: deps.RetryPolicy,
		scratchRoot: filepath.Join(deps.ScratchRoot, id),
		audit:       deps.Audit,
		bus:         deps.Bus,
		log:         log,
		hardCtx:     hardCtx,
	}
}

// publishOutcome emits a StoryOutcome control-flow event, if a bus is
// configured. Best effort: a slow or absent consumer never blocks the
// worker loop.
func (w *Worker) publishOutcome(s story.Story, outcome string) {
	if w.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	evt := events.StoryOutcome{
		URL:        s.URL,
		Site:       s.Site,
		Outcome:    outcome,
		Attempts:   s.Attempts,
		WorkerID:   w.id,
		OccurredAt: time.Now(),
	}
	if err := w.bus.Publish(ctx, evt); err != nil {
		w.log.Debug("event publish dropped", logfields.Error(err))
	}
}

// recordAudit appends an outcome record for s to the audit trail, if one is
// configured. Audit failures are logged and never affect story processing.
func (w *Worker) recordAudit(s story.Story, eventType, reason string) {
	if w.audit == nil {
		return
	}
	rec := audit.Record{Site: s.Site, URL: s.URL, Type: eventType, Attempts: s.Attempts, Reason: reason}
	if err := w.audit.Append(context.Background(), rec); err != nil {
		w.log.Warn("audit append failed", logfields.Error(err), logfields.URL(s.URL))
	}
}

// Name identifies this task to TaskRuntime.
func (w *Worker) Name() string { return "worker:" + w.id }

// Run is the worker's main loop: drain the currently assigned site channel,
// announce idleness once it is empty, block for the next assignment.
func (w *Worker) Run(ctx context.Context) error {
	var currentSite string
	var ch <-chan story.Story

	for {
		if ctx.Err() != nil {
			return nil
		}

		if ch != nil {
			select {
			case s, ok := <-ch:
				if !ok {
					ch = nil
					continue
				}
				w.processStory(ctx, s)
				continue
			default:
			}
		}

		select {
		case w.ingress <- ingress.WorkerIdle{WorkerID: w.id, FinishedSite: currentSite}:
		case <-ctx.Done():
			return nil
		}

		select {
		case a := <-w.assignments:
			currentSite = a.Site
			ch = a.Channel
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) processStory(ctx context.Context, s story.Story) {
	inserted, alreadyPresent := w.active.TryInsert(s)
	if !inserted || alreadyPresent {
		w.log.Debug("skipping duplicate in-flight story", logfields.URL(s.URL), logfields.Site(s.Site))
		return
	}
	defer w.active.Remove(s)

	dir, release, err := scratch.Acquire(w.scratchRoot)
	if err != nil {
		w.log.Error("scratch directory unavailable", logfields.Error(err), logfields.Site(s.Site))
		w.handleTransient(s, "scratch directory unavailable: "+err.Error())
		return
	}
	defer release()

	// External-process work runs on the hard context, not ctx: cooperative
	// shutdown lets the current story finish, and only the forced-shutdown
	// deadline kills the subprocess mid-flight.
	libID, err := w.library.Lookup(w.hardCtx, s.URL)
	if err != nil {
		w.log.Error("library lookup failed", logfields.Error(err), logfields.URL(s.URL))
		w.handleTransient(s, "library lookup failed: "+err.Error())
		return
	}
	s.LibraryID = libID

	modifier := w.libraryCfg.FetcherModifier(s.Behavior)
	start := w.clk.Now()
	result := w.fetcher.Fetch(w.hardCtx, dir, s.URL, modifier)
	w.recorder.ObserveFetchDuration(s.Site, w.clk.Now().Sub(start))

	switch result.Outcome {
	case fetcher.Success:
		w.handleSuccess(ctx, s, dir)
	case fetcher.ForceIndicated:
		w.handleForceIndicated(ctx, s, result.Reason)
	case fetcher.TransientFailure:
		w.recorder.IncFetchOutcome(s.Site, metrics.OutcomeTransient)
		w.handleTransient(s, result.Reason)
	case fetcher.PermanentFailure:
		w.handlePermanent(s, result.Reason)
	}
}

func (w *Worker) handleSuccess(ctx context.Context, s story.Story, dir string) {
	epubPath, err := scratch.FindEPUB(dir)
	if err != nil {
		w.log.Error("fetcher reported success but no epub found", logfields.Error(err), logfields.URL(s.URL))
		w.handleTransient(s, "no epub produced: "+err.Error())
		return
	}

	newID, err := w.library.Integrate(w.hardCtx, s.LibraryID, epubPath, w.libraryCfg.MetadataPreservationMode)
	if err != nil {
		w.log.Error("library integration failed", logfields.Error(err), logfields.URL(s.URL))
		w.handleTransient(s, "library integration failed: "+err.Error())
		return
	}

	w.recorder.IncFetchOutcome(s.Site, metrics.OutcomeSuccess)
	w.notifier.Notify(ctx, notify.Message{
		Subject:  "story updated: " + s.URL,
		Body:     "library id " + newID,
		Severity: notify.SeverityInfo,
	})
	w.recordAudit(s, audit.TypeSucceeded, "")
	w.publishOutcome(s, "success")
	w.log.Info("story succeeded", logfields.URL(s.URL), logfields.Site(s.Site), logfields.LibraryID(newID))
}

func (w *Worker) handleForceIndicated(ctx context.Context, s story.Story, reason string) {
	w.recorder.IncFetchOutcome(s.Site, metrics.OutcomeForceIndicated)

	if !w.libraryCfg.AllowsForcePromotion() {
		// update_no_force: an indicated-force is just a normal transient
		// failure and flows through the retry system like any other.
		w.handleTransient(s, reason)
		return
	}

	s.Behavior = story.BehaviorForce
	// A reinjected story must carry the same identity key as a fresh arrival
	// for the same URL; the library id is repopulated by lookup on the next
	// pass anyway.
	s.LibraryID = ""
	w.log.Info("promoting to force after indication", logfields.URL(s.URL), slog.String("reason", reason))
	w.recordAudit(s, audit.TypeForcePromoted, reason)
	w.publishOutcome(s, "force_indicated")
	select {
	case w.ingress <- ingress.Arrival{Story: s}:
	case <-ctx.Done():
	}
}

func (w *Worker) handlePermanent(s story.Story, reason string) {
	w.recorder.IncFetchOutcome(s.Site, metrics.OutcomePermanent)
	w.notifier.Notify(context.Background(), notify.Message{
		Subject:  "story failed permanently: " + s.URL,
		Body:     reason,
		Severity: notify.SeverityError,
	})
	w.recordAudit(s, audit.TypePermanentFailure, reason)
	w.publishOutcome(s, "permanent")
	w.log.Warn("story failed permanently", logfields.URL(s.URL), logfields.Site(s.Site), slog.String("reason", reason))
}

// handleTransient applies the RetryPolicy decision for a failed attempt and
// routes the story to the DelayScheduler, or declares it given up.
func (w *Worker) handleTransient(s story.Story, reason string) {
	s.Attempts++
	// Same identity rule as force reinjection: a story handed to the delay
	// scheduler must dedup against a fresh arrival of the same URL, so the
	// looked-up library id stays out of its key.
	s.LibraryID = ""
	wasFinalAttempt := s.LastStatus == story.StatusFinalPending
	if wasFinalAttempt {
		w.recordAudit(s, audit.TypeFinalAttempt, reason)
	}
	decision := w.retryPolicy.Decide(s.Attempts)

	switch decision.Action {
	case retry.ActionRequeue:
		s.LastStatus = story.StatusTransient
		w.recorder.IncRetryScheduled(s.Site)
		w.scheduler.Schedule(s, w.clk.Now().Add(decision.Wait))
		w.recordAudit(s, audit.TypeRetryScheduled, reason)
		w.publishOutcome(s, "transient")
		w.log.Info("scheduling retry", logfields.URL(s.URL), logfields.Attempts(s.Attempts), slog.Duration("wait", decision.Wait))

	case retry.ActionFinalAttempt:
		if w.libraryCfg.AllowsForcePromotion() {
			s.Behavior = story.BehaviorForce
		}
		s.LastStatus = story.StatusFinalPending
		w.recorder.IncFinalAttemptScheduled(s.Site)
		w.notifier.Notify(context.Background(), notify.Message{
			Subject:  "penultimate failure: " + s.URL,
			Body:     reason,
			Severity: notify.SeverityWarning,
		})
		w.scheduler.Schedule(s, w.clk.Now().Add(decision.Wait))
		w.recordAudit(s, audit.TypePenultimateFail, reason)
		w.publishOutcome(s, "final_pending")
		w.log.Info("scheduling final attempt", logfields.URL(s.URL), slog.Duration("wait", decision.Wait))

	case retry.ActionGiveUp:
		s.LastStatus = story.StatusGivenUp
		w.recorder.IncGivenUp(s.Site)
		switch {
		case wasFinalAttempt && w.libraryCfg.UpdateMethod == config.UpdateMethodNoForce:
			w.notifier.Notify(context.Background(), notify.Message{
				Subject:  "force suppressed, giving up: " + s.URL,
				Body:     reason,
				Severity: notify.SeverityError,
			})
			w.recordAudit(s, audit.TypeForceSuppressed, reason)
		case wasFinalAttempt:
			// Final attempt's own failure is silent unless force was suppressed.
		default:
			w.notifier.Notify(context.Background(), notify.Message{
				Subject:  "giving up: " + s.URL,
				Body:     reason,
				Severity: notify.SeverityError,
			})
		}
		w.recordAudit(s, audit.TypeGivenUp, reason)
		w.publishOutcome(s, "given_up")
		w.log.Warn("story given up", logfields.URL(s.URL), logfields.Site(s.Site), logfields.Attempts(s.Attempts))
	}
}
