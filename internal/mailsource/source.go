// Package mailsource implements the EmailSource task: it periodically polls
// a mailbox, extracts candidate story URLs from unread messages, tags each
// with a normalized site, and emits Story items into the ingress channel.
package mailsource

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"forge.stoat.dev/fanfic/fetcher/internal/activeset"
	"forge.stoat.dev/fanfic/fetcher/internal/audit"
	"forge.stoat.dev/fanfic/fetcher/internal/config"
	"forge.stoat.dev/fanfic/fetcher/internal/events"
	"forge.stoat.dev/fanfic/fetcher/internal/ingress"
	"forge.stoat.dev/fanfic/fetcher/internal/logfields"
	"forge.stoat.dev/fanfic/fetcher/internal/metrics"
	"forge.stoat.dev/fanfic/fetcher/internal/notify"
	"forge.stoat.dev/fanfic/fetcher/internal/story"
)

// publishTimeout bounds a best-effort event-bus publish; a slow or absent
// consumer must never delay mailbox polling.
const publishTimeout = 100 * time.Millisecond

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// Source is the EmailSource task.
type Source struct {
	cfg      config.EmailConfig
	dial     func() (MailClient, error)
	ingress  chan<- ingress.Message
	active   *activeset.Set
	notifier notify.Notifier
	recorder metrics.Recorder
	bus      *events.Bus
	audit    audit.Store // optional; nil disables the audit trail
	log      *slog.Logger

	// retryPending reports whether a story identity is currently held by the
	// delay scheduler. Optional; nil means "nothing pending". See
	// SetRetryPending.
	retryPending func(story.Key) bool
}

// SetRetryPending wires a predicate (typically (*delayscheduler.Scheduler).Contains)
// so a fresh mailbox URL matching a story already awaiting retry is treated
// as a duplicate instead of a new arrival.
func (s *Source) SetRetryPending(fn func(story.Key) bool) {
	s.retryPending = fn
}

// SetEventBus wires an optional events.Bus that the Source publishes
// StoryIngested events to. Nil is a no-op.
func (s *Source) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetAuditStore wires an optional audit.Store that the Source appends an
// "ingested" event to for every story it hands off to the coordinator. Nil
// is a no-op.
func (s *Source) SetAuditStore(store audit.Store) {
	s.audit = store
}

// recordIngested appends an ingested record for st to the audit trail, if
// one is configured. Audit failures are logged and never affect ingestion.
func (s *Source) recordIngested(st story.Story) {
	if s.audit == nil {
		return
	}
	rec := audit.Record{Site: st.Site, URL: st.URL, Type: audit.TypeIngested}
	if err := s.audit.Append(context.Background(), rec); err != nil {
		s.log.Warn("audit append failed", logfields.Error(err), logfields.URL(st.URL))
	}
}

func (s *Source) publish(evt any) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.log.Debug("event publish dropped", logfields.Error(err))
	}
}

// New builds a Source. dial opens (or reopens) the mailbox connection; it is
// called once at startup and again after any transient IMAP error forces a
// reconnect.
func New(cfg config.EmailConfig, dial func() (MailClient, error), ingressCh chan<- ingress.Message, active *activeset.Set, notifier notify.Notifier, recorder metrics.Recorder, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Source{
		cfg:      cfg,
		dial:     dial,
		ingress:  ingressCh,
		active:   active,
		notifier: notifier,
		recorder: recorder,
		log:      log,
	}
}

// Name identifies this task to TaskRuntime.
func (s *Source) Name() string { return "email_source" }

// Run polls the mailbox every cfg.SleepTime until ctx is canceled. A poll
// runs once immediately at startup, then on the gocron-driven schedule. A
// classified authentication failure is fatal: the task returns an error so
// TaskRuntime's restart policy (not this loop) decides what happens next.
func (s *Source) Run(ctx context.Context) error {
	var mu sync.Mutex
	client, err := s.dial()
	if err != nil {
		s.log.Error("email source: initial connect failed", logfields.Error(err))
		return err
	}
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		_ = client.Close()
	}()

	fatalCh := make(chan error, 1)
	tick := func() {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		var pollErr error
		client, pollErr = s.pollAndMaybeReconnect(ctx, client)
		if pollErr != nil {
			select {
			case fatalCh <- pollErr:
			default:
			}
		}
	}

	tick()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	defer func() { _ = scheduler.Shutdown() }()

	if _, err := scheduler.NewJob(
		gocron.DurationJob(s.cfg.SleepTime),
		gocron.NewTask(tick),
	); err != nil {
		return err
	}
	scheduler.Start()

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatalCh:
		return err
	}
}

func (s *Source) pollAndMaybeReconnect(ctx context.Context, client MailClient) (MailClient, error) {
	if ctx.Err() != nil {
		return client, nil
	}
	if err := s.poll(ctx, client); err != nil {
		return s.reconnectAfterError(ctx, client, err)
	}
	return client, nil
}

// reconnectAfterError classifies the poll failure: authentication failures
// are fatal (the task exits; TaskRuntime's restart policy decides what
// happens next), everything else is transient and logged at warning.
func (s *Source) reconnectAfterError(ctx context.Context, client MailClient, pollErr error) (MailClient, error) {
	if isAuthError(pollErr) {
		s.log.Error("email source: authentication failed", logfields.Error(pollErr))
		return client, pollErr
	}
	s.log.Warn("email source: transient mailbox error, will retry next interval", logfields.Error(pollErr))
	_ = client.Close()

	select {
	case <-time.After(s.cfg.SleepTime):
	case <-ctx.Done():
		return client, nil
	}

	reconnected, err := s.dial()
	if err != nil {
		if isAuthError(err) {
			s.log.Error("email source: authentication failed on reconnect", logfields.Error(err))
			return client, err
		}
		s.log.Warn("email source: reconnect failed", logfields.Error(err))
		return client, nil
	}
	return reconnected, nil
}

func isAuthError(err error) bool {
	_, ok := err.(*AuthError)
	return ok
}

// AuthError wraps an IMAP failure the implementation classifies as an
// authentication problem rather than a transient network blip.
type AuthError struct{ Cause error }

func (e *AuthError) Error() string { return "mailsource: auth failed: " + e.Cause.Error() }
func (e *AuthError) Unwrap() error { return e.Cause }

// poll fetches unread messages, extracts URLs, tags sites, and emits
// Stories, skipping anything already in flight.
func (s *Source) poll(ctx context.Context, client MailClient) error {
	messages, err := client.FetchUnread(ctx)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		for _, raw := range urlPattern.FindAllString(msg.Body, -1) {
			s.handleURL(ctx, raw)
		}
		if err := client.MarkSeen(ctx, msg.UID); err != nil {
			s.log.Warn("email source: mark seen failed", logfields.Error(err), slog.Uint64("uid", uint64(msg.UID)))
		}
	}
	return nil
}

func (s *Source) handleURL(ctx context.Context, rawURL string) {
	site, err := story.NormalizeSite(rawURL)
	if err != nil {
		s.log.Debug("email source: could not normalize url, skipping", logfields.Error(err), logfields.URL(rawURL))
		return
	}

	if _, disabled := s.cfg.DisabledSites[site]; disabled {
		s.notifier.Notify(ctx, notify.Message{
			Subject:  "story ignored (disabled site): " + rawURL,
			Body:     "site " + site + " is disabled",
			Severity: notify.SeverityInfo,
		})
		return
	}

	st := story.New(rawURL, site)
	if s.active.Contains(st) || (s.retryPending != nil && s.retryPending(st.Key())) {
		s.log.Debug("email source: story already in flight or pending retry, skipping", logfields.URL(rawURL))
		return
	}

	select {
	case s.ingress <- ingress.Arrival{Story: st}:
		s.recorder.IncStoryIngested(site)
		s.recordIngested(st)
		s.publish(events.StoryIngested{URL: st.URL, Site: st.Site, Behavior: string(st.Behavior), OccurredAt: time.Now()})
	case <-ctx.Done():
	}
}
