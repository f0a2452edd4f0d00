package mailsource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"forge.stoat.dev/fanfic/fetcher/internal/activeset"
	"forge.stoat.dev/fanfic/fetcher/internal/config"
	"forge.stoat.dev/fanfic/fetcher/internal/ingress"
	"forge.stoat.dev/fanfic/fetcher/internal/notify"
	"forge.stoat.dev/fanfic/fetcher/internal/story"
)

// fakeMailClient scripts FetchUnread results and records MarkSeen calls.
type fakeMailClient struct {
	mu       sync.Mutex
	messages []UnreadMessage
	fetchErr error
	seen     []uint32
	closed   bool
}

func (f *fakeMailClient) FetchUnread(context.Context) ([]UnreadMessage, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.messages, nil
}

func (f *fakeMailClient) MarkSeen(_ context.Context, uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, uid)
	return nil
}

func (f *fakeMailClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func newTestSource(cfg config.EmailConfig, out chan ingress.Message, active *activeset.Set, notifier notify.Notifier) *Source {
	return New(cfg, nil, out, active, notifier, nil, nil)
}

func recvArrival(t *testing.T, ch <-chan ingress.Message) ingress.Arrival {
	t.Helper()
	select {
	case msg := <-ch:
		a, ok := msg.(ingress.Arrival)
		if !ok {
			t.Fatalf("expected Arrival, got %T", msg)
		}
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for arrival")
		return ingress.Arrival{}
	}
}

func TestPollEmitsNormalizedStories(t *testing.T) {
	out := make(chan ingress.Message, 8)
	src := newTestSource(config.EmailConfig{}, out, activeset.New(), nil)
	client := &fakeMailClient{messages: []UnreadMessage{
		{UID: 7, Body: "New chapter posted!\nhttps://www.fanfiction.example/s/123/1\nEnjoy."},
	}}

	if err := src.poll(context.Background(), client); err != nil {
		t.Fatalf("poll: %v", err)
	}

	a := recvArrival(t, out)
	if a.Story.Site != "fanfiction" {
		t.Fatalf("expected site fanfiction, got %s", a.Story.Site)
	}
	if a.Story.Behavior != story.BehaviorUpdate || a.Story.Attempts != 0 {
		t.Fatalf("fresh story must start as update with zero attempts, got %+v", a.Story)
	}
	if len(client.seen) != 1 || client.seen[0] != 7 {
		t.Fatalf("expected message 7 marked seen, got %v", client.seen)
	}
}

func TestPollExtractsEveryURLInOneMessage(t *testing.T) {
	out := make(chan ingress.Message, 8)
	src := newTestSource(config.EmailConfig{}, out, activeset.New(), nil)
	client := &fakeMailClient{messages: []UnreadMessage{
		{UID: 1, Body: "https://ao3.example/works/1 and https://forums.spacebattles.example/threads/2"},
	}}

	if err := src.poll(context.Background(), client); err != nil {
		t.Fatalf("poll: %v", err)
	}

	first := recvArrival(t, out)
	second := recvArrival(t, out)
	if first.Story.Site != "ao3" || second.Story.Site != "spacebattles" {
		t.Fatalf("unexpected sites: %s, %s", first.Story.Site, second.Story.Site)
	}
}

func TestPollDisabledSiteNotifiesWithoutEmitting(t *testing.T) {
	out := make(chan ingress.Message, 8)
	notifier := &recordingNotifier{}
	cfg := config.EmailConfig{DisabledSites: map[string]struct{}{"ao3": {}}}
	src := newTestSource(cfg, out, activeset.New(), notifier)
	client := &fakeMailClient{messages: []UnreadMessage{
		{UID: 1, Body: "https://ao3.example/works/5"},
	}}

	if err := src.poll(context.Background(), client); err != nil {
		t.Fatalf("poll: %v", err)
	}

	select {
	case msg := <-out:
		t.Fatalf("disabled site must not emit a story, got %v", msg)
	default:
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.msgs) != 1 {
		t.Fatalf("expected one disabled-site notification, got %d", len(notifier.msgs))
	}
}

func TestPollSkipsInFlightDuplicates(t *testing.T) {
	out := make(chan ingress.Message, 8)
	active := activeset.New()
	src := newTestSource(config.EmailConfig{}, out, active, nil)

	inflight := story.New("https://ao3.example/works/6", "ao3")
	if inserted, _ := active.TryInsert(inflight); !inserted {
		t.Fatal("setup: insert should succeed")
	}

	client := &fakeMailClient{messages: []UnreadMessage{
		{UID: 1, Body: "https://ao3.example/works/6"},
	}}
	if err := src.poll(context.Background(), client); err != nil {
		t.Fatalf("poll: %v", err)
	}

	select {
	case msg := <-out:
		t.Fatalf("in-flight duplicate must be skipped, got %v", msg)
	default:
	}
}

func TestPollSkipsPendingRetryDuplicates(t *testing.T) {
	out := make(chan ingress.Message, 8)
	src := newTestSource(config.EmailConfig{}, out, activeset.New(), nil)
	pending := story.New("https://ao3.example/works/7", "ao3").Key()
	src.SetRetryPending(func(k story.Key) bool { return k == pending })

	client := &fakeMailClient{messages: []UnreadMessage{
		{UID: 1, Body: "https://ao3.example/works/7 https://ao3.example/works/8"},
	}}
	if err := src.poll(context.Background(), client); err != nil {
		t.Fatalf("poll: %v", err)
	}

	a := recvArrival(t, out)
	if a.Story.URL != "https://ao3.example/works/8" {
		t.Fatalf("expected only the non-pending URL, got %s", a.Story.URL)
	}
	select {
	case msg := <-out:
		t.Fatalf("pending-retry duplicate must be skipped, got %v", msg)
	default:
	}
}

func TestPollPropagatesFetchError(t *testing.T) {
	src := newTestSource(config.EmailConfig{}, make(chan ingress.Message, 1), activeset.New(), nil)
	client := &fakeMailClient{fetchErr: errors.New("imap: connection reset")}
	if err := src.poll(context.Background(), client); err == nil {
		t.Fatal("expected poll to surface the fetch error")
	}
}

func TestReconnectAfterAuthErrorIsFatal(t *testing.T) {
	src := newTestSource(config.EmailConfig{SleepTime: 5 * time.Second}, make(chan ingress.Message, 1), activeset.New(), nil)
	client := &fakeMailClient{}

	authErr := &AuthError{Cause: errors.New("LOGIN failed")}
	_, err := src.reconnectAfterError(context.Background(), client, authErr)
	if err == nil {
		t.Fatal("auth failure must be returned so the runtime decides restart policy")
	}
	if !errors.Is(err, authErr) {
		t.Fatalf("expected the auth error back, got %v", err)
	}
	if client.closed {
		t.Fatal("auth failure must not trigger the reconnect path")
	}
}

func TestReconnectAfterTransientErrorRedials(t *testing.T) {
	redialed := &fakeMailClient{}
	src := New(config.EmailConfig{SleepTime: time.Millisecond}, func() (MailClient, error) {
		return redialed, nil
	}, make(chan ingress.Message, 1), activeset.New(), nil, nil, nil)

	stale := &fakeMailClient{}
	got, err := src.reconnectAfterError(context.Background(), stale, errors.New("connection reset"))
	if err != nil {
		t.Fatalf("transient error must not be fatal: %v", err)
	}
	if !stale.closed {
		t.Fatal("stale connection should be closed before redialing")
	}
	if got != redialed {
		t.Fatal("expected the freshly dialed client back")
	}
}

func TestAuthErrorUnwraps(t *testing.T) {
	cause := errors.New("bad credentials")
	err := &AuthError{Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("AuthError must unwrap to its cause")
	}
}
