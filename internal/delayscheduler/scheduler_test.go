package delayscheduler

import (
	"context"
	"testing"
	"time"

	"forge.stoat.dev/fanfic/fetcher/internal/clock"
	"forge.stoat.dev/fanfic/fetcher/internal/ingress"
	"forge.stoat.dev/fanfic/fetcher/internal/story"
)

func recvArrival(t *testing.T, ch <-chan ingress.Message) ingress.Arrival {
	t.Helper()
	select {
	case msg := <-ch:
		a, ok := msg.(ingress.Arrival)
		if !ok {
			t.Fatalf("expected ingress.Arrival, got %T", msg)
		}
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reinjected arrival")
		return ingress.Arrival{}
	}
}

func expectNoArrival(t *testing.T, ch <-chan ingress.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("expected no arrival, got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestScheduleFiresAfterVirtualAdvance verifies a scheduled story is not
// reinjected until the virtual clock reaches its fire time.
func TestScheduleFiresAfterVirtualAdvance(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	out := make(chan ingress.Message, 4)
	s := New(v, out, nil)

	st := story.New("https://ao3.example/works/1", "ao3")
	s.Schedule(st, v.Now().Add(5*time.Minute))

	if s.Pending() != 1 {
		t.Fatalf("expected 1 pending entry, got %d", s.Pending())
	}
	expectNoArrival(t, out)

	v.Advance(5 * time.Minute)
	a := recvArrival(t, out)
	if a.Story.URL != st.URL {
		t.Fatalf("unexpected story reinjected: %s", a.Story.URL)
	}
}

// TestScheduleReplacesPriorEntry verifies that scheduling the same story
// identity twice replaces the earlier entry instead of firing it twice.
func TestScheduleReplacesPriorEntry(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	out := make(chan ingress.Message, 4)
	s := New(v, out, nil)

	st := story.New("https://ao3.example/works/2", "ao3")
	s.Schedule(st, v.Now().Add(5*time.Minute))
	s.Schedule(st, v.Now().Add(10*time.Minute))

	if s.Pending() != 1 {
		t.Fatalf("expected exactly 1 pending entry after reschedule, got %d", s.Pending())
	}

	v.Advance(5 * time.Minute)
	expectNoArrival(t, out)

	v.Advance(5 * time.Minute)
	a := recvArrival(t, out)
	if a.Story.URL != st.URL {
		t.Fatalf("unexpected story: %s", a.Story.URL)
	}
	expectNoArrival(t, out)
}

// TestContainsReflectsPendingState verifies Contains tracks scheduling and
// clears once a story fires.
func TestContainsReflectsPendingState(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	out := make(chan ingress.Message, 4)
	s := New(v, out, nil)

	st := story.New("https://fanfiction.example/works/3", "fanfiction")
	if s.Contains(st.Key()) {
		t.Fatal("expected not pending before Schedule")
	}

	s.Schedule(st, v.Now().Add(time.Minute))
	if !s.Contains(st.Key()) {
		t.Fatal("expected pending after Schedule")
	}

	v.Advance(time.Minute)
	recvArrival(t, out)

	// Allow clearPending's goroutine to run before re-checking.
	time.Sleep(50 * time.Millisecond)
	if s.Contains(st.Key()) {
		t.Fatal("expected not pending after firing")
	}
}

// TestRunDropsPendingOnShutdown verifies that canceling Run's context drops
// any still-pending entries rather than reinjecting them.
func TestRunDropsPendingOnShutdown(t *testing.T) {
	v := clock.NewVirtual(time.Unix(0, 0))
	out := make(chan ingress.Message, 4)
	s := New(v, out, nil)

	st := story.New("https://ao3.example/works/4", "ao3")
	s.Schedule(st, v.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	expectNoArrival(t, out)
}
