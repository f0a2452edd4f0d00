package activeset

import (
	"sync"
	"testing"

	"forge.stoat.dev/fanfic/fetcher/internal/story"
)

func TestTryInsertDeduplicates(t *testing.T) {
	s := New()
	st := story.Story{URL: "u", Site: "ao3"}

	inserted, present := s.TryInsert(st)
	if !inserted || present {
		t.Fatalf("first insert: inserted=%v present=%v", inserted, present)
	}

	inserted, present = s.TryInsert(st)
	if inserted || !present {
		t.Fatalf("second insert: inserted=%v present=%v", inserted, present)
	}
}

func TestRemoveThenReinsert(t *testing.T) {
	s := New()
	st := story.Story{URL: "u", Site: "ao3"}
	s.TryInsert(st)
	s.Remove(st)
	if s.Contains(st) {
		t.Fatal("expected removed story to be absent")
	}
	inserted, _ := s.TryInsert(st)
	if !inserted {
		t.Fatal("expected reinsert to succeed after removal")
	}
}

func TestConcurrentInsertOnlyOneWins(t *testing.T) {
	s := New()
	st := story.Story{URL: "u", Site: "ao3"}
	const n = 50
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inserted, _ := s.TryInsert(st)
			results[i] = inserted
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winning insert, got %d", wins)
	}
}
