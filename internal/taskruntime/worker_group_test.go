package taskruntime

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWorkerGroupRunsAndWaits(t *testing.T) {
	var g WorkerGroup
	var ran atomic32
	var wg sync.WaitGroup
	wg.Add(1)

	ok := g.Go(func() {
		defer wg.Done()
		ran.set(1)
	})
	if !ok {
		t.Fatal("Go() = false on a fresh group, want true")
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.StopAndWait(ctx); err != nil {
		t.Fatalf("StopAndWait() = %v, want nil", err)
	}
	if ran.get() != 1 {
		t.Error("worker function never ran")
	}
}

func TestWorkerGroupRejectsGoAfterStop(t *testing.T) {
	var g WorkerGroup
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.StopAndWait(ctx); err != nil {
		t.Fatalf("StopAndWait() on empty group = %v, want nil", err)
	}

	if g.Go(func() {}) {
		t.Error("Go() after StopAndWait() = true, want false")
	}
}

func TestWorkerGroupStopAndWaitRespectsContext(t *testing.T) {
	var g WorkerGroup
	release := make(chan struct{})
	g.Go(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.StopAndWait(ctx)
	if err == nil {
		t.Fatal("StopAndWait() = nil while a worker is still blocked, want context deadline error")
	}
	if g.Active() != 1 {
		t.Errorf("Active() = %d, want 1 (the still-blocked worker)", g.Active())
	}
	close(release)
}

func TestWorkerGroupResetAllowsReuse(t *testing.T) {
	var g WorkerGroup
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = g.StopAndWait(ctx)

	g.Reset()
	if !g.Go(func() {}) {
		t.Error("Go() after Reset() = false, want true")
	}
}

// atomic32 is a tiny int32 box so the tests above don't need to import
// sync/atomic just for one counter.
type atomic32 struct {
	mu sync.Mutex
	v  int
}

func (a *atomic32) set(v int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}

func (a *atomic32) get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
