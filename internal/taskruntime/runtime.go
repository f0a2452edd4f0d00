// Package taskruntime supervises the orchestrator's long-running tasks: the
// email source, the coordinator, each site worker, and the delay scheduler.
// It owns registration, startup ordering, crash-restart after a fixed delay,
// health reporting, and graceful shutdown (cmd/fetcher calls StopAll and
// WaitAll when a termination signal arrives).
package taskruntime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forge.stoat.dev/fanfic/fetcher/internal/events"
	ferrors "forge.stoat.dev/fanfic/fetcher/internal/foundation/errors"
	"forge.stoat.dev/fanfic/fetcher/internal/logfields"
	"forge.stoat.dev/fanfic/fetcher/internal/metrics"
)

// publishTimeout bounds a best-effort event-bus publish from the runtime's
// state-change hook; a slow or absent consumer must never stall supervision.
const publishTimeout = 100 * time.Millisecond

// State is a task's lifecycle state.
type State string

const (
	StateRegistered State = "registered"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
)

// Task is anything TaskRuntime can supervise. Run must block until ctx is
// canceled (normal shutdown) or it returns an error (abnormal exit, eligible
// for restart).
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Health is a point-in-time snapshot of one task's supervision state.
type Health struct {
	Name          string
	State         State
	LastError     error
	RestartCount  int
	LastStartedAt time.Time
}

type taskEntry struct {
	task          Task
	mu            sync.Mutex
	state         State
	lastError     error
	restartCount  int
	lastStartedAt time.Time
	cancel        context.CancelFunc
}

// Options configures restart and shutdown behavior; zero values fall back to
// the documented defaults, except AutoRestart, whose zero value is false.
type Options struct {
	HealthCheckInterval time.Duration // default 30s
	RestartDelay        time.Duration // default 5s
	MaxRestartAttempts  int           // default 3
	ShutdownTimeout     time.Duration // default 10s, capped at 300s
	AutoRestart         bool          // false unless set; config defaults it to true
}

func (o Options) withDefaults() Options {
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 5 * time.Second
	}
	if o.MaxRestartAttempts <= 0 {
		o.MaxRestartAttempts = 3
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.ShutdownTimeout > 300*time.Second {
		o.ShutdownTimeout = 300 * time.Second
	}
	return o
}

// Runtime supervises a fixed, ordered set of tasks.
type Runtime struct {
	log      *slog.Logger
	opts     Options
	bus      *events.Bus
	recorder metrics.Recorder

	mu    sync.Mutex
	order []string
	tasks map[string]*taskEntry

	group       WorkerGroup
	runCtx      context.Context
	runCancel   context.CancelFunc
	monitorDone chan struct{}

	// hardCtx outlives the cooperative cancellation tasks observe through
	// their Run context. It is canceled only once WaitAll's timeout elapses,
	// so external subprocesses threaded onto it get to finish the story they
	// are mid-way through before being killed.
	hardCtx    context.Context
	hardCancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

// forceKillGrace bounds how long WaitAll keeps waiting after the hard
// context has been canceled and every remaining subprocess is dying.
const forceKillGrace = 2 * time.Second

// New constructs a Runtime. A nil logger falls back to slog.Default().
func New(log *slog.Logger, opts Options) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	hardCtx, hardCancel := context.WithCancel(context.Background())
	return &Runtime{
		log:        log,
		opts:       opts.withDefaults(),
		tasks:      make(map[string]*taskEntry),
		recorder:   metrics.NoopRecorder{},
		hardCtx:    hardCtx,
		hardCancel: hardCancel,
	}
}

// HardContext returns the context for work that must survive cooperative
// shutdown: it stays live through StopAll and is canceled only when WaitAll
// gives up waiting. Workers thread it into exec.CommandContext so an
// in-flight fetch is not killed the moment a termination signal lands.
func (r *Runtime) HardContext() context.Context { return r.hardCtx }

// SetEventBus wires an optional events.Bus that the Runtime publishes
// RuntimeStateChanged events to on every task lifecycle transition. Nil is a
// no-op; call before StartAll.
func (r *Runtime) SetEventBus(bus *events.Bus) {
	r.bus = bus
}

// SetRecorder wires a metrics.Recorder the Runtime counts task restarts on.
// Nil falls back to the no-op recorder already set by New.
func (r *Runtime) SetRecorder(recorder metrics.Recorder) {
	if recorder == nil {
		return
	}
	r.recorder = recorder
}

func (r *Runtime) publish(task string, state State) {
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	evt := events.RuntimeStateChanged{Task: task, State: string(state), OccurredAt: time.Now()}
	if err := r.bus.Publish(ctx, evt); err != nil {
		r.log.Debug("event publish dropped", logfields.Error(err))
	}
}

// Register adds a task to the runtime. Registration order is significant: it
// determines both startup order and the order tasks are asked to stop.
func (r *Runtime) Register(t Task) error {
	if t == nil || t.Name() == "" {
		return ferrors.ValidationError("task must be non-nil with a non-empty name").Build()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.Name()]; exists {
		return ferrors.ValidationError("task already registered").WithContext("task", t.Name()).Build()
	}
	r.tasks[t.Name()] = &taskEntry{task: t, state: StateRegistered}
	r.order = append(r.order, t.Name())
	return nil
}

// StartAll starts every registered task and begins the health-check monitor.
// It returns once all tasks have been launched; task failures surface through
// Health(), not through StartAll's return value.
func (r *Runtime) StartAll(ctx context.Context) error {
	r.mu.Lock()
	if r.runCtx != nil {
		r.mu.Unlock()
		return ferrors.RuntimeError("runtime already started").Build()
	}
	r.runCtx, r.runCancel = context.WithCancel(ctx)
	names := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, name := range names {
		r.startTask(name)
	}

	r.monitorDone = make(chan struct{})
	go r.monitorLoop()
	return nil
}

func (r *Runtime) startTask(name string) {
	r.mu.Lock()
	entry := r.tasks[name]
	r.mu.Unlock()
	if entry == nil {
		return
	}

	taskCtx, cancel := context.WithCancel(r.runCtx)
	entry.mu.Lock()
	entry.cancel = cancel
	entry.state = StateStarting
	entry.lastStartedAt = time.Now()
	entry.mu.Unlock()

	r.group.Go(func() {
		r.setState(name, StateRunning)
		err := r.runTaskSafely(taskCtx, entry.task)
		entry.mu.Lock()
		entry.lastError = err
		normalStop := taskCtx.Err() != nil
		entry.mu.Unlock()
		if normalStop {
			r.setState(name, StateStopped)
			return
		}
		if err != nil {
			r.log.Error("task exited abnormally", logfields.Worker(name), logfields.Error(err))
			r.handleCrash(name)
			return
		}
		// Normal completion with no cancellation: terminal, not restarted.
		r.setState(name, StateStopped)
	})
}

func (r *Runtime) runTaskSafely(ctx context.Context, t Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return t.Run(ctx)
}

func (r *Runtime) handleCrash(name string) {
	r.mu.Lock()
	entry := r.tasks[name]
	r.mu.Unlock()
	if entry == nil {
		return
	}

	entry.mu.Lock()
	entry.restartCount++
	attempts := entry.restartCount
	entry.mu.Unlock()

	if !r.opts.AutoRestart || attempts > r.opts.MaxRestartAttempts {
		r.setState(name, StateCrashed)
		r.log.Warn("task exhausted restart attempts", logfields.Worker(name), slog.Int("attempts", attempts))
		return
	}

	r.setState(name, StateRestarting)
	r.recorder.IncTaskRestart(name)
	select {
	case <-time.After(r.opts.RestartDelay):
	case <-r.runCtx.Done():
		r.setState(name, StateStopped)
		return
	}
	if r.runCtx.Err() != nil {
		r.setState(name, StateStopped)
		return
	}
	r.startTask(name)
}

func (r *Runtime) setState(name string, s State) {
	r.mu.Lock()
	entry := r.tasks[name]
	r.mu.Unlock()
	if entry == nil {
		return
	}
	entry.mu.Lock()
	entry.state = s
	entry.mu.Unlock()
	r.publish(name, s)
}

func (r *Runtime) monitorLoop() {
	defer close(r.monitorDone)
	ticker := time.NewTicker(r.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.runCtx.Done():
			return
		case <-ticker.C:
			for _, h := range r.Health() {
				if h.State == StateCrashed {
					r.log.Warn("task health check: crashed", logfields.Worker(h.Name))
				}
			}
		}
	}
}

// Stop cancels a single named task; it does not affect others.
func (r *Runtime) Stop(name string) error {
	r.mu.Lock()
	entry := r.tasks[name]
	r.mu.Unlock()
	if entry == nil {
		return ferrors.NewError(ferrors.CategoryNotFound, "task not registered").WithContext("task", name).Build()
	}
	entry.mu.Lock()
	entry.state = StateStopping
	cancel := entry.cancel
	entry.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// StopAll performs the ordered, idempotent shutdown: tasks are canceled one at
// a time in registration order so sources stop before the coordinator, which
// stops before workers, which stop before the delay scheduler.
func (r *Runtime) StopAll() error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		names := append([]string(nil), r.order...)
		r.mu.Unlock()

		for _, name := range names {
			_ = r.Stop(name)
		}
		if r.runCancel != nil {
			r.runCancel()
		}
	})
	return r.stopErr
}

// WaitAll blocks until every task has stopped or timeout elapses. Shutdown
// is two-phase: tasks first get the full timeout to finish cooperatively
// (in-flight external work keeps running on the hard context), and only once
// that budget is spent is the hard context canceled, killing remaining
// subprocesses, with a short grace for the tasks to unwind.
func (r *Runtime) WaitAll(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.group.StopAndWait(ctx); err == nil {
		r.hardCancel()
		return nil
	}

	r.log.Warn("shutdown timeout elapsed, killing in-flight external work", slog.Int("active", r.group.Active()))
	r.hardCancel()
	graceCtx, graceCancel := context.WithTimeout(context.Background(), forceKillGrace)
	defer graceCancel()
	return r.group.StopAndWait(graceCtx)
}

// ActiveWorkers returns the number of supervised task goroutines that have
// not yet returned. Meaningful mainly right after a WaitAll timeout, to
// report how many tasks are still winding down.
func (r *Runtime) ActiveWorkers() int {
	return r.group.Active()
}

// Health returns a snapshot of every registered task's supervision state.
func (r *Runtime) Health() []Health {
	r.mu.Lock()
	names := append([]string(nil), r.order...)
	r.mu.Unlock()

	out := make([]Health, 0, len(names))
	for _, name := range names {
		r.mu.Lock()
		entry := r.tasks[name]
		r.mu.Unlock()
		if entry == nil {
			continue
		}
		entry.mu.Lock()
		out = append(out, Health{
			Name:          name,
			State:         entry.state,
			LastError:     entry.lastError,
			RestartCount:  entry.restartCount,
			LastStartedAt: entry.lastStartedAt,
		})
		entry.mu.Unlock()
	}
	return out
}
