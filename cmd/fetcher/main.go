package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	prom "github.com/prometheus/client_golang/prometheus"

	"forge.stoat.dev/fanfic/fetcher/internal/activeset"
	"forge.stoat.dev/fanfic/fetcher/internal/audit"
	"forge.stoat.dev/fanfic/fetcher/internal/clock"
	"forge.stoat.dev/fanfic/fetcher/internal/config"
	"forge.stoat.dev/fanfic/fetcher/internal/coordinator"
	"forge.stoat.dev/fanfic/fetcher/internal/delayscheduler"
	"forge.stoat.dev/fanfic/fetcher/internal/events"
	"forge.stoat.dev/fanfic/fetcher/internal/fetcher"
	ferrors "forge.stoat.dev/fanfic/fetcher/internal/foundation/errors"
	"forge.stoat.dev/fanfic/fetcher/internal/library"
	"forge.stoat.dev/fanfic/fetcher/internal/mailsource"
	"forge.stoat.dev/fanfic/fetcher/internal/metrics"
	"forge.stoat.dev/fanfic/fetcher/internal/notify"
	"forge.stoat.dev/fanfic/fetcher/internal/retry"
	"forge.stoat.dev/fanfic/fetcher/internal/siteworker"
	"forge.stoat.dev/fanfic/fetcher/internal/taskruntime"
)

var version = "dev"

// CLI is the fetcher's single entrypoint: there are no subcommands, just a
// config file and a couple of process-level knobs.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"config.toml"`
	Verbose bool             `short:"v" help:"Enable verbose logging" env:"VERBOSE"`
	Workers int              `short:"w" help:"Number of concurrent site workers" default:"4"`
	Metrics string           `help:"Address to serve Prometheus metrics on (empty disables the HTTP server)" default:""`
	Audit   string           `help:"Path to the audit trail SQLite database (empty disables auditing)" default:""`
	NATSURL string           `name:"nats-url" help:"NATS server URL to mirror control-flow events onto (empty disables the mirror)" default:""`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Binaries struct {
		Fetcher     string `help:"story-fetcher CLI binary" default:"story-fetcher"`
		Library     string `help:"library CLI binary" default:"calibredb"`
		ScratchRoot string `name:"scratch-root" help:"Root directory for per-story scratch workspaces" default:"/tmp/fetcher-scratch"`
	} `embed:"" prefix:""`
}

// AfterApply sets up the default logger before run executes, mirroring
// the verbose-toggles-level convention used across the command set.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

func main() {
	_ = godotenv.Load()

	cli := &CLI{}
	kong.Parse(cli,
		kong.Description("fetcher: mailbox-driven fanfiction ingestion and retry orchestrator."),
		kong.Vars{"version": version},
	)

	logger := slog.Default()
	errorAdapter := ferrors.NewCLIErrorAdapter(cli.Verbose, logger)

	if err := run(cli, logger); err != nil {
		errorAdapter.LogError(err)
		fmt.Fprintln(os.Stderr, errorAdapter.FormatError(err))
		os.Exit(errorAdapter.ExitCodeFor(err))
	}
}

func run(cli *CLI, log *slog.Logger) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	active := activeset.New()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var reg *prom.Registry
	if cfg.Runtime.EnableMonitoring {
		reg = prom.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
	}
	if cli.Metrics != "" {
		if reg == nil {
			reg = prom.NewRegistry()
			recorder = metrics.NewPrometheusRecorder(reg)
		}
		serveMetrics(cli.Metrics, reg, log)
	}

	notifier := notify.Notifier(notify.NewHTTPDispatcher(cfg.Notify.URLs, log, recorder))

	var auditStore audit.Store
	if cli.Audit != "" {
		store, err := audit.Open(cli.Audit)
		if err != nil {
			return ferrors.WrapError(err, ferrors.CategoryAudit, "open audit store").Build()
		}
		auditStore = store
		defer store.Close()
	}

	bus := events.NewBus()
	defer bus.Close()
	if cli.NATSURL != "" {
		bus.SetRemote(events.ConnectRemote(cli.NATSURL, "fetcher.events", log))
	}
	runEventLogger(bus, log)

	coord := coordinator.New(log, recorder, active)
	coord.SetEventBus(bus)

	schedulerIngress := coord.Ingress()
	scheduler := delayscheduler.New(clock.Real{}, schedulerIngress, log)
	coord.SetRetryPending(scheduler.Contains)

	retryPolicy := retry.NewPolicy(cfg.Retry.MaxNormalRetries, cfg.Retry.FinalAttemptEnabled, cfg.Retry.FinalAttemptWaitHours)

	libraryClient := library.NewClient(cli.Binaries.Library, nil)
	fetcherClient := fetcher.NewClient(cli.Binaries.Fetcher, nil)

	runtime := taskruntime.New(log, taskruntime.Options{
		HealthCheckInterval: cfg.Runtime.HealthCheckInterval,
		RestartDelay:        cfg.Runtime.RestartDelay,
		MaxRestartAttempts:  cfg.Runtime.MaxRestartAttempts,
		ShutdownTimeout:     cfg.Runtime.ShutdownTimeout,
		AutoRestart:         cfg.Runtime.AutoRestart,
	})
	runtime.SetEventBus(bus)
	runtime.SetRecorder(recorder)

	emailSource := mailsource.New(cfg.Email, func() (mailsource.MailClient, error) {
		return mailsource.DialIMAP(cfg.Email)
	}, coord.Ingress(), active, notifier, recorder, log)
	emailSource.SetRetryPending(scheduler.Contains)
	emailSource.SetEventBus(bus)
	if auditStore != nil {
		emailSource.SetAuditStore(auditStore)
	}

	if err := runtime.Register(emailSource); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryRuntime, "register email source").Build()
	}
	if err := runtime.Register(coord); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryRuntime, "register coordinator").Build()
	}

	workerCount := cli.Workers
	if workerCount < 1 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		id := "worker-" + strconv.Itoa(i)
		assignments := coord.RegisterWorker(id)
		w := siteworker.New(id, assignments, coord.Ingress(), siteworker.Deps{
			Active:      active,
			Library:     libraryClient,
			Fetcher:     fetcherClient,
			Scheduler:   scheduler,
			Notifier:    notifier,
			Recorder:    recorder,
			Clock:       clock.Real{},
			LibraryCfg:  cfg.Library,
			RetryPolicy: retryPolicy,
			ScratchRoot: cli.Binaries.ScratchRoot,
			Audit:       auditStore,
			Bus:         bus,
			Log:         log,
			HardCtx:     runtime.HardContext(),
		})
		if err := runtime.Register(w); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryRuntime, "register worker").WithContext("worker", id).Build()
		}
	}

	if err := runtime.Register(scheduler); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryRuntime, "register delay scheduler").Build()
	}

	ctx := context.Background()
	if err := runtime.StartAll(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryRuntime, "start task runtime").Build()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	go func() {
		for range sigCh {
			log.Warn("second shutdown signal received, stop already in progress")
		}
	}()

	if err := runtime.StopAll(); err != nil {
		log.Error("error during ordered task shutdown", "error", err)
	}
	if err := runtime.WaitAll(cfg.Runtime.ShutdownTimeout); err != nil {
		log.Error("tasks did not stop within shutdown timeout", "error", err, "active_workers", runtime.ActiveWorkers())
	}

	log.Info("shutdown complete")
	return nil
}

// runEventLogger subscribes to every control-flow event type published on
// bus and renders each as a debug-level log line. It is the simplest
// possible consumer of the event bus: the binary has no status page or GUI
// (see spec Non-goals), so this is where the observability trail the bus
// exists for currently surfaces. Subscriptions are closed when bus.Close()
// runs at shutdown.
func runEventLogger(bus *events.Bus, log *slog.Logger) {
	ingested, _ := events.Subscribe[events.StoryIngested](bus, 64)
	assigned, _ := events.Subscribe[events.SiteAssigned](bus, 64)
	outcomes, _ := events.Subscribe[events.StoryOutcome](bus, 64)
	states, _ := events.Subscribe[events.RuntimeStateChanged](bus, 64)

	go func() {
		for {
			select {
			case evt, ok := <-ingested:
				if !ok {
					return
				}
				log.Debug("event: story ingested", "url", evt.URL, "site", evt.Site, "behavior", evt.Behavior)
			case evt, ok := <-assigned:
				if !ok {
					return
				}
				log.Debug("event: site assigned", "worker", evt.WorkerID, "site", evt.Site)
			case evt, ok := <-outcomes:
				if !ok {
					return
				}
				log.Debug("event: story outcome", "url", evt.URL, "site", evt.Site, "outcome", evt.Outcome, "attempts", evt.Attempts)
			case evt, ok := <-states:
				if !ok {
					return
				}
				log.Debug("event: runtime state changed", "task", evt.Task, "state", evt.State)
			}
		}
	}()
}
