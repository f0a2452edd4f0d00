package metrics

import "time"

// OutcomeLabel classifies a single fetcher invocation's result.
type OutcomeLabel string

const (
	OutcomeSuccess        OutcomeLabel = "success"
	OutcomeForceIndicated OutcomeLabel = "force_indicated"
	OutcomeTransient      OutcomeLabel = "transient"
	OutcomePermanent      OutcomeLabel = "permanent"
)

// Recorder defines observability hooks for the ingestion pipeline. Implementations
// may forward to Prometheus, etc. All methods must be safe for nil receivers when
// using NoopRecorder (allowing optional injection).
type Recorder interface {
	IncStoryIngested(site string)
	IncDuplicateSkipped(site string)
	ObserveFetchDuration(site string, d time.Duration)
	IncFetchOutcome(site string, outcome OutcomeLabel)
	IncRetryScheduled(site string)
	IncFinalAttemptScheduled(site string)
	IncGivenUp(site string)
	SetWorkerBusy(workerID string, busy bool)
	SetBacklogSize(site string, n int)
	IncTaskRestart(task string)
	IncNotificationFailure(channel string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncStoryIngested(string)                    {}
func (NoopRecorder) IncDuplicateSkipped(string)                 {}
func (NoopRecorder) ObserveFetchDuration(string, time.Duration) {}
func (NoopRecorder) IncFetchOutcome(string, OutcomeLabel)       {}
func (NoopRecorder) IncRetryScheduled(string)                   {}
func (NoopRecorder) IncFinalAttemptScheduled(string)            {}
func (NoopRecorder) IncGivenUp(string)                          {}
func (NoopRecorder) SetWorkerBusy(string, bool)                 {}
func (NoopRecorder) SetBacklogSize(string, int)                 {}
func (NoopRecorder) IncTaskRestart(string)                      {}
func (NoopRecorder) IncNotificationFailure(string)              {}
