package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once sync.Once

	storiesIngested   *prom.CounterVec
	duplicatesSkipped *prom.CounterVec
	fetchDuration     *prom.HistogramVec
	fetchOutcomes     *prom.CounterVec
	retriesScheduled  *prom.CounterVec
	finalAttempts     *prom.CounterVec
	givenUp           *prom.CounterVec
	workerBusy        *prom.GaugeVec
	backlogSize       *prom.GaugeVec
	taskRestarts      *prom.CounterVec
	notifyFailures    *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics. Each call
// builds a new set of collectors, so a registry takes one recorder: a second
// call with the same registry panics in MustRegister.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.storiesIngested = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fetcher", Name: "stories_ingested_total", Help: "Stories accepted into the ingress channel by site.",
		}, []string{"site"})
		pr.duplicatesSkipped = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fetcher", Name: "duplicates_skipped_total", Help: "Stories discarded as already in flight or already backlogged.",
		}, []string{"site"})
		pr.fetchDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "fetcher", Name: "fetch_duration_seconds", Help: "Duration of story-fetcher CLI invocations.", Buckets: prom.DefBuckets,
		}, []string{"site"})
		pr.fetchOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fetcher", Name: "fetch_outcomes_total", Help: "Fetcher invocation outcomes by site.",
		}, []string{"site", "outcome"})
		pr.retriesScheduled = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fetcher", Name: "retries_scheduled_total", Help: "Normal retries scheduled in the delay scheduler.",
		}, []string{"site"})
		pr.finalAttempts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fetcher", Name: "final_attempts_scheduled_total", Help: "Final attempts scheduled after retry exhaustion.",
		}, []string{"site"})
		pr.givenUp = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fetcher", Name: "given_up_total", Help: "Stories that reached GiveUp.",
		}, []string{"site"})
		pr.workerBusy = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "fetcher", Name: "worker_busy", Help: "1 if the worker currently holds an assignment, else 0.",
		}, []string{"worker"})
		pr.backlogSize = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "fetcher", Name: "backlog_size", Help: "Pending stories buffered for a site in the Coordinator.",
		}, []string{"site"})
		pr.taskRestarts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fetcher", Name: "task_restarts_total", Help: "TaskRuntime restarts by task name.",
		}, []string{"task"})
		pr.notifyFailures = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "fetcher", Name: "notification_failures_total", Help: "Notification dispatch failures by channel URL.",
		}, []string{"channel"})
		reg.MustRegister(pr.storiesIngested, pr.duplicatesSkipped, pr.fetchDuration, pr.fetchOutcomes,
			pr.retriesScheduled, pr.finalAttempts, pr.givenUp, pr.workerBusy, pr.backlogSize,
			pr.taskRestarts, pr.notifyFailures)
	})
	return pr
}

func (p *PrometheusRecorder) IncStoryIngested(site string) {
	if p == nil || p.storiesIngested == nil {
		return
	}
	p.storiesIngested.WithLabelValues(site).Inc()
}

func (p *PrometheusRecorder) IncDuplicateSkipped(site string) {
	if p == nil || p.duplicatesSkipped == nil {
		return
	}
	p.duplicatesSkipped.WithLabelValues(site).Inc()
}

func (p *PrometheusRecorder) ObserveFetchDuration(site string, d time.Duration) {
	if p == nil || p.fetchDuration == nil {
		return
	}
	p.fetchDuration.WithLabelValues(site).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncFetchOutcome(site string, outcome OutcomeLabel) {
	if p == nil || p.fetchOutcomes == nil {
		return
	}
	p.fetchOutcomes.WithLabelValues(site, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncRetryScheduled(site string) {
	if p == nil || p.retriesScheduled == nil {
		return
	}
	p.retriesScheduled.WithLabelValues(site).Inc()
}

func (p *PrometheusRecorder) IncFinalAttemptScheduled(site string) {
	if p == nil || p.finalAttempts == nil {
		return
	}
	p.finalAttempts.WithLabelValues(site).Inc()
}

func (p *PrometheusRecorder) IncGivenUp(site string) {
	if p == nil || p.givenUp == nil {
		return
	}
	p.givenUp.WithLabelValues(site).Inc()
}

func (p *PrometheusRecorder) SetWorkerBusy(workerID string, busy bool) {
	if p == nil || p.workerBusy == nil {
		return
	}
	v := 0.0
	if busy {
		v = 1.0
	}
	p.workerBusy.WithLabelValues(workerID).Set(v)
}

func (p *PrometheusRecorder) SetBacklogSize(site string, n int) {
	if p == nil || p.backlogSize == nil {
		return
	}
	p.backlogSize.WithLabelValues(site).Set(float64(n))
}

func (p *PrometheusRecorder) IncTaskRestart(task string) {
	if p == nil || p.taskRestarts == nil {
		return
	}
	p.taskRestarts.WithLabelValues(task).Inc()
}

func (p *PrometheusRecorder) IncNotificationFailure(channel string) {
	if p == nil || p.notifyFailures == nil {
		return
	}
	p.notifyFailures.WithLabelValues(channel).Inc()
}
