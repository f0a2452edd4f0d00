package events

import "time"

// StoryIngested is published whenever EmailSource places a new story onto the
// ingress channel. DelayScheduler reinjections do not publish it.
type StoryIngested struct {
	URL        string
	Site       string
	Behavior   string
	OccurredAt time.Time
}

// SiteAssigned is published whenever the Coordinator binds a worker to a site.
type SiteAssigned struct {
	WorkerID   string
	Site       string
	OccurredAt time.Time
}

// StoryOutcome is published when a SiteWorker finishes processing a story, win or lose.
type StoryOutcome struct {
	URL        string
	Site       string
	Outcome    string // success|transient|final_pending|permanent|force_indicated|given_up
	Attempts   int
	WorkerID   string
	OccurredAt time.Time
}

// RuntimeStateChanged is published whenever TaskRuntime transitions a task's lifecycle state.
type RuntimeStateChanged struct {
	Task       string
	State      string
	OccurredAt time.Time
}
