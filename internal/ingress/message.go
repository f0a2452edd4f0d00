// Package ingress defines the tagged-union message carried on the
// orchestrator's single ingress channel: a new Story arrival, or a worker
// announcing it has gone idle. Keeping both variants on one channel (rather
// than a second control channel) is simpler and still correct, since the
// Coordinator's select loop processes them in arrival order either way.
package ingress

import "forge.stoat.dev/fanfic/fetcher/internal/story"

// Message is the sum type read by the Coordinator's processing loop.
type Message interface {
	isMessage()
}

// Arrival carries a new or reinjected Story into the ingress stream: emitted
// by EmailSource, by the DelayScheduler on retry firing, and by a SiteWorker
// on immediate force-promotion reinjection.
type Arrival struct {
	Story story.Story
}

func (Arrival) isMessage() {}

// WorkerIdle is emitted by a SiteWorker when its current site channel has
// been drained. FinishedSite is the site it was just processing, or "" if
// this is the worker's first-ever idle announcement at startup.
type WorkerIdle struct {
	WorkerID     string
	FinishedSite string
}

func (WorkerIdle) isMessage() {}
