// Package retry implements the pure decision function that turns a story's
// failed-attempt count into the next scheduling action.
package retry

import (
	"fmt"
	"time"
)

// Action is the next thing that should happen to a failed story.
type Action int

const (
	// ActionRequeue schedules a normal retry after Decision.Wait.
	ActionRequeue Action = iota
	// ActionFinalAttempt schedules the single extended-wait final attempt.
	ActionFinalAttempt
	// ActionGiveUp means the story is terminal; no further attempts.
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionRequeue:
		return "requeue"
	case ActionFinalAttempt:
		return "final_attempt"
	case ActionGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Decision is the outcome of applying a Policy to a story's attempt count.
type Decision struct {
	Action Action
	// Wait is the delay before the story should be reinjected. Zero for GiveUp.
	Wait time.Duration
	// PromoteForce indicates behavior should become "force" when this action fires.
	PromoteForce bool
	// NotifyPenultimate indicates a "penultimate failure" notification should fire now.
	NotifyPenultimate bool
}

// Policy encapsulates the RetryPolicy decision table. It is immutable after construction.
type Policy struct {
	// MaxNormalRetries is the attempt count at which ordinary, linearly-spaced
	// retries stop: a story is requeued only while its attempts stay below it,
	// so it gets MaxNormalRetries-1 ordinary retries before the (optional)
	// final attempt. Bounded [1, 50].
	MaxNormalRetries int
	// FinalAttemptEnabled toggles whether a story gets one last extended-wait try
	// after exhausting MaxNormalRetries.
	FinalAttemptEnabled bool
	// FinalAttemptWait is the delay before the final attempt fires. Bounded (6m, 168h].
	FinalAttemptWait time.Duration
	// BaseStep is the per-attempt step for normal retries (spec default: 1 minute).
	BaseStep time.Duration
}

// DefaultPolicy returns the stock policy: MaxNormalRetries of 11 (ordinary
// retries after attempts 1 through 10, waiting 1m to 10m), and a final
// attempt enabled with a 12h wait.
func DefaultPolicy() Policy {
	return Policy{
		MaxNormalRetries:    11,
		FinalAttemptEnabled: true,
		FinalAttemptWait:    12 * time.Hour,
		BaseStep:            time.Minute,
	}
}

// NewPolicy builds a policy from raw config fields; non-positive values fall back to defaults.
func NewPolicy(maxNormalRetries int, finalAttemptEnabled bool, finalAttemptWaitHours float64) Policy {
	p := DefaultPolicy()
	if maxNormalRetries > 0 {
		p.MaxNormalRetries = maxNormalRetries
	}
	p.FinalAttemptEnabled = finalAttemptEnabled
	if finalAttemptWaitHours > 0 {
		p.FinalAttemptWait = time.Duration(finalAttemptWaitHours * float64(time.Hour))
	}
	return p
}

// Validate ensures the policy's invariants hold.
func (p Policy) Validate() error {
	if p.MaxNormalRetries < 1 || p.MaxNormalRetries > 50 {
		return fmt.Errorf("max_normal_retries must be in [1, 50], got %d", p.MaxNormalRetries)
	}
	hours := p.FinalAttemptWait.Hours()
	if hours <= 0.1 || hours > 168 {
		return fmt.Errorf("final_attempt_wait_hours must be in (0.1, 168], got %v", hours)
	}
	if p.BaseStep <= 0 {
		return fmt.Errorf("base retry step must be >0")
	}
	return nil
}

// Decide returns the next action for a story given its post-increment attempt count.
func (p Policy) Decide(attempts int) Decision {
	if attempts < p.MaxNormalRetries {
		return Decision{
			Action: ActionRequeue,
			Wait:   time.Duration(attempts) * p.BaseStep,
		}
	}
	if attempts == p.MaxNormalRetries && p.FinalAttemptEnabled {
		return Decision{
			Action:            ActionFinalAttempt,
			Wait:              p.FinalAttemptWait,
			PromoteForce:      true,
			NotifyPenultimate: true,
		}
	}
	return Decision{Action: ActionGiveUp}
}
