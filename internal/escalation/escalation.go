// Package escalation decides what happens after a failure: retry at a
// higher worker tier, or halt for a human. The decision is a pure function
// of the failure kind and the group's counters, so it is testable without
// spawning workers.
package escalation

// FailureKind classifies what went wrong.
type FailureKind string

const (
	// Content failures: recoverable by looping back through review.
	KindReviewRejected   FailureKind = "review_rejected"
	KindMergeConflict    FailureKind = "merge_conflict"
	KindMergeTestFailure FailureKind = "merge_test_failure"
	KindRegression       FailureKind = "regression"

	// Environment failures: merge blocked, worker timeout, protocol error.
	// These never count toward content retry budgets.
	KindBlocked FailureKind = "blocked"
)

// Action is the decided next step.
type Action string

const (
	ActionRetry Action = "retry"
	ActionHalt  Action = "halt"
)

// Input carries the counters the policy decides on.
type Input struct {
	Kind FailureKind

	// AttemptCount is the consecutive content merge-failure run for merge
	// kinds, and the review iteration for review kinds.
	AttemptCount    int
	NoProgressCount int
	CurrentTier     int
}

// Decision is the policy output. Tier never decreases below CurrentTier.
type Decision struct {
	Tier   int
	Action Action
	Reason string
}

// Policy holds the tunable thresholds.
type Policy struct {
	MaxTier         int
	StagnationLimit int
}

// Default thresholds.
const (
	DefaultMaxTier         = 3
	DefaultStagnationLimit = 2
)

// NewPolicy returns a Policy with defaults filled in.
func NewPolicy(maxTier, stagnationLimit int) Policy {
	if maxTier <= 0 {
		maxTier = DefaultMaxTier
	}
	if stagnationLimit <= 0 {
		stagnationLimit = DefaultStagnationLimit
	}
	return Policy{MaxTier: maxTier, StagnationLimit: stagnationLimit}
}

// Decide maps a failure and the group's counters to the next tier and
// action. Tiers are strictly non-decreasing within a group's lifetime.
func (p Policy) Decide(in Input) Decision {
	d := Decision{Tier: in.CurrentTier, Action: ActionRetry}

	switch in.Kind {
	case KindReviewRejected:
		if in.NoProgressCount >= p.StagnationLimit {
			// Stagnation guard: no issues fixed across consecutive cycles
			// means retrying the same loop will not converge.
			d.Action = ActionHalt
			d.Reason = "stagnation: no issues fixed across consecutive review cycles"
			return d
		}
		d.Tier = in.CurrentTier + 1
		d.Reason = "review rejection: escalating worker tier"

	case KindMergeConflict, KindMergeTestFailure:
		switch {
		case in.AttemptCount >= 4:
			d.Action = ActionHalt
			d.Reason = "repeated merge failures exhausted the retry budget"
			return d
		case in.AttemptCount >= 3:
			d.Tier = p.MaxTier
			d.Reason = "third consecutive merge failure: escalating to highest tier"
		case in.AttemptCount >= 2:
			d.Tier = in.CurrentTier + 1
			d.Reason = "second consecutive merge failure: escalating worker tier"
		default:
			d.Reason = "first merge failure: retrying at current tier"
		}

	case KindRegression:
		// A resolved issue came back. Flag it and escalate; the original
		// issue record is never re-opened.
		d.Tier = in.CurrentTier + 1
		d.Reason = "regression on a previously resolved issue"

	case KindBlocked:
		d.Tier = p.MaxTier
		d.Action = ActionHalt
		d.Reason = "environment failure requires outside intervention"
		return d

	default:
		d.Tier = p.MaxTier
		d.Action = ActionHalt
		d.Reason = "unknown failure kind treated as protocol error"
		return d
	}

	if d.Tier > p.MaxTier {
		d.Tier = p.MaxTier
	}
	if d.Tier < in.CurrentTier {
		d.Tier = in.CurrentTier
	}
	return d
}
