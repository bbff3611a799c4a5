// Package merge serializes approved task groups into the target branch and
// drives each integration attempt to a terminal outcome.
package merge

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/zulandar/signalbox/internal/escalation"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/review"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/taskgroup"
	"github.com/zulandar/signalbox/internal/worker"
	"gorm.io/gorm"
)

// Outcome is the terminal result of one coordinator pass over a group.
type Outcome string

const (
	// OutcomeMerged means the group integrated and is completed.
	OutcomeMerged Outcome = "merged"
	// OutcomeRetry means a content failure sent the group back to the
	// review loop with a fresh issue set.
	OutcomeRetry Outcome = "retry"
	// OutcomeHalted means an environment failure or exhausted retry budget
	// failed the group.
	OutcomeHalted Outcome = "halted"
)

// Coordinator owns the approved_pending_merge → merging → terminal leg of
// the lifecycle. One coordinator serves the whole engine; callers run it
// for one group at a time against any given target branch.
type Coordinator struct {
	Store        *store.Store
	Dispatcher   worker.Dispatcher
	Notifier     *notify.Sender
	Policy       escalation.Policy
	Poller       *CIPoller // nil disables CI gating
	TargetBranch string
	Out          io.Writer
}

func (c *Coordinator) out() io.Writer {
	if c.Out == nil {
		return io.Discard
	}
	return c.Out
}

// Run drives one merge attempt for an approved group. A content failure
// returns the group to in_progress and the caller re-enters the review
// loop; only success and halt are terminal here.
func (c *Coordinator) Run(ctx context.Context, taskGroupID string) (Outcome, error) {
	tg, err := c.Store.GetGroup(taskGroupID)
	if err != nil {
		return "", err
	}
	if tg.Status != taskgroup.StatusApprovedPendingMerge {
		return "", fmt.Errorf("merge: %s is %s, not approved_pending_merge", taskGroupID, tg.Status)
	}

	if err := c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		if err := taskgroup.Transition(tx, tg.ID, taskgroup.StatusMerging, taskgroup.StageMerge, nil); err != nil {
			return err
		}
		return taskgroup.BeginDispatch(tx, tg.ID, taskgroup.StageMerge)
	}); err != nil {
		return "", err
	}
	c.Store.AppendEvent(tg.SessionID, tg.ID, store.EventTransition, "approved_pending_merge -> merging")

	started := time.Now()
	res, err := c.Dispatcher.Dispatch(ctx, worker.Request{
		TaskGroupID:  tg.ID,
		Stage:        worker.StageMerge,
		Tier:         tg.EscalationTier,
		BranchRef:    tg.BranchRef,
		TargetBranch: c.TargetBranch,
	})
	if endErr := c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		return taskgroup.EndDispatch(tx, tg.ID)
	}); endErr != nil {
		return "", endErr
	}
	if err == nil {
		err = worker.ValidateResult(worker.StageMerge, res)
	}
	if err != nil {
		c.recordAttempt(tg, worker.MergeBlocked, fmt.Sprintf("dispatch: %v", err), started, 0, false)
		return c.halt(tg, fmt.Sprintf("merge dispatch: %v", err), false)
	}

	fmt.Fprintf(c.out(), "[%s] merge attempt %d: %s\n", tg.ID, tg.MergeAttemptCount+1, res.Outcome)

	switch res.Outcome {
	case worker.MergeSuccess:
		return c.finishSuccess(ctx, tg, res, started)
	case worker.MergeConflict, worker.MergeTestFailure:
		c.recordAttempt(tg, res.Outcome, res.Detail, started, 0, false)
		return c.retryOrHalt(tg, res)
	case worker.MergeBlocked:
		c.recordAttempt(tg, res.Outcome, res.Detail, started, 0, false)
		return c.halt(tg, fmt.Sprintf("merge blocked: %s", res.Detail), false)
	default:
		return "", &worker.ProtocolError{Stage: worker.StageMerge, Got: res.Outcome, Reason: "outcome outside closed set"}
	}
}

// finishSuccess gates a successful merge on CI, then runs post-merge
// verification before completing the group. A CI poll budget running out is
// recorded as success with a warning, never as failure.
func (c *Coordinator) finishSuccess(ctx context.Context, tg *models.TaskGroup, res *worker.Result, started time.Time) (Outcome, error) {
	ciWarning := false
	polls := 0
	if c.Poller != nil {
		ciRes, used, err := c.Poller.Wait(ctx, tg.BranchRef)
		polls = used
		if err != nil {
			c.recordAttempt(tg, worker.MergeBlocked, fmt.Sprintf("ci: %v", err), started, polls, false)
			return c.halt(tg, fmt.Sprintf("ci check: %v", err), false)
		}
		switch ciRes {
		case CIFailed:
			c.recordAttempt(tg, worker.MergeTestFailure, "ci reported failure after merge", started, polls, false)
			return c.retryOrHalt(tg, &worker.Result{Outcome: worker.MergeTestFailure, Detail: "ci reported failure after merge"})
		case CITimedOut:
			ciWarning = true
			c.Store.AppendEvent(tg.SessionID, tg.ID, store.EventCITimeout,
				fmt.Sprintf("ci pending after %d polls, accepting with warning", c.Poller.MaxPolls))
			fmt.Fprintf(c.out(), "[%s] ci still pending after %d polls, accepting with warning\n", tg.ID, c.Poller.MaxPolls)
		}
	}

	// Post-merge verification, with preexisting-failure attribution: only
	// failures introduced by this change pull the group back.
	verifyRes, err := c.Dispatcher.Dispatch(ctx, worker.Request{
		TaskGroupID:  tg.ID,
		Stage:        worker.StageVerify,
		Tier:         tg.EscalationTier,
		BranchRef:    c.TargetBranch,
		TargetBranch: c.TargetBranch,
	})
	if err == nil {
		err = worker.ValidateResult(worker.StageVerify, verifyRes)
	}
	if err != nil {
		c.recordAttempt(tg, worker.MergeBlocked, fmt.Sprintf("post-merge verify: %v", err), started, polls, ciWarning)
		return c.halt(tg, fmt.Sprintf("post-merge verify dispatch: %v", err), false)
	}
	if !verifyRes.Passed && !verifyRes.Preexisting {
		detail := "post-merge verification failed"
		if len(verifyRes.Failures) > 0 {
			detail = fmt.Sprintf("post-merge verification failed: %s", verifyRes.Failures[0])
		}
		c.recordAttempt(tg, worker.MergeTestFailure, detail, started, polls, ciWarning)
		return c.retryOrHalt(tg, &worker.Result{Outcome: worker.MergeTestFailure, Detail: detail})
	}

	c.recordAttempt(tg, worker.MergeSuccess, res.Detail, started, polls, ciWarning)
	err = c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		return taskgroup.Transition(tx, tg.ID, taskgroup.StatusCompleted, taskgroup.StageNone, map[string]interface{}{
			"merge_attempt_count": tg.MergeAttemptCount + 1,
		})
	})
	if err != nil {
		return "", err
	}
	c.Store.AppendEvent(tg.SessionID, tg.ID, store.EventTransition, "merging -> completed")
	return OutcomeMerged, nil
}

// retryOrHalt handles a content merge failure: the group re-enters the
// review loop with the failure as a fresh blocking issue, at a tier the
// policy picks from the consecutive-failure run.
func (c *Coordinator) retryOrHalt(tg *models.TaskGroup, res *worker.Result) (Outcome, error) {
	failures, err := c.Store.ConsecutiveMergeFailures(tg.ID)
	if err != nil {
		return "", err
	}

	kind := escalation.KindMergeConflict
	if res.Outcome == worker.MergeTestFailure {
		kind = escalation.KindMergeTestFailure
	}
	d := c.Policy.Decide(escalation.Input{
		Kind:         kind,
		AttemptCount: failures,
		CurrentTier:  tg.EscalationTier,
	})

	if d.Action == escalation.ActionHalt {
		return c.halt(tg, d.Reason, true)
	}

	title := fmt.Sprintf("merge %s: %s", res.Outcome, res.Detail)
	err = c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		iss := models.Issue{
			TaskGroupID: tg.ID,
			Source:      "merge",
			Severity:    "critical",
			Blocking:    true,
			Title:       title,
			Signature:   "merge:" + review.Signature(title),
			CreatedAt:   time.Now(),
		}
		if err := tx.Create(&iss).Error; err != nil {
			return err
		}
		return taskgroup.Transition(tx, tg.ID, taskgroup.StatusInProgress, taskgroup.StageImplement, map[string]interface{}{
			"merge_attempt_count":  tg.MergeAttemptCount + 1,
			"escalation_tier":      d.Tier,
			"blocking_issue_count": tg.BlockingIssueCount + 1,
		})
	})
	if err != nil {
		return "", err
	}

	c.Store.AppendEvent(tg.SessionID, tg.ID, store.EventTransition, "merging -> in_progress")
	if d.Tier > tg.EscalationTier {
		c.Store.AppendEvent(tg.SessionID, tg.ID, store.EventEscalation, fmt.Sprintf("tier %d: %s", d.Tier, d.Reason))
	}
	return OutcomeRetry, nil
}

// recordAttempt appends one row to the attempt history.
func (c *Coordinator) recordAttempt(tg *models.TaskGroup, outcome, detail string, started time.Time, polls int, ciWarning bool) {
	att := models.MergeAttempt{
		TaskGroupID:   tg.ID,
		AttemptNumber: tg.MergeAttemptCount + 1,
		Outcome:       outcome,
		Detail:        detail,
		CIPollCount:   polls,
		CIWarning:     ciWarning,
		DurationMs:    time.Since(started).Milliseconds(),
		CreatedAt:     time.Now(),
	}
	if err := c.Store.DB().Create(&att).Error; err != nil {
		fmt.Fprintf(c.out(), "[%s] record merge attempt: %v\n", tg.ID, err)
	}
}

// halt fails the group out of merging and raises a notice. countAttempt is
// true only when the halt closes out a content merge attempt; blocked
// failures leave the attempt counter alone.
func (c *Coordinator) halt(tg *models.TaskGroup, reason string, countAttempt bool) (Outcome, error) {
	var updates map[string]interface{}
	if countAttempt {
		updates = map[string]interface{}{
			"merge_attempt_count": tg.MergeAttemptCount + 1,
		}
	}
	err := c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		return taskgroup.Transition(tx, tg.ID, taskgroup.StatusFailed, taskgroup.StageNone, updates)
	})
	if err != nil {
		return "", err
	}

	c.Store.AppendEvent(tg.SessionID, tg.ID, store.EventHalt, reason)
	if c.Notifier != nil {
		c.Notifier.Send(notify.Notice{
			SessionID:   tg.SessionID,
			TaskGroupID: tg.ID,
			Severity:    "urgent",
			Subject:     fmt.Sprintf("task group %s failed to merge", tg.ID),
			Body:        reason,
		})
	}
	fmt.Fprintf(c.out(), "[%s] merge halted: %s\n", tg.ID, reason)
	return OutcomeHalted, nil
}
