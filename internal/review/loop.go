// Package review drives the implement → verify → review cycle for a task
// group while it is in progress.
package review

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/escalation"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/rank"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/taskgroup"
	"github.com/zulandar/signalbox/internal/worker"
	"gorm.io/gorm"
)

// Outcome is the terminal result of running the loop for a group.
type Outcome string

const (
	// OutcomeApproved means the group reached approved_pending_merge.
	OutcomeApproved Outcome = "approved"
	// OutcomeHalted means escalation gave up and the group failed.
	OutcomeHalted Outcome = "halted"
)

// DefaultVerifyRetryLimit bounds consecutive verification failures before
// the loop treats the environment as broken.
const DefaultVerifyRetryLimit = 3

// Controller runs the review feedback loop.
type Controller struct {
	Store            *store.Store
	Dispatcher       worker.Dispatcher
	Ranker           rank.Ranker
	Notifier         *notify.Sender
	Policy           escalation.Policy
	TokenBudget      int
	VerifyRetryLimit int
	Out              io.Writer
}

func (c *Controller) out() io.Writer {
	if c.Out == nil {
		return io.Discard
	}
	return c.Out
}

func (c *Controller) verifyRetryLimit() int {
	if c.VerifyRetryLimit <= 0 {
		return DefaultVerifyRetryLimit
	}
	return c.VerifyRetryLimit
}

// Run drives the loop until the group is approved for merge or halted. The
// group must be in_progress on entry. Merge failures re-enter here the same
// way review rejections do: as unresolved issues.
func (c *Controller) Run(ctx context.Context, taskGroupID string) (Outcome, error) {
	verifyRetries := 0

	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("review: %s: %w", taskGroupID, err)
		}

		tg, err := c.Store.GetGroup(taskGroupID)
		if err != nil {
			return "", err
		}
		if tg.Status != taskgroup.StatusInProgress {
			return "", fmt.Errorf("review: %s is %s, not in_progress", taskGroupID, tg.Status)
		}

		// Step 1: implement against the current unresolved issue set.
		implRes, err := c.dispatchStage(ctx, tg, worker.StageImplement, taskgroup.StageImplement)
		if err != nil {
			return c.halt(tg, fmt.Sprintf("implement dispatch: %v", err))
		}
		fmt.Fprintf(c.out(), "[%s] implement: %d files changed, %d/%d tests passing\n",
			tg.ID, len(implRes.FilesChanged), implRes.TestsPassed, implRes.TestsRun)

		// Step 2: independent verification. A failure unrelated to review
		// issues loops straight back to implement without consuming a
		// review iteration.
		verifyRes, err := c.dispatchStage(ctx, tg, worker.StageVerify, taskgroup.StageVerify)
		if err != nil {
			return c.halt(tg, fmt.Sprintf("verify dispatch: %v", err))
		}
		if !verifyRes.Passed && !verifyRes.Preexisting {
			verifyRetries++
			if verifyRetries > c.verifyRetryLimit() {
				return c.halt(tg, fmt.Sprintf("verification failed %d consecutive times", verifyRetries))
			}
			if err := c.recordVerifyFailures(tg, verifyRes.Failures); err != nil {
				return "", err
			}
			fmt.Fprintf(c.out(), "[%s] verify failed (%d failures), looping to implement\n", tg.ID, len(verifyRes.Failures))
			continue
		}
		verifyRetries = 0

		// Step 3: review, producing the next cycle.
		reviewRes, err := c.dispatchStage(ctx, tg, worker.StageReview, taskgroup.StageReview)
		if err != nil {
			return c.halt(tg, fmt.Sprintf("review dispatch: %v", err))
		}

		cycle, err := c.recordCycle(tg, reviewRes)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(c.out(), "[%s] review cycle %d: %s (%d fixed, %d blocking outstanding)\n",
			tg.ID, cycle.iteration, reviewRes.Verdict, cycle.fixed, cycle.blockingCount)

		if cycle.regressions > 0 {
			d := c.Policy.Decide(escalation.Input{
				Kind:        escalation.KindRegression,
				CurrentTier: cycle.tier,
			})
			cycle.tier = d.Tier
			c.Store.AppendEvent(tg.SessionID, tg.ID, store.EventEscalation,
				fmt.Sprintf("tier %d: %s", d.Tier, d.Reason))
		}

		// Step 4: approved with no blocking issues outstanding hands the
		// group to the merge coordinator.
		if reviewRes.Verdict == worker.VerdictApproved && cycle.blockingCount == 0 {
			err := c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
				return taskgroup.Transition(tx, tg.ID, taskgroup.StatusApprovedPendingMerge, taskgroup.StageNone, map[string]interface{}{
					"review_iteration":     cycle.iteration,
					"no_progress_count":    0,
					"blocking_issue_count": 0,
					"escalation_tier":      cycle.tier,
				})
			})
			if err != nil {
				return "", err
			}
			c.Store.AppendEvent(tg.SessionID, tg.ID, store.EventTransition, "in_progress -> approved_pending_merge")
			return OutcomeApproved, nil
		}

		// Step 5: changes requested (or approved over outstanding blocking
		// issues, which is treated the same). Update progress counters and
		// consult the policy before re-dispatching.
		// The first cycle only discovers issues and is exempt; every later
		// rejection that fixes nothing counts toward stagnation, whatever
		// severity mix the reviewer reported.
		noProgress := tg.NoProgressCount
		switch {
		case cycle.fixed > 0:
			noProgress = 0
		case cycle.iteration > 1:
			noProgress++
		}

		d := c.Policy.Decide(escalation.Input{
			Kind:            escalation.KindReviewRejected,
			AttemptCount:    cycle.iteration,
			NoProgressCount: noProgress,
			CurrentTier:     cycle.tier,
		})

		err = c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
			return taskgroup.Transition(tx, tg.ID, taskgroup.StatusInProgress, taskgroup.StageImplement, map[string]interface{}{
				"review_iteration":     cycle.iteration,
				"no_progress_count":    noProgress,
				"blocking_issue_count": cycle.blockingCount,
				"escalation_tier":      d.Tier,
			})
		})
		if err != nil {
			return "", err
		}

		if d.Action == escalation.ActionHalt {
			return c.halt(tg, d.Reason)
		}
		if d.Tier > cycle.tier {
			c.Store.AppendEvent(tg.SessionID, tg.ID, store.EventEscalation,
				fmt.Sprintf("tier %d: %s", d.Tier, d.Reason))
		}
	}
}

// dispatchStage wraps one worker call in the single-ownership guard: mark
// the dispatch outstanding, call the worker, clear the marker whatever the
// result. Timeouts and protocol errors come back as errors, which callers
// route to halt as blocked failures.
func (c *Controller) dispatchStage(ctx context.Context, tg *models.TaskGroup, stage worker.Stage, tgStage string) (*worker.Result, error) {
	if err := c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		if err := taskgroup.Transition(tx, tg.ID, taskgroup.StatusInProgress, tgStage, nil); err != nil {
			return err
		}
		return taskgroup.BeginDispatch(tx, tg.ID, tgStage)
	}); err != nil {
		return nil, err
	}

	req, err := c.buildRequest(tg, stage)
	if err != nil {
		c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
			return taskgroup.EndDispatch(tx, tg.ID)
		})
		return nil, err
	}

	res, err := c.Dispatcher.Dispatch(ctx, *req)
	if endErr := c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		return taskgroup.EndDispatch(tx, tg.ID)
	}); endErr != nil {
		return nil, endErr
	}
	if err != nil {
		return nil, err
	}
	if err := worker.ValidateResult(stage, res); err != nil {
		return nil, err
	}
	return res, nil
}

// buildRequest assembles the typed request plus ranked context bundle.
func (c *Controller) buildRequest(tg *models.TaskGroup, stage worker.Stage) (*worker.Request, error) {
	issues, err := c.Store.UnresolvedIssues(tg.ID)
	if err != nil {
		return nil, err
	}

	var prior []worker.IssueReport
	for _, iss := range issues {
		prior = append(prior, worker.IssueReport{
			Severity:  iss.Severity,
			Blocking:  iss.Blocking,
			Title:     iss.Title,
			Signature: iss.Signature,
		})
	}

	var cycles []models.ReviewCycle
	if latest, err := c.Store.LatestReviewCycle(tg.ID); err == nil && latest != nil {
		cycles = append(cycles, *latest)
	}

	bundle, err := rank.BuildBundle(c.Ranker, rank.BundleInput{
		Group:       tg,
		Issues:      issues,
		Cycles:      cycles,
		TokenBudget: c.TokenBudget,
	})
	if err != nil {
		return nil, err
	}

	return &worker.Request{
		TaskGroupID:   tg.ID,
		Stage:         stage,
		Tier:          tg.EscalationTier,
		PriorIssues:   prior,
		ContextBundle: bundle,
		BranchRef:     tg.BranchRef,
		Acceptance:    tg.Acceptance,
	}, nil
}

// recordVerifyFailures appends the verification failures as unresolved
// blocking issues so the next implement pass sees them.
func (c *Controller) recordVerifyFailures(tg *models.TaskGroup, failures []string) error {
	return c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		for _, f := range failures {
			sig := "verify:" + Signature(f)
			var count int64
			if err := tx.Model(&models.Issue{}).
				Where("task_group_id = ? AND signature = ? AND resolved_in_iteration IS NULL", tg.ID, sig).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			if err := tx.Create(&models.Issue{
				TaskGroupID: tg.ID,
				Source:      "verify",
				Severity:    "high",
				Blocking:    true,
				Title:       f,
				Signature:   sig,
				CreatedAt:   time.Now(),
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// cycleResult summarizes what recording a review cycle changed.
type cycleResult struct {
	iteration     int
	fixed         int
	blockingCount int
	regressions   int
	tier          int
}

// recordCycle persists the new review cycle and reconciles the issue set:
// previously unresolved issues no longer reported are resolved this
// iteration; reported issues matching a resolved signature are regressions
// and are logged, not re-opened; everything else is appended as new.
func (c *Controller) recordCycle(tg *models.TaskGroup, res *worker.Result) (*cycleResult, error) {
	out := &cycleResult{tier: tg.EscalationTier}

	err := c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		var prev models.TaskGroup
		if err := tx.Where("id = ?", tg.ID).First(&prev).Error; err != nil {
			return err
		}
		out.iteration = prev.ReviewIteration + 1

		cycle := models.ReviewCycle{
			TaskGroupID: tg.ID,
			Iteration:   out.iteration,
			Verdict:     res.Verdict,
			Summary:     res.Detail,
			CreatedAt:   time.Now(),
		}
		if err := tx.Create(&cycle).Error; err != nil {
			return err
		}

		reported := make(map[string]worker.IssueReport, len(res.Issues))
		for _, rep := range res.Issues {
			sig := rep.Signature
			if sig == "" {
				sig = Signature(rep.Title)
			}
			reported[sig] = rep
		}

		var unresolved []models.Issue
		if err := tx.Where("task_group_id = ? AND resolved_in_iteration IS NULL", tg.ID).
			Find(&unresolved).Error; err != nil {
			return err
		}
		openSigs := make(map[string]bool, len(unresolved))
		for _, iss := range unresolved {
			openSigs[iss.Signature] = true
			if _, still := reported[iss.Signature]; still {
				continue
			}
			if err := tx.Model(&models.Issue{}).Where("id = ?", iss.ID).
				Update("resolved_in_iteration", out.iteration).Error; err != nil {
				return err
			}
			out.fixed++
		}

		var resolvedSigs []string
		if err := tx.Model(&models.Issue{}).
			Where("task_group_id = ? AND resolved_in_iteration IS NOT NULL", tg.ID).
			Pluck("signature", &resolvedSigs).Error; err != nil {
			return err
		}
		resolved := make(map[string]bool, len(resolvedSigs))
		for _, sig := range resolvedSigs {
			resolved[sig] = true
		}

		for sig, rep := range reported {
			switch {
			case openSigs[sig]:
				// Already open; the row persists as-is.
			case resolved[sig]:
				// Tie-break rule: a resolved issue reported again is never
				// silently re-opened. Log the regression and move on.
				out.regressions++
				ev := models.Event{
					SessionID:   tg.SessionID,
					TaskGroupID: tg.ID,
					Kind:        store.EventRegression,
					Detail:      fmt.Sprintf("iteration %d re-reported resolved issue %q", out.iteration, sig),
					CreatedAt:   time.Now(),
				}
				if err := tx.Create(&ev).Error; err != nil {
					return err
				}
			default:
				iss := models.Issue{
					ReviewCycleID: &cycle.ID,
					TaskGroupID:   tg.ID,
					Source:        "review",
					Severity:      rep.Severity,
					Blocking:      rep.Blocking,
					Title:         rep.Title,
					Signature:     sig,
					CreatedAt:     time.Now(),
				}
				if err := tx.Create(&iss).Error; err != nil {
					return err
				}
			}
		}

		var blocking int64
		if err := tx.Model(&models.Issue{}).
			Where("task_group_id = ? AND blocking = ? AND resolved_in_iteration IS NULL", tg.ID, true).
			Count(&blocking).Error; err != nil {
			return err
		}
		out.blockingCount = int(blocking)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("review: record cycle for %s: %w", tg.ID, err)
	}
	return out, nil
}

// halt fails the group and raises a notice for a human.
func (c *Controller) halt(tg *models.TaskGroup, reason string) (Outcome, error) {
	err := c.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		return taskgroup.Transition(tx, tg.ID, taskgroup.StatusFailed, taskgroup.StageNone, nil)
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
			Subject:     fmt.Sprintf("task group %s halted", tg.ID),
			Body:        reason,
		})
	}
	fmt.Fprintf(c.out(), "[%s] halted: %s\n", tg.ID, reason)
	return OutcomeHalted, nil
}

// Signature normalizes a title into a root-cause signature: lowercase,
// alphanumeric runs joined by hyphens.
func Signature(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
