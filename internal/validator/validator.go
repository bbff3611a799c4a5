// Package validator is the final gate on a session: an independent re-check
// of every task group's acceptance criteria, trusting nothing reported
// earlier in the pipeline.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/review"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/taskgroup"
	"github.com/zulandar/signalbox/internal/worker"
	"gorm.io/gorm"
)

// Verdict values.
const (
	VerdictAccept = "accept"
	VerdictReject = "reject"
)

// Gate re-verifies a claimed-complete session.
type Gate struct {
	Store      *store.Store
	Dispatcher worker.Dispatcher
	Notifier   *notify.Sender
	Out        io.Writer
}

func (g *Gate) out() io.Writer {
	if g.Out == nil {
		return io.Discard
	}
	return g.Out
}

// Check re-runs every task group's acceptance criteria and records the
// verdict. On reject, the specific failing groups are returned to
// in_progress with their verification failures as the next issue set; the
// rest stay completed. A dispatch failure counts as a failed check for
// that group: the gate never accepts on anything short of a clean pass.
func (g *Gate) Check(ctx context.Context, sessionID string) (*models.ValidatorVerdict, error) {
	groups, err := g.Store.GroupsBySession(sessionID)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("validator: session %s has no task groups", sessionID)
	}
	for _, tg := range groups {
		if tg.Status != taskgroup.StatusCompleted {
			return nil, fmt.Errorf("validator: %s is %s, session %s is not claiming completion", tg.ID, tg.Status, sessionID)
		}
	}

	type failure struct {
		groupID  string
		failures []string
	}
	var failed []failure

	for i := range groups {
		tg := &groups[i]
		res, err := g.checkGroup(ctx, tg)
		if err != nil {
			failed = append(failed, failure{tg.ID, []string{fmt.Sprintf("validation dispatch: %v", err)}})
			continue
		}
		if !res.Passed {
			fs := res.Failures
			if len(fs) == 0 {
				fs = []string{"acceptance criteria did not verify"}
			}
			failed = append(failed, failure{tg.ID, fs})
		}
	}

	if len(failed) == 0 {
		verdict := models.ValidatorVerdict{
			SessionID:    sessionID,
			Verdict:      VerdictAccept,
			FailedGroups: "[]",
			CheckedAt:    time.Now(),
		}
		if err := g.Store.DB().Create(&verdict).Error; err != nil {
			return nil, fmt.Errorf("validator: record accept for %s: %w", sessionID, err)
		}
		g.Store.AppendEvent(sessionID, "", store.EventValidatorAccept, "all acceptance criteria verified")
		fmt.Fprintf(g.out(), "[%s] validator accepted %d groups\n", sessionID, len(groups))
		return &verdict, nil
	}

	ids := make([]string, 0, len(failed))
	var reasons []string
	for _, f := range failed {
		ids = append(ids, f.groupID)
		reasons = append(reasons, fmt.Sprintf("%s: %s", f.groupID, strings.Join(f.failures, "; ")))
	}
	failedJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("validator: marshal failed groups: %w", err)
	}

	verdict := models.ValidatorVerdict{
		SessionID:    sessionID,
		Verdict:      VerdictReject,
		Reason:       strings.Join(reasons, "\n"),
		FailedGroups: string(failedJSON),
		CheckedAt:    time.Now(),
	}
	if err := g.Store.DB().Create(&verdict).Error; err != nil {
		return nil, fmt.Errorf("validator: record reject for %s: %w", sessionID, err)
	}
	g.Store.AppendEvent(sessionID, "", store.EventValidatorReject, verdict.Reason)

	for _, f := range failed {
		if err := g.reopen(sessionID, f.groupID, f.failures); err != nil {
			return nil, err
		}
	}

	if g.Notifier != nil {
		g.Notifier.Send(notify.Notice{
			SessionID: sessionID,
			Severity:  "urgent",
			Subject:   fmt.Sprintf("validator rejected session %s", sessionID),
			Body:      verdict.Reason,
		})
	}
	fmt.Fprintf(g.out(), "[%s] validator rejected, reopened %d of %d groups\n", sessionID, len(failed), len(groups))
	return &verdict, nil
}

// checkGroup dispatches one independent validation run under the
// single-ownership guard.
func (g *Gate) checkGroup(ctx context.Context, tg *models.TaskGroup) (*worker.Result, error) {
	if err := g.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		return taskgroup.BeginDispatch(tx, tg.ID, string(worker.StageValidate))
	}); err != nil {
		return nil, err
	}

	res, err := g.Dispatcher.Dispatch(ctx, worker.Request{
		TaskGroupID: tg.ID,
		Stage:       worker.StageValidate,
		BranchRef:   tg.BranchRef,
		Acceptance:  tg.Acceptance,
	})
	if endErr := g.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
		return taskgroup.EndDispatch(tx, tg.ID)
	}); endErr != nil {
		return nil, endErr
	}
	if err != nil {
		return nil, err
	}
	if err := worker.ValidateResult(worker.StageValidate, res); err != nil {
		return nil, err
	}
	return res, nil
}

// reopen returns one failing group to in_progress with its verification
// failures as unresolved blocking issues.
func (g *Gate) reopen(sessionID, taskGroupID string, failures []string) error {
	err := g.Store.WithGroup(taskGroupID, func(tx *gorm.DB) error {
		for _, f := range failures {
			iss := models.Issue{
				TaskGroupID: taskGroupID,
				Source:      "validator",
				Severity:    "critical",
				Blocking:    true,
				Title:       f,
				Signature:   "validator:" + review.Signature(f),
				CreatedAt:   time.Now(),
			}
			if err := tx.Create(&iss).Error; err != nil {
				return err
			}
		}
		return taskgroup.Transition(tx, taskGroupID, taskgroup.StatusInProgress, taskgroup.StageImplement, map[string]interface{}{
			"blocking_issue_count": len(failures),
			"completed_at":         nil,
		})
	})
	if err != nil {
		return err
	}
	g.Store.AppendEvent(sessionID, taskGroupID, store.EventTransition, "completed -> in_progress (validator reopen)")
	return nil
}
