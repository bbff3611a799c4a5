// Package session aggregates task groups, tracks completion, and is the
// sole caller of the validator gate.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/taskgroup"
	"github.com/zulandar/signalbox/internal/validator"
	"gorm.io/gorm"
)

// Session status constants.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Manager owns session lifecycle: creation from a plan, completion
// accounting, and the validation handshake.
type Manager struct {
	Store *store.Store
	Gate  *validator.Gate
	Out   io.Writer
}

func (m *Manager) out() io.Writer {
	if m.Out == nil {
		return io.Discard
	}
	return m.Out
}

// GenerateID creates a unique session ID in sess-xxxxx format (5-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: generate ID: %w", err)
	}
	return "sess-" + hex.EncodeToString(b)[:5], nil
}

// Create materializes a validated plan into a session with pending task
// groups. The whole plan lands in one transaction or not at all.
func (m *Manager) Create(plan *Plan, initialBranch string) (*models.Session, error) {
	if errs := ValidatePlan(plan); len(errs) > 0 {
		return nil, fmt.Errorf("session: invalid plan:\n  %s", strings.Join(errs, "\n  "))
	}

	id, err := GenerateID()
	if err != nil {
		return nil, err
	}

	sess := models.Session{
		ID:               id,
		Status:           StatusActive,
		InitialBranchRef: initialBranch,
		StartedAt:        time.Now(),
	}

	err = m.Store.DB().Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sess).Error; err != nil {
			return err
		}
		for _, g := range plan.Groups {
			branch := g.BranchRef
			if branch == "" {
				branch = "group/" + g.ID
			}
			tg := models.TaskGroup{
				ID:           g.ID,
				SessionID:    id,
				Description:  g.Description,
				Status:       taskgroup.StatusPending,
				CurrentStage: taskgroup.StageNone,
				BranchRef:    branch,
				Acceptance:   g.Acceptance,
				CreatedAt:    time.Now(),
			}
			if err := tx.Create(&tg).Error; err != nil {
				return err
			}
		}
		for _, d := range plan.Deps {
			dep := models.TaskGroupDep{TaskGroupID: d.GroupID, BlockedBy: d.BlockedBy}
			if err := tx.Create(&dep).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: create from plan: %w", err)
	}

	fmt.Fprintf(m.out(), "[%s] created with %d task groups\n", id, len(plan.Groups))
	return &sess, nil
}

// BlockedGroup is one halted group with its structured reason.
type BlockedGroup struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Stats is the session's aggregate completion view. Partial completion is
// reported with the specific blocked groups, never as an opaque failure.
type Stats struct {
	SessionID     string         `json:"session_id"`
	Status        string         `json:"status"`
	Total         int            `json:"total"`
	Pending       int            `json:"pending"`
	InProgress    int            `json:"in_progress"`
	Merging       int            `json:"merging"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	CompletionPct float64        `json:"completion_pct"`
	Blocked       []BlockedGroup `json:"blocked,omitempty"`
}

// Stats computes the aggregate view from persisted state only.
func (m *Manager) Stats(sessionID string) (*Stats, error) {
	sess, err := m.Store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	groups, err := m.Store.GroupsBySession(sessionID)
	if err != nil {
		return nil, err
	}

	st := &Stats{SessionID: sessionID, Status: sess.Status, Total: len(groups)}
	for _, tg := range groups {
		switch tg.Status {
		case taskgroup.StatusPending:
			st.Pending++
		case taskgroup.StatusInProgress, taskgroup.StatusApprovedPendingMerge:
			st.InProgress++
		case taskgroup.StatusMerging:
			st.Merging++
		case taskgroup.StatusCompleted:
			st.Completed++
		case taskgroup.StatusFailed:
			st.Failed++
			st.Blocked = append(st.Blocked, BlockedGroup{ID: tg.ID, Reason: m.haltReason(sessionID, tg.ID)})
		}
	}
	if st.Total > 0 {
		st.CompletionPct = float64(st.Completed) / float64(st.Total) * 100
	}
	return st, nil
}

// haltReason finds the latest halt event for a group.
func (m *Manager) haltReason(sessionID, taskGroupID string) string {
	events, err := m.Store.Events(sessionID)
	if err != nil {
		return ""
	}
	reason := ""
	for _, ev := range events {
		if ev.TaskGroupID == taskGroupID && ev.Kind == store.EventHalt {
			reason = ev.Detail
		}
	}
	return reason
}

// ReadyForValidation reports whether every task group is completed,
// recomputed from persisted status only so a restart mid-session resumes
// correctly.
func (m *Manager) ReadyForValidation(sessionID string) (bool, error) {
	groups, err := m.Store.GroupsBySession(sessionID)
	if err != nil {
		return false, err
	}
	if len(groups) == 0 {
		return false, nil
	}
	for _, tg := range groups {
		if tg.Status != taskgroup.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// ProposeCompletion hands the session to the validator gate. An accept
// closes the session; a reject leaves it active with the failing groups
// already reopened by the gate.
func (m *Manager) ProposeCompletion(ctx context.Context, sessionID string) (*models.ValidatorVerdict, error) {
	ready, err := m.ReadyForValidation(sessionID)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("session: %s is not ready for validation", sessionID)
	}

	verdict, err := m.Gate.Check(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if verdict.Verdict == validator.VerdictAccept {
		if err := m.Close(sessionID); err != nil {
			return nil, err
		}
	}
	return verdict, nil
}

// Close marks the session completed. The recorded accept verdict is a hard
// precondition, checked here against the store rather than trusted from
// the caller.
func (m *Manager) Close(sessionID string) error {
	ok, err := m.Store.HasAccept(sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session: %s has no accept verdict, refusing to complete", sessionID)
	}

	now := time.Now()
	result := m.Store.DB().Model(&models.Session{}).
		Where("id = ? AND status = ?", sessionID, StatusActive).
		Updates(map[string]interface{}{"status": StatusCompleted, "ended_at": now})
	if result.Error != nil {
		return fmt.Errorf("session: close %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session: %s is not active", sessionID)
	}

	fmt.Fprintf(m.out(), "[%s] session completed\n", sessionID)
	return nil
}

// Archive stamps a completed session as archived.
func (m *Manager) Archive(sessionID string) error {
	now := time.Now()
	result := m.Store.DB().Model(&models.Session{}).
		Where("id = ? AND status = ?", sessionID, StatusCompleted).
		Update("archived_at", now)
	if result.Error != nil {
		return fmt.Errorf("session: archive %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session: %s is not completed, cannot archive", sessionID)
	}
	return nil
}
