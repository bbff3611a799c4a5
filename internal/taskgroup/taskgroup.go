// Package taskgroup owns the task group lifecycle state machine.
package taskgroup

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// Task group status constants.
const (
	StatusPending              = "pending"
	StatusInProgress           = "in_progress"
	StatusCompleted            = "completed"
	StatusFailed               = "failed"
	StatusApprovedPendingMerge = "approved_pending_merge"
	StatusMerging              = "merging"
)

// Stage constants. Exactly one worker kind logically holds a group at a time.
const (
	StageNone      = "none"
	StageImplement = "implement"
	StageVerify    = "verify"
	StageReview    = "review"
	StageMerge     = "merge"
)

// ValidTransitions maps each status to its valid next statuses. The
// completed → in_progress edge exists only for validator-gate reopens.
var ValidTransitions = map[string][]string{
	StatusPending:              {StatusInProgress},
	StatusInProgress:           {StatusInProgress, StatusApprovedPendingMerge, StatusFailed},
	StatusApprovedPendingMerge: {StatusMerging},
	StatusMerging:              {StatusCompleted, StatusInProgress, StatusFailed},
	StatusCompleted:            {StatusInProgress},
	StatusFailed:               {},
}

// validStages maps each status to the stages a group may hold in it.
var validStages = map[string][]string{
	StatusPending:              {StageNone},
	StatusInProgress:           {StageImplement, StageVerify, StageReview},
	StatusApprovedPendingMerge: {StageNone},
	StatusMerging:              {StageMerge},
	StatusCompleted:            {StageNone},
	StatusFailed:               {StageNone},
}

// GenerateID creates a unique task group ID in tg-xxxxx format (5-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("taskgroup: generate ID: %w", err)
	}
	return "tg-" + hex.EncodeToString(b)[:5], nil
}

func isValidTransition(from, to string) bool {
	valid, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, v := range valid {
		if v == to {
			return true
		}
	}
	return false
}

func isValidStage(status, stage string) bool {
	for _, s := range validStages[status] {
		if s == stage {
			return true
		}
	}
	return false
}

// Transition moves a task group to a new (status, stage) pair, applying any
// extra column updates in the same write. Status and stage are never updated
// independently of each other. Callers run this inside store.WithGroup so
// the read-modify-write is atomic per group.
func Transition(tx *gorm.DB, taskGroupID, toStatus, toStage string, updates map[string]interface{}) error {
	var tg models.TaskGroup
	if err := tx.Where("id = ?", taskGroupID).First(&tg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("taskgroup: not found: %s", taskGroupID)
		}
		return fmt.Errorf("taskgroup: load %s: %w", taskGroupID, err)
	}

	if !isValidTransition(tg.Status, toStatus) {
		return fmt.Errorf("taskgroup: invalid transition %s: %s -> %s", taskGroupID, tg.Status, toStatus)
	}
	if !isValidStage(toStatus, toStage) {
		return fmt.Errorf("taskgroup: invalid stage %q for status %q on %s", toStage, toStatus, taskGroupID)
	}

	set := map[string]interface{}{
		"status":        toStatus,
		"current_stage": toStage,
	}
	for k, v := range updates {
		set[k] = v
	}
	if toStatus == StatusCompleted {
		set["completed_at"] = time.Now()
	}

	if err := tx.Model(&models.TaskGroup{}).Where("id = ?", taskGroupID).
		Updates(set).Error; err != nil {
		return fmt.Errorf("taskgroup: transition %s to %s: %w", taskGroupID, toStatus, err)
	}
	return nil
}

// BeginDispatch marks a worker dispatch as outstanding for the group. It
// refuses when a prior dispatch has not returned, which is what prevents two
// workers holding the same unit of work.
func BeginDispatch(tx *gorm.DB, taskGroupID, stage string) error {
	result := tx.Model(&models.TaskGroup{}).
		Where("id = ? AND inflight_stage = ''", taskGroupID).
		Update("inflight_stage", stage)
	if result.Error != nil {
		return fmt.Errorf("taskgroup: begin dispatch %s: %w", taskGroupID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("taskgroup: %s already has an outstanding dispatch", taskGroupID)
	}
	return nil
}

// EndDispatch clears the outstanding dispatch marker. Every dispatch ends
// exactly once, whatever its outcome.
func EndDispatch(tx *gorm.DB, taskGroupID string) error {
	if err := tx.Model(&models.TaskGroup{}).Where("id = ?", taskGroupID).
		Update("inflight_stage", "").Error; err != nil {
		return fmt.Errorf("taskgroup: end dispatch %s: %w", taskGroupID, err)
	}
	return nil
}

// Terminal reports whether a status is an end state for the engine loop.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}
