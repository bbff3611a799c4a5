package engine

import (
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/taskgroup"
	"github.com/zulandar/signalbox/internal/worker"
	"gorm.io/gorm"
)

// ReadyGroups returns pending task groups whose blockers have all
// completed, oldest first.
func ReadyGroups(db *gorm.DB, sessionID string) ([]models.TaskGroup, error) {
	var groups []models.TaskGroup
	err := db.Where("session_id = ? AND status = ?", sessionID, taskgroup.StatusPending).
		Order("created_at ASC, id ASC").Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("engine: ready groups for %s: %w", sessionID, err)
	}

	var ready []models.TaskGroup
	for _, tg := range groups {
		blocked, err := isBlocked(db, tg.ID)
		if err != nil {
			return nil, err
		}
		if !blocked {
			ready = append(ready, tg)
		}
	}
	return ready, nil
}

// isBlocked reports whether any of the group's blockers is not completed.
// A failed blocker blocks forever; the session ends with partial completion.
func isBlocked(db *gorm.DB, taskGroupID string) (bool, error) {
	var deps []models.TaskGroupDep
	if err := db.Where("task_group_id = ?", taskGroupID).Find(&deps).Error; err != nil {
		return false, fmt.Errorf("engine: deps for %s: %w", taskGroupID, err)
	}

	for _, d := range deps {
		var blocker models.TaskGroup
		if err := db.Select("status").Where("id = ?", d.BlockedBy).First(&blocker).Error; err != nil {
			return false, fmt.Errorf("engine: blocker %s: %w", d.BlockedBy, err)
		}
		if blocker.Status != taskgroup.StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// Claim atomically takes a pending group into in_progress under a fresh
// worker identity. The guarded update means two runners racing for the same
// group cannot both win.
func Claim(tx *gorm.DB, taskGroupID string) error {
	workerID, err := worker.GenerateWorkerID()
	if err != nil {
		return err
	}

	result := tx.Model(&models.TaskGroup{}).
		Where("id = ? AND status = ?", taskGroupID, taskgroup.StatusPending).
		Updates(map[string]interface{}{
			"status":             taskgroup.StatusInProgress,
			"current_stage":      taskgroup.StageImplement,
			"assigned_worker_id": workerID,
			"claimed_at":         time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("engine: claim %s: %w", taskGroupID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("engine: %s is no longer pending", taskGroupID)
	}
	return nil
}
