package store

import (
	"errors"
	"fmt"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// GetSession retrieves a session by ID.
func (s *Store) GetSession(sessionID string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.Where("id = ?", sessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// GetGroup retrieves a task group by ID.
func (s *Store) GetGroup(taskGroupID string) (*models.TaskGroup, error) {
	var tg models.TaskGroup
	if err := s.db.Where("id = ?", taskGroupID).First(&tg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: task group not found: %s", taskGroupID)
		}
		return nil, fmt.Errorf("store: get task group %s: %w", taskGroupID, err)
	}
	return &tg, nil
}

// GroupsBySession returns all task groups for a session, oldest first.
func (s *Store) GroupsBySession(sessionID string) ([]models.TaskGroup, error) {
	var groups []models.TaskGroup
	if err := s.db.Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("store: groups for session %s: %w", sessionID, err)
	}
	return groups, nil
}

// GroupsByStatus returns task groups in the given status, used for recovery
// after restart. Current state is always re-read from here, never assumed.
func (s *Store) GroupsByStatus(status string) ([]models.TaskGroup, error) {
	var groups []models.TaskGroup
	if err := s.db.Where("status = ?", status).
		Order("created_at ASC, id ASC").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("store: groups by status %s: %w", status, err)
	}
	return groups, nil
}

// InflightGroups returns groups that have an outstanding dispatch marker.
// After a crash these are the dispatches nobody is waiting on.
func (s *Store) InflightGroups() ([]models.TaskGroup, error) {
	var groups []models.TaskGroup
	if err := s.db.Where("inflight_stage != ''").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("store: inflight groups: %w", err)
	}
	return groups, nil
}

// LatestReviewCycle returns the most recent review cycle for a task group,
// or nil when none exists yet.
func (s *Store) LatestReviewCycle(taskGroupID string) (*models.ReviewCycle, error) {
	var rc models.ReviewCycle
	err := s.db.Where("task_group_id = ?", taskGroupID).
		Order("iteration DESC").First(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest review cycle for %s: %w", taskGroupID, err)
	}
	return &rc, nil
}

// UnresolvedIssues returns the issues for a task group that no later cycle
// has resolved, oldest first. This is the issue set fed to the next
// implement dispatch.
func (s *Store) UnresolvedIssues(taskGroupID string) ([]models.Issue, error) {
	var issues []models.Issue
	if err := s.db.Where("task_group_id = ? AND resolved_in_iteration IS NULL", taskGroupID).
		Order("created_at ASC, id ASC").Find(&issues).Error; err != nil {
		return nil, fmt.Errorf("store: unresolved issues for %s: %w", taskGroupID, err)
	}
	return issues, nil
}

// ResolvedSignatures returns the signatures of every issue already resolved
// for a task group. Used to detect regressions.
func (s *Store) ResolvedSignatures(taskGroupID string) (map[string]bool, error) {
	var sigs []string
	if err := s.db.Model(&models.Issue{}).
		Where("task_group_id = ? AND resolved_in_iteration IS NOT NULL", taskGroupID).
		Pluck("signature", &sigs).Error; err != nil {
		return nil, fmt.Errorf("store: resolved signatures for %s: %w", taskGroupID, err)
	}
	out := make(map[string]bool, len(sigs))
	for _, sig := range sigs {
		out[sig] = true
	}
	return out, nil
}

// MergeAttempts returns all merge attempts for a task group in order.
func (s *Store) MergeAttempts(taskGroupID string) ([]models.MergeAttempt, error) {
	var attempts []models.MergeAttempt
	if err := s.db.Where("task_group_id = ?", taskGroupID).
		Order("attempt_number ASC").Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("store: merge attempts for %s: %w", taskGroupID, err)
	}
	return attempts, nil
}

// ConsecutiveMergeFailures counts the trailing run of conflict/test_failure
// outcomes for a task group. A success resets the run; blocked outcomes are
// environment failures and do not count either way.
func (s *Store) ConsecutiveMergeFailures(taskGroupID string) (int, error) {
	attempts, err := s.MergeAttempts(taskGroupID)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		switch attempts[i].Outcome {
		case "conflict", "test_failure":
			count++
		case "blocked":
			continue
		default:
			return count, nil
		}
	}
	return count, nil
}

// LatestVerdict returns the most recent validator verdict for a session, or
// nil when the gate has never run.
func (s *Store) LatestVerdict(sessionID string) (*models.ValidatorVerdict, error) {
	var v models.ValidatorVerdict
	err := s.db.Where("session_id = ?", sessionID).
		Order("checked_at DESC, id DESC").First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest verdict for %s: %w", sessionID, err)
	}
	return &v, nil
}

// HasAccept reports whether the session has a recorded accept verdict. The
// completion-integrity precondition checks this, never an in-memory flag.
func (s *Store) HasAccept(sessionID string) (bool, error) {
	var count int64
	if err := s.db.Model(&models.ValidatorVerdict{}).
		Where("session_id = ? AND verdict = ?", sessionID, "accept").
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("store: count accepts for %s: %w", sessionID, err)
	}
	return count > 0, nil
}

// Events returns the audit trail for a session, oldest first.
func (s *Store) Events(sessionID string) ([]models.Event, error) {
	var events []models.Event
	if err := s.db.Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("store: events for %s: %w", sessionID, err)
	}
	return events, nil
}
