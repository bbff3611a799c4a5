package models

import "time"

// TaskGroup is the unit of work driven through the review-and-delivery
// pipeline. Status and CurrentStage are only ever updated as a pair via
// taskgroup.Transition; counters only ever increase.
type TaskGroup struct {
	ID               string `gorm:"primaryKey;size:32"`
	SessionID        string `gorm:"size:32;not null;index"`
	Description      string `gorm:"type:text"`
	Status           string `gorm:"size:24;default:pending;index"`
	CurrentStage     string `gorm:"size:16;default:none"`
	AssignedWorkerID string `gorm:"size:64"`
	BranchRef        string `gorm:"size:128"`
	Acceptance       string `gorm:"type:text"`

	// InflightStage is non-empty while a worker dispatch is outstanding.
	// Persisted so a crashed runner's abandoned dispatch is visible to the
	// recovery sweep after restart.
	InflightStage string `gorm:"size:16"`

	ReviewIteration    int `gorm:"default:0"`
	NoProgressCount    int `gorm:"default:0"`
	BlockingIssueCount int `gorm:"default:0"`
	EscalationTier     int `gorm:"default:0"`
	MergeAttemptCount  int `gorm:"default:0"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time

	Session      Session        `gorm:"foreignKey:SessionID"`
	ReviewCycles []ReviewCycle  `gorm:"foreignKey:TaskGroupID"`
	Deps         []TaskGroupDep `gorm:"foreignKey:TaskGroupID"`
}

// TaskGroupDep represents a blocking relationship between task groups.
type TaskGroupDep struct {
	TaskGroupID string `gorm:"primaryKey;size:32"`
	BlockedBy   string `gorm:"primaryKey;size:32"`

	Group   TaskGroup `gorm:"foreignKey:TaskGroupID"`
	Blocker TaskGroup `gorm:"foreignKey:BlockedBy"`
}
