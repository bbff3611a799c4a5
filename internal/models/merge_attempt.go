package models

import "time"

// MergeAttempt records one integration attempt for a task group. Append-only;
// AttemptNumber is monotonic per task group.
type MergeAttempt struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	TaskGroupID   string `gorm:"size:32;not null;index"`
	AttemptNumber int    `gorm:"not null"`
	Outcome       string `gorm:"size:16;not null"`
	Detail        string `gorm:"type:text"`
	CIPollCount   int    `gorm:"default:0"`

	// CIWarning is set when the external status check never concluded within
	// the polling budget and the attempt was accepted with a warning.
	CIWarning  bool `gorm:"default:false"`
	DurationMs int64
	CreatedAt  time.Time
}
