package models

import "time"

// ReviewCycle is one pass of the review loop for a task group. Rows are
// append-only; Iteration is monotonic per task group.
type ReviewCycle struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	TaskGroupID string `gorm:"size:32;not null;index"`
	Iteration   int    `gorm:"not null"`
	Verdict     string `gorm:"size:24;not null"`
	Summary     string `gorm:"type:text"`
	CreatedAt   time.Time

	Issues []Issue `gorm:"foreignKey:ReviewCycleID"`
}

// Issue is a single finding raised against a task group. Review findings
// carry the cycle that reported them; verify, merge, and validator findings
// have no cycle and record their origin in Source. An issue is resolved once
// a later cycle no longer reports its signature.
type Issue struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	ReviewCycleID *uint  `gorm:"index"`
	TaskGroupID   string `gorm:"size:32;not null;index"`
	Source        string `gorm:"size:16;default:review"`
	Severity      string `gorm:"size:8;not null"`
	Blocking      bool   `gorm:"default:false"`
	Title         string `gorm:"size:256;not null"`

	// Signature identifies the root cause, independent of wording. Used to
	// match an issue across cycles for resolution and regression detection.
	Signature string `gorm:"size:128;not null;index"`

	ResolvedInIteration *int
	CreatedAt           time.Time
}
