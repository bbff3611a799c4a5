package models

import "time"

// Session aggregates the task groups created for one top-level request.
type Session struct {
	ID               string `gorm:"primaryKey;size:32"`
	Status           string `gorm:"size:16;default:active;index"`
	InitialBranchRef string `gorm:"size:128"`
	StartedAt        time.Time
	EndedAt          *time.Time
	ArchivedAt       *time.Time

	TaskGroups []TaskGroup `gorm:"foreignKey:SessionID"`
}
