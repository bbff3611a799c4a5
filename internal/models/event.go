package models

import "time"

// Event is one row of the append-only audit log. Current state is always
// derivable without it; events exist so an operator can reconstruct how a
// task group got where it is.
type Event struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SessionID   string `gorm:"size:32;index"`
	TaskGroupID string `gorm:"size:32;index"`
	Kind        string `gorm:"size:32;not null;index"`
	Detail      string `gorm:"type:text"`
	CreatedAt   time.Time
}
