package models

import "time"

// ValidatorVerdict records the gate's decision on one completion attempt.
// Append-only; a session may accumulate several rejects but closes only on
// an accept.
type ValidatorVerdict struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:32;not null;index"`
	Verdict   string `gorm:"size:8;not null"`
	Reason    string `gorm:"type:text"`

	// FailedGroups is a JSON array of task group IDs whose criteria did not
	// verify, empty on accept.
	FailedGroups string `gorm:"type:text"`
	CheckedAt    time.Time
}
