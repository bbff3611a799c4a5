package models

import "time"

// Notice is a human-targeted escalation record. Halted task groups raise one;
// it stays in the inbox until an operator acknowledges it.
type Notice struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	SessionID    string `gorm:"size:32;index"`
	TaskGroupID  string `gorm:"size:32;index"`
	Severity     string `gorm:"size:8;default:normal"`
	Subject      string `gorm:"size:256;not null"`
	Body         string `gorm:"type:text"`
	Acknowledged bool   `gorm:"default:false;index"`
	CreatedAt    time.Time
}
