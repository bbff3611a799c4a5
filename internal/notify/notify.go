// Package notify raises human-targeted notices for halted task groups and
// other events that need an operator, and fans them out to chat platforms.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// deliverTimeout bounds one best-effort platform delivery.
const deliverTimeout = 10 * time.Second

// Notice is the input for raising a notice.
type Notice struct {
	SessionID   string
	TaskGroupID string
	Severity    string // "normal" (default), "urgent"
	Subject     string
	Body        string
}

// Deliverer pushes a persisted notice to one external platform.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, n models.Notice) error
}

// Sender persists notices and fans them out. Delivery is best-effort: a
// platform failure is logged, never returned, and never blocks the engine.
type Sender struct {
	db         *gorm.DB
	deliverers []Deliverer
}

// NewSender creates a Sender over an open database connection.
func NewSender(db *gorm.DB, deliverers ...Deliverer) *Sender {
	return &Sender{db: db, deliverers: deliverers}
}

// Send records a notice in the inbox and pushes it to each platform.
func (s *Sender) Send(n Notice) (*models.Notice, error) {
	if n.Subject == "" {
		return nil, fmt.Errorf("notify: subject is required")
	}

	severity := n.Severity
	if severity == "" {
		severity = "normal"
	}

	rec := models.Notice{
		SessionID:   n.SessionID,
		TaskGroupID: n.TaskGroupID,
		Severity:    severity,
		Subject:     n.Subject,
		Body:        n.Body,
		CreatedAt:   time.Now(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("notify: send: %w", err)
	}

	for _, d := range s.deliverers {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := d.Deliver(ctx, rec); err != nil {
			log.Printf("notify: %s delivery failed for notice %d: %v", d.Name(), rec.ID, err)
		}
		cancel()
	}

	return &rec, nil
}

// Inbox returns unacknowledged notices, oldest first. An empty sessionID
// returns notices for all sessions.
func Inbox(db *gorm.DB, sessionID string) ([]models.Notice, error) {
	q := db.Where("acknowledged = ?", false)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}

	var notices []models.Notice
	if err := q.Order("created_at ASC").Find(&notices).Error; err != nil {
		return nil, fmt.Errorf("notify: inbox: %w", err)
	}
	return notices, nil
}

// Acknowledge marks a notice as handled by an operator.
func Acknowledge(db *gorm.DB, noticeID uint) error {
	result := db.Model(&models.Notice{}).Where("id = ?", noticeID).
		Update("acknowledged", true)
	if result.Error != nil {
		return fmt.Errorf("notify: acknowledge %d: %w", noticeID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("notify: notice not found: %d", noticeID)
	}
	return nil
}
