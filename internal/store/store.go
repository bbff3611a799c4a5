// Package store is the single authoritative state store for the engine.
// All state transitions go through it; writes for the same task group are
// serialized, writes for different groups proceed in parallel.
package store

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// lockStripes bounds the number of in-process key locks. Two task groups may
// share a stripe; that only costs concurrency, never correctness.
const lockStripes = 64

// Store wraps the database with per-task-group write serialization and the
// append-only event log.
type Store struct {
	db    *gorm.DB
	locks [lockStripes]sync.Mutex
}

// New creates a Store over an open GORM connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for read-only queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// stripe maps a task group ID to its lock.
func (s *Store) stripe(taskGroupID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(taskGroupID))
	return &s.locks[h.Sum32()%lockStripes]
}

// WithGroup runs fn as a single atomic read-modify-write for one task group.
// Concurrent calls for the same group are serialized; calls for different
// groups are not. fn runs inside a database transaction.
func (s *Store) WithGroup(taskGroupID string, fn func(tx *gorm.DB) error) error {
	if taskGroupID == "" {
		return fmt.Errorf("store: taskGroupID is required")
	}
	mu := s.stripe(taskGroupID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.db.Transaction(fn); err != nil {
		return fmt.Errorf("store: group %s: %w", taskGroupID, err)
	}
	return nil
}

// AppendEvent writes one audit log row. Best-effort callers may ignore the
// error; state correctness never depends on the event log.
func (s *Store) AppendEvent(sessionID, taskGroupID, kind, detail string) error {
	ev := models.Event{
		SessionID:   sessionID,
		TaskGroupID: taskGroupID,
		Kind:        kind,
		Detail:      detail,
		CreatedAt:   time.Now(),
	}
	if err := s.db.Create(&ev).Error; err != nil {
		return fmt.Errorf("store: append event %s: %w", kind, err)
	}
	return nil
}

// Event kinds written by the engine.
const (
	EventTransition        = "transition"
	EventRegression        = "regression"
	EventEscalation        = "escalation"
	EventHalt              = "halt"
	EventCITimeout         = "ci_timeout"
	EventValidatorReject   = "validator_reject"
	EventValidatorAccept   = "validator_accept"
	EventRecoveredDispatch = "recovered_dispatch"
)
