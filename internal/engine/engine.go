// Package engine is the daemon loop: it claims ready task groups into a
// bounded pool, drives each through the review and merge legs, and hands
// the session to the validator once everything lands.
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/merge"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/review"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/taskgroup"
	"gorm.io/gorm"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPoolSize     = 3
)

// Engine runs one session end to end.
type Engine struct {
	Store    *store.Store
	Review   *review.Controller
	Merge    *merge.Coordinator
	Sessions *session.Manager

	// PoolSize bounds how many task groups run concurrently. Within one
	// group execution stays strictly sequential.
	PoolSize      int
	PollInterval  time.Duration
	SweepSchedule string // 5-field cron expression; empty sweeps every poll
	Out           io.Writer

	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup
}

func (e *Engine) out() io.Writer {
	if e.Out == nil {
		return io.Discard
	}
	return e.Out
}

func (e *Engine) poolSize() int {
	if e.PoolSize <= 0 {
		return defaultPoolSize
	}
	return e.PoolSize
}

func (e *Engine) pollInterval() time.Duration {
	if e.PollInterval <= 0 {
		return defaultPollInterval
	}
	return e.PollInterval
}

func (e *Engine) isActive(taskGroupID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[taskGroupID]
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// setActive marks a group as owned by this process. Returns false when the
// group is already owned.
func (e *Engine) setActive(taskGroupID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		e.active = make(map[string]bool)
	}
	if e.active[taskGroupID] {
		return false
	}
	e.active[taskGroupID] = true
	return true
}

func (e *Engine) clearActive(taskGroupID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, taskGroupID)
}

// Run drives the session until it closes, every group is terminal, or the
// context is cancelled. Safe to call after a crash: it resumes from
// persisted state.
func (e *Engine) Run(ctx context.Context, sessionID string) error {
	if e.Store == nil || e.Review == nil || e.Merge == nil || e.Sessions == nil {
		return fmt.Errorf("engine: store, review, merge and sessions are all required")
	}

	fmt.Fprintf(e.out(), "engine starting for %s (pool=%d, poll=%s)\n", sessionID, e.poolSize(), e.pollInterval())

	// A crashed run may have left dispatch markers and merging groups
	// behind; reconcile before scheduling anything.
	if err := e.sweep(sessionID); err != nil {
		return err
	}

	nextSweep := time.Now()
	if e.SweepSchedule != "" {
		nextSweep = nextCronTime(e.SweepSchedule, time.Now())
	}

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return nil
		default:
		}

		// Phase 1: periodic recovery sweep.
		if e.SweepSchedule == "" || !time.Now().Before(nextSweep) {
			if err := e.sweep(sessionID); err != nil {
				log.Printf("engine: sweep: %v", err)
			}
			if e.SweepSchedule != "" {
				nextSweep = nextCronTime(e.SweepSchedule, time.Now())
			}
		}

		// Phase 2: resume groups this process does not own yet.
		if err := e.schedule(ctx, sessionID); err != nil {
			log.Printf("engine: schedule: %v", err)
		}

		// Phase 3: once the pool drains, settle the session.
		if e.activeCount() == 0 {
			done, err := e.settle(ctx, sessionID)
			if err != nil {
				return err
			}
			if done {
				e.wg.Wait()
				return nil
			}
		}

		sleepWithContext(ctx, e.pollInterval())
	}
}

// schedule re-adopts non-terminal groups from a previous run, then claims
// ready pending groups, up to the pool bound.
func (e *Engine) schedule(ctx context.Context, sessionID string) error {
	groups, err := e.Store.GroupsBySession(sessionID)
	if err != nil {
		return err
	}
	for i := range groups {
		tg := &groups[i]
		if e.activeCount() >= e.poolSize() {
			return nil
		}
		switch tg.Status {
		case taskgroup.StatusInProgress, taskgroup.StatusApprovedPendingMerge:
			if !e.isActive(tg.ID) {
				e.spawn(ctx, tg.ID)
			}
		}
	}

	ready, err := ReadyGroups(e.Store.DB(), sessionID)
	if err != nil {
		return err
	}
	for i := range ready {
		tg := &ready[i]
		if e.activeCount() >= e.poolSize() {
			return nil
		}
		if e.isActive(tg.ID) {
			continue
		}
		if err := e.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
			return Claim(tx, tg.ID)
		}); err != nil {
			log.Printf("engine: %v", err)
			continue
		}
		e.Store.AppendEvent(sessionID, tg.ID, store.EventTransition, "pending -> in_progress")
		e.spawn(ctx, tg.ID)
	}
	return nil
}

// spawn runs one group's remaining lifecycle in the pool.
func (e *Engine) spawn(ctx context.Context, taskGroupID string) {
	if !e.setActive(taskGroupID) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.clearActive(taskGroupID)
		if err := e.runGroup(ctx, taskGroupID); err != nil {
			log.Printf("engine: group %s: %v", taskGroupID, err)
		}
	}()
}

// runGroup drives one task group sequentially until it is terminal: the
// review loop while in progress, the merge coordinator once approved, and
// back again on content merge failures.
func (e *Engine) runGroup(ctx context.Context, taskGroupID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		tg, err := e.Store.GetGroup(taskGroupID)
		if err != nil {
			return err
		}

		switch tg.Status {
		case taskgroup.StatusInProgress:
			outcome, err := e.Review.Run(ctx, taskGroupID)
			if err != nil {
				return err
			}
			if outcome == review.OutcomeHalted {
				return nil
			}

		case taskgroup.StatusApprovedPendingMerge:
			outcome, err := e.Merge.Run(ctx, taskGroupID)
			if err != nil {
				return err
			}
			if outcome != merge.OutcomeRetry {
				return nil
			}

		default:
			return nil
		}
	}
}

// settle checks whether the session is finished. Returns true when the
// engine has nothing left to do.
func (e *Engine) settle(ctx context.Context, sessionID string) (bool, error) {
	ready, err := e.Sessions.ReadyForValidation(sessionID)
	if err != nil {
		return false, err
	}

	if ready {
		verdict, err := e.Sessions.ProposeCompletion(ctx, sessionID)
		if err != nil {
			return false, err
		}
		if verdict.Verdict == "accept" {
			fmt.Fprintf(e.out(), "[%s] session completed and closed\n", sessionID)
			return true, nil
		}
		// Reject reopened specific groups; keep running.
		fmt.Fprintf(e.out(), "[%s] validator rejected, resuming reopened groups\n", sessionID)
		return false, nil
	}

	// Not ready: if nothing can make progress anymore, report partial
	// completion and stop.
	groups, err := e.Store.GroupsBySession(sessionID)
	if err != nil {
		return false, err
	}
	pinned, err := pinnedGroups(e.Store.DB(), groups)
	if err != nil {
		return false, err
	}
	for _, tg := range groups {
		if taskgroup.Terminal(tg.Status) {
			continue
		}
		if tg.Status != taskgroup.StatusPending || !pinned[tg.ID] {
			return false, nil
		}
	}

	stats, err := e.Sessions.Stats(sessionID)
	if err != nil {
		return false, err
	}
	fmt.Fprintf(e.out(), "[%s] no runnable groups left: %d/%d completed, %d blocked\n",
		sessionID, stats.Completed, stats.Total, len(stats.Blocked))
	return true, nil
}

// pinnedGroups returns the groups that can never run because a failed
// group sits somewhere in their blocker chain.
func pinnedGroups(db *gorm.DB, groups []models.TaskGroup) (map[string]bool, error) {
	ids := make([]string, 0, len(groups))
	for _, tg := range groups {
		ids = append(ids, tg.ID)
	}

	var deps []models.TaskGroupDep
	if err := db.Where("task_group_id IN ?", ids).Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("engine: load deps: %w", err)
	}
	dependents := make(map[string][]string)
	for _, d := range deps {
		dependents[d.BlockedBy] = append(dependents[d.BlockedBy], d.TaskGroupID)
	}

	pinned := make(map[string]bool)
	var queue []string
	for _, tg := range groups {
		if tg.Status == taskgroup.StatusFailed {
			queue = append(queue, tg.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if !pinned[dep] {
				pinned[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return pinned, nil
}

func (e *Engine) sweep(sessionID string) error {
	if err := e.recoverAbandonedDispatches(sessionID); err != nil {
		return err
	}
	return e.recoverMergingGroups(sessionID)
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
