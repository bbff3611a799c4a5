package engine

import (
	"fmt"

	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/taskgroup"
	"gorm.io/gorm"
)

// recoverAbandonedDispatches clears dispatch markers that no live runner
// owns. A marker with no runner means a previous process crashed mid
// dispatch; the worker's outcome is unknowable, so the dispatch is closed
// out here and the group resumes from its persisted status.
func (e *Engine) recoverAbandonedDispatches(sessionID string) error {
	groups, err := e.Store.InflightGroups()
	if err != nil {
		return err
	}

	for _, tg := range groups {
		if tg.SessionID != sessionID || e.isActive(tg.ID) {
			continue
		}

		stage := tg.InflightStage
		err := e.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
			return taskgroup.EndDispatch(tx, tg.ID)
		})
		if err != nil {
			return err
		}
		e.Store.AppendEvent(tg.SessionID, tg.ID, store.EventRecoveredDispatch,
			fmt.Sprintf("cleared abandoned %s dispatch from a previous run", stage))
		fmt.Fprintf(e.out(), "[%s] recovered abandoned %s dispatch\n", tg.ID, stage)
	}
	return nil
}

// recoverMergingGroups returns groups stuck in merging with no live runner
// to in_progress. The integration attempt's outcome is unknown, so the
// group re-earns its approval through the review loop.
func (e *Engine) recoverMergingGroups(sessionID string) error {
	groups, err := e.Store.GroupsByStatus(taskgroup.StatusMerging)
	if err != nil {
		return err
	}

	for _, tg := range groups {
		if tg.SessionID != sessionID || e.isActive(tg.ID) {
			continue
		}

		err := e.Store.WithGroup(tg.ID, func(tx *gorm.DB) error {
			return taskgroup.Transition(tx, tg.ID, taskgroup.StatusInProgress, taskgroup.StageImplement, nil)
		})
		if err != nil {
			return err
		}
		e.Store.AppendEvent(tg.SessionID, tg.ID, store.EventTransition,
			"merging -> in_progress (interrupted merge recovered)")
		fmt.Fprintf(e.out(), "[%s] interrupted merge returned to review loop\n", tg.ID)
	}
	return nil
}
