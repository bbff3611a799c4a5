package merge

import (
	"context"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/escalation"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/store"
	"github.com/zulandar/signalbox/internal/taskgroup"
	"github.com/zulandar/signalbox/internal/worker"
)

type fakeDispatcher struct {
	t       *testing.T
	results map[worker.Stage][]*worker.Result
	reqs    []worker.Request
}

func (f *fakeDispatcher) push(stage worker.Stage, res *worker.Result) {
	if f.results == nil {
		f.results = make(map[worker.Stage][]*worker.Result)
	}
	f.results[stage] = append(f.results[stage], res)
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req worker.Request) (*worker.Result, error) {
	f.reqs = append(f.reqs, req)
	if q := f.results[req.Stage]; len(q) > 0 {
		res := q[0]
		f.results[req.Stage] = q[1:]
		return res, nil
	}
	if req.Stage == worker.StageVerify {
		return &worker.Result{Passed: true}, nil
	}
	f.t.Fatalf("no scripted result for stage %s", req.Stage)
	return nil, nil
}

func testCoordinator(t *testing.T) (*Coordinator, *fakeDispatcher, *store.Store) {
	t.Helper()
	conn, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st := store.New(conn)
	fd := &fakeDispatcher{t: t}
	c := &Coordinator{
		Store:        st,
		Dispatcher:   fd,
		Policy:       escalation.NewPolicy(3, 2),
		TargetBranch: "main",
	}
	return c, fd, st
}

func seedApproved(t *testing.T, st *store.Store, id string) {
	t.Helper()
	sess := models.Session{ID: "sess-1", Status: "active", StartedAt: time.Now()}
	if err := st.DB().FirstOrCreate(&sess).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	tg := models.TaskGroup{
		ID:           id,
		SessionID:    "sess-1",
		Status:       taskgroup.StatusApprovedPendingMerge,
		CurrentStage: taskgroup.StageNone,
		BranchRef:    "feature/" + id,
		CreatedAt:    time.Now(),
	}
	if err := st.DB().Create(&tg).Error; err != nil {
		t.Fatalf("seed group: %v", err)
	}
}

func TestRunSuccessCompletes(t *testing.T) {
	c, fd, st := testCoordinator(t)
	seedApproved(t, st, "tg-1")

	fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeSuccess})

	outcome, err := c.Run(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", outcome)
	}

	tg, _ := st.GetGroup("tg-1")
	if tg.Status != taskgroup.StatusCompleted {
		t.Errorf("expected completed, got %s", tg.Status)
	}
	if tg.MergeAttemptCount != 1 {
		t.Errorf("expected 1 merge attempt, got %d", tg.MergeAttemptCount)
	}
	if tg.CompletedAt == nil {
		t.Error("completed group should have a completion time")
	}

	attempts, _ := st.MergeAttempts("tg-1")
	if len(attempts) != 1 || attempts[0].Outcome != worker.MergeSuccess {
		t.Fatalf("expected one success attempt, got %+v", attempts)
	}
	if attempts[0].CIWarning {
		t.Error("success without CI should not carry a warning")
	}
}

// A conflict sends the group back to the review loop with the failure as a
// blocking issue, then a later pass merges cleanly.
func TestRunConflictReentersReviewLoop(t *testing.T) {
	c, fd, st := testCoordinator(t)
	seedApproved(t, st, "tg-1")

	fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeConflict, Detail: "conflict in store.go"})

	outcome, err := c.Run(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeRetry {
		t.Fatalf("expected retry, got %s", outcome)
	}

	tg, _ := st.GetGroup("tg-1")
	if tg.Status != taskgroup.StatusInProgress {
		t.Errorf("expected in_progress, got %s", tg.Status)
	}
	if tg.CurrentStage != taskgroup.StageImplement {
		t.Errorf("expected implement stage, got %s", tg.CurrentStage)
	}
	if tg.MergeAttemptCount != 1 {
		t.Errorf("expected 1 merge attempt, got %d", tg.MergeAttemptCount)
	}

	issues, _ := st.UnresolvedIssues("tg-1")
	if len(issues) != 1 || !issues[0].Blocking || issues[0].Source != "merge" {
		t.Fatalf("expected one blocking merge issue, got %+v", issues)
	}

	// Re-approve after the review loop resolves the conflict and run again.
	st.DB().Model(&models.TaskGroup{}).Where("id = ?", "tg-1").
		Updates(map[string]interface{}{"status": taskgroup.StatusApprovedPendingMerge, "current_stage": taskgroup.StageNone})
	fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeSuccess})

	outcome, err = c.Run(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", outcome)
	}

	tg, _ = st.GetGroup("tg-1")
	if tg.MergeAttemptCount != 2 {
		t.Errorf("expected 2 merge attempts, got %d", tg.MergeAttemptCount)
	}
}

// CI never concluding within the poll budget completes the group with a
// warning instead of failing it.
func TestRunCITimeoutCompletesWithWarning(t *testing.T) {
	c, fd, st := testCoordinator(t)
	seedApproved(t, st, "tg-1")
	c.Poller = &CIPoller{
		Checker:  &fakeChecker{states: []string{ciStatePending, ciStatePending, ciStatePending}},
		Owner:    "zulandar",
		Repo:     "signalbox",
		Interval: time.Millisecond,
		MaxPolls: 3,
	}

	fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeSuccess})

	outcome, err := c.Run(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", outcome)
	}

	tg, _ := st.GetGroup("tg-1")
	if tg.Status != taskgroup.StatusCompleted {
		t.Errorf("expected completed, got %s", tg.Status)
	}

	attempts, _ := st.MergeAttempts("tg-1")
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if !attempts[0].CIWarning {
		t.Error("ci timeout must be recorded as a warning on the attempt")
	}
	if attempts[0].CIPollCount != 3 {
		t.Errorf("expected 3 polls recorded, got %d", attempts[0].CIPollCount)
	}

	events, _ := st.Events("sess-1")
	var sawTimeout bool
	for _, ev := range events {
		if ev.Kind == store.EventCITimeout {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("expected a ci_timeout event")
	}
}

func TestRunCIFailureReentersReviewLoop(t *testing.T) {
	c, fd, st := testCoordinator(t)
	seedApproved(t, st, "tg-1")
	c.Poller = &CIPoller{
		Checker:  &fakeChecker{states: []string{ciStateFailure}},
		Interval: time.Millisecond,
		MaxPolls: 3,
	}

	fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeSuccess})

	outcome, err := c.Run(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeRetry {
		t.Fatalf("expected retry, got %s", outcome)
	}

	tg, _ := st.GetGroup("tg-1")
	if tg.Status != taskgroup.StatusInProgress {
		t.Errorf("expected in_progress, got %s", tg.Status)
	}
}

func TestRunBlockedHalts(t *testing.T) {
	c, fd, st := testCoordinator(t)
	seedApproved(t, st, "tg-1")

	fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeBlocked, Detail: "remote unreachable"})

	outcome, err := c.Run(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeHalted {
		t.Fatalf("expected halted, got %s", outcome)
	}

	tg, _ := st.GetGroup("tg-1")
	if tg.Status != taskgroup.StatusFailed {
		t.Errorf("expected failed, got %s", tg.Status)
	}
	if tg.MergeAttemptCount != 0 {
		t.Errorf("blocked failure should not count an attempt, got %d", tg.MergeAttemptCount)
	}

	events, _ := st.Events("sess-1")
	var sawHalt bool
	for _, ev := range events {
		if ev.Kind == store.EventHalt {
			sawHalt = true
		}
	}
	if !sawHalt {
		t.Error("expected a halt event")
	}
}

// A fourth consecutive content failure exhausts the retry budget.
func TestRunExhaustedRetriesHalt(t *testing.T) {
	c, fd, st := testCoordinator(t)
	seedApproved(t, st, "tg-1")

	for i := 1; i <= 3; i++ {
		st.DB().Create(&models.MergeAttempt{
			TaskGroupID: "tg-1", AttemptNumber: i, Outcome: worker.MergeConflict, CreatedAt: time.Now(),
		})
	}
	st.DB().Model(&models.TaskGroup{}).Where("id = ?", "tg-1").Update("merge_attempt_count", 3)

	fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeConflict, Detail: "still conflicting"})

	outcome, err := c.Run(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeHalted {
		t.Fatalf("expected halted, got %s", outcome)
	}

	tg, _ := st.GetGroup("tg-1")
	if tg.Status != taskgroup.StatusFailed {
		t.Errorf("expected failed, got %s", tg.Status)
	}
	if tg.MergeAttemptCount != 4 {
		t.Errorf("the exhausting attempt still counts, got %d", tg.MergeAttemptCount)
	}
}

// Repeated test failures climb the tier ladder, and a blocked outcome on
// the fourth attempt halts the group outright.
func TestRunTestFailuresEscalateThenBlockedHalts(t *testing.T) {
	c, fd, st := testCoordinator(t)
	seedApproved(t, st, "tg-1")

	reapprove := func() {
		st.DB().Model(&models.TaskGroup{}).Where("id = ?", "tg-1").
			Updates(map[string]interface{}{
				"status":        taskgroup.StatusApprovedPendingMerge,
				"current_stage": taskgroup.StageNone,
			})
	}

	wantTiers := []int{0, 1, 3}
	for i, want := range wantTiers {
		fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeTestFailure, Detail: "TestCheckout fails"})
		outcome, err := c.Run(context.Background(), "tg-1")
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if outcome != OutcomeRetry {
			t.Fatalf("attempt %d: expected retry, got %s", i+1, outcome)
		}
		tg, _ := st.GetGroup("tg-1")
		if tg.EscalationTier != want {
			t.Errorf("attempt %d: tier = %d, want %d", i+1, tg.EscalationTier, want)
		}
		reapprove()
	}

	fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeBlocked, Detail: "remote unreachable"})
	outcome, err := c.Run(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if outcome != OutcomeHalted {
		t.Fatalf("expected halted, got %s", outcome)
	}
	tg, _ := st.GetGroup("tg-1")
	if tg.Status != taskgroup.StatusFailed {
		t.Errorf("expected failed, got %s", tg.Status)
	}
	if tg.MergeAttemptCount != 3 {
		t.Errorf("blocked halt should leave the counter at 3, got %d", tg.MergeAttemptCount)
	}
}

func TestRunPostMergeVerifyFailureReenters(t *testing.T) {
	c, fd, st := testCoordinator(t)
	seedApproved(t, st, "tg-1")

	fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeSuccess})
	fd.push(worker.StageVerify, &worker.Result{Passed: false, Failures: []string{"TestIntegration broke"}})

	outcome, err := c.Run(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeRetry {
		t.Fatalf("expected retry, got %s", outcome)
	}
}

// Failures that predate the merge never pull the group back.
func TestRunPostMergeVerifyPreexistingCompletes(t *testing.T) {
	c, fd, st := testCoordinator(t)
	seedApproved(t, st, "tg-1")

	fd.push(worker.StageMerge, &worker.Result{Outcome: worker.MergeSuccess})
	fd.push(worker.StageVerify, &worker.Result{Passed: false, Preexisting: true, Failures: []string{"TestLegacy was already red"}})

	outcome, err := c.Run(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", outcome)
	}

	tg, _ := st.GetGroup("tg-1")
	if tg.Status != taskgroup.StatusCompleted {
		t.Errorf("expected completed, got %s", tg.Status)
	}
}

func TestRunRequiresApprovedGroup(t *testing.T) {
	c, _, st := testCoordinator(t)
	sess := models.Session{ID: "sess-1", Status: "active", StartedAt: time.Now()}
	st.DB().Create(&sess)
	st.DB().Create(&models.TaskGroup{
		ID: "tg-1", SessionID: "sess-1",
		Status: taskgroup.StatusInProgress, CurrentStage: taskgroup.StageImplement,
		CreatedAt: time.Now(),
	})

	if _, err := c.Run(context.Background(), "tg-1"); err == nil {
		t.Error("expected error for group not approved for merge")
	}
}
