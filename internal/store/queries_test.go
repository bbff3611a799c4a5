package store

import (
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

func intPtr(n int) *int { return &n }

func seedIssue(t *testing.T, s *Store, tgID, sig string, resolved *int, blocking bool) {
	t.Helper()
	if err := s.DB().Create(&models.Issue{
		TaskGroupID:         tgID,
		Source:              "review",
		Severity:            "high",
		Blocking:            blocking,
		Title:               sig,
		Signature:           sig,
		ResolvedInIteration: resolved,
		CreatedAt:           time.Now(),
	}).Error; err != nil {
		t.Fatalf("seed issue %s: %v", sig, err)
	}
}

func seedAttempt(t *testing.T, s *Store, tgID string, n int, outcome string) {
	t.Helper()
	if err := s.DB().Create(&models.MergeAttempt{
		TaskGroupID:   tgID,
		AttemptNumber: n,
		Outcome:       outcome,
		CreatedAt:     time.Now(),
	}).Error; err != nil {
		t.Fatalf("seed attempt %d: %v", n, err)
	}
}

func TestUnresolvedIssues(t *testing.T) {
	s := testStore(t)
	seedIssue(t, s, "tg-1", "nil-deref-handler", nil, true)
	seedIssue(t, s, "tg-1", "missing-timeout", intPtr(2), false)
	seedIssue(t, s, "tg-2", "other-group", nil, false)

	issues, err := s.UnresolvedIssues("tg-1")
	if err != nil {
		t.Fatalf("UnresolvedIssues: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("len(issues) = %d, want 1", len(issues))
	}
	if issues[0].Signature != "nil-deref-handler" {
		t.Errorf("Signature = %q, want nil-deref-handler", issues[0].Signature)
	}
}

func TestResolvedSignatures(t *testing.T) {
	s := testStore(t)
	seedIssue(t, s, "tg-1", "sig-a", intPtr(1), true)
	seedIssue(t, s, "tg-1", "sig-b", nil, true)

	sigs, err := s.ResolvedSignatures("tg-1")
	if err != nil {
		t.Fatalf("ResolvedSignatures: %v", err)
	}
	if !sigs["sig-a"] {
		t.Error("sig-a should be resolved")
	}
	if sigs["sig-b"] {
		t.Error("sig-b should not be resolved")
	}
}

func TestLatestReviewCycle(t *testing.T) {
	s := testStore(t)

	rc, err := s.LatestReviewCycle("tg-1")
	if err != nil {
		t.Fatalf("LatestReviewCycle (empty): %v", err)
	}
	if rc != nil {
		t.Errorf("expected nil cycle for unseen group, got iteration %d", rc.Iteration)
	}

	for i := 1; i <= 3; i++ {
		s.DB().Create(&models.ReviewCycle{TaskGroupID: "tg-1", Iteration: i, Verdict: "changes_requested", CreatedAt: time.Now()})
	}

	rc, err = s.LatestReviewCycle("tg-1")
	if err != nil {
		t.Fatalf("LatestReviewCycle: %v", err)
	}
	if rc == nil || rc.Iteration != 3 {
		t.Errorf("latest iteration = %v, want 3", rc)
	}
}

func TestConsecutiveMergeFailures(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []string
		want     int
	}{
		{"no attempts", nil, 0},
		{"single failure", []string{"conflict"}, 1},
		{"two failures", []string{"test_failure", "conflict"}, 2},
		{"success resets", []string{"conflict", "success", "test_failure"}, 1},
		{"blocked skipped", []string{"conflict", "blocked", "test_failure"}, 2},
		{"all success", []string{"success", "success"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t)
			for i, o := range tt.outcomes {
				seedAttempt(t, s, "tg-1", i+1, o)
			}
			got, err := s.ConsecutiveMergeFailures("tg-1")
			if err != nil {
				t.Fatalf("ConsecutiveMergeFailures: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHasAccept(t *testing.T) {
	s := testStore(t)

	ok, err := s.HasAccept("ses-1")
	if err != nil {
		t.Fatalf("HasAccept: %v", err)
	}
	if ok {
		t.Error("HasAccept = true with no verdicts")
	}

	s.DB().Create(&models.ValidatorVerdict{SessionID: "ses-1", Verdict: "reject", CheckedAt: time.Now()})
	ok, _ = s.HasAccept("ses-1")
	if ok {
		t.Error("HasAccept = true with only a reject")
	}

	s.DB().Create(&models.ValidatorVerdict{SessionID: "ses-1", Verdict: "accept", CheckedAt: time.Now()})
	ok, _ = s.HasAccept("ses-1")
	if !ok {
		t.Error("HasAccept = false after accept recorded")
	}
}

func TestLatestVerdict(t *testing.T) {
	s := testStore(t)
	s.DB().Create(&models.ValidatorVerdict{SessionID: "ses-1", Verdict: "reject", CheckedAt: time.Now().Add(-time.Hour)})
	s.DB().Create(&models.ValidatorVerdict{SessionID: "ses-1", Verdict: "accept", CheckedAt: time.Now()})

	v, err := s.LatestVerdict("ses-1")
	if err != nil {
		t.Fatalf("LatestVerdict: %v", err)
	}
	if v == nil || v.Verdict != "accept" {
		t.Errorf("latest verdict = %v, want accept", v)
	}
}
