package rank

import (
	"strings"
	"testing"

	"github.com/zulandar/signalbox/internal/models"
)

func TestGreedyRanker_RespectsBudget(t *testing.T) {
	r := GreedyRanker{}
	candidates := []Candidate{
		{ID: "a", Tokens: 40},
		{ID: "b", Tokens: 70},
		{ID: "c", Tokens: 50},
	}

	got := r.Rank(candidates, 100)
	total := 0
	for _, c := range got {
		total += c.Tokens
	}
	if total > 100 {
		t.Errorf("ranked subset uses %d tokens, budget 100", total)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2 (a and c fit)", len(got))
	}
}

func TestGreedyRanker_PreservesOrder(t *testing.T) {
	r := GreedyRanker{}
	got := r.Rank([]Candidate{{ID: "a", Tokens: 1}, {ID: "b", Tokens: 1}}, 10)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order not preserved: %v", got)
	}
}

func TestBuildBundle_RequiresGroup(t *testing.T) {
	if _, err := BuildBundle(nil, BundleInput{}); err == nil {
		t.Error("expected error for nil group")
	}
}

func TestBuildBundle_Content(t *testing.T) {
	tg := &models.TaskGroup{
		ID:          "tg-abc12",
		Status:      "in_progress",
		Description: "Add retry to claim path",
		Acceptance:  "claim survives restart",
		BranchRef:   "sb/tg-abc12",
	}
	bundle, err := BuildBundle(nil, BundleInput{
		Group: tg,
		Issues: []models.Issue{
			{Severity: "high", Blocking: true, Title: "missing rollback"},
		},
		Cycles: []models.ReviewCycle{
			{Iteration: 1, Verdict: "changes_requested", Summary: "needs rollback"},
		},
		TokenBudget: 16000,
	})
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}

	for _, want := range []string{
		"tg-abc12", "Add retry to claim path", "claim survives restart",
		"missing rollback", "[blocking]", "Review Cycle 1",
	} {
		if !strings.Contains(bundle, want) {
			t.Errorf("bundle missing %q", want)
		}
	}
}

func TestBuildBundle_TightBudgetDropsHistory(t *testing.T) {
	tg := &models.TaskGroup{ID: "tg-1", Description: "short"}
	long := strings.Repeat("history ", 400)

	bundle, err := BuildBundle(nil, BundleInput{
		Group: tg,
		Cycles: []models.ReviewCycle{
			{Iteration: 1, Verdict: "changes_requested", Summary: long},
		},
		TokenBudget: 60,
	})
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	if strings.Contains(bundle, "history") {
		t.Error("over-budget cycle summary should have been dropped")
	}
	if !strings.Contains(bundle, "tg-1") {
		t.Error("header should survive a tight budget")
	}
}

type reverseRanker struct{}

func (reverseRanker) Rank(c []Candidate, budget int) []Candidate {
	out := make([]Candidate, len(c))
	for i := range c {
		out[i] = c[len(c)-1-i]
	}
	return out
}

func TestBuildBundle_UsesInjectedRanker(t *testing.T) {
	tg := &models.TaskGroup{ID: "tg-1", Description: "d"}
	bundle, err := BuildBundle(reverseRanker{}, BundleInput{
		Group:       tg,
		Events:      []models.Event{{Kind: "transition", Detail: "pending -> in_progress"}},
		TokenBudget: 16000,
	})
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}
	// Reverse ranker puts events before the header.
	if strings.Index(bundle, "Recent Events") > strings.Index(bundle, "Task group") {
		t.Error("injected ranker ordering was not respected")
	}
}
