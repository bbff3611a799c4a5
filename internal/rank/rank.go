// Package rank defines the consumed context-ranking interface and builds
// the context bundle handed to worker dispatches. The ranking algorithm
// itself is external; the engine only supplies candidates and a budget and
// trusts the ordered, budget-respecting subset it gets back.
package rank

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zulandar/signalbox/internal/models"
)

// Candidate is one piece of context competing for budget.
type Candidate struct {
	ID      string
	Content string
	Tokens  int
}

// Ranker orders candidates and trims them to the token budget.
type Ranker interface {
	Rank(candidates []Candidate, tokenBudget int) []Candidate
}

// GreedyRanker is the fallback when no external ranker is wired: keep input
// order, drop whatever exceeds the budget.
type GreedyRanker struct{}

// Rank implements Ranker.
func (GreedyRanker) Rank(candidates []Candidate, tokenBudget int) []Candidate {
	var out []Candidate
	used := 0
	for _, c := range candidates {
		if used+c.Tokens > tokenBudget {
			continue
		}
		out = append(out, c)
		used += c.Tokens
	}
	return out
}

// BundleInput holds the raw material for a worker context bundle.
type BundleInput struct {
	Group       *models.TaskGroup
	Issues      []models.Issue
	Cycles      []models.ReviewCycle
	Events      []models.Event
	TokenBudget int
}

// estimateTokens is a rough chars/4 heuristic; the external ranker is the
// one that actually has to respect the budget.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}

// BuildBundle renders the markdown context handed to a worker, ranked and
// budget-trimmed.
func BuildBundle(r Ranker, in BundleInput) (string, error) {
	if in.Group == nil {
		return "", fmt.Errorf("rank: task group is required")
	}
	if r == nil {
		r = GreedyRanker{}
	}
	if in.TokenBudget <= 0 {
		in.TokenBudget = 16000
	}

	var candidates []Candidate

	var head strings.Builder
	fmt.Fprintf(&head, "# Task group %s\n", in.Group.ID)
	fmt.Fprintf(&head, "Status: %s (stage %s, iteration %d)\n", in.Group.Status, in.Group.CurrentStage, in.Group.ReviewIteration)
	fmt.Fprintf(&head, "Branch: %s\n\n", in.Group.BranchRef)
	head.WriteString("## Description\n")
	head.WriteString(in.Group.Description)
	head.WriteString("\n")
	if in.Group.Acceptance != "" {
		head.WriteString("\n## Acceptance Criteria\n")
		head.WriteString(in.Group.Acceptance)
		head.WriteString("\n")
	}
	candidates = append(candidates, Candidate{ID: "header", Content: head.String(), Tokens: estimateTokens(head.String())})

	if len(in.Issues) > 0 {
		var b strings.Builder
		b.WriteString("## Outstanding Issues\n")
		for _, iss := range in.Issues {
			flag := ""
			if iss.Blocking {
				flag = " [blocking]"
			}
			fmt.Fprintf(&b, "- (%s)%s %s\n", iss.Severity, flag, iss.Title)
		}
		candidates = append(candidates, Candidate{ID: "issues", Content: b.String(), Tokens: estimateTokens(b.String())})
	}

	// Most recent cycles first; older history is the first thing the budget
	// should squeeze out.
	cycles := append([]models.ReviewCycle(nil), in.Cycles...)
	sort.Slice(cycles, func(i, j int) bool { return cycles[i].Iteration > cycles[j].Iteration })
	for _, rc := range cycles {
		var b strings.Builder
		fmt.Fprintf(&b, "## Review Cycle %d (%s)\n", rc.Iteration, rc.Verdict)
		if rc.Summary != "" {
			b.WriteString(rc.Summary)
			b.WriteString("\n")
		}
		candidates = append(candidates, Candidate{
			ID:      fmt.Sprintf("cycle-%d", rc.Iteration),
			Content: b.String(),
			Tokens:  estimateTokens(b.String()),
		})
	}

	if len(in.Events) > 0 {
		var b strings.Builder
		b.WriteString("## Recent Events\n")
		for _, ev := range in.Events {
			fmt.Fprintf(&b, "- [%s] %s\n", ev.Kind, ev.Detail)
		}
		candidates = append(candidates, Candidate{ID: "events", Content: b.String(), Tokens: estimateTokens(b.String())})
	}

	ranked := r.Rank(candidates, in.TokenBudget)

	var out strings.Builder
	for _, c := range ranked {
		out.WriteString(c.Content)
		out.WriteString("\n")
	}
	return out.String(), nil
}
