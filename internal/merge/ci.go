package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// CI combined-status states as GitHub reports them.
const (
	ciStateSuccess = "success"
	ciStateFailure = "failure"
	ciStateError   = "error"
	ciStatePending = "pending"
)

// CIResult is the terminal outcome of waiting on CI.
type CIResult string

const (
	CIPassed CIResult = "passed"
	CIFailed CIResult = "failed"
	// CITimedOut means the poll budget ran out while CI was still pending.
	// Callers treat this as success-with-warning, never as failure.
	CITimedOut CIResult = "timed_out"
)

// StatusChecker reports the combined CI state for a ref.
type StatusChecker interface {
	CombinedStatus(ctx context.Context, owner, repo, ref string) (string, error)
}

// githubChecker implements StatusChecker against the GitHub API.
type githubChecker struct {
	client *github.Client
}

// NewGitHubChecker creates a StatusChecker over the GitHub API. An empty
// token uses unauthenticated access.
func NewGitHubChecker(ctx context.Context, token string) StatusChecker {
	if token == "" {
		return &githubChecker{client: github.NewClient(nil)}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &githubChecker{client: github.NewClient(oauth2.NewClient(ctx, ts))}
}

func (g *githubChecker) CombinedStatus(ctx context.Context, owner, repo, ref string) (string, error) {
	status, _, err := g.client.Repositories.GetCombinedStatus(ctx, owner, repo, ref, &github.ListOptions{PerPage: 1})
	if err != nil {
		return "", fmt.Errorf("merge: combined status for %s: %w", ref, err)
	}
	return status.GetState(), nil
}

// CIPoller waits for CI on a ref with a hard poll budget.
type CIPoller struct {
	Checker  StatusChecker
	Owner    string
	Repo     string
	Interval time.Duration
	MaxPolls int
}

// Wait polls until CI settles or the budget runs out, returning the number
// of polls spent. The budget is a hard bound: a hung CI system can delay a
// merge by at most Interval * MaxPolls.
func (p *CIPoller) Wait(ctx context.Context, ref string) (CIResult, int, error) {
	if p.MaxPolls <= 0 {
		return "", 0, fmt.Errorf("merge: ci poller needs a positive poll budget")
	}

	for i := 0; i < p.MaxPolls; i++ {
		state, err := p.Checker.CombinedStatus(ctx, p.Owner, p.Repo, ref)
		if err != nil {
			return "", i + 1, err
		}

		switch state {
		case ciStateSuccess:
			return CIPassed, i + 1, nil
		case ciStateFailure, ciStateError:
			return CIFailed, i + 1, nil
		}

		if i == p.MaxPolls-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", i + 1, fmt.Errorf("merge: ci wait for %s: %w", ref, ctx.Err())
		case <-time.After(p.Interval):
		}
	}

	return CITimedOut, p.MaxPolls, nil
}
