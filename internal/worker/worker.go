// Package worker defines the dispatch contract between the engine and the
// external workers. Each stage has a closed response set; anything outside
// it is a protocol error and surfaces as a blocked failure, never as a
// string-matching bug downstream.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Stage identifies which worker role a dispatch targets.
type Stage string

const (
	StageImplement Stage = "implement"
	StageVerify    Stage = "verify"
	StageReview    Stage = "review"
	StageMerge     Stage = "merge"
	StageValidate  Stage = "validate"
)

// Review verdicts.
const (
	VerdictApproved         = "approved"
	VerdictChangesRequested = "changes_requested"
)

// Merge outcomes.
const (
	MergeSuccess     = "success"
	MergeConflict    = "conflict"
	MergeTestFailure = "test_failure"
	MergeBlocked     = "blocked"
)

// Issue severities.
var validSeverities = map[string]bool{
	"critical": true,
	"high":     true,
	"medium":   true,
	"low":      true,
}

// IssueReport is one finding in a worker response.
type IssueReport struct {
	Severity  string `json:"severity"`
	Blocking  bool   `json:"blocking"`
	Title     string `json:"title"`
	Signature string `json:"signature"`
}

// Request is the structured input handed to a worker.
type Request struct {
	TaskGroupID   string        `json:"task_group_id"`
	Stage         Stage         `json:"stage"`
	Tier          int           `json:"tier"`
	PriorIssues   []IssueReport `json:"prior_issues,omitempty"`
	ContextBundle string        `json:"context_bundle,omitempty"`
	BranchRef     string        `json:"branch_ref,omitempty"`
	TargetBranch  string        `json:"target_branch,omitempty"`
	Acceptance    string        `json:"acceptance,omitempty"`
}

// Result is the structured response from a worker. Only the fields for the
// dispatched stage are meaningful.
type Result struct {
	// Implement stage.
	FilesChanged []string `json:"files_changed,omitempty"`
	TestsRun     int      `json:"tests_run,omitempty"`
	TestsPassed  int      `json:"tests_passed,omitempty"`

	// Verify and validate stages.
	Passed   bool     `json:"passed,omitempty"`
	Failures []string `json:"failures,omitempty"`

	// Preexisting marks verify failures attributable to state that predates
	// the change, not to the change itself.
	Preexisting bool `json:"preexisting,omitempty"`

	// Review stage.
	Verdict string        `json:"verdict,omitempty"`
	Issues  []IssueReport `json:"issues,omitempty"`

	// Merge stage.
	Outcome string `json:"outcome,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Dispatcher is the engine's view of the external workers: a blocking,
// cancellable call that returns a structured result or an error.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (*Result, error)
}

// ProtocolError marks a response outside the stage's closed set.
type ProtocolError struct {
	Stage  Stage
	Got    string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("worker: protocol error on %s: %s (got %q)", e.Stage, e.Reason, e.Got)
}

// ValidateResult checks a result against the closed set for its stage.
func ValidateResult(stage Stage, res *Result) error {
	if res == nil {
		return &ProtocolError{Stage: stage, Reason: "empty response"}
	}

	switch stage {
	case StageImplement:
		// No enum; any structured result is acceptable.
		return nil

	case StageVerify, StageValidate:
		if !res.Passed && len(res.Failures) == 0 && !res.Preexisting {
			return &ProtocolError{Stage: stage, Reason: "failed verification must name failures"}
		}
		return nil

	case StageReview:
		if res.Verdict != VerdictApproved && res.Verdict != VerdictChangesRequested {
			return &ProtocolError{Stage: stage, Got: res.Verdict, Reason: "verdict outside closed set"}
		}
		for _, iss := range res.Issues {
			if !validSeverities[iss.Severity] {
				return &ProtocolError{Stage: stage, Got: iss.Severity, Reason: "issue severity outside closed set"}
			}
			if iss.Title == "" {
				return &ProtocolError{Stage: stage, Reason: "issue missing title"}
			}
		}
		return nil

	case StageMerge:
		switch res.Outcome {
		case MergeSuccess, MergeConflict, MergeTestFailure, MergeBlocked:
			return nil
		}
		return &ProtocolError{Stage: stage, Got: res.Outcome, Reason: "outcome outside closed set"}

	default:
		return &ProtocolError{Stage: stage, Reason: "unknown stage"}
	}
}

// GenerateWorkerID creates a unique worker ID in wrk-xxxxxxxx format.
func GenerateWorkerID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("worker: generate ID: %w", err)
	}
	return "wrk-" + hex.EncodeToString(b), nil
}
