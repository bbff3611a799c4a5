package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Commands maps each stage to the shell command that runs its worker.
type Commands struct {
	Implement string
	Verify    string
	Review    string
	Merge     string
	Validate  string
}

// command returns the template for a stage.
func (c Commands) command(stage Stage) (string, error) {
	switch stage {
	case StageImplement:
		return c.Implement, nil
	case StageVerify:
		return c.Verify, nil
	case StageReview:
		return c.Review, nil
	case StageMerge:
		return c.Merge, nil
	case StageValidate:
		return c.Validate, nil
	}
	return "", fmt.Errorf("worker: no command for stage %q", stage)
}

// SubprocessDispatcher runs workers as subprocesses. The request is written
// to stdin as JSON and the last JSON object on stdout is the response. The
// worker commands are configuration data; which command runs is the only
// thing the engine controls.
type SubprocessDispatcher struct {
	Commands Commands
	Timeout  time.Duration
	WorkDir  string
}

// ErrTimeout marks a dispatch that exceeded the wall-clock budget. Callers
// treat it as a blocked environment failure, never as a lost dispatch.
var ErrTimeout = errors.New("worker: dispatch timed out")

// Dispatch implements Dispatcher.
func (d *SubprocessDispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	cmdStr, err := d.Commands.command(req.Stage)
	if err != nil {
		return nil, err
	}
	if cmdStr == "" {
		return nil, fmt.Errorf("worker: command for stage %q is not configured", req.Stage)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("worker: marshal request: %w", err)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdStr)
	cmd.Dir = d.WorkDir
	cmd.Stdin = bytes.NewReader(payload)

	out, err := cmd.Output()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: stage %s after %s", ErrTimeout, req.Stage, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("worker: run %s worker: %w", req.Stage, err)
	}

	res, err := ParseResult(req.Stage, out)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ParseResult extracts and validates the JSON response from worker output.
// Workers may print progress text; only the last line that parses as a JSON
// object counts.
func ParseResult(stage Stage, output []byte) (*Result, error) {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var res Result
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			continue
		}
		if err := ValidateResult(stage, &res); err != nil {
			return nil, err
		}
		return &res, nil
	}
	return nil, &ProtocolError{Stage: stage, Reason: "no JSON response in worker output"}
}
