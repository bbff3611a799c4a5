package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const goodPlan = `groups:
  - id: auth-api
    description: Authentication API
    acceptance: login and refresh endpoints pass their tests
  - id: auth-ui
    description: Login screens
    acceptance: login flow works against the API
deps:
  - group_id: auth-ui
    blocked_by: auth-api
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func TestPlanCheck_Valid(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"plan", "check", writePlan(t, goodPlan)})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("plan check failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Plan OK: 2 task groups, 1 dependencies") {
		t.Errorf("unexpected output: %s", out)
	}
	if !strings.Contains(out, "auth-api") {
		t.Errorf("expected group listing, got: %s", out)
	}
}

func TestPlanCheck_Invalid(t *testing.T) {
	bad := `groups:
  - id: auth-api
    description: Authentication API
    acceptance: tests pass
deps:
  - group_id: auth-api
    blocked_by: missing
`
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"plan", "check", writePlan(t, bad)})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for invalid plan")
	}
	if !strings.Contains(err.Error(), "problem") {
		t.Errorf("error = %q, want problem count", err.Error())
	}
}

func TestPlanCheck_MissingFile(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"plan", "check", "/nonexistent/plan.yaml"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing plan file")
	}
}

func TestPlanCreate_EndToEnd(t *testing.T) {
	cfgPath := writeTestConfig(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"plan", "create", writePlan(t, goodPlan), "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("plan create failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "created with 2 task groups") {
		t.Errorf("expected creation output, got: %s", out)
	}
	if !strings.Contains(out, "sb run sess-") {
		t.Errorf("expected run hint with session ID, got: %s", out)
	}
}

func TestPlanCreate_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"plan", "create", writePlan(t, goodPlan), "--config", "/nonexistent/signalbox.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}
