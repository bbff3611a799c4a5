package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestSession_Fields(t *testing.T) {
	typ := reflect.TypeOf(Session{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:32")
	assertGormTag(t, typ, "Status", "default:active")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "InitialBranchRef", "size:128")
	assertFieldType(t, typ, "StartedAt", "time.Time")
	assertFieldType(t, typ, "EndedAt", "*time.Time")
	assertFieldType(t, typ, "ArchivedAt", "*time.Time")
}

func TestTaskGroup_Fields(t *testing.T) {
	typ := reflect.TypeOf(TaskGroup{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "SessionID", "not null")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "Status", "default:pending")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "CurrentStage", "default:none")
	assertGormTag(t, typ, "AssignedWorkerID", "size:64")
	assertGormTag(t, typ, "BranchRef", "size:128")
	assertGormTag(t, typ, "ReviewIteration", "default:0")
	assertGormTag(t, typ, "NoProgressCount", "default:0")
	assertGormTag(t, typ, "BlockingIssueCount", "default:0")
	assertGormTag(t, typ, "EscalationTier", "default:0")
	assertGormTag(t, typ, "MergeAttemptCount", "default:0")
	assertFieldType(t, typ, "ClaimedAt", "*time.Time")
	assertFieldType(t, typ, "CompletedAt", "*time.Time")
}

func TestTaskGroup_CounterTypes(t *testing.T) {
	typ := reflect.TypeOf(TaskGroup{})
	for _, f := range []string{"ReviewIteration", "NoProgressCount", "BlockingIssueCount", "EscalationTier", "MergeAttemptCount"} {
		assertFieldType(t, typ, f, "int")
	}
}

func TestReviewCycle_Fields(t *testing.T) {
	typ := reflect.TypeOf(ReviewCycle{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "TaskGroupID", "not null")
	assertGormTag(t, typ, "TaskGroupID", "index")
	assertGormTag(t, typ, "Iteration", "not null")
	assertGormTag(t, typ, "Verdict", "not null")
}

func TestIssue_Fields(t *testing.T) {
	typ := reflect.TypeOf(Issue{})

	assertGormTag(t, typ, "ReviewCycleID", "index")
	assertFieldType(t, typ, "ReviewCycleID", "*uint")
	assertGormTag(t, typ, "Source", "default:review")
	assertGormTag(t, typ, "Severity", "not null")
	assertGormTag(t, typ, "Blocking", "default:false")
	assertGormTag(t, typ, "Signature", "index")
	assertFieldType(t, typ, "ResolvedInIteration", "*int")
}

func TestMergeAttempt_Fields(t *testing.T) {
	typ := reflect.TypeOf(MergeAttempt{})

	assertGormTag(t, typ, "TaskGroupID", "index")
	assertGormTag(t, typ, "AttemptNumber", "not null")
	assertGormTag(t, typ, "Outcome", "not null")
	assertGormTag(t, typ, "CIWarning", "default:false")
	assertFieldType(t, typ, "DurationMs", "int64")
}

func TestValidatorVerdict_Fields(t *testing.T) {
	typ := reflect.TypeOf(ValidatorVerdict{})

	assertGormTag(t, typ, "SessionID", "not null")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "Verdict", "not null")
	assertFieldType(t, typ, "CheckedAt", "time.Time")
}

func TestEvent_Fields(t *testing.T) {
	typ := reflect.TypeOf(Event{})

	assertGormTag(t, typ, "Kind", "not null")
	assertGormTag(t, typ, "Kind", "index")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "TaskGroupID", "index")
}

func TestNotice_Fields(t *testing.T) {
	typ := reflect.TypeOf(Notice{})

	assertGormTag(t, typ, "Subject", "not null")
	assertGormTag(t, typ, "Acknowledged", "default:false")
	assertGormTag(t, typ, "Acknowledged", "index")
	assertGormTag(t, typ, "Severity", "default:normal")
}
