package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseResult_LastJSONLineWins(t *testing.T) {
	output := []byte(`analyzing branch...
{"outcome":"conflict","detail":"stale"}
retrying...
{"outcome":"success"}`)

	res, err := ParseResult(StageMerge, output)
	if err != nil {
		t.Fatalf("ParseResult: %v", err)
	}
	if res.Outcome != MergeSuccess {
		t.Errorf("Outcome = %q, want success", res.Outcome)
	}
}

func TestParseResult_SkipsProgressText(t *testing.T) {
	output := []byte("running tests\nall green\n{\"passed\":true}\n")

	res, err := ParseResult(StageVerify, output)
	if err != nil {
		t.Fatalf("ParseResult: %v", err)
	}
	if !res.Passed {
		t.Error("Passed = false, want true")
	}
}

func TestParseResult_NoJSON(t *testing.T) {
	_, err := ParseResult(StageReview, []byte("I think it looks fine"))
	if err == nil {
		t.Fatal("expected protocol error for output with no JSON")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("error type = %T, want *ProtocolError", err)
	}
}

func TestParseResult_InvalidEnumIsProtocolError(t *testing.T) {
	_, err := ParseResult(StageMerge, []byte(`{"outcome":"kinda-worked"}`))
	if err == nil {
		t.Fatal("expected protocol error")
	}
}

func TestCommands_Lookup(t *testing.T) {
	c := Commands{
		Implement: "a", Verify: "b", Review: "c", Merge: "d", Validate: "e",
	}
	tests := []struct {
		stage Stage
		want  string
	}{
		{StageImplement, "a"},
		{StageVerify, "b"},
		{StageReview, "c"},
		{StageMerge, "d"},
		{StageValidate, "e"},
	}
	for _, tt := range tests {
		got, err := c.command(tt.stage)
		if err != nil {
			t.Errorf("command(%s): %v", tt.stage, err)
		}
		if got != tt.want {
			t.Errorf("command(%s) = %q, want %q", tt.stage, got, tt.want)
		}
	}

	if _, err := c.command(Stage("deploy")); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestSubprocessDispatcher_EchoWorker(t *testing.T) {
	d := &SubprocessDispatcher{
		Commands: Commands{Verify: `echo '{"passed":true}'`},
		Timeout:  5 * time.Second,
	}

	res, err := d.Dispatch(context.Background(), Request{TaskGroupID: "tg-1", Stage: StageVerify})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Passed {
		t.Error("Passed = false, want true")
	}
}

func TestSubprocessDispatcher_Timeout(t *testing.T) {
	d := &SubprocessDispatcher{
		Commands: Commands{Verify: "sleep 5"},
		Timeout:  50 * time.Millisecond,
	}

	_, err := d.Dispatch(context.Background(), Request{TaskGroupID: "tg-1", Stage: StageVerify})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestSubprocessDispatcher_MissingCommand(t *testing.T) {
	d := &SubprocessDispatcher{Commands: Commands{}}
	_, err := d.Dispatch(context.Background(), Request{TaskGroupID: "tg-1", Stage: StageReview})
	if err == nil {
		t.Error("expected error for unconfigured command")
	}
}
