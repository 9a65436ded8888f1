package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunCommandTool_Echo(t *testing.T) {
	res := RunCommandTool{}.Execute(context.Background(), json.RawMessage(`{"command":"echo hello"}`), allowAllContext(t.TempDir()))
	if res.IsError {
		t.Fatalf("echo failed: %s", res.Content)
	}
	var out struct {
		Stdout   string `json:"stdout"`
		ExitCode int    `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "hello" || out.ExitCode != 0 {
		t.Fatalf("unexpected output %+v", out)
	}
}

func TestRunCommandTool_RunsInWorkDir(t *testing.T) {
	workDir := t.TempDir()
	res := RunCommandTool{}.Execute(context.Background(), json.RawMessage(`{"command":"pwd"}`), allowAllContext(workDir))
	if res.IsError {
		t.Fatalf("pwd failed: %s", res.Content)
	}
	var out struct {
		Stdout string `json:"stdout"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if !strings.Contains(strings.TrimSpace(out.Stdout), workDir) {
		t.Fatalf("command did not run in working directory: %q vs %q", out.Stdout, workDir)
	}
}

func TestRunCommandTool_DenyList(t *testing.T) {
	for _, cmd := range []string{"rm -rf /", "ls | sudo tee /etc/x", "echo hi && kill 1"} {
		input, _ := json.Marshal(map[string]string{"command": cmd})
		res := RunCommandTool{}.Execute(context.Background(), json.RawMessage(input), allowAllContext(t.TempDir()))
		if !res.IsError || !strings.Contains(res.Content, "deny list") {
			t.Fatalf("command %q must be blocked, got %+v", cmd, res)
		}
	}
}

func TestRunCommandTool_InjectionOperatorsBlocked(t *testing.T) {
	for _, cmd := range []string{"echo hi; ls", "echo $(whoami)", "echo `id`"} {
		input, _ := json.Marshal(map[string]string{"command": cmd})
		res := RunCommandTool{}.Execute(context.Background(), json.RawMessage(input), allowAllContext(t.TempDir()))
		if !res.IsError || !strings.Contains(res.Content, "disallowed operator") {
			t.Fatalf("command %q must be blocked, got %+v", cmd, res)
		}
	}
}

func TestRunCommandTool_MissingCapability(t *testing.T) {
	tc := allowAllContext(t.TempDir())
	tc.Policy = nil
	res := RunCommandTool{}.Execute(context.Background(), json.RawMessage(`{"command":"echo hi"}`), tc)
	if !res.IsError || !strings.Contains(res.Content, "policy denied") {
		t.Fatalf("expected capability denial, got %+v", res)
	}
}

func TestRunCommandTool_NonZeroExit(t *testing.T) {
	res := RunCommandTool{}.Execute(context.Background(), json.RawMessage(`{"command":"false"}`), allowAllContext(t.TempDir()))
	if !res.IsError {
		t.Fatalf("non-zero exit must be an error result")
	}
	var out struct {
		ExitCode int `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if out.ExitCode == 0 {
		t.Fatalf("expected non-zero exit code")
	}
}

func TestSplitCommandSegments(t *testing.T) {
	got := splitCommandSegments("ls -la | grep foo && echo done")
	want := []string{"ls -la", "grep foo", "echo done"}
	if len(got) != len(want) {
		t.Fatalf("expected %d segments, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("segment %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
