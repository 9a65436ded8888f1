package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/agentd/internal/audit"
	"github.com/basket/agentd/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 120 * time.Second
	maxShellOutput      = 8 * 1024 // 8KB
)

// denyList contains commands that are never executed regardless of
// approval state.
var denyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

// RunCommandTool executes a shell command in the agent working
// directory.
type RunCommandTool struct{}

type runCommandInput struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

func (RunCommandTool) Name() string { return "run_command" }

func (RunCommandTool) Description() string {
	return "Execute a shell command and return its output. Commands on the deny list (rm, sudo, kill, etc.) are blocked. Output is truncated to 8KB and secrets are redacted."
}

func (RunCommandTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":     map[string]any{"type": "string"},
			"timeout_sec": map[string]any{"type": "integer", "minimum": 1},
		},
		"required":             []any{"command"},
		"additionalProperties": false,
	}
}

func (RunCommandTool) Execute(ctx context.Context, input json.RawMessage, tc ToolContext) Result {
	var in runCommandInput
	if err := json.Unmarshal(input, &in); err != nil {
		return ErrorResult("parse input: %v", err)
	}
	if tc.Policy == nil || !tc.Policy.AllowCapability("tools.exec") {
		audit.Record("deny", "tools.exec", "missing_capability", policyVersion(tc), "run_command")
		return ErrorResult("policy denied capability %q", "tools.exec")
	}
	audit.Record("allow", "tools.exec", "capability_granted", policyVersion(tc), in.Command)

	if strings.TrimSpace(in.Command) == "" {
		return ErrorResult("empty command")
	}
	// Block injection vectors.
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(in.Command, op) {
			return ErrorResult("command contains disallowed operator %q", op)
		}
	}
	// Pipes and logical operators are allowed, but every segment is
	// checked against the deny list.
	for _, seg := range splitCommandSegments(in.Command) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return ErrorResult("command %q is on the deny list", tok)
			}
		}
	}

	timeout := defaultShellTimeout
	if in.TimeoutSec > 0 {
		timeout = time.Duration(in.TimeoutSec) * time.Second
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", in.Command)
	if tc.WorkDir != "" {
		cmd.Dir = tc.WorkDir
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if execCtx.Err() == context.DeadlineExceeded {
			return ErrorResult("command timed out after %s", timeout)
		} else {
			return ErrorResult("exec: %v", runErr)
		}
	}

	stdout := shared.Redact(truncateOutput(outBuf.String(), maxShellOutput))
	stderr := shared.Redact(truncateOutput(errBuf.String(), maxShellOutput))

	out, err := json.Marshal(map[string]any{
		"stdout":    stdout,
		"stderr":    stderr,
		"exit_code": exitCode,
	})
	if err != nil {
		return ErrorResult("marshal output: %v", err)
	}
	return Result{Content: string(out), IsError: exitCode != 0}
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// splitCommandSegments splits a command at pipe and logical operators,
// returning the individual command segments for deny-list checking.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen > 0 {
			if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
				segments = append(segments, seg)
			}
			current = current[minIdx+matchLen:]
		} else {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
	}
	return segments
}

// DefaultRegistry returns a registry with the built-in tools.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ReadFileTool{})
	r.Register(WriteFileTool{})
	r.Register(ListDirectoryTool{})
	r.Register(RunCommandTool{})
	return r
}
