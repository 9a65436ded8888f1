package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentd/internal/policy"
)

func allowAllContext(workDir string) ToolContext {
	return ToolContext{
		ThreadID: "t1",
		WorkDir:  workDir,
		Policy: policy.Policy{
			AllowCapabilities: []string{"tools.read_file", "tools.write_file", "tools.list_directory", "tools.exec"},
		},
	}
}

func TestReadFileTool_RelativeToWorkDir(t *testing.T) {
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "notes.txt"), []byte("remember this"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	res := ReadFileTool{}.Execute(context.Background(), json.RawMessage(`{"path":"notes.txt"}`), allowAllContext(workDir))
	if res.IsError {
		t.Fatalf("read failed: %s", res.Content)
	}
	if res.Content != "remember this" {
		t.Fatalf("unexpected content %q", res.Content)
	}
}

func TestReadFileTool_RelativeWithoutWorkDirFails(t *testing.T) {
	res := ReadFileTool{}.Execute(context.Background(), json.RawMessage(`{"path":"notes.txt"}`), allowAllContext(""))
	if !res.IsError {
		t.Fatalf("relative path without working directory must fail")
	}
}

func TestReadFileTool_PolicyDenied(t *testing.T) {
	workDir := t.TempDir()
	tc := ToolContext{WorkDir: workDir, Policy: policy.Policy{}} // no capabilities
	res := ReadFileTool{}.Execute(context.Background(), json.RawMessage(`{"path":"x.txt"}`), tc)
	if !res.IsError || !strings.Contains(res.Content, "policy denied") {
		t.Fatalf("expected policy denial, got %+v", res)
	}
}

func TestReadFileTool_PathOutsideAllowedPrefix(t *testing.T) {
	workDir := t.TempDir()
	tc := ToolContext{
		WorkDir: workDir,
		Policy: policy.Policy{
			AllowPaths:        []string{workDir},
			AllowCapabilities: []string{"tools.read_file"},
		},
	}
	res := ReadFileTool{}.Execute(context.Background(), json.RawMessage(`{"path":"/etc/hosts"}`), tc)
	if !res.IsError || !strings.Contains(res.Content, "policy denied path") {
		t.Fatalf("expected path denial, got %+v", res)
	}
}

func TestWriteFileTool_AtomicWriteAndMkdir(t *testing.T) {
	workDir := t.TempDir()
	input := `{"path":"sub/dir/out.txt","content":"payload"}`

	res := WriteFileTool{}.Execute(context.Background(), json.RawMessage(input), allowAllContext(workDir))
	if res.IsError {
		t.Fatalf("write failed: %s", res.Content)
	}
	data, err := os.ReadFile(filepath.Join(workDir, "sub", "dir", "out.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected content %q", data)
	}
	// No temp file left behind.
	if _, err := os.Stat(filepath.Join(workDir, "sub", "dir", "out.txt.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file not cleaned up")
	}
}

func TestListDirectoryTool(t *testing.T) {
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	if err := os.Mkdir(filepath.Join(workDir, "subdir"), 0o755); err != nil {
		t.Fatalf("fixture: %v", err)
	}

	res := ListDirectoryTool{}.Execute(context.Background(), json.RawMessage(`{"path":"."}`), allowAllContext(workDir))
	if res.IsError {
		t.Fatalf("list failed: %s", res.Content)
	}
	var entries []struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
	}
	if err := json.Unmarshal([]byte(res.Content), &entries); err != nil {
		t.Fatalf("parse listing: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
}

func TestReadFileTool_DirectoryRejected(t *testing.T) {
	workDir := t.TempDir()
	res := ReadFileTool{}.Execute(context.Background(), json.RawMessage(`{"path":"."}`), allowAllContext(workDir))
	if !res.IsError || !strings.Contains(res.Content, "list_directory") {
		t.Fatalf("expected directory hint, got %+v", res)
	}
}
