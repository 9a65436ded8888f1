package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/agentd/internal/audit"
)

const (
	maxReadBytes   = 100 * 1024 // 100KB
	maxListEntries = 200
)

// resolvePath resolves a tool-supplied path against the agent's
// configured working directory. Relative paths never touch the
// ambient process directory.
func resolvePath(rawPath, workDir string) (string, error) {
	if rawPath == "" {
		return "", fmt.Errorf("empty path")
	}
	if !filepath.IsAbs(rawPath) {
		if workDir == "" {
			return "", fmt.Errorf("relative path %q without a working directory", rawPath)
		}
		rawPath = filepath.Join(workDir, rawPath)
	}
	resolved, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	// Resolve symlinks to prevent symlink-based traversal. The parent
	// may not exist yet for new files.
	evaluated, err := filepath.EvalSymlinks(filepath.Dir(resolved))
	if err != nil {
		evaluated = filepath.Dir(resolved)
	}
	return filepath.Join(evaluated, filepath.Base(resolved)), nil
}

func checkFileAccess(tc ToolContext, capability, resolved string) error {
	if tc.Policy == nil || !tc.Policy.AllowCapability(capability) {
		audit.Record("deny", capability, "missing_capability", policyVersion(tc), resolved)
		return fmt.Errorf("policy denied capability %q", capability)
	}
	if !tc.Policy.AllowPath(resolved) {
		audit.Record("deny", capability, "path_denied", policyVersion(tc), resolved)
		return fmt.Errorf("policy denied path %q", resolved)
	}
	audit.Record("allow", capability, "capability_granted", policyVersion(tc), resolved)
	return nil
}

func policyVersion(tc ToolContext) string {
	if tc.Policy != nil {
		return tc.Policy.PolicyVersion()
	}
	return ""
}

// ReadFileTool reads a file below the agent working directory.
type ReadFileTool struct{}

type readFileInput struct {
	Path string `json:"path"`
}

func (ReadFileTool) Name() string { return "read_file" }

func (ReadFileTool) Description() string {
	return "Read the contents of a file at the given path. Returns the file content as text. Maximum 100KB."
}

func (ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path, relative to the agent working directory or absolute."},
		},
		"required":             []any{"path"},
		"additionalProperties": false,
	}
}

func (ReadFileTool) Execute(_ context.Context, input json.RawMessage, tc ToolContext) Result {
	var in readFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return ErrorResult("parse input: %v", err)
	}
	resolved, err := resolvePath(in.Path, tc.WorkDir)
	if err != nil {
		return ErrorResult("%v", err)
	}
	if err := checkFileAccess(tc, "tools.read_file", resolved); err != nil {
		return ErrorResult("%v", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return ErrorResult("stat: %v", err)
	}
	if info.IsDir() {
		return ErrorResult("path is a directory, use list_directory instead")
	}
	if info.Size() > maxReadBytes {
		return ErrorResult("file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult("read: %v", err)
	}
	return Result{Content: string(data)}
}

// WriteFileTool writes a file atomically, creating parents as needed.
type WriteFileTool struct{}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (WriteFileTool) Name() string { return "write_file" }

func (WriteFileTool) Description() string {
	return "Write content to a file at the given path. Creates parent directories if needed. Uses atomic write."
}

func (WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required":             []any{"path", "content"},
		"additionalProperties": false,
	}
}

func (WriteFileTool) Execute(_ context.Context, input json.RawMessage, tc ToolContext) Result {
	var in writeFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return ErrorResult("parse input: %v", err)
	}
	resolved, err := resolvePath(in.Path, tc.WorkDir)
	if err != nil {
		return ErrorResult("%v", err)
	}
	if err := checkFileAccess(tc, "tools.write_file", resolved); err != nil {
		return ErrorResult("%v", err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult("mkdir: %v", err)
	}
	// Atomic write: temp file then rename.
	tmpFile := resolved + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(in.Content), 0o644); err != nil {
		return ErrorResult("write temp: %v", err)
	}
	if err := os.Rename(tmpFile, resolved); err != nil {
		_ = os.Remove(tmpFile)
		return ErrorResult("rename: %v", err)
	}
	return Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), resolved)}
}

// ListDirectoryTool lists a directory below the agent working
// directory.
type ListDirectoryTool struct{}

type listDirectoryInput struct {
	Path string `json:"path"`
}

func (ListDirectoryTool) Name() string { return "list_directory" }

func (ListDirectoryTool) Description() string {
	return "List the contents of a directory. Returns file names, types, and sizes. Maximum 200 entries."
}

func (ListDirectoryTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required":             []any{"path"},
		"additionalProperties": false,
	}
}

func (ListDirectoryTool) Execute(_ context.Context, input json.RawMessage, tc ToolContext) Result {
	var in listDirectoryInput
	if err := json.Unmarshal(input, &in); err != nil {
		return ErrorResult("parse input: %v", err)
	}
	resolved, err := resolvePath(in.Path, tc.WorkDir)
	if err != nil {
		return ErrorResult("%v", err)
	}
	if err := checkFileAccess(tc, "tools.list_directory", resolved); err != nil {
		return ErrorResult("%v", err)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult("read dir: %v", err)
	}

	type dirEntry struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
		Size  int64  `json:"size"`
	}
	var listing []dirEntry
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		listing = append(listing, dirEntry{Name: entry.Name(), IsDir: entry.IsDir(), Size: size})
	}
	out, err := json.Marshal(listing)
	if err != nil {
		return ErrorResult("marshal listing: %v", err)
	}
	return Result{Content: string(out)}
}
