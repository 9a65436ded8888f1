package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefault(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.AllowPaths) != 0 || len(p.AllowCapabilities) != 0 {
		t.Fatalf("expected default policy, got %+v", p)
	}
}

func TestLoad_ParsesAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
allow_paths:
  - /srv/agent
allow_capabilities:
  - tools.read_file
  - tools.exec
auto_approve:
  - read_file
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.AllowCapability("tools.exec") {
		t.Fatalf("expected tools.exec allowed")
	}
	if p.AllowCapability("tools.write_file") {
		t.Fatalf("tools.write_file must not be allowed")
	}
	if !p.AutoApproved("read_file") || p.AutoApproved("run_command") {
		t.Fatalf("auto_approve list not honored: %+v", p.AutoApprove)
	}
}

func TestLoad_RejectsUnknownCapability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("allow_capabilities:\n  - tools.telepathy\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestAllowPath(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "data", "notes.txt")
	if err := os.MkdirAll(filepath.Dir(inside), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(inside, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := Policy{AllowPaths: []string{root}}
	if !p.AllowPath(inside) {
		t.Fatalf("path inside allowed prefix must pass")
	}
	if p.AllowPath("/etc/passwd") {
		t.Fatalf("path outside allowed prefix must fail")
	}
	// New file under an allowed prefix resolves via its parent.
	if !p.AllowPath(filepath.Join(root, "data", "new.txt")) {
		t.Fatalf("new file under allowed prefix must pass")
	}

	empty := Policy{}
	if !empty.AllowPath("/anywhere/at/all") {
		t.Fatalf("empty allow list permits all paths")
	}
}

func TestAutoApprovedWildcard(t *testing.T) {
	p := Policy{AutoApprove: []string{"*"}}
	if !p.AutoApproved("run_command") {
		t.Fatalf("wildcard must approve every tool")
	}
	if p.AutoApproved("") {
		t.Fatalf("empty tool name never auto-approved")
	}
}

func TestPolicyVersion_TracksContent(t *testing.T) {
	a := Policy{AllowPaths: []string{"/srv"}}
	b := Policy{AllowPaths: []string{"/srv"}}
	c := Policy{AllowPaths: []string{"/tmp"}}
	if a.PolicyVersion() != b.PolicyVersion() {
		t.Fatalf("identical policies must share a version")
	}
	if a.PolicyVersion() == c.PolicyVersion() {
		t.Fatalf("different policies must differ in version")
	}
}
