package shared

import "testing"

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKeyAssignment(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_AnthropicKey(t *testing.T) {
	input := "key is sk-ant-REDACTED"
	result := Redact(input)
	if result != "key is [REDACTED]" {
		t.Fatalf("expected full key redaction, got %q", result)
	}
}

func TestRedact_PlainTextUntouched(t *testing.T) {
	input := "read_file completed in 12ms"
	if got := Redact(input); got != input {
		t.Fatalf("plain text modified: %q", got)
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key      string
		value    string
		redacted bool
	}{
		{"ANTHROPIC_API_KEY", "sk-ant-xyz", true},
		{"AGENTD_HOME", "/home/user/.agentd", false},
		{"SESSION_TOKEN", "abc", true},
		{"MODEL", "claude-sonnet-4-5", false},
	}
	for _, tc := range cases {
		got := RedactEnvValue(tc.key, tc.value)
		if tc.redacted && got == tc.value {
			t.Fatalf("%s: expected redaction", tc.key)
		}
		if !tc.redacted && got != tc.value {
			t.Fatalf("%s: unexpected redaction %q", tc.key, got)
		}
	}
}

func TestTraceID_Defaults(t *testing.T) {
	ctx := t.Context()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected 'abc', got %q", got)
	}
}
