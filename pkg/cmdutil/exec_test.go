package cmdutil

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cmd      []string
		wantErr  bool
		wantCode int
	}{
		{"successful command", []string{"echo", "hello"}, false, 0},
		{"command with args", []string{"echo", "hello", "world"}, false, 0},
		{"non-zero exit is not an error", []string{"ls", "/nonexistent/directory/path"}, false, 2},
		{"missing binary", []string{"definitely-not-a-real-binary-xyz"}, true, -1},
		{"empty command", []string{}, true, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(ctx, ExecOptions{}, tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if result == nil {
				t.Fatal("Run() returned nil result")
			}
			if tt.wantCode == 0 && !result.OK() {
				t.Errorf("Run() exit code = %d, want 0", result.ExitCode)
			}
			if tt.wantCode != 0 && result.OK() {
				t.Errorf("Run() exit code = 0, want non-zero")
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	start := time.Now()
	result, err := Run(context.Background(), ExecOptions{Timeout: 100 * time.Millisecond}, []string{"sleep", "10"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if result.OK() {
		t.Error("timed out command should not report success")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, ExecOptions{}, []string{"sleep", "10"})
	if err == nil {
		t.Fatal("Run() should fail on a cancelled context")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("cancellation should not be reported as a timeout: %v", err)
	}
}

func TestExecOptions(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	t.Run("with working directory", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{Dir: tmpDir}, []string{"pwd"})
		if err != nil {
			t.Fatalf("Run() with Dir option error = %v", err)
		}
		if !strings.Contains(string(result.Output), tmpDir) {
			t.Errorf("pwd output %q does not contain %q", result.Output, tmpDir)
		}
	})

	t.Run("with environment variables", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{Env: []string{"TEST_VAR=test_value"}}, []string{"env"})
		if err != nil {
			t.Fatalf("Run() with Env option error = %v", err)
		}
		if !strings.Contains(string(result.Output), "TEST_VAR=test_value") {
			t.Error("Run() did not set environment variable correctly")
		}
	})
}

func TestShellCommand(t *testing.T) {
	result, err := Run(context.Background(), ExecOptions{}, ShellCommand("echo one && echo two"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	out := string(result.Output)
	if !strings.Contains(out, "one") || !strings.Contains(out, "two") {
		t.Errorf("shell command output = %q", out)
	}
}

func TestParseCommandString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"simple command", "git status", []string{"git", "status"}, false},
		{"command with quoted argument", "git commit -m \"my message\"", []string{"git", "commit", "-m", "my message"}, false},
		{"command with single quotes", "echo 'hello world'", []string{"echo", "hello world"}, false},
		{"unterminated quote", "echo 'hello", nil, true},
		{"empty string", "", nil, true},
		{"whitespace only", "   ", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCommandString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !equalStringSlices(got, tt.want) {
				t.Errorf("ParseCommandString() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuoteCommand_RoundTrip(t *testing.T) {
	parts := []string{"git", "clone", "--branch", "main", "https://example.com/a b.git", "/srv/it's here"}
	quoted := QuoteCommand(parts)

	back, err := ParseCommandString(quoted)
	if err != nil {
		t.Fatalf("ParseCommandString(%q) error = %v", quoted, err)
	}
	if !equalStringSlices(back, parts) {
		t.Errorf("round trip = %v, want %v", back, parts)
	}
}

func TestFormatCommand(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  string
	}{
		{"simple command", []string{"git", "status"}, "git status"},
		{"command with spaces in argument", []string{"git", "commit", "-m", "my message"}, "git commit -m 'my message'"},
		{"empty command", []string{}, "<empty command>"},
		{"single command", []string{"ls"}, "ls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatCommand(tt.input); got != tt.want {
				t.Errorf("FormatCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  []byte
		secrets []string
		want    string
	}{
		{"redact single secret", []byte("Password: mysecret123"), []string{"mysecret123"}, "Password: ***REDACTED***"},
		{"redact multiple secrets", []byte("user: admin, password: secret1, token: secret2"), []string{"secret1", "secret2"}, "user: admin, password: ***REDACTED***, token: ***REDACTED***"},
		{"no secrets", []byte("public information"), []string{}, "public information"},
		{"empty secret", []byte("some output"), []string{""}, "some output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeOutput(tt.output, tt.secrets)
			if string(got) != tt.want {
				t.Errorf("SanitizeOutput() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	short := []byte("abc")
	if got := Truncate(short, 10); string(got) != "abc" {
		t.Errorf("Truncate() changed short output: %q", got)
	}

	long := []byte(strings.Repeat("a", 100) + "tail")
	got := string(Truncate(long, 10))
	if !strings.HasSuffix(got, "aaaaaatail") {
		t.Errorf("Truncate() should keep the tail, got %q", got)
	}
	if !strings.HasPrefix(got, "...[truncated]...") {
		t.Errorf("Truncate() should mark truncation, got %q", got)
	}
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func BenchmarkFormatCommand(b *testing.B) {
	cmd := []string{"git", "commit", "-m", "my message"}

	for i := 0; i < b.N; i++ {
		_ = FormatCommand(cmd)
	}
}
