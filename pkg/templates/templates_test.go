package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// chdirTemp switches to an empty temporary directory so relative override
// paths resolve there.
func chdirTemp(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	prevDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prevDir) })
	return tmpDir
}

func failedSummary() Summary {
	return Summary{
		RunID:      "4b1c",
		Repository: "acme/app",
		Server:     "server1",
		Branch:     "main",
		CommitSHA:  "0123456789abcdef",
		ShortSHA:   "0123456",
		Pusher:     "octocat",
		Trigger:    "webhook",
		Status:     "failed",
		Emoji:      ":x:",
		Duration:   "12s",
		ErrorKind:  "step",
		Error:      "step rebuild failed with exit code 1",
		FailedStep: "rebuild",
		ExitCode:   1,
		Output:     "service web: build failed",
		Steps: []StepSummary{
			{Name: "fetch", Status: "ok", Duration: "1s"},
			{Name: "rebuild", Status: "failed", ExitCode: 1, Duration: "11s"},
			{Name: "task[0]", Status: "skipped", ExitCode: -1, Duration: "0s"},
		},
	}
}

func TestGetTemplate_Defaults(t *testing.T) {
	chdirTemp(t)

	for _, name := range ListTemplates() {
		t.Run(name, func(t *testing.T) {
			got, err := GetTemplate(name)
			if err != nil {
				t.Fatalf("GetTemplate() error = %v", err)
			}
			if !strings.Contains(got, "{{") {
				t.Errorf("GetTemplate(%s) does not look like a template: %q", name, got)
			}
		})
	}

	if _, err := GetTemplate("invalid-template"); err == nil {
		t.Error("GetTemplate() should reject unknown names")
	}
}

func TestGetTemplate_Override(t *testing.T) {
	dir := chdirTemp(t)

	overrides := filepath.Join(dir, "config", "templates")
	if err := os.MkdirAll(overrides, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(overrides, "email-subject.template"), []byte("custom {{.Repository}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Render(EmailSubject, failedSummary())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got != "custom acme/app" {
		t.Errorf("Render() = %q, want the override", got)
	}

	// ./templates wins over ./config/templates.
	if err := os.MkdirAll(filepath.Join(dir, "templates"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "templates", "email-subject.template"), []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := Render(EmailSubject, failedSummary()); got != "first" {
		t.Errorf("Render() = %q, want ./templates override", got)
	}
}

func TestRender_Defaults(t *testing.T) {
	chdirTemp(t)

	tests := []struct {
		name     string
		template string
		contains []string
		excludes []string
	}{
		{
			"slack failure",
			SlackMessage,
			[]string{":x: *acme/app* on `server1` failed", "@ 0123456", "Failed step: `rebuild` (exit 1)", "Pushed by octocat", "Run: 4b1c"},
			nil,
		},
		{
			"email subject",
			EmailSubject,
			[]string{"[hookdeploy] acme/app@server1 failed"},
			[]string{"\n"},
		},
		{
			"email body",
			EmailBody,
			[]string{"Commit:     0123456789abcdef", "Error (step):", "rebuild", "skipped", "Output of rebuild:", "service web: build failed"},
			nil,
		},
		{
			"github status",
			GitHubStatus,
			[]string{"failed on server1 at rebuild in 12s"},
			[]string{"\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, failedSummary())
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("Render() missing %q in:\n%s", want, got)
				}
			}
			for _, unwanted := range tt.excludes {
				if strings.Contains(got, unwanted) {
					t.Errorf("Render() should not contain %q: %q", unwanted, got)
				}
			}
		})
	}
}

func TestRender_SuccessOmitsFailureLines(t *testing.T) {
	chdirTemp(t)

	s := Summary{
		RunID: "9f00", Repository: "acme/app", Server: "server1", Branch: "main",
		Status: "succeeded", Emoji: ":white_check_mark:", Duration: "3s", Trigger: "manual",
	}
	got, err := Render(SlackMessage, s)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for _, unwanted := range []string{"Failed step", "Error:", "Pushed by", "@ "} {
		if strings.Contains(got, unwanted) {
			t.Errorf("success message contains %q:\n%s", unwanted, got)
		}
	}
}

func TestRender_BrokenOverride(t *testing.T) {
	dir := chdirTemp(t)
	if err := os.MkdirAll(filepath.Join(dir, "templates"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "templates", "slack-message.template"), []byte("{{.Nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Render(SlackMessage, failedSummary()); err == nil {
		t.Error("Render() should fail on an unparsable override")
	}
	if _, err := Render("invalid", failedSummary()); err == nil {
		t.Error("Render() should fail with unknown template")
	}
}

func TestValidateTemplate(t *testing.T) {
	tests := []struct {
		name         string
		templateName string
		want         bool
	}{
		{"slack", SlackMessage, true},
		{"github", GitHubStatus, true},
		{"invalid template", "invalid-template", false},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateTemplate(tt.templateName); got != tt.want {
				t.Errorf("ValidateTemplate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkRender(b *testing.B) {
	s := failedSummary()

	for i := 0; i < b.N; i++ {
		_, _ = Render(SlackMessage, s)
	}
}
