package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"hookdeploy/pkg/fileutil"
)

// Template names
const (
	SlackMessage = "slack-message"
	EmailSubject = "email-subject"
	EmailBody    = "email-body"
	GitHubStatus = "github-status"
)

// Summary is the data every notification template renders.
type Summary struct {
	RunID      string
	Repository string
	Server     string
	Branch     string
	CommitSHA  string
	ShortSHA   string
	Pusher     string
	Trigger    string
	Status     string
	Emoji      string
	Duration   string
	ErrorKind  string
	Error      string
	FailedStep string
	ExitCode   int
	// Output is the tail of the failed step's output.
	Output string
	Steps  []StepSummary
}

// StepSummary is one step line in a notification.
type StepSummary struct {
	Name     string
	Status   string
	ExitCode int
	Duration string
}

//go:embed defaults/*.template
var defaults embed.FS

// GetTemplatePaths returns the override search paths for a template.
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join(fileutil.SystemConfigDir, "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// Overrides are searched in the following order, falling back to the
// built-in default:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/hookdeploy/templates/<name>.template
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	if path := fileutil.SearchPathsOptional(GetTemplatePaths(name)); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read template %s: %w", path, err)
		}
		return string(content), nil
	}

	content, err := defaults.ReadFile("defaults/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("built-in template missing: %s", name)
	}
	return string(content), nil
}

// Render executes a template with Go's text/template. Trailing whitespace
// is trimmed from the result.
func Render(templateName string, data any) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(templateName).Option("missingkey=error").Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", templateName, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", templateName, err)
	}

	return strings.TrimRight(buf.String(), " \n"), nil
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{
		SlackMessage,
		EmailSubject,
		EmailBody,
		GitHubStatus,
	}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	for _, known := range ListTemplates() {
		if known == name {
			return true
		}
	}
	return false
}
