package notify

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"hookdeploy/internal/config"
	"hookdeploy/internal/deployment"
	"hookdeploy/pkg/templates"
)

// maxStatusDescription is GitHub's limit for a commit status description.
const maxStatusDescription = 140

// GitHubSink sets a commit status on the pushed commit.
type GitHubSink struct {
	client  *github.Client
	context string
}

// NewGitHubSink creates an authenticated client for cfg.Token. BaseURL
// selects a GitHub Enterprise API.
func NewGitHubSink(cfg config.GitHub) (*GitHubSink, error) {
	client := createGitHubClient(cfg.Token)
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL %q: %w", cfg.BaseURL, err)
		}
	}

	statusContext := cfg.Context
	if statusContext == "" {
		statusContext = config.DefaultGitHubStatusContext
	}
	return &GitHubSink{client: client, context: statusContext}, nil
}

// createGitHubClient creates an authenticated GitHub client
func createGitHubClient(token string) *github.Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	return github.NewClient(tc)
}

func (s *GitHubSink) Name() string { return "github" }

// Send is a no-op for runs without a commit, such as manual deploys.
func (s *GitHubSink) Send(ctx context.Context, run *deployment.Run, summary templates.Summary) error {
	if run.CommitSHA == "" {
		return nil
	}

	owner, repo, ok := strings.Cut(run.Repository, "/")
	if !ok {
		return fmt.Errorf("invalid owner/repo format: %s", run.Repository)
	}

	description, err := render(templates.GitHubStatus, summary)
	if err != nil {
		return err
	}
	description = truncateDescription(description, maxStatusDescription)

	state := statusState(run.Status)
	statusContext := s.context + "/" + run.Server
	status := &github.RepoStatus{
		State:       &state,
		Description: &description,
		Context:     &statusContext,
	}

	if _, _, err := s.client.Repositories.CreateStatus(ctx, owner, repo, run.CommitSHA, status); err != nil {
		return fmt.Errorf("creating commit status: %w", err)
	}
	return nil
}

// truncateDescription shortens s to at most limit characters, cutting on a
// rune boundary and marking the cut with "...".
func truncateDescription(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit-3 {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

func statusState(status deployment.Status) string {
	switch status {
	case deployment.StatusSucceeded, deployment.StatusSkippedNoOp:
		return "success"
	case deployment.StatusFailed:
		return "failure"
	default:
		return "error"
	}
}
