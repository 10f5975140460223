package security

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	branchPattern   = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	repoPartPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	hostPattern     = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)
	urlPathPattern  = regexp.MustCompile(`^/[a-zA-Z0-9_./~-]+$`)

	// scp-like syntax: git@github.com:owner/repo.git
	scpURLPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+@[a-zA-Z0-9.-]+:[a-zA-Z0-9_./-]+$`)
)

// ValidateGitURL ensures a clone URL is safe to pass to git clone.
// Accepted forms are https://, ssh:// and scp-like git@host:path URLs
// without shell metacharacters or path traversal.
func ValidateGitURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("clone URL cannot be empty")
	}
	if strings.HasPrefix(rawURL, "-") {
		return fmt.Errorf("clone URL cannot start with '-'")
	}
	if strings.Contains(rawURL, "..") {
		return fmt.Errorf("clone URL contains traversal elements")
	}

	if scpURLPattern.MatchString(rawURL) {
		return nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "ssh" {
		return fmt.Errorf("only https, ssh or scp-like clone URLs allowed, got scheme %q", u.Scheme)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("clone URL cannot carry a query or fragment")
	}
	if !hostPattern.MatchString(u.Hostname()) {
		return fmt.Errorf("clone URL host contains invalid characters")
	}
	if !urlPathPattern.MatchString(u.Path) || strings.Count(strings.Trim(u.Path, "/"), "/") < 1 {
		return fmt.Errorf("clone URL path must look like /owner/repo")
	}

	return nil
}

// ValidateBranchName ensures branch name is safe for git operations.
// Prevents command injection through branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateRepoFullName ensures a repository name has the owner/name form
// used by the source-control host.
func ValidateRepoFullName(name string) error {
	if name == "" {
		return fmt.Errorf("repository name cannot be empty")
	}
	owner, repo, ok := strings.Cut(name, "/")
	if !ok || owner == "" || repo == "" {
		return fmt.Errorf("repository name must be in owner/name form, got %q", name)
	}
	for _, part := range []string{owner, repo} {
		if strings.HasPrefix(part, "-") || strings.HasPrefix(part, ".") {
			return fmt.Errorf("repository name parts cannot start with '-' or '.'")
		}
		if !repoPartPattern.MatchString(part) {
			return fmt.Errorf("repository name contains invalid characters (only a-z, A-Z, 0-9, _, ., - allowed)")
		}
	}
	return nil
}

// SanitizePath ensures a path is absolute and doesn't contain traversal attempts.
func SanitizePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}

	// Check for .. before cleaning (filepath.Clean removes them)
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path contains traversal elements: %s", path)
	}

	cleaned := filepath.Clean(path)
	if cleaned == "/" {
		return "", fmt.Errorf("path cannot be the filesystem root")
	}

	return cleaned, nil
}
