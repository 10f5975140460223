package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hookdeploy/internal/deployment"
	"hookdeploy/internal/history"
	"hookdeploy/internal/target"
)

// TestEndToEndDeployment drives a signed push through the router, a local
// git deployment and the audit store, then reads it back over /status.
func TestEndToEndDeployment(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	origin := filepath.Join(root, "origin.git")
	work := filepath.Join(root, "work")
	deployDir := filepath.Join(root, "srv", "app")
	marker := filepath.Join(root, "deployed.txt")

	git := func(dir string, args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	git(root, "init", "--bare", "--initial-branch=main", origin)
	git(root, "clone", origin, work)
	git(work, "checkout", "-B", "main")
	if err := os.WriteFile(filepath.Join(work, "VERSION"), []byte("1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git(work, "add", "VERSION")
	git(work, "commit", "-m", "v1")
	git(work, "push", "origin", "main")

	hist, err := history.NewHistory(filepath.Join(root, "data", "hookdeploy.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer hist.Close()

	resolver := target.NewResolver([]*target.Descriptor{{
		Repository: "acme/app",
		Server:     "server1",
		Kind:       target.KindLocal,
		CloneURL:   origin,
		DeployDir:  deployDir,
		CreateDir:  true,
		Branch:     "main",
		TasksOnly:  true,
		Tasks:      []string{"cp VERSION " + marker},
	}})
	orch := deployment.NewOrchestrator(deployment.Config{
		Resolver: resolver,
		Recorder: hist,
		Pipeline: deployment.PipelineOptions{StepTimeout: time.Minute},
		Logger:   testLogger(),
	})

	router := NewServer(Config{
		WebhookSecret: testSecret,
		APIKey:        testAPIKey,
		Targets:       resolver,
		Deployer:      orch,
		History:       hist,
		Logger:        testLogger(),
		TestMode:      true,
	}).Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedPush("acme/app", "refs/heads/main"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("deployment did not finish: %v", err)
	}

	content, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("task did not run: %v", err)
	}
	if strings.TrimSpace(string(content)) != "1" {
		t.Errorf("Expected deployed VERSION 1, got %q", content)
	}

	req := httptest.NewRequest(http.MethodGet, "/status/acme/app", nil)
	req.Header.Set(APIKeyHeader, testAPIKey)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body)
	}

	var status struct {
		Repository string               `json:"repository"`
		Runs       []*history.RunRecord `json:"runs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if len(status.Runs) != 1 {
		t.Fatalf("Expected one recorded run, got %d", len(status.Runs))
	}
	run := status.Runs[0]
	if run.Status != string(deployment.StatusSucceeded) || run.Pusher != "octocat" {
		t.Errorf("Unexpected run %+v", run)
	}
	var names []string
	for _, s := range run.Steps {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != "clone,task[0]" {
		t.Errorf("Expected clone and task[0], got %v", names)
	}

	// The orchestrator is closed now.
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, signedPush("acme/app", "refs/heads/main"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 after shutdown, got %d", rr.Code)
	}
}
