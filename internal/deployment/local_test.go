package deployment

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalExecutor_Exec(t *testing.T) {
	e := NewLocalExecutor()
	dir := t.TempDir()

	tests := []struct {
		name     string
		cmd      Command
		wantCode int
		wantOut  string
	}{
		{"argv", Command{Args: []string{"echo", "hello"}}, 0, "hello"},
		{"shell", Command{Shell: "echo one && echo two >&2"}, 0, "two"},
		{"working directory", Command{Args: []string{"pwd"}, Dir: dir}, 0, dir},
		{"non-zero exit", Command{Shell: "exit 3"}, 3, ""},
		{"git never prompts", Command{Shell: "echo $GIT_TERMINAL_PROMPT"}, 0, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Exec(context.Background(), tt.cmd)
			if err != nil {
				t.Fatalf("Exec() error = %v", err)
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("exit code = %d, want %d", res.ExitCode, tt.wantCode)
			}
			if !strings.Contains(string(res.Output), tt.wantOut) {
				t.Errorf("output = %q, want it to contain %q", res.Output, tt.wantOut)
			}
		})
	}
}

func TestLocalExecutor_Timeout(t *testing.T) {
	e := NewLocalExecutor()

	_, err := e.Exec(context.Background(), Command{Args: []string{"sleep", "10"}, Timeout: 100 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Exec() error = %v, want ErrTimeout", err)
	}
	if Classify(err) != KindTimeout {
		t.Errorf("Classify() = %s, want timeout", Classify(err))
	}
}

func TestLocalExecutor_MissingDirectory(t *testing.T) {
	e := NewLocalExecutor()

	_, err := e.Exec(context.Background(), Command{Args: []string{"true"}, Dir: "/definitely/not/here"})
	if err == nil {
		t.Fatal("Exec() in a missing directory should fail to start")
	}
}

// TestLocalPipeline_GitRepository runs the whole pipeline against a real
// repository cloned from a local bare remote.
func TestLocalPipeline_GitRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	origin := filepath.Join(root, "origin.git")
	work := filepath.Join(root, "work")
	deploy := filepath.Join(root, "deploy", "app")

	gitEnv := []string{
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	}
	git := func(dir string, args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), gitEnv...)
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

	d := localTarget()
	d.CloneURL = origin
	d.DeployDir = deploy
	d.CreateDir = true
	d.TasksOnly = true
	d.Tasks = []string{"cat VERSION"}

	run := &Run{}
	status, err := NewPipeline(d, NewLocalExecutor(), PipelineOptions{StepTimeout: time.Minute}, testLogger(), nil).
		Run(context.Background(), run)
	if err != nil || status != StatusSucceeded {
		t.Fatalf("first run = %s, %v (steps %v)", status, err, stepNames(run))
	}
	assertSteps(t, run, "clone:ok", "task[0]:ok")
	if got := strings.TrimSpace(run.Steps[1].Output); got != "1" {
		t.Errorf("task output = %q, want 1", got)
	}

	// Tasks-only targets run their tasks even when nothing changed upstream.
	run = &Run{}
	status, err = NewPipeline(d, NewLocalExecutor(), PipelineOptions{StepTimeout: time.Minute}, testLogger(), nil).
		Run(context.Background(), run)
	if err != nil || status != StatusSucceeded {
		t.Fatalf("second run = %s, %v (steps %v)", status, err, stepNames(run))
	}
	assertSteps(t, run, "fetch:ok", "sync:ok", "task[0]:ok")

	if err := os.WriteFile(filepath.Join(work, "VERSION"), []byte("2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git(work, "commit", "-am", "v2")
	git(work, "push", "origin", "main")

	run = &Run{}
	status, err = NewPipeline(d, NewLocalExecutor(), PipelineOptions{StepTimeout: time.Minute}, testLogger(), nil).
		Run(context.Background(), run)
	if err != nil || status != StatusSucceeded {
		t.Fatalf("third run = %s, %v (steps %v)", status, err, stepNames(run))
	}
	assertSteps(t, run, "fetch:ok", "sync:ok", "task[0]:ok")
	if got := strings.TrimSpace(run.Steps[2].Output); got != "2" {
		t.Errorf("task output after update = %q, want 2", got)
	}
}
