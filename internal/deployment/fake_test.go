package deployment

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"hookdeploy/internal/target"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// reply scripts the executor's answer to commands starting with match.
// errs are returned, in order, by the first calls before the exit code is.
type reply struct {
	match string
	exit  int
	out   string
	errs  []error
	hook  func(ctx context.Context)
}

type fakeExecutor struct {
	mu     sync.Mutex
	rules  []*reply
	calls  []Command
	closed bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{}
}

func (f *fakeExecutor) on(match string, exit int, out string, errs ...error) *fakeExecutor {
	f.rules = append(f.rules, &reply{match: match, exit: exit, out: out, errs: errs})
	return f
}

func (f *fakeExecutor) onCall(match string, hook func(ctx context.Context)) *fakeExecutor {
	f.rules = append(f.rules, &reply{match: match, hook: hook})
	return f
}

// changed scripts differing local and fetched heads.
func (f *fakeExecutor) changed() *fakeExecutor {
	return f.on("git rev-parse HEAD", 0, "1111111\n").on("git rev-parse FETCH_HEAD", 0, "2222222\n")
}

// unchanged scripts identical heads.
func (f *fakeExecutor) unchanged() *fakeExecutor {
	return f.on("git rev-parse HEAD", 0, "1111111\n").on("git rev-parse FETCH_HEAD", 0, "1111111\n")
}

func (f *fakeExecutor) Exec(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	var rule *reply
	for _, r := range f.rules {
		if strings.HasPrefix(cmd.String(), r.match) {
			rule = r
			break
		}
	}
	var err error
	if rule != nil && len(rule.errs) > 0 {
		err = rule.errs[0]
		rule.errs = rule.errs[1:]
	}
	f.mu.Unlock()

	if rule == nil {
		return &ExecutionResult{Duration: time.Millisecond}, nil
	}
	if rule.hook != nil {
		rule.hook(ctx)
	}
	if err != nil {
		return &ExecutionResult{ExitCode: -1}, err
	}
	return &ExecutionResult{ExitCode: rule.exit, Output: []byte(rule.out), Duration: time.Millisecond}, nil
}

func (f *fakeExecutor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// commands returns the rendered commands executed so far.
func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.String()
	}
	return out
}

func (f *fakeExecutor) ran(prefix string) bool {
	for _, c := range f.commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func localTarget() *target.Descriptor {
	return &target.Descriptor{
		Repository: "acme/app",
		Server:     "server1",
		Kind:       target.KindLocal,
		DeployDir:  "/srv/app",
		Branch:     "main",
		CloneURL:   "https://github.com/acme/app.git",
	}
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func stepNames(run *Run) []string {
	names := make([]string, len(run.Steps))
	for i, s := range run.Steps {
		names[i] = s.Name + ":" + string(s.Status)
	}
	return names
}

func assertSteps(t *testing.T, run *Run, want ...string) {
	t.Helper()
	got := stepNames(run)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("steps = %v, want %v", got, want)
	}
}
