package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hookdeploy/internal/target"
	"hookdeploy/pkg/cmdutil"
)

const (
	// MaxStepOutput caps the output kept per step, tail first.
	MaxStepOutput = 64 * 1024

	// probeTimeout bounds the unrecorded probes (directory, heads, compose).
	probeTimeout = 30 * time.Second

	composeAuto = "auto"
)

// teardownBenignMarkers are non-zero exit outputs of "compose down" that
// still leave the project in the wanted state.
var teardownBenignMarkers = []string{
	"No container found",
	"No containers to remove",
	"has active endpoints",
}

// RetryPolicy bounds in-place retries of transient step failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 0 {
		attempts = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts)), ctx)
}

// PipelineOptions are the process-wide pipeline settings.
type PipelineOptions struct {
	// ComposeCommand is "docker compose", "docker-compose" or "auto".
	ComposeCommand string
	Teardown       bool
	StepTimeout    time.Duration
	Retry          RetryPolicy
	// Secrets are redacted from recorded step output.
	Secrets []string
}

// step is one planned unit of pipeline work.
type step struct {
	name   string
	cmd    Command
	benign []string
}

// Pipeline runs the ordered deployment steps for one target over any Executor.
type Pipeline struct {
	target   *target.Descriptor
	exec     Executor
	opts     PipelineOptions
	logger   *slog.Logger
	observer Observer
	secrets  []string
	compose  []string
}

// NewPipeline prepares a pipeline for d running on exec.
func NewPipeline(d *target.Descriptor, exec Executor, opts PipelineOptions, logger *slog.Logger, observer Observer) *Pipeline {
	if observer == nil {
		observer = nopObserver{}
	}
	secrets := append([]string(nil), opts.Secrets...)
	if d.KeyPassphrase != "" {
		secrets = append(secrets, d.KeyPassphrase)
	}
	secrets = append(secrets, cloneURLSecrets(d.CloneURL)...)

	return &Pipeline{
		target:   d,
		exec:     exec,
		opts:     opts,
		logger:   logger,
		observer: observer,
		secrets:  secrets,
	}
}

// Run executes the pipeline, appending every step outcome to run.Steps.
// It returns StatusSucceeded or StatusSkippedNoOp, or the error that halted
// the pipeline.
func (p *Pipeline) Run(ctx context.Context, run *Run) (Status, error) {
	d := p.target

	exists, err := p.dirExists(ctx)
	if err != nil {
		return StatusFailed, err
	}

	if !exists {
		if !d.CreateDir {
			return StatusFailed, fmt.Errorf("%w: %s (set create_dir to clone it)", ErrDirectoryMissing, d.DeployDir)
		}
		rest, err := p.deploySteps(ctx, true)
		if err != nil {
			return StatusFailed, err
		}
		if err := p.runSteps(ctx, run, []step{p.cloneStep()}, rest); err != nil {
			return StatusFailed, err
		}
		if err := p.runSteps(ctx, run, rest, nil); err != nil {
			return StatusFailed, err
		}
		return StatusSucceeded, nil
	}

	planned, err := p.deploySteps(ctx, false)
	if err != nil {
		return StatusFailed, err
	}
	if err := p.runSteps(ctx, run, []step{p.fetchStep()}, planned); err != nil {
		return StatusFailed, err
	}

	changed, err := p.headChanged(ctx)
	if err != nil {
		return StatusFailed, err
	}
	if !changed && !d.ForceRebuild && !d.TasksOnly {
		p.logger.Info("Remote head unchanged, nothing to deploy")
		return StatusSkippedNoOp, nil
	}

	if err := p.runSteps(ctx, run, planned, nil); err != nil {
		return StatusFailed, err
	}
	return StatusSucceeded, nil
}

// runSteps executes steps in order. On the first failure the remaining
// steps and every step in later are recorded as skipped.
func (p *Pipeline) runSteps(ctx context.Context, run *Run, steps, later []step) error {
	for i, s := range steps {
		res, err := p.runStep(ctx, s)
		run.Steps = append(run.Steps, res)
		if err == nil {
			continue
		}

		for _, rest := range [][]step{steps[i+1:], later} {
			for _, skipped := range rest {
				run.Steps = append(run.Steps, StepResult{
					Name:    skipped.name,
					Command: p.redact(skipped.cmd.String()),
					Status:  StepSkipped,
				})
			}
		}
		return err
	}
	return nil
}

func (p *Pipeline) runStep(ctx context.Context, s step) (StepResult, error) {
	res := StepResult{Name: s.name, Command: p.redact(s.cmd.String()), ExitCode: -1}
	logger := p.logger.With("step", s.name)
	logger.Info("Running step", "command", res.Command)

	var result *ExecutionResult
	op := func() error {
		res.Attempts++
		r, err := p.exec.Exec(ctx, s.cmd)
		result = r
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Transient step failure, retrying", "attempt", res.Attempts, "wait", wait, "error", p.redactError(err))
	}

	err := backoff.RetryNotify(op, p.opts.Retry.backOff(ctx), notify)

	if result != nil {
		res.ExitCode = result.ExitCode
		res.Duration = result.Duration
		res.Output = string(cmdutil.Truncate(cmdutil.SanitizeOutput(result.Output, p.secrets), MaxStepOutput))
	}
	p.observer.ObserveStep(s.name, res.Duration)

	if err != nil {
		res.Status = StepFailed
		err = p.redactError(fmt.Errorf("step %s: %w", s.name, err))
		logger.Error("Step failed", "attempts", res.Attempts, "error", err)
		return res, err
	}

	if result.ExitCode != 0 {
		if marker, ok := containsAny(res.Output, s.benign); ok {
			logger.Info("Step exited non-zero with a benign message", "exit_code", result.ExitCode, "marker", marker)
			res.Status = StepOK
			return res, nil
		}
		res.Status = StepFailed
		logger.Error("Step failed", "exit_code", result.ExitCode, "output", lastLine(res.Output))
		return res, &StepFailure{Step: s.name, ExitCode: result.ExitCode}
	}

	res.Status = StepOK
	logger.Info("Step completed", "duration", res.Duration)
	return res, nil
}

// probe runs an unrecorded helper command. Only errors that stop the
// command from completing are returned.
func (p *Pipeline) probe(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	cmd.Timeout = probeTimeout
	var result *ExecutionResult
	op := func() error {
		r, err := p.exec.Exec(ctx, cmd)
		result = r
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, p.opts.Retry.backOff(ctx)); err != nil {
		return result, err
	}
	return result, nil
}

func (p *Pipeline) dirExists(ctx context.Context) (bool, error) {
	r, err := p.probe(ctx, Command{Args: []string{"test", "-d", p.target.DeployDir}})
	if err != nil {
		return false, err
	}
	return r.OK(), nil
}

// headChanged compares HEAD with FETCH_HEAD. A failed comparison counts as
// changed so the deployment proceeds.
func (p *Pipeline) headChanged(ctx context.Context) (bool, error) {
	var heads [2]string
	for i, ref := range []string{"HEAD", "FETCH_HEAD"} {
		r, err := p.probe(ctx, Command{Args: []string{"git", "rev-parse", ref}, Dir: p.target.DeployDir})
		if err != nil {
			var ce *ConnectionError
			if errors.As(err, &ce) {
				return false, err
			}
			p.logger.Warn("Could not read head, assuming changes", "ref", ref, "error", err)
			return true, nil
		}
		if !r.OK() {
			p.logger.Warn("Could not read head, assuming changes", "ref", ref, "output", lastLine(string(r.Output)))
			return true, nil
		}
		heads[i] = strings.TrimSpace(string(r.Output))
	}

	p.logger.Info("Compared heads", "local", heads[0], "remote", heads[1])
	return heads[0] != heads[1], nil
}

// composeArgs resolves the compose invocation, probing when set to auto.
func (p *Pipeline) composeArgs(ctx context.Context) ([]string, error) {
	if p.compose != nil {
		return p.compose, nil
	}

	command := p.opts.ComposeCommand
	if command == "" {
		command = "docker compose"
	}
	if command == composeAuto {
		command = "docker compose"
		for _, candidate := range []string{"docker compose", "docker-compose"} {
			args := append(strings.Fields(candidate), "version")
			r, err := p.probe(ctx, Command{Args: args})
			if err != nil {
				var ce *ConnectionError
				if errors.As(err, &ce) {
					return nil, err
				}
				continue
			}
			if r.OK() {
				command = candidate
				break
			}
		}
		p.logger.Info("Detected compose command", "command", command)
	}

	p.compose = strings.Fields(command)
	return p.compose, nil
}

func (p *Pipeline) timeout() time.Duration {
	if p.target.StepTimeout > 0 {
		return p.target.StepTimeout
	}
	return p.opts.StepTimeout
}

func (p *Pipeline) cloneStep() step {
	d := p.target
	clone := cmdutil.QuoteCommand([]string{"git", "clone", "--branch", d.Branch, d.CloneURL, d.DeployDir})
	line := clone
	if parent := path.Dir(d.DeployDir); parent != "/" {
		line = cmdutil.QuoteCommand([]string{"mkdir", "-p", parent}) + " && " + clone
	}
	return step{name: "clone", cmd: Command{Shell: line, Timeout: p.timeout()}}
}

func (p *Pipeline) fetchStep() step {
	return step{name: "fetch", cmd: Command{
		Args:    []string{"git", "fetch", "origin", p.target.Branch},
		Dir:     p.target.DeployDir,
		Timeout: p.timeout(),
	}}
}

// deploySteps plans the steps after fetch or clone.
func (p *Pipeline) deploySteps(ctx context.Context, cloned bool) ([]step, error) {
	d := p.target
	var steps []step

	if !cloned {
		steps = append(steps, step{name: "sync", cmd: Command{
			Args:    []string{"git", "pull", "origin", d.Branch},
			Dir:     d.DeployDir,
			Timeout: p.timeout(),
		}})
	}

	if !d.TasksOnly {
		compose, err := p.composeArgs(ctx)
		if err != nil {
			return nil, err
		}
		if p.opts.Teardown {
			steps = append(steps, step{
				name:   "teardown",
				cmd:    p.privileged(compose, "down", "--remove-orphans"),
				benign: teardownBenignMarkers,
			})
		}
		steps = append(steps, step{name: "rebuild", cmd: p.privileged(compose, "up", "-d", "--build", "--remove-orphans")})
	}

	for i, task := range d.Tasks {
		steps = append(steps, step{
			name: fmt.Sprintf("task[%d]", i),
			cmd:  Command{Shell: task, Dir: d.DeployDir, Timeout: p.timeout()},
		})
	}
	return steps, nil
}

// privileged builds a compose command, prefixed with non-interactive sudo
// when the target asks for it.
func (p *Pipeline) privileged(compose []string, args ...string) Command {
	var argv []string
	if p.target.Sudo {
		argv = append(argv, "sudo", "-n")
	}
	argv = append(argv, compose...)
	argv = append(argv, args...)
	return Command{Args: argv, Dir: p.target.DeployDir, Timeout: p.timeout()}
}

func containsAny(s string, markers []string) (string, bool) {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return m, true
		}
	}
	return "", false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// cloneURLSecrets returns the credentials embedded in an https clone URL.
// A bare https username is a token. An ssh username such as "git" is not
// secret.
func cloneURLSecrets(cloneURL string) []string {
	u, err := url.Parse(cloneURL)
	if err != nil || u.User == nil {
		return nil
	}
	if pw, ok := u.User.Password(); ok && pw != "" {
		return []string{pw}
	}
	if strings.EqualFold(u.Scheme, "https") && u.User.Username() != "" {
		return []string{u.User.Username()}
	}
	return nil
}

// redact removes configured secrets from a command line or message.
func (p *Pipeline) redact(s string) string {
	return string(cmdutil.SanitizeOutput([]byte(s), p.secrets))
}

func (p *Pipeline) redactError(err error) error {
	if err == nil {
		return nil
	}
	msg := p.redact(err.Error())
	if msg == err.Error() {
		return err
	}
	return &redactedError{msg: msg, err: err}
}

// redactedError keeps the error chain for errors.Is/As while hiding secrets
// from its message.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
