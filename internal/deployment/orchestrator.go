package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"hookdeploy/internal/target"
)

// Resolver looks up the targets of a repository.
type Resolver interface {
	Resolve(repo string) ([]*target.Descriptor, error)
}

// Recorder persists finished runs. The orchestrator only ever writes.
type Recorder interface {
	Record(ctx context.Context, run *Run) error
}

// Notifier dispatches run summaries. Implementations swallow their own errors.
type Notifier interface {
	Notify(ctx context.Context, run *Run)
}

// Observer receives metrics events.
type Observer interface {
	ObserveStep(step string, d time.Duration)
	ObserveRun(status string)
	ObserveBusy()
}

type nopObserver struct{}

func (nopObserver) ObserveStep(string, time.Duration) {}
func (nopObserver) ObserveRun(string)                 {}
func (nopObserver) ObserveBusy()                      {}

// RunRef names one run created for a request.
type RunRef struct {
	RunID  string `json:"run_id"`
	Server string `json:"server"`
}

// Receipt acknowledges a request. Pipeline outcomes arrive later through the
// audit store and notifications.
type Receipt struct {
	Repository string   `json:"repository"`
	Branch     string   `json:"branch,omitempty"`
	Runs       []RunRef `json:"runs"`
	Busy       []RunRef `json:"busy,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
}

// Orchestrator turns requests into runs: it resolves targets, filters by
// branch, takes per-target locks and runs each pipeline in its own goroutine.
type Orchestrator struct {
	resolver Resolver
	locks    *LockManager
	dial     Dialer
	recorder Recorder
	notifier Notifier
	observer Observer
	opts     PipelineOptions
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Config collects the orchestrator's collaborators. Dialer, Notifier and
// Observer are optional.
type Config struct {
	Resolver Resolver
	Locks    *LockManager
	Dialer   Dialer
	Recorder Recorder
	Notifier Notifier
	Observer Observer
	Pipeline PipelineOptions
	Logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator ready to accept requests.
func NewOrchestrator(cfg Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		resolver: cfg.Resolver,
		locks:    cfg.Locks,
		dial:     cfg.Dialer,
		recorder: cfg.Recorder,
		notifier: cfg.Notifier,
		observer: cfg.Observer,
		opts:     cfg.Pipeline,
		logger:   cfg.Logger,
		baseCtx:  ctx,
		cancel:   cancel,
	}
	if o.locks == nil {
		o.locks = NewLockManager()
	}
	if o.dial == nil {
		o.dial = DefaultDialer
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Busy reports whether a run currently holds the target's lock.
func (o *Orchestrator) Busy(key target.Key) bool {
	return o.locks.Held(key)
}

// Submit starts a run for every target of req.Repository whose branch
// matches. Locks are taken before Submit returns, so busy targets are
// reported in the receipt. ErrBusy is returned only when every matching
// target was busy.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Receipt, error) {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	logger := o.logger.With("repository", req.Repository, "branch", req.Branch, "trigger", string(req.Trigger))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}

	descriptors, err := o.resolver.Resolve(req.Repository)
	if err != nil {
		logger.Warn("No deployment target", "error", err)
		return nil, err
	}

	receipt := &Receipt{Repository: req.Repository, Branch: req.Branch, Runs: []RunRef{}}
	matched := 0

	for _, d := range descriptors {
		if req.Branch != "" && !d.MatchesBranch(req.Branch) {
			logger.Info("Branch does not match target, skipping", "server", d.Server, "target_branch", d.Branch)
			receipt.Skipped = append(receipt.Skipped, d.Server)
			continue
		}
		matched++

		run := newRun(req, d)
		run.Status = StatusLocking

		lock, err := o.locks.Acquire(d.Key())
		if err != nil {
			run.FinishedAt = time.Now()
			if errors.Is(err, ErrBusy) {
				logger.Warn("Target busy, rejecting run", "server", d.Server, "run_id", run.ID)
				run.Status = StatusBusyRejected
				run.ErrorKind = KindBusy
				run.Error = fmt.Sprintf("%s: another deployment is in progress", d.Key())
				o.observer.ObserveBusy()
				receipt.Busy = append(receipt.Busy, RunRef{RunID: run.ID, Server: d.Server})

				o.wg.Add(1)
				go func() {
					defer o.wg.Done()
					o.finish(run)
				}()
				continue
			}
			return receipt, err
		}

		run.Status = StatusRunning
		receipt.Runs = append(receipt.Runs, RunRef{RunID: run.ID, Server: d.Server})
		logger.Info("Deployment started", "server", d.Server, "run_id", run.ID)

		o.wg.Add(1)
		go o.execute(run, d, lock)
	}

	if matched > 0 && len(receipt.Runs) == 0 {
		return receipt, ErrBusy
	}
	return receipt, nil
}

func newRun(req Request, d *target.Descriptor) *Run {
	branch := req.Branch
	if branch == "" {
		branch = d.Branch
	}
	return &Run{
		ID:         uuid.NewString(),
		Repository: d.Repository,
		Server:     d.Server,
		Kind:       d.Kind,
		Branch:     branch,
		Trigger:    req.Trigger,
		CommitSHA:  req.CommitSHA,
		Pusher:     req.Pusher,
		StartedAt:  time.Now(),
		Status:     StatusPending,
	}
}

// execute owns the run from lock to release. Every exit path, a panic
// included, records the run before the lock is released. Notification
// happens after the release so a slow sink never holds the target.
func (o *Orchestrator) execute(run *Run, d *target.Descriptor, lock *ScopedLock) {
	defer o.wg.Done()

	logger := o.logger.With("repository", run.Repository, "server", run.Server, "run_id", run.ID)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Deployment panicked", "panic", rec)
			run.fail(fmt.Errorf("internal error: %v", rec))
		}
		run.FinishedAt = time.Now()
		func() {
			defer lock.Release()
			o.record(run)
		}()
		o.announce(run)
	}()

	status, err := o.deploy(o.baseCtx, run, d, logger)
	if err != nil {
		run.fail(err)
		logger.Error("Deployment failed", "error_kind", string(run.ErrorKind), "error", err)
		return
	}
	run.Status = status
	logger.Info("Deployment finished", "status", string(status))
}

func (o *Orchestrator) deploy(ctx context.Context, run *Run, d *target.Descriptor, logger *slog.Logger) (Status, error) {
	exec, err := o.connect(ctx, d, logger)
	if err != nil {
		return StatusFailed, err
	}
	defer func() {
		if err := exec.Close(); err != nil {
			logger.Warn("Failed to close executor", "error", err)
		}
	}()

	return NewPipeline(d, exec, o.opts, logger, o.observer).Run(ctx, run)
}

// connect opens the executor, retrying transient dial failures under the
// same budget as steps.
func (o *Orchestrator) connect(ctx context.Context, d *target.Descriptor, logger *slog.Logger) (Executor, error) {
	var exec Executor
	op := func() error {
		e, err := o.dial(ctx, d)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		exec = e
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Connection failed, retrying", "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, o.opts.Retry.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return exec, nil
}

// finish records and announces a terminal run.
func (o *Orchestrator) finish(run *Run) {
	o.record(run)
	o.announce(run)
}

// record writes the audit entry. The write outlives shutdown cancellation.
func (o *Orchestrator) record(run *Run) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Record(context.WithoutCancel(o.baseCtx), run); err != nil {
		o.logger.Error("Failed to record run", "run_id", run.ID, "error", err)
	}
}

// announce updates metrics and notifies. Notification outlives shutdown
// cancellation.
func (o *Orchestrator) announce(run *Run) {
	o.observer.ObserveRun(string(run.Status))
	if o.notifier != nil {
		o.notify(context.WithoutCancel(o.baseCtx), run)
	}
}

func (o *Orchestrator) notify(ctx context.Context, run *Run) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("Notifier panicked", "run_id", run.ID, "panic", rec)
		}
	}()
	o.notifier.Notify(ctx, run)
}

// Shutdown stops accepting requests and waits for in-flight runs. When ctx
// expires first, running steps are cancelled. Every lock is force-released
// before Shutdown returns.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("Shutdown deadline reached, cancelling running deployments")
		err = ctx.Err()
		o.cancel()
		<-done
	}
	o.cancel()

	if keys := o.locks.ReleaseAll(); len(keys) > 0 {
		o.logger.Warn("Force-released deployment locks", "count", len(keys))
	}
	return err
}
