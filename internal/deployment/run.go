package deployment

import (
	"time"

	"hookdeploy/internal/target"
)

// Trigger records what started a deployment.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerManual  Trigger = "manual"
)

// Status is the state of a DeploymentRun.
type Status string

const (
	StatusPending      Status = "pending"
	StatusLocking      Status = "locking"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusSkippedNoOp  Status = "skipped-no-op"
	StatusBusyRejected Status = "busy-rejected"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkippedNoOp, StatusBusyRejected:
		return true
	}
	return false
}

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Request is one inbound deployment request. An empty Branch on a manual
// request deploys every target on its own configured branch.
type Request struct {
	Repository string
	Branch     string
	Trigger    Trigger
	Timestamp  time.Time
	CommitSHA  string
	Pusher     string
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Name     string
	Command  string
	ExitCode int
	Output   string
	Duration time.Duration
	Status   StepStatus
	Attempts int
}

// Run is one execution attempt of a target's pipeline.
type Run struct {
	ID         string
	Repository string
	Server     string
	Kind       target.Kind
	Branch     string
	Trigger    Trigger
	CommitSHA  string
	Pusher     string
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      []StepResult
	Status     Status
	ErrorKind  ErrorKind
	Error      string
}

// Key returns the target the run belongs to.
func (r *Run) Key() target.Key {
	return target.Key{Repository: r.Repository, Server: r.Server}
}

// Duration returns the wall time of a finished run.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedStep returns the first failed step, or nil.
func (r *Run) FailedStep() *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Status == StepFailed {
			return &r.Steps[i]
		}
	}
	return nil
}

func (r *Run) fail(err error) {
	r.Status = StatusFailed
	r.ErrorKind = Classify(err)
	r.Error = err.Error()
}
