package history

import (
	"time"

	"hookdeploy/internal/deployment"
)

// RunRecord is one audited deployment run.
type RunRecord struct {
	ID         string       `json:"run_id"`
	Repository string       `json:"repository"`
	Server     string       `json:"server"`
	Kind       string       `json:"kind"`
	Branch     string       `json:"branch"`
	Trigger    string       `json:"trigger"`
	CommitSHA  string       `json:"commit_sha,omitempty"`
	Pusher     string       `json:"pusher,omitempty"`
	Status     string       `json:"status"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	DurationMS int64        `json:"duration_ms"`
	Steps      []StepRecord `json:"steps"`
}

// StepRecord is one audited pipeline step.
type StepRecord struct {
	Name       string `json:"name"`
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
}

// Filter selects runs for ListRuns. Zero fields match everything.
type Filter struct {
	Repository string
	Server     string
	Status     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// FromRun converts a finished run into its audit record.
func FromRun(run *deployment.Run) *RunRecord {
	rec := &RunRecord{
		ID:         run.ID,
		Repository: run.Repository,
		Server:     run.Server,
		Kind:       string(run.Kind),
		Branch:     run.Branch,
		Trigger:    string(run.Trigger),
		CommitSHA:  run.CommitSHA,
		Pusher:     run.Pusher,
		Status:     string(run.Status),
		ErrorKind:  string(run.ErrorKind),
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DurationMS: run.Duration().Milliseconds(),
		Steps:      make([]StepRecord, len(run.Steps)),
	}
	for i, s := range run.Steps {
		rec.Steps[i] = StepRecord{
			Name:       s.Name,
			Command:    s.Command,
			ExitCode:   s.ExitCode,
			Output:     s.Output,
			DurationMS: s.Duration.Milliseconds(),
			Status:     string(s.Status),
			Attempts:   s.Attempts,
		}
	}
	return rec
}
