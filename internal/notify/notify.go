// Package notify delivers run summaries to chat, email and GitHub commit
// statuses. Delivery is best effort: failures are logged and counted, never
// returned to the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hookdeploy/internal/config"
	"hookdeploy/internal/deployment"
	"hookdeploy/pkg/cmdutil"
	"hookdeploy/pkg/templates"
)

// summaryOutputLimit bounds the failed step output quoted in messages.
const summaryOutputLimit = 2048

// Sink is one notification destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, run *deployment.Run, summary templates.Summary) error
}

// FailureObserver counts failed deliveries.
type FailureObserver interface {
	ObserveNotificationFailure(sink string)
}

// Notifier fans a run out to every sink concurrently. Each sink gets its own
// timeout, and a failing or panicking sink does not affect the others.
type Notifier struct {
	sinks    []Sink
	timeout  time.Duration
	logger   *slog.Logger
	observer FailureObserver
}

// NewNotifier creates a notifier over sinks. observer may be nil.
func NewNotifier(sinks []Sink, timeout time.Duration, logger *slog.Logger, observer FailureObserver) *Notifier {
	if timeout <= 0 {
		timeout = config.DefaultNotificationTimeout
	}
	return &Notifier{
		sinks:    sinks,
		timeout:  timeout,
		logger:   logger,
		observer: observer,
	}
}

// FromConfig builds the sinks that cfg enables.
func FromConfig(cfg config.Notifications, logger *slog.Logger, observer FailureObserver) (*Notifier, error) {
	var sinks []Sink

	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, NewSlackSink(cfg.SlackWebhookURL))
	}
	if cfg.Email.Enabled() {
		sinks = append(sinks, NewEmailSink(cfg.Email))
	}
	if cfg.GitHub.Token != "" {
		sink, err := NewGitHubSink(cfg.GitHub)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	for _, s := range sinks {
		logger.Info("Notification sink enabled", "sink", s.Name())
	}
	return NewNotifier(sinks, cfg.Timeout, logger, observer), nil
}

// Sinks returns the configured sink names.
func (n *Notifier) Sinks() []string {
	names := make([]string, len(n.sinks))
	for i, s := range n.sinks {
		names[i] = s.Name()
	}
	return names
}

// Notify delivers run to every sink and waits for all of them.
func (n *Notifier) Notify(ctx context.Context, run *deployment.Run) {
	if len(n.sinks) == 0 {
		return
	}
	summary := Summarize(run)

	var wg sync.WaitGroup
	for _, sink := range n.sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			n.deliver(ctx, sink, run, summary)
		}(sink)
	}
	wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, sink Sink, run *deployment.Run, summary templates.Summary) {
	logger := n.logger.With("sink", sink.Name(), "run_id", run.ID)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Notification sink panicked", "panic", rec)
			n.failed(sink)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := sink.Send(ctx, run, summary); err != nil {
		logger.Warn("Notification failed", "error", err)
		n.failed(sink)
		return
	}
	logger.Debug("Notification sent")
}

func (n *Notifier) failed(sink Sink) {
	if n.observer != nil {
		n.observer.ObserveNotificationFailure(sink.Name())
	}
}

// Summarize flattens a run into template data.
func Summarize(run *deployment.Run) templates.Summary {
	s := templates.Summary{
		RunID:      run.ID,
		Repository: run.Repository,
		Server:     run.Server,
		Branch:     run.Branch,
		CommitSHA:  run.CommitSHA,
		ShortSHA:   shortSHA(run.CommitSHA),
		Pusher:     run.Pusher,
		Trigger:    string(run.Trigger),
		Status:     string(run.Status),
		Emoji:      emoji(run.Status),
		Duration:   run.Duration().Round(time.Millisecond).String(),
		ErrorKind:  string(run.ErrorKind),
		Error:      run.Error,
		Steps:      make([]templates.StepSummary, len(run.Steps)),
	}
	for i, step := range run.Steps {
		s.Steps[i] = templates.StepSummary{
			Name:     step.Name,
			Status:   string(step.Status),
			ExitCode: step.ExitCode,
			Duration: step.Duration.Round(time.Millisecond).String(),
		}
	}
	if failed := run.FailedStep(); failed != nil {
		s.FailedStep = failed.Name
		s.ExitCode = failed.ExitCode
		s.Output = string(cmdutil.Truncate([]byte(failed.Output), summaryOutputLimit))
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func emoji(status deployment.Status) string {
	switch status {
	case deployment.StatusSucceeded:
		return ":white_check_mark:"
	case deployment.StatusSkippedNoOp:
		return ":zzz:"
	case deployment.StatusBusyRejected:
		return ":hourglass:"
	default:
		return ":x:"
	}
}

func render(name string, summary templates.Summary) (string, error) {
	text, err := templates.Render(name, summary)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return text, nil
}
