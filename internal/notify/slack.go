package notify

import (
	"context"

	"github.com/slack-go/slack"

	"hookdeploy/internal/deployment"
	"hookdeploy/pkg/templates"
)

// SlackSink posts to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
}

// NewSlackSink returns a sink posting to the given incoming webhook URL.
func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{webhookURL: webhookURL}
}

// Name implements Sink.
func (s *SlackSink) Name() string { return "slack" }

// Send posts the rendered summary as one attachment colored by run status.
func (s *SlackSink) Send(ctx context.Context, run *deployment.Run, summary templates.Summary) error {
	text, err := render(templates.SlackMessage, summary)
	if err != nil {
		return err
	}

	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:    color(run.Status),
			Fallback: text,
			Text:     text,
		}},
	}
	return slack.PostWebhookContext(ctx, s.webhookURL, msg)
}

func color(status deployment.Status) string {
	switch status {
	case deployment.StatusSucceeded:
		return "good"
	case deployment.StatusSkippedNoOp, deployment.StatusBusyRejected:
		return "warning"
	default:
		return "danger"
	}
}
