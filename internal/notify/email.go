package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"hookdeploy/internal/config"
	"hookdeploy/internal/deployment"
	"hookdeploy/pkg/templates"
)

// smtpsPort is the implicit-TLS submission port.
const smtpsPort = 465

// EmailSink sends a plain-text report over SMTP.
type EmailSink struct {
	cfg config.Email
}

// NewEmailSink returns a sink for cfg, defaulting the SMTP port when unset.
func NewEmailSink(cfg config.Email) *EmailSink {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = config.DefaultSMTPPort
	}
	return &EmailSink{cfg: cfg}
}

// Name implements Sink.
func (s *EmailSink) Name() string { return "email" }

// Send delivers the summary to every recipient in a single message.
func (s *EmailSink) Send(ctx context.Context, _ *deployment.Run, summary templates.Summary) error {
	msg, err := s.message(summary)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(s.cfg.SMTPServer, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending email via %s:%d: %w", s.cfg.SMTPServer, s.cfg.SMTPPort, err)
	}
	return nil
}

func (s *EmailSink) message(summary templates.Summary) (*mail.Msg, error) {
	subject, err := render(templates.EmailSubject, summary)
	if err != nil {
		return nil, err
	}
	body, err := render(templates.EmailBody, summary)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.From(s.cfg.Sender()); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", s.cfg.Sender(), err)
	}
	if err := msg.To(s.cfg.Recipients...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

// transport names the connection security for the configured port:
// "ssl" for implicit TLS, "starttls", or "plain".
func (s *EmailSink) transport() string {
	switch {
	case s.cfg.SMTPPort == smtpsPort:
		return "ssl"
	case s.cfg.TLS():
		return "starttls"
	default:
		return "plain"
	}
}

func (s *EmailSink) clientOptions() []mail.Option {
	opts := []mail.Option{mail.WithPort(s.cfg.SMTPPort)}

	switch s.transport() {
	case "ssl":
		opts = append(opts, mail.WithSSL())
	case "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}
