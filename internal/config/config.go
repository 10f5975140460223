// Package config loads the hookdeploy configuration document, applies
// environment overrides and turns the repository map into target descriptors.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"hookdeploy/internal/security"
	"hookdeploy/internal/target"
)

const (
	DefaultStepTimeout         = 300 * time.Second
	DefaultComposeCommand      = "docker compose"
	ComposeAuto                = "auto"
	DefaultRetryAttempts       = 2
	DefaultRetryInitial        = 2 * time.Second
	DefaultRetryMax            = 30 * time.Second
	DefaultNotificationTimeout = 10 * time.Second
	DefaultSMTPPort            = 587
	DefaultGitHubStatusContext = "hookdeploy"
)

// Compose selects the container build tool invocation.
type Compose struct {
	// Command is "docker compose", "docker-compose" or "auto".
	Command  string `yaml:"command"`
	Teardown bool   `yaml:"teardown"`
}

// Retry bounds in-place retries of transient step failures.
type Retry struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// Email configures the SMTP notification sink.
type Email struct {
	SMTPServer  string   `yaml:"smtp_server"`
	SMTPPort    int      `yaml:"smtp_port"`
	UseTLS      *bool    `yaml:"use_tls"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	SenderEmail string   `yaml:"sender_email"`
	Recipients  []string `yaml:"recipients"`
}

// Enabled reports whether enough is configured to attempt delivery.
func (e Email) Enabled() bool {
	return e.SMTPServer != "" && len(e.Recipients) > 0
}

// TLS reports whether STARTTLS should be used; it defaults to true.
func (e Email) TLS() bool {
	return e.UseTLS == nil || *e.UseTLS
}

// Sender returns the From address, falling back to the SMTP username.
func (e Email) Sender() string {
	if e.SenderEmail != "" {
		return e.SenderEmail
	}
	return e.Username
}

// GitHub configures the commit status sink.
type GitHub struct {
	Token   string `yaml:"token"`
	Context string `yaml:"context"`
	// BaseURL points at a GitHub Enterprise API root when set.
	BaseURL string `yaml:"base_url"`
}

// Notifications configures every notification sink.
type Notifications struct {
	Timeout         time.Duration `yaml:"timeout"`
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	Email           Email         `yaml:"email"`
	GitHub          GitHub        `yaml:"github"`
}

// Document is the configuration file as written on disk.
type Document struct {
	WebhookSecret       string                          `yaml:"webhook_secret"`
	// LegacyWebhookSecret is the key older deployments used.
	LegacyWebhookSecret string                          `yaml:"github_webhook_secret"`
	DeployAPIKey        string                          `yaml:"deploy_api_key"`
	StepTimeout         int                             `yaml:"step_timeout"`
	Compose             Compose                         `yaml:"compose"`
	Retry               Retry                           `yaml:"retry"`
	Notifications       Notifications                   `yaml:"notifications"`
	RepoDeployMap       map[string]map[string]yaml.Node `yaml:"repo_deploy_map"`
}

// Config is the validated, defaulted runtime configuration.
type Config struct {
	Path          string
	WebhookSecret string
	DeployAPIKey  string
	StepTimeout   time.Duration
	Compose       Compose
	Retry         Retry
	Notifications Notifications
	Targets       []*target.Descriptor

	// Warnings are non-fatal findings worth logging at startup.
	Warnings []string
	// Ignored lists repository entries that are not server targets.
	Ignored []string
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads, overrides, validates and defaults the document at path. Every
// invalid target is reported in a single error wrapping target.ErrConfiguration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	doc := Document{Retry: Retry{MaxAttempts: DefaultRetryAttempts}}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	problems := applyEnvOverrides(&doc)

	cfg, docProblems := build(doc)
	problems = append(problems, docProblems...)
	cfg.Path = path
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w:\n%s", target.ErrConfiguration, strings.Join(problems, "\n"))
	}

	if err := security.ValidateSecurePermissions(path); err != nil && (cfg.WebhookSecret != "" || cfg.DeployAPIKey != "") {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("config file holds secrets: %v", err))
	}
	return cfg, nil
}

func build(doc Document) (*Config, []string) {
	cfg := &Config{
		WebhookSecret: doc.WebhookSecret,
		DeployAPIKey:  doc.DeployAPIKey,
		StepTimeout:   time.Duration(doc.StepTimeout) * time.Second,
		Compose:       doc.Compose,
		Retry:         doc.Retry,
		Notifications: doc.Notifications,
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = doc.LegacyWebhookSecret
	}

	var problems []string
	problems = append(problems, applyDefaults(cfg, doc)...)

	repos := make([]string, 0, len(doc.RepoDeployMap))
	for repo := range doc.RepoDeployMap {
		repos = append(repos, repo)
	}
	sort.Strings(repos)

	for _, repo := range repos {
		entries := doc.RepoDeployMap[repo]
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		servers := 0
		for _, key := range keys {
			if !target.IsServerKey(key) {
				cfg.Ignored = append(cfg.Ignored, repo+"."+key)
				continue
			}
			servers++

			node := entries[key]
			var tc target.Config
			if err := node.Decode(&tc); err != nil {
				problems = append(problems, fmt.Sprintf("  - Target '%s@%s': %v", repo, key, err))
				continue
			}
			if p := target.ValidateConfig(repo, key, tc); len(p) > 0 {
				problems = append(problems, p...)
				continue
			}

			d := target.NewDescriptor(repo, key, tc)
			cfg.Targets = append(cfg.Targets, d)
			cfg.Warnings = append(cfg.Warnings, descriptorWarnings(d)...)
		}
		if servers == 0 {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("repository '%s' has no server entries", repo))
		}
	}

	if cfg.WebhookSecret == "" {
		cfg.Warnings = append(cfg.Warnings, "webhook_secret is empty: every webhook delivery will be rejected")
	} else if security.IsWeakSecret(cfg.WebhookSecret) {
		cfg.Warnings = append(cfg.Warnings, "webhook_secret is weak; generate one with 'hookdeploy secret'")
	}
	if cfg.DeployAPIKey == "" {
		cfg.Warnings = append(cfg.Warnings, "deploy_api_key is empty: manual deploys and status are disabled")
	} else if security.IsWeakSecret(cfg.DeployAPIKey) {
		cfg.Warnings = append(cfg.Warnings, "deploy_api_key is weak; generate one with 'hookdeploy secret'")
	}

	email := cfg.Notifications.Email
	if email.Enabled() && (email.Username == "" || email.Password == "") {
		cfg.Warnings = append(cfg.Warnings, "email username or password is missing; email notifications may fail")
	}

	return cfg, problems
}

func applyDefaults(cfg *Config, doc Document) []string {
	var problems []string

	if doc.StepTimeout < 0 {
		problems = append(problems, fmt.Sprintf("  - step_timeout must be a positive integer, got %d", doc.StepTimeout))
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}

	cfg.Compose.Command = strings.TrimSpace(cfg.Compose.Command)
	if cfg.Compose.Command == "" {
		cfg.Compose.Command = DefaultComposeCommand
	}
	switch cfg.Compose.Command {
	case "docker compose", "docker-compose", ComposeAuto:
	default:
		problems = append(problems, fmt.Sprintf("  - compose.command must be 'docker compose', 'docker-compose' or 'auto', got '%s'", cfg.Compose.Command))
	}

	if cfg.Retry.MaxAttempts < 0 {
		problems = append(problems, fmt.Sprintf("  - retry.max_attempts must not be negative, got %d", cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = DefaultRetryInitial
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = DefaultRetryMax
	}

	if cfg.Notifications.Timeout <= 0 {
		cfg.Notifications.Timeout = DefaultNotificationTimeout
	}
	if cfg.Notifications.Email.SMTPPort == 0 {
		cfg.Notifications.Email.SMTPPort = DefaultSMTPPort
	}
	if cfg.Notifications.GitHub.Context == "" {
		cfg.Notifications.GitHub.Context = DefaultGitHubStatusContext
	}

	return problems
}

func descriptorWarnings(d *target.Descriptor) []string {
	if !d.IsRemote() {
		return nil
	}
	var warnings []string
	if d.KnownHosts == "" {
		warnings = append(warnings, fmt.Sprintf("target %s: no known_hosts configured, host key will not be verified", d.Key()))
	}
	if err := security.ValidateSecurePermissions(d.KeyPath); err != nil {
		warnings = append(warnings, fmt.Sprintf("target %s: %v", d.Key(), err))
	}
	return warnings
}

// applyEnvOverrides lets deployment environments inject secrets without
// writing them to the config file. Values that cannot be parsed are returned
// as problems.
func applyEnvOverrides(doc *Document) []string {
	var problems []string

	overrideString(&doc.WebhookSecret, "HOOKDEPLOY_WEBHOOK_SECRET")
	overrideString(&doc.DeployAPIKey, "HOOKDEPLOY_API_KEY")
	overrideString(&doc.Notifications.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	overrideString(&doc.Notifications.GitHub.Token, "GITHUB_TOKEN")

	email := &doc.Notifications.Email
	overrideString(&email.Password, "EMAIL_PASSWORD")
	overrideString(&email.Username, "EMAIL_USERNAME")
	overrideString(&email.SMTPServer, "SMTP_SERVER")
	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port < 1 || port > 65535 {
			problems = append(problems, fmt.Sprintf("  - SMTP_PORT must be a port number between 1 and 65535, got '%s'", v))
		} else {
			email.SMTPPort = port
		}
	}
	if v := os.Getenv("EMAIL_USE_TLS"); v != "" {
		useTLS := strings.EqualFold(v, "true")
		email.UseTLS = &useTLS
	}
	return problems
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
