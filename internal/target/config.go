package target

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"hookdeploy/internal/security"
	"hookdeploy/pkg/cmdutil"
	"hookdeploy/pkg/fileutil"
)

// Config is one server entry of a repository block as written in YAML.
type Config struct {
	Target        string   `yaml:"target" validate:"required,oneof=local remote"`
	CloneURL      string   `yaml:"clone_url" validate:"required_if=CreateDir true"`
	DeployDir     string   `yaml:"deploy_dir" validate:"required"`
	CreateDir     bool     `yaml:"create_dir"`
	Branch        string   `yaml:"branch"`
	ForceRebuild  bool     `yaml:"force_rebuild"`
	Tasks         []string `yaml:"additional_terminal_tasks"`
	TasksOnly     bool     `yaml:"additional_tasks_only"`
	Sudo          bool     `yaml:"sudo"`
	StepTimeout   int      `yaml:"step_timeout" validate:"min=0"`
	Host          string   `yaml:"host" validate:"required_if=Target remote"`
	Port          int      `yaml:"port" validate:"min=0,max=65535"`
	User          string   `yaml:"user" validate:"required_if=Target remote"`
	KeyType       string   `yaml:"key_type" validate:"omitempty,oneof=pem ppk"`
	KeyPath       string   `yaml:"key_path" validate:"required_if=Target remote"`
	KeyPassphrase string   `yaml:"key_passphrase"`
	KnownHosts    string   `yaml:"known_hosts"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report YAML keys rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidateConfig checks one server entry and returns every problem found,
// formatted one per line for a startup report.
func ValidateConfig(repo, server string, cfg Config) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf("  - Target '%s@%s': ", repo, server)+fmt.Sprintf(format, args...))
	}

	if err := security.ValidateRepoFullName(repo); err != nil {
		add("%v", err)
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			add("%v", err)
		}
		for _, fe := range verrs {
			add("%s", describeFieldError(fe))
		}
	}

	if cfg.DeployDir != "" {
		if _, err := security.SanitizePath(cfg.DeployDir); err != nil {
			add("deploy_dir %v", err)
		}
	}

	branch := cfg.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	if err := security.ValidateBranchName(branch); err != nil {
		add("%v", err)
	}

	if cfg.CloneURL != "" {
		if err := security.ValidateGitURL(cfg.CloneURL); err != nil {
			add("%v", err)
		}
	}

	for i, task := range cfg.Tasks {
		if _, err := cmdutil.ParseCommandString(task); err != nil {
			add("additional_terminal_tasks[%d]: %v", i, err)
		}
	}

	if cfg.Target == string(KindLocal) && cfg.Host != "" {
		add("'host' is set on a local target")
	}

	return problems
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("missing required '%s' field", fe.Field())
	case "oneof":
		return fmt.Sprintf("'%s' must be one of [%s], got '%v'", fe.Field(), fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("'%s' must not be negative, got %v", fe.Field(), fe.Value())
	case "max":
		return fmt.Sprintf("'%s' must be at most %s, got %v", fe.Field(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("'%s' failed '%s' validation", fe.Field(), fe.Tag())
	}
}

// NewDescriptor applies defaults to an entry that passed ValidateConfig.
func NewDescriptor(repo, server string, cfg Config) *Descriptor {
	d := &Descriptor{
		Repository:    repo,
		Server:        server,
		Kind:          Kind(cfg.Target),
		CloneURL:      cfg.CloneURL,
		DeployDir:     strings.TrimRight(cfg.DeployDir, "/"),
		CreateDir:     cfg.CreateDir,
		Branch:        cfg.Branch,
		ForceRebuild:  cfg.ForceRebuild,
		Tasks:         append([]string(nil), cfg.Tasks...),
		TasksOnly:     cfg.TasksOnly,
		Sudo:          cfg.Sudo,
		StepTimeout:   time.Duration(cfg.StepTimeout) * time.Second,
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		KeyType:       KeyType(strings.ToLower(cfg.KeyType)),
		KeyPath:       fileutil.ExpandHome(cfg.KeyPath),
		KeyPassphrase: cfg.KeyPassphrase,
		KnownHosts:    fileutil.ExpandHome(cfg.KnownHosts),
	}

	if d.Branch == "" {
		d.Branch = DefaultBranch
	}
	if d.IsRemote() {
		if d.Port == 0 {
			d.Port = DefaultSSHPort
		}
		if d.KeyType == "" {
			d.KeyType = KeyTypePEM
		}
	}
	return d
}
