package deployment

import (
	"context"
	"time"

	"hookdeploy/internal/target"
	"hookdeploy/pkg/cmdutil"
)

// Command is one step invocation. Exactly one of Args or Shell is set:
// Args runs without a shell, Shell is a command line run by sh.
type Command struct {
	Args    []string
	Shell   string
	Dir     string
	Timeout time.Duration
}

// String renders the command for logs and the audit store.
func (c Command) String() string {
	if c.Shell != "" {
		return c.Shell
	}
	return cmdutil.FormatCommand(c.Args)
}

// line renders the command for a POSIX shell.
func (c Command) line() string {
	if c.Shell != "" {
		return c.Shell
	}
	return cmdutil.QuoteCommand(c.Args)
}

// ExecutionResult is the raw outcome of one command.
type ExecutionResult struct {
	ExitCode int
	Output   []byte
	Duration time.Duration
}

// OK reports whether the command exited zero.
func (r *ExecutionResult) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Executor runs pipeline commands on a target.
//
// A non-zero exit is reported through ExecutionResult, not as an error.
// Errors mean the command did not complete: ErrTimeout, a *ConnectionError,
// or a context cancellation.
type Executor interface {
	Exec(ctx context.Context, cmd Command) (*ExecutionResult, error)
	Close() error
}

// Dialer opens an Executor for a target. Opening a remote executor
// establishes its SSH connection.
type Dialer func(ctx context.Context, d *target.Descriptor) (Executor, error)

// DefaultDialer returns a LocalExecutor or dials a RemoteExecutor by kind.
func DefaultDialer(ctx context.Context, d *target.Descriptor) (Executor, error) {
	if d.IsRemote() {
		e, err := DialRemote(ctx, d)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return NewLocalExecutor(), nil
}
