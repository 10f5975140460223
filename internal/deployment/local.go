package deployment

import (
	"context"
	"errors"
	"fmt"
	"os"

	"hookdeploy/pkg/cmdutil"
)

// LocalExecutor runs commands as subprocesses on this host.
type LocalExecutor struct {
	env []string
}

// NewLocalExecutor creates an executor that inherits the process environment.
// Git is told never to prompt, so a missing credential fails instead of hanging.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{
		env: append(os.Environ(), "GIT_TERMINAL_PROMPT=0"),
	}
}

// Exec runs cmd. Shell commands go through sh -c.
func (e *LocalExecutor) Exec(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	argv := cmd.Args
	if cmd.Shell != "" {
		argv = cmdutil.ShellCommand(cmd.Shell)
	}

	res, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
		Dir:     cmd.Dir,
		Timeout: cmd.Timeout,
		Env:     e.env,
	}, argv)

	result := &ExecutionResult{
		ExitCode: res.ExitCode,
		Output:   res.Output,
		Duration: res.Duration,
	}

	if err != nil {
		if errors.Is(err, cmdutil.ErrTimeout) {
			return result, fmt.Errorf("%w after %s: %s", ErrTimeout, cmd.Timeout, cmd)
		}
		return result, err
	}
	return result, nil
}

// Close is a no-op for local execution.
func (e *LocalExecutor) Close() error {
	return nil
}
