package deployment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrBusy is returned when a target already has a run in progress.
	ErrBusy = errors.New("target is busy")

	// ErrShuttingDown is returned once the orchestrator stopped accepting work.
	ErrShuttingDown = errors.New("deployments are shutting down")

	// ErrTimeout marks a step that ran past its timeout.
	ErrTimeout = errors.New("step timed out")

	// ErrDirectoryMissing marks a target whose deploy directory is absent
	// while create_dir is off.
	ErrDirectoryMissing = errors.New("deploy directory does not exist")
)

// ErrorKind classifies why a run failed, for the audit store and reports.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindConnection       ErrorKind = "connection"
	KindStep             ErrorKind = "step"
	KindTimeout          ErrorKind = "timeout"
	KindDirectoryMissing ErrorKind = "directory_missing"
	KindBusy             ErrorKind = "busy"
	KindInternal         ErrorKind = "internal"
)

// ConnectionError reports a failure to reach or authenticate with a remote
// host, or a connection that dropped mid-run.
type ConnectionError struct {
	Addr      string
	Err       error
	Transient bool
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// StepFailure reports a step that exited non-zero.
type StepFailure struct {
	Step     string
	ExitCode int
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %s failed with exit code %d", e.Step, e.ExitCode)
}

// IsTransient reports whether err is worth retrying at the same step.
// Only network-class connection failures qualify.
func IsTransient(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Transient
}

// Classify maps an error to the kind stored with a failed run.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var ce *ConnectionError
	var sf *StepFailure
	switch {
	case errors.As(err, &ce):
		return KindConnection
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrDirectoryMissing):
		return KindDirectoryMissing
	case errors.As(err, &sf):
		return KindStep
	case errors.Is(err, ErrBusy):
		return KindBusy
	default:
		return KindInternal
	}
}

// isNetworkError reports whether err came from the network layer rather
// than from authentication or key handling.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.DeadlineExceeded)
}
