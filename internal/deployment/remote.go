package deployment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kayrus/putty"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"hookdeploy/internal/target"
	"hookdeploy/pkg/cmdutil"
)

// DefaultDialTimeout bounds TCP connect plus SSH handshake.
const DefaultDialTimeout = 15 * time.Second

// RemoteExecutor runs commands over one SSH connection per run. Each Exec
// opens its own session. A connection that drops is re-dialed lazily by the
// next Exec.
type RemoteExecutor struct {
	addr        string
	config      *ssh.ClientConfig
	dialTimeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// DialRemote builds the client configuration for d and connects.
func DialRemote(ctx context.Context, d *target.Descriptor) (*RemoteExecutor, error) {
	config, err := clientConfig(d)
	if err != nil {
		return nil, &ConnectionError{Addr: d.Address(), Err: err}
	}

	e := &RemoteExecutor{
		addr:        d.Address(),
		config:      config,
		dialTimeout: DefaultDialTimeout,
	}
	if _, err := e.connect(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func clientConfig(d *target.Descriptor) (*ssh.ClientConfig, error) {
	signer, err := loadSigner(d)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if d.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(d.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         DefaultDialTimeout,
	}, nil
}

// loadSigner decodes the private key according to the target's key type.
func loadSigner(d *target.Descriptor) (ssh.Signer, error) {
	switch d.KeyType {
	case target.KeyTypePPK:
		key, err := putty.NewFromFile(d.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read PuTTY key %s: %w", d.KeyPath, err)
		}
		var passphrase []byte
		if d.KeyPassphrase != "" {
			passphrase = []byte(d.KeyPassphrase)
		}
		raw, err := key.ParseRawPrivateKey(passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to decode PuTTY key %s: %w", d.KeyPath, err)
		}
		signer, err := ssh.NewSignerFromKey(raw)
		if err != nil {
			return nil, fmt.Errorf("unsupported PuTTY key %s: %w", d.KeyPath, err)
		}
		return signer, nil

	case target.KeyTypePEM, "":
		data, err := os.ReadFile(d.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read key %s: %w", d.KeyPath, err)
		}
		var signer ssh.Signer
		if d.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(d.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(data)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", d.KeyPath, err)
		}
		return signer, nil

	default:
		return nil, fmt.Errorf("unsupported key_type %q", d.KeyType)
	}
}

// connect returns the live client, dialing when there is none.
func (e *RemoteExecutor) connect(ctx context.Context) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", e.addr)
	if err != nil {
		return nil, &ConnectionError{Addr: e.addr, Err: err, Transient: isNetworkError(err)}
	}

	// The handshake does not take a context; bound it with a deadline.
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, e.addr, e.config)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Addr: e.addr, Err: err, Transient: isNetworkError(err)}
	}
	_ = conn.SetDeadline(time.Time{})

	e.client = ssh.NewClient(c, chans, reqs)
	return e.client, nil
}

// drop forgets a broken client so the next Exec re-dials.
func (e *RemoteExecutor) drop(client *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == client {
		e.client.Close()
		e.client = nil
	}
}

// Exec runs cmd in a new session as "cd <dir> && <cmd>".
func (e *RemoteExecutor) Exec(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	result := &ExecutionResult{ExitCode: -1}

	client, err := e.connect(ctx)
	if err != nil {
		return result, err
	}

	session, err := client.NewSession()
	if err != nil {
		e.drop(client)
		return result, &ConnectionError{Addr: e.addr, Err: err, Transient: true}
	}
	defer session.Close()

	line := cmd.line()
	if cmd.Dir != "" {
		line = "cd " + cmdutil.QuoteCommand([]string{cmd.Dir}) + " && " + line
	}

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	// ssh copies stdout and stderr from separate goroutines.
	var output lockedBuffer
	session.Stdout = &output
	session.Stderr = &output

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		result.Duration = time.Since(start)
		result.Output = output.Bytes()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("%w after %s: %s", ErrTimeout, cmd.Timeout, cmd)
		}
		return result, fmt.Errorf("command cancelled: %w", ctx.Err())
	}

	result.Duration = time.Since(start)
	result.Output = output.Bytes()

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		// ExitMissingError, EOF and friends: the connection went away.
		e.drop(client)
		return result, &ConnectionError{Addr: e.addr, Err: err, Transient: true}
	}
	return result, nil
}

// Close tears down the SSH connection.
func (e *RemoteExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// lockedBuffer is a bytes.Buffer safe for concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Bytes returns a copy of the buffered output.
func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
