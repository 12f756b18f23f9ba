package props

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Credentials identifies a remote host and how to authenticate against it.
// At least one of Password or PrivateKeyPath must be set.
type Credentials struct {
	Host           string `json:"host"`
	Port           int    `json:"port,omitempty"`
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
}

func (c Credentials) valid() bool {
	if strings.TrimSpace(c.Host) == "" || strings.TrimSpace(c.Username) == "" {
		return false
	}
	return c.Password != "" || c.PrivateKeyPath != ""
}

// CommandResult is the outcome of one remote command. A non-zero exit code
// is not a transport error.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Conn is a live connection to a remote host. Implementations need not be
// safe for concurrent use; the manager serializes access per session.
type Conn interface {
	// Run executes a command. The returned error is non-nil only for
	// transport-level failures; remote command failure is reported through
	// ExitCode and Stderr.
	Run(ctx context.Context, command string) (CommandResult, error)

	// ReadFile reads the file at the given absolute path.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces the file at the given absolute path.
	WriteFile(ctx context.Context, path string, data []byte) error

	Close() error
}

// Dialer opens connections. The production implementation speaks SSH; tests
// substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// SSHDialer opens SSH connections with password or key authentication.
type SSHDialer struct {
	// Timeout bounds the TCP/handshake phase. Zero means 15s.
	Timeout time.Duration

	// MaxOutputBytes caps captured stdout/stderr per command. Zero means
	// 64000.
	MaxOutputBytes int
}

// Dial opens an SSH connection using the given credentials.
func (d *SSHDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	var auth []ssh.AuthMethod
	if creds.PrivateKeyPath != "" {
		key, err := os.ReadFile(creds.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		auth = append(auth, ssh.Password(creds.Password))
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	port := creds.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", creds.Host, port)

	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host keys are user-supplied targets
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	maxOut := d.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = 64000
	}
	return &sshConn{client: client, maxOutput: maxOut}, nil
}

type sshConn struct {
	client    *ssh.Client
	maxOutput int
}

func (c *sshConn) Run(ctx context.Context, command string) (CommandResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	stdout := newLimitedBuffer(c.maxOutput)
	stderr := newLimitedBuffer(c.maxOutput)
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return CommandResult{}, ctx.Err()
	}

	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, fmt.Errorf("run: %w", err)
	}
	return result, nil
}

func (c *sshConn) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := c.Run(ctx, "cat "+shellQuote(path))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("read %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return []byte(res.Stdout), nil
}

func (c *sshConn) WriteFile(ctx context.Context, path string, data []byte) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	stderr := newLimitedBuffer(c.maxOutput)
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run("cat > " + shellQuote(path)) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("write %s: %s", path, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

// shellQuote single-quotes a path for safe interpolation into a remote
// shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
