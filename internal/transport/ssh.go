package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOptions describes how to reach the remote shell.
type SSHOptions struct {
	Host           string
	Port           int
	User           string
	KeyFile        string
	KnownHostsFile string
	Timeout        time.Duration
}

// CommandResult is the outcome of one remote command. A non-zero exit
// code is a result, not an error.
type CommandResult struct {
	Command  string
	ExitCode int
	Output   []byte
	Duration time.Duration
}

// Session is an authenticated SSH connection with a lazily opened SFTP
// subsystem.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client
	addr   string
	logger *slog.Logger
}

// Dial connects to the remote host using key authentication. Host keys are
// verified against the known_hosts file.
func Dial(ctx context.Context, opts SSHOptions, logger *slog.Logger) (*Session, error) {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	signer, err := loadSigner(opts.KeyFile)
	if err != nil {
		return nil, &Error{Op: "ssh auth", Err: err}
	}
	hostKeys, err := knownhosts.New(opts.KnownHostsFile)
	if err != nil {
		return nil, &Error{Op: "ssh known_hosts", Err: err}
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         opts.Timeout,
	}

	dialer := &net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "ssh dial", Err: fmt.Errorf("unable to connect to [%s]: %w", addr, err)}
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, &Error{Op: "ssh handshake", Err: err}
	}

	logger.Debug("ssh connected", "addr", addr, "user", opts.User)
	return &Session{
		client: ssh.NewClient(c, chans, reqs),
		addr:   addr,
		logger: logger,
	}, nil
}

func loadSigner(keyFile string) (ssh.Signer, error) {
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is passphrase protected", keyFile)
		}
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return signer, nil
}

// Run executes cmd in a new SSH session and waits for it to exit.
// Cancelling ctx closes the session.
func (s *Session) Run(ctx context.Context, cmd string) (*CommandResult, error) {
	startTime := time.Now()

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &Error{Op: "ssh session", Err: err}
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return nil, &Error{Op: "ssh run", Err: ctx.Err()}
	case err = <-done:
	}

	res := &CommandResult{Command: cmd, Output: out.Bytes(), Duration: time.Since(startTime)}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &Error{Op: "ssh run", Err: err}
		}
		res.ExitCode = exitErr.ExitStatus()
	}

	s.logger.Debug("remote command finished", "addr", s.addr, "exit_code", res.ExitCode, "duration", res.Duration)
	return res, nil
}

// Put copies the local file to remotePath, creating parent directories.
func (s *Session) Put(ctx context.Context, local, remotePath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &Error{Op: "sftp put", Err: err}
	}
	client, err := s.sftpClient()
	if err != nil {
		return 0, err
	}

	src, err := os.Open(local)
	if err != nil {
		return 0, &Error{Op: "sftp put", Err: err}
	}
	defer func() {
		_ = src.Close()
	}()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &Error{Op: "sftp mkdir", Err: fmt.Errorf("%s: %w", path.Dir(remotePath), err)}
	}
	dst, err := client.Create(remotePath)
	if err != nil {
		return 0, &Error{Op: "sftp create", Err: fmt.Errorf("%s: %w", remotePath, err)}
	}
	n, err := dst.ReadFrom(src)
	if err != nil {
		_ = dst.Close()
		return n, &Error{Op: "sftp write", Err: fmt.Errorf("%s: %w", remotePath, err)}
	}
	if err := dst.Close(); err != nil {
		return n, &Error{Op: "sftp close", Err: fmt.Errorf("%s: %w", remotePath, err)}
	}
	return n, nil
}

func (s *Session) sftpClient() (*sftp.Client, error) {
	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, &Error{Op: "sftp start", Err: fmt.Errorf("unable to start sftp subsystem: %w", err)}
	}
	s.sftp = c
	return c, nil
}

// Close releases the SFTP subsystem and the connection.
func (s *Session) Close() error {
	var errs []error
	if s.sftp != nil {
		errs = append(errs, s.sftp.Close())
		s.sftp = nil
	}
	errs = append(errs, s.client.Close())
	return errors.Join(errs...)
}
