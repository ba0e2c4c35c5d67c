package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// DefaultConnectTimeout bounds the TCP dial and SSH handshake.
const DefaultConnectTimeout = 30 * time.Second

// SSHDialer acquires SSH sessions with an SFTP subsystem attached.
type SSHDialer struct {
	logger *slog.Logger
}

// NewSSHDialer creates a new SSH dialer.
func NewSSHDialer(logger *slog.Logger) *SSHDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHDialer{logger: logger.With("component", "remote")}
}

// =============================================================================
// Connection Management
// =============================================================================

// Dial connects, authenticates, verifies the host key and opens SFTP.
func (d *SSHDialer) Dial(ctx context.Context, target domain.Target) (Session, error) {
	host := target.Host
	addr := target.Address()

	auth, closeAuth, err := d.authMethods(target.Credential)
	if err != nil {
		return nil, NewConnectionError("auth", host, err.Error(), ErrAuthFailed)
	}
	defer closeAuth()

	hostKeys, err := HostKeyCallback(target.HostKey, d.logger)
	if err != nil {
		return nil, NewConnectionError("hostkey", host, err.Error(), ErrHostKeyRejected)
	}
	var rejected error
	verify := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := hostKeys(hostname, remote, key); err != nil {
			rejected = err
			return err
		}
		return nil
	}

	timeout := target.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	config := &ssh.ClientConfig{
		User:            target.Credential.User,
		Auth:            auth,
		HostKeyCallback: verify,
		Timeout:         timeout,
	}

	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, NewConnectionError("dial", host, err.Error(), classifyDialError(err))
	}

	// Abort the handshake when the context ends.
	stop := context.AfterFunc(dialCtx, func() { conn.Close() })
	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	stopped := stop()
	if err != nil {
		conn.Close()
		switch {
		case rejected != nil:
			return nil, NewConnectionError("handshake", host, rejected.Error(), ErrHostKeyRejected)
		case !stopped && dialCtx.Err() != nil:
			return nil, NewConnectionError("handshake", host, dialCtx.Err().Error(), ErrConnectTimeout)
		}
		return nil, NewConnectionError("handshake", host, err.Error(), classifyDialError(err))
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	s := &sshSession{
		host:   host,
		client: client,
		logger: d.logger.With("host", host),
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		// The SSH connection is up; hand it back so the caller releases it.
		return s, NewConnectionError("sftp", host, err.Error(), ErrUnreachable)
	}
	s.sftp = sc

	d.logger.Debug("session acquired", "host", host, "addr", addr, "user", target.Credential.User)
	return s, nil
}

// authMethods builds the client auth methods in preference order: agent,
// private key, password. The returned func releases the agent connection.
func (d *SSHDialer) authMethods(cred domain.Credential) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	cleanup := func() {}

	if cred.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, cleanup, errors.New("ssh agent requested but SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect to ssh agent: %w", err)
		}
		cleanup = func() { conn.Close() }
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}

	if cred.PrivateKeyFile != "" {
		signer, err := loadSigner(cred.PrivateKeyFile, cred.Passphrase)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cred.Password != "" {
		password := cred.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		cleanup()
		return nil, func() {}, domain.ErrCredentialRequired
	}
	return methods, cleanup, nil
}

func loadSigner(keyFile, passphrase string) (ssh.Signer, error) {
	path, err := ExpandHome(keyFile)
	if err != nil {
		return nil, err
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == "" {
			return nil, fmt.Errorf("private key %s is encrypted and no passphrase was given", keyFile)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}
	return signer, nil
}

// =============================================================================
// Session
// =============================================================================

type sshSession struct {
	host   string
	client *ssh.Client
	sftp   *sftp.Client
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
	mu        sync.RWMutex
	closed    bool
}

func (s *sshSession) Host() string { return s.host }

func (s *sshSession) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Exec runs cmd in a fresh SSH channel.
func (s *sshSession) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	if s.isClosed() {
		return ExecResult{}, ErrSessionClosed
	}

	session, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ExecResult{}, ctx.Err()
	case err := <-done:
		res := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitStatus = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitStatus = -1
			return res, nil
		}
		return res, fmt.Errorf("run command: %w", err)
	}
}

// Put uploads r to remotePath, replacing any existing file.
func (s *sshSession) Put(ctx context.Context, remotePath string, r io.Reader) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	f, err := s.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remotePath, err)
	}
	return nil
}

// Stat reports whether remotePath exists.
func (s *sshSession) Stat(ctx context.Context, remotePath string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	_, err := s.sftp.Stat(remotePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", remotePath, err)
}

// Mkdir creates remotePath. SFTP servers report a generic failure for an
// existing path, so the path is inspected to tell the cases apart.
func (s *sshSession) Mkdir(ctx context.Context, remotePath string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	err := s.sftp.Mkdir(remotePath)
	if err == nil {
		return nil
	}
	if fi, serr := s.sftp.Stat(remotePath); serr == nil && fi.IsDir() {
		return fmt.Errorf("mkdir %s: %w", remotePath, os.ErrExist)
	}
	return fmt.Errorf("mkdir %s: %w", remotePath, err)
}

// DialContext opens a TCP connection from the remote host, e.g. to its loopback.
func (s *sshSession) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return s.client.DialContext(ctx, network, addr)
}

// Close closes SFTP and the SSH connection once.
func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		var errs []error
		if s.sftp != nil {
			if err := s.sftp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Debug("session released")
	})
	return s.closeErr
}

func (s *sshSession) ready(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if s.sftp == nil {
		return errors.New("sftp subsystem not available")
	}
	return ctx.Err()
}

// ctxReader stops a transfer when its context ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
