// Package remote owns the SSH channel to the target host.
//
// A Session bundles one authenticated SSH client with one SFTP client.
// Commands never fail on a non-zero exit status; callers inspect
// Result.ExitStatus. Errors are reserved for transport failures and
// cancellation.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"siteops/internal/config"
	"siteops/internal/faults"
	"siteops/internal/security"
)

// KeyringService is the OS keyring service holding SSH passwords.
const KeyringService = "siteops"

const dialTimeout = 10 * time.Second

// Result is the outcome of one remote command.
type Result struct {
	ExitStatus int
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// OK reports a zero exit status.
func (r *Result) OK() bool {
	return r.ExitStatus == 0
}

// Output returns trimmed stderr, or stdout when stderr is empty.
func (r *Result) Output() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner is the remote capability every component depends on.
type Runner interface {
	Execute(ctx context.Context, cmd string) (*Result, error)
	Transfer(ctx context.Context, localPath, remotePath string) error
	Fetch(ctx context.Context, remotePath, localPath string) error
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
	WriteFile(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error
	Exists(ctx context.Context, remotePath string) (bool, error)
	ReadDir(ctx context.Context, dir string) ([]string, error)
	Remove(ctx context.Context, remotePath string) error
}

// Conn is a Runner that must be closed.
type Conn interface {
	Runner
	Close() error
}

// PasswordPrompt asks the operator for a password. It is called at most
// once per Open.
type PasswordPrompt func(user, host string) (string, error)

// Session is one SSH + SFTP channel. It is not safe for use by two
// deployment runs at once.
type Session struct {
	client    *ssh.Client
	sftp      *sftp.Client
	logger    zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*Session)(nil)

// Open dials the host and authenticates: key first, then exactly one
// password attempt taken from the keyring entry or the prompt.
func Open(ctx context.Context, cfg config.ServerConfig, prompt PasswordPrompt, logger zerolog.Logger) (*Session, error) {
	logger = logger.With().Str("component", "remote").Str("host", cfg.Host).Logger()

	hostKeys, err := hostKeyCallback(cfg.KnownHosts)
	if err != nil {
		return nil, faults.New(faults.ErrConfiguration, "load known_hosts", err)
	}

	var keyErr error
	if signer, err := loadSigner(cfg.KeyPath, logger); err != nil {
		keyErr = err
	} else {
		client, err := dial(ctx, cfg, ssh.PublicKeys(signer), hostKeys)
		if err == nil {
			logger.Debug().Str("key", cfg.KeyPath).Msg("authenticated with key")
			return newSession(client, logger)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		keyErr = err
	}
	logger.Warn().Err(keyErr).Msg("key authentication failed, falling back to password")

	password, err := lookupPassword(cfg, prompt)
	if err != nil {
		return nil, faults.New(faults.ErrAuthentication, "ssh "+cfg.Username+"@"+cfg.Host,
			fmt.Errorf("key: %v; password: %w", keyErr, err))
	}
	client, err := dial(ctx, cfg, ssh.Password(password), hostKeys)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.New(faults.ErrAuthentication, "ssh "+cfg.Username+"@"+cfg.Host,
			fmt.Errorf("key: %v; password: %w", keyErr, err))
	}
	logger.Debug().Msg("authenticated with password")
	return newSession(client, logger)
}

// WithSession opens a session, runs fn, and closes the session on every
// exit path.
func WithSession(ctx context.Context, cfg config.ServerConfig, prompt PasswordPrompt, logger zerolog.Logger, fn func(*Session) error) error {
	s, err := Open(ctx, cfg, prompt, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func newSession(client *ssh.Client, logger zerolog.Logger) (*Session, error) {
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, faults.New(faults.ErrTransfer, "open sftp", err)
	}
	return &Session{client: client, sftp: sc, logger: logger}, nil
}

func loadSigner(keyPath string, logger zerolog.Logger) (ssh.Signer, error) {
	if keyPath == "" {
		return nil, errors.New("no key configured")
	}
	if err := security.CheckPrivateKey(keyPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("private key permissions")
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", keyPath, err)
	}
	return signer, nil
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(knownHostsPath)
}

func lookupPassword(cfg config.ServerConfig, prompt PasswordPrompt) (string, error) {
	if cfg.PasswordKeyring != "" {
		secret, err := keyring.Get(KeyringService, cfg.PasswordKeyring)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("keyring: %w", err)
		}
	}
	if prompt == nil {
		return "", errors.New("no password source available")
	}
	return prompt(cfg.Username, cfg.Host)
}

func dial(ctx context.Context, cfg config.ServerConfig, auth ssh.AuthMethod, hostKeys ssh.HostKeyCallback) (*ssh.Client, error) {
	addr := cfg.Address()
	d := net.Dialer{Timeout: dialTimeout}
	tcpConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	})
	if err != nil {
		tcpConn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Execute runs cmd through the remote shell. Cancelling ctx kills the
// remote command.
func (s *Session) Execute(ctx context.Context, cmd string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, faults.New(faults.ErrTransfer, "open ssh session", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case runErr = <-done:
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
	default:
		return res, faults.New(faults.ErrTransfer, "execute", runErr)
	}

	s.logger.Debug().
		Str("cmd", cmd).
		Int("exit", res.ExitStatus).
		Dur("duration", res.Duration).
		Msg("remote command")
	return res, nil
}

// Transfer uploads localPath. The file is written to a .part sibling and
// renamed into place, so a failed upload leaves remotePath untouched.
func (s *Session) Transfer(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return faults.New(faults.ErrTransfer, "upload "+localPath, err)
	}
	defer src.Close()

	if err := s.writeAtomic(ctx, remotePath, src, 0); err != nil {
		return faults.New(faults.ErrTransfer, "upload "+localPath, err)
	}
	s.logger.Debug().Str("local", localPath).Str("remote", remotePath).Msg("uploaded")
	return nil
}

// Fetch downloads remotePath into localPath, creating parent directories.
func (s *Session) Fetch(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.sftp.Open(remotePath)
	if err != nil {
		return faults.New(faults.ErrTransfer, "download "+remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), security.PermDirectory); err != nil {
		return faults.New(faults.ErrTransfer, "download "+remotePath, err)
	}
	tmp := localPath + ".part"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, security.PermBackupFile)
	if err != nil {
		return faults.New(faults.ErrTransfer, "download "+remotePath, err)
	}
	if _, err := io.Copy(dst, contextReader{ctx: ctx, r: src}); err != nil {
		dst.Close()
		os.Remove(tmp)
		return faults.New(faults.ErrTransfer, "download "+remotePath, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return faults.New(faults.ErrTransfer, "download "+remotePath, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return faults.New(faults.ErrTransfer, "download "+remotePath, err)
	}
	s.logger.Debug().Str("remote", remotePath).Str("local", localPath).Msg("downloaded")
	return nil
}

// ReadFile returns the content of a remote file.
func (s *Session) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.sftp.Open(remotePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile replaces a remote file atomically. A zero perm keeps the mode
// chosen by the server.
func (s *Session) WriteFile(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeAtomic(ctx, remotePath, bytes.NewReader(data), perm)
}

func (s *Session) writeAtomic(ctx context.Context, remotePath string, r io.Reader, perm os.FileMode) error {
	if err := s.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(remotePath), err)
	}
	tmp := remotePath + ".part"
	dst, err := s.sftp.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(dst, contextReader{ctx: ctx, r: r}); err != nil {
		dst.Close()
		s.sftp.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := dst.Close(); err != nil {
		s.sftp.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if perm != 0 {
		if err := s.sftp.Chmod(tmp, perm); err != nil {
			s.sftp.Remove(tmp)
			return fmt.Errorf("chmod %s: %w", tmp, err)
		}
	}
	if err := s.sftp.PosixRename(tmp, remotePath); err != nil {
		s.sftp.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Exists reports whether remotePath exists.
func (s *Session) Exists(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := s.sftp.Stat(remotePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ReadDir lists entry names in dir. A missing directory is empty.
func (s *Session) ReadDir(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.sftp.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Remove deletes a remote file. A missing file is not an error.
func (s *Session) Remove(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.sftp.Remove(remotePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close releases the SFTP and SSH channels. It is safe to call twice.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		sftpErr := s.sftp.Close()
		sshErr := s.client.Close()
		s.closeErr = errors.Join(sftpErr, sshErr)
		s.logger.Debug().Msg("session closed")
	})
	return s.closeErr
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
