package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"siteops/internal/config"
	"siteops/internal/faults"
)

// testServer is an in-process SSH server with exec and sftp support.
type testServer struct {
	addr        string
	acceptKey   bool
	password    string
	keyAttempts atomic.Int32
	pwAttempts  atomic.Int32
}

func startTestServer(t *testing.T, acceptKey bool, password string) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	srv := &testServer{acceptKey: acceptKey, password: password}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			srv.keyAttempts.Add(1)
			if srv.acceptKey {
				return nil, nil
			}
			return nil, errors.New("key rejected")
		},
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			srv.pwAttempts.Add(1)
			if string(pw) == srv.password && srv.password != "" {
				return nil, nil
			}
			return nil, errors.New("bad password")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	srv.addr = ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()
	return srv
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)
			cmd := exec.Command("sh", "-c", payload.Command)
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()
			status := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					status = exitErr.ExitCode()
				} else {
					status = 127
				}
			}
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			return
		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
				return
			}
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) serverConfig(t *testing.T, keyPath string) config.ServerConfig {
	host, portStr, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.ServerConfig{
		Host:     host,
		Port:     port,
		Username: "deploy",
		KeyPath:  keyPath,
	}
}

func writeClientKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "test")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
	return path
}

func countingPrompt(password string, calls *int) PasswordPrompt {
	return func(user, host string) (string, error) {
		*calls++
		return password, nil
	}
}

func TestOpenWithKey(t *testing.T) {
	srv := startTestServer(t, true, "")
	prompts := 0

	s, err := Open(context.Background(), srv.serverConfig(t, writeClientKey(t)), countingPrompt("x", &prompts), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 0, prompts)
	assert.Equal(t, int32(0), srv.pwAttempts.Load())
}

func TestOpenFallsBackToPasswordOnce(t *testing.T) {
	srv := startTestServer(t, false, "secret")
	prompts := 0

	s, err := Open(context.Background(), srv.serverConfig(t, writeClientKey(t)), countingPrompt("secret", &prompts), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, prompts)
	assert.Equal(t, int32(1), srv.pwAttempts.Load())
}

func TestOpenMissingKeyUsesPassword(t *testing.T) {
	srv := startTestServer(t, false, "secret")
	prompts := 0

	cfg := srv.serverConfig(t, filepath.Join(t.TempDir(), "missing"))
	s, err := Open(context.Background(), cfg, countingPrompt("secret", &prompts), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, prompts)
}

func TestOpenFailsWhenBothMethodsFail(t *testing.T) {
	srv := startTestServer(t, false, "secret")
	prompts := 0

	_, err := Open(context.Background(), srv.serverConfig(t, writeClientKey(t)), countingPrompt("wrong", &prompts), zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrAuthentication)
	assert.Equal(t, 1, prompts)
	assert.Equal(t, int32(1), srv.pwAttempts.Load())
}

func TestOpenWithoutPasswordSource(t *testing.T) {
	srv := startTestServer(t, false, "secret")

	_, err := Open(context.Background(), srv.serverConfig(t, writeClientKey(t)), nil, zerolog.Nop())
	assert.ErrorIs(t, err, faults.ErrAuthentication)
	assert.Equal(t, int32(0), srv.pwAttempts.Load())
}

func TestSessionOperations(t *testing.T) {
	srv := startTestServer(t, true, "")
	ctx := context.Background()

	var closed *Session
	err := WithSession(ctx, srv.serverConfig(t, writeClientKey(t)), nil, zerolog.Nop(), func(s *Session) error {
		closed = s

		res, err := s.Execute(ctx, "echo out; echo err >&2; exit 3")
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitStatus)
		assert.Equal(t, "out\n", res.Stdout)
		assert.Equal(t, "err\n", res.Stderr)

		dir := t.TempDir()
		local := filepath.Join(dir, "pkg.tar.gz")
		require.NoError(t, os.WriteFile(local, []byte("archive bytes"), 0600))

		remotePath := filepath.Join(dir, "remote", "pkg.tar.gz")
		require.NoError(t, s.Transfer(ctx, local, remotePath))
		exists, err := s.Exists(ctx, remotePath)
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = s.Exists(ctx, remotePath+".part")
		require.NoError(t, err)
		assert.False(t, exists)

		back := filepath.Join(dir, "mirror", "copy.tar.gz")
		require.NoError(t, s.Fetch(ctx, remotePath, back))
		data, err := os.ReadFile(back)
		require.NoError(t, err)
		assert.Equal(t, "archive bytes", string(data))

		conf := filepath.Join(dir, "remote", "nginx.conf")
		require.NoError(t, s.WriteFile(ctx, conf, []byte("http {\n}\n"), 0644))
		got, err := s.ReadFile(ctx, conf)
		require.NoError(t, err)
		assert.Equal(t, "http {\n}\n", string(got))

		names, err := s.ReadDir(ctx, filepath.Join(dir, "remote"))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"pkg.tar.gz", "nginx.conf"}, names)

		require.NoError(t, s.Remove(ctx, conf))
		require.NoError(t, s.Remove(ctx, conf))

		names, err = s.ReadDir(ctx, filepath.Join(dir, "nope"))
		require.NoError(t, err)
		assert.Empty(t, names)
		return nil
	})
	require.NoError(t, err)

	// Closing again after WithSession is harmless.
	assert.NoError(t, closed.Close())
	_, err = closed.Execute(ctx, "true")
	assert.Error(t, err)
}

func TestExecuteCancelled(t *testing.T) {
	srv := startTestServer(t, true, "")
	s, err := Open(context.Background(), srv.serverConfig(t, writeClientKey(t)), nil, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Execute(ctx, "sleep 5")
	assert.ErrorIs(t, err, context.Canceled)
}
