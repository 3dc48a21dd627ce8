package remotetest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"siteops/internal/remote"
	"siteops/pkg/cmdutil"
)

// Local runs commands through the local sh and treats the local
// filesystem as the remote one.
type Local struct{}

var _ remote.Conn = Local{}

func (Local) Execute(ctx context.Context, cmd string) (*remote.Result, error) {
	res, err := cmdutil.Run(ctx, cmdutil.ExecOptions{}, []string{"sh", "-c", cmd})
	if err != nil && !cmdutil.IsExitError(err) {
		return nil, err
	}
	return &remote.Result{
		ExitStatus: res.ExitCode,
		Stdout:     string(res.Stdout),
		Stderr:     string(res.Stderr),
		Duration:   res.Duration,
	}, nil
}

func (Local) Transfer(ctx context.Context, localPath, remotePath string) error {
	return copyFile(localPath, remotePath)
}

func (Local) Fetch(ctx context.Context, remotePath, localPath string) error {
	return copyFile(remotePath, localPath)
}

func (Local) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	return os.ReadFile(remotePath)
}

func (Local) WriteFile(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}
	return os.WriteFile(remotePath, data, perm)
}

func (Local) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(remotePath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (Local) ReadDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
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

func (Local) Remove(ctx context.Context, remotePath string) error {
	err := os.Remove(remotePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (Local) Close() error { return nil }

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
