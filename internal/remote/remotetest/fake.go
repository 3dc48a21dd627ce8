// Package remotetest provides remote.Runner implementations for tests.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"siteops/internal/remote"
)

type rule struct {
	substr  string
	respond func(cmd string) (*remote.Result, error)
}

// Fake records commands and answers them from registered rules. Files
// written through it are kept in memory.
type Fake struct {
	mu       sync.Mutex
	rules    []rule
	commands []string
	files    map[string][]byte
	uploads  []string
	closed   bool

	// TransferErr, when set, fails every Transfer.
	TransferErr error
	// WriteErr and RemoveErr, when set, are consulted before every
	// WriteFile and Remove.
	WriteErr  func(remotePath string) error
	RemoveErr func(remotePath string) error
}

var _ remote.Conn = (*Fake)(nil)

// NewFake returns a Fake where every command succeeds with empty output.
func NewFake() *Fake {
	return &Fake{files: make(map[string][]byte)}
}

// On answers commands containing substr with res. Later rules win.
func (f *Fake) On(substr string, res remote.Result) {
	f.OnFunc(substr, func(string) (*remote.Result, error) {
		r := res
		return &r, nil
	})
}

// OnFunc answers commands containing substr with fn. Later rules win.
func (f *Fake) OnFunc(substr string, fn func(cmd string) (*remote.Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{substr: substr, respond: fn})
}

// Commands returns every executed command in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// Count returns how many executed commands contain substr.
func (f *Fake) Count(substr string) int {
	n := 0
	for _, c := range f.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Uploads returns the remote paths written by Transfer.
func (f *Fake) Uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

// SetFile stores a remote file.
func (f *Fake) SetFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
}

// File returns a remote file and whether it exists.
func (f *Fake) File(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return data, ok
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Execute(ctx context.Context, cmd string) (*remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	var match *rule
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.Contains(cmd, f.rules[i].substr) {
			match = &f.rules[i]
			break
		}
	}
	f.mu.Unlock()

	if match == nil {
		return &remote.Result{}, nil
	}
	return match.respond(cmd)
}

func (f *Fake) Transfer(ctx context.Context, localPath, remotePath string) error {
	if f.TransferErr != nil {
		return f.TransferErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = data
	f.uploads = append(f.uploads, remotePath)
	return nil
}

func (f *Fake) Fetch(ctx context.Context, remotePath, localPath string) error {
	data, ok := f.File(remotePath)
	if !ok {
		return fmt.Errorf("fetch %s: %w", remotePath, os.ErrNotExist)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0750); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0600)
}

func (f *Fake) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	data, ok := f.File(remotePath)
	if !ok {
		return nil, fmt.Errorf("read %s: %w", remotePath, os.ErrNotExist)
	}
	return data, nil
}

func (f *Fake) WriteFile(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error {
	if f.WriteErr != nil {
		if err := f.WriteErr(remotePath); err != nil {
			return err
		}
	}
	f.SetFile(remotePath, data)
	return nil
}

func (f *Fake) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, ok := f.File(remotePath)
	return ok, nil
}

func (f *Fake) ReadDir(ctx context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var names []string
	for p := range f.files {
		if rest, ok := strings.CutPrefix(p, prefix); ok && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *Fake) Remove(ctx context.Context, remotePath string) error {
	if f.RemoveErr != nil {
		if err := f.RemoveErr(remotePath); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, remotePath)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
