package deploy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"siteops/internal/faults"
	"siteops/internal/remote"
)

// LockManager holds one lock per host and app so concurrent runs in one
// process never target the same application.
//
// The outer mutex protects the map; each key has its own mutex so
// different applications can deploy concurrently.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*sync.Mutex)}
}

// LockKey identifies one application on one host.
func LockKey(host, app string) string {
	return host + "/" + app
}

// TryLock acquires the lock for key without blocking.
func (lm *LockManager) TryLock(key string) bool {
	lm.mu.Lock()
	lock, exists := lm.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[key] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the lock for key. Unknown keys are ignored.
func (lm *LockManager) Unlock(key string) {
	lm.mu.Lock()
	lock := lm.locks[key]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}

// RemoteLock is a directory on the remote host whose atomic creation
// marks a deployment in progress across machines.
type RemoteLock struct {
	Runner remote.Runner
	Path   string
	// StaleAfter lets a new run take over a lock older than this. Zero
	// never takes over.
	StaleAfter time.Duration
	Now        func() time.Time
}

// RemoteLockPath is the lock directory for app under tempDir.
func RemoteLockPath(tempDir, app string) string {
	return path.Join(tempDir, ".siteops."+app+".lock")
}

func (l *RemoteLock) ownerFile() string {
	return path.Join(l.Path, "owner")
}

func (l *RemoteLock) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Acquire creates the lock directory and records owner and the current
// time in it. A lock older than StaleAfter is removed and taken over; any
// other existing lock yields ErrLocked naming the current holder.
func (l *RemoteLock) Acquire(ctx context.Context, owner string) error {
	err := l.create(ctx, owner)
	var held *heldError
	if !errors.As(err, &held) {
		return err
	}
	if l.StaleAfter <= 0 || held.since.IsZero() || l.now().Sub(held.since) < l.StaleAfter {
		return faults.Newf(faults.ErrLocked, "acquire remote lock", "%s held by run %s", l.Path, held.owner)
	}
	if err := l.Release(ctx); err != nil {
		return err
	}
	err = l.create(ctx, owner)
	if errors.As(err, &held) {
		return faults.Newf(faults.ErrLocked, "acquire remote lock", "%s held by run %s", l.Path, held.owner)
	}
	return err
}

// heldError reports an existing lock and what its owner file says.
type heldError struct {
	owner string
	since time.Time
}

func (e *heldError) Error() string { return "lock held by run " + e.owner }

func (l *RemoteLock) create(ctx context.Context, owner string) error {
	res, err := l.Runner.Execute(ctx, remote.Join("mkdir", l.Path))
	if err != nil {
		return faults.New(faults.ErrTransfer, "acquire remote lock", err)
	}
	if !res.OK() {
		exists, xerr := l.Runner.Exists(ctx, l.Path)
		if xerr != nil || !exists {
			return faults.Newf(faults.ErrTransfer, "acquire remote lock", "mkdir %s: %s", l.Path, res.Output())
		}
		held := &heldError{owner: "unknown"}
		if data, rerr := l.Runner.ReadFile(ctx, l.ownerFile()); rerr == nil {
			held.owner, held.since = parseOwner(string(data))
		}
		return held
	}

	line := fmt.Sprintf("%s %s\n", owner, l.now().UTC().Format(time.RFC3339))
	if err := l.Runner.WriteFile(ctx, l.ownerFile(), []byte(line), 0644); err != nil {
		return errors.Join(faults.New(faults.ErrTransfer, "write lock owner", err), l.Release(ctx))
	}
	return nil
}

// parseOwner splits an owner file into the run id and acquisition time.
// The time is zero when missing or malformed.
func parseOwner(content string) (string, time.Time) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "unknown", time.Time{}
	}
	if len(fields) < 2 {
		return fields[0], time.Time{}
	}
	since, err := time.Parse(time.RFC3339, fields[1])
	if err != nil {
		return fields[0], time.Time{}
	}
	return fields[0], since
}

// Release removes the lock directory.
func (l *RemoteLock) Release(ctx context.Context) error {
	res, err := l.Runner.Execute(ctx, remote.Join("rm", "-rf", l.Path))
	if err != nil {
		return faults.New(faults.ErrTransfer, "release remote lock", err)
	}
	if !res.OK() {
		return fmt.Errorf("release remote lock %s: %s", l.Path, res.Output())
	}
	return nil
}
