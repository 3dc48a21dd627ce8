// Package backup creates, lists, prunes and restores archives of the
// remote application directory.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"siteops/internal/config"
	"siteops/internal/faults"
	"siteops/internal/metrics"
	"siteops/internal/remote"
	"siteops/internal/security"
)

const (
	namePrefix      = "backup_"
	archiveSuffix   = ".tar.gz"
	timestampLayout = "20060102_150405"
	dateLayout      = "20060102"
)

// Type selects which part of the application directory is archived.
type Type string

const (
	TypeFull   Type = "full"
	TypeData   Type = "data"
	TypeConfig Type = "config"
)

// ParseType validates a backup type name.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeFull, TypeData, TypeConfig:
		return t, nil
	}
	return "", faults.Newf(faults.ErrConfiguration, "backup type", "unknown backup type %q (want full, data or config)", s)
}

// subdir is the part of the application directory covered by t.
func (t Type) subdir(appDir string) string {
	switch t {
	case TypeData:
		return path.Join(appDir, "data")
	case TypeConfig:
		return path.Join(appDir, "config")
	}
	return appDir
}

// Backup describes one created archive.
type Backup struct {
	Name       string
	Type       Type
	RemotePath string
	LocalPath  string
	OffsiteKey string
	CreatedAt  time.Time
	Size       int64
}

// CleanupReport lists what a retention sweep removed.
type CleanupReport struct {
	Cutoff         time.Time
	RemoteDeleted  []string
	LocalDeleted   []string
	OffsiteDeleted []string
	// Skipped names carry no parseable date and are never deleted.
	Skipped []string
	Kept    int
}

// Deleted is the number of archives removed across all locations.
func (r *CleanupReport) Deleted() int {
	return len(r.RemoteDeleted) + len(r.LocalDeleted) + len(r.OffsiteDeleted)
}

// Offsite stores a copy of each archive away from the host.
type Offsite interface {
	Upload(ctx context.Context, name, localPath string) (string, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Manager runs backup workflows over a Runner.
type Manager struct {
	Runner    remote.Runner
	AppDir    string
	TempDir   string
	RemoteDir string
	LocalDir  string
	Offsite   Offsite
	Now       func() time.Time
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// New builds a Manager from configuration, with an S3 offsite store when
// one is configured.
func New(cfg *config.Config, runner remote.Runner, logger zerolog.Logger) *Manager {
	m := &Manager{
		Runner:    runner,
		AppDir:    cfg.Server.AppDir,
		TempDir:   cfg.Server.TempDir,
		RemoteDir: cfg.Backup.RemoteDir,
		LocalDir:  cfg.Backup.LocalDir,
		Now:       time.Now,
		Logger:    logger.With().Str("component", "backup").Logger(),
	}
	if cfg.Backup.Offsite.Enabled() {
		m.Offsite = NewS3Store(cfg.Backup.Offsite)
	}
	return m
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Name returns the backup name for type t created at ts.
func Name(t Type, ts time.Time) string {
	return fmt.Sprintf("%s%s_%s", namePrefix, t, ts.Format(timestampLayout))
}

func (m *Manager) remoteArchive(name string) string {
	return path.Join(m.RemoteDir, name+archiveSuffix)
}

// Create archives the selected part of the application directory on the
// host and downloads it to the local mirror. When an offsite copy fails
// the returned Backup is still valid alongside the error.
func (m *Manager) Create(ctx context.Context, t Type) (*Backup, error) {
	if _, err := ParseType(string(t)); err != nil {
		return nil, err
	}
	created := m.now()
	name := Name(t, created)
	b := &Backup{
		Name:       name,
		Type:       t,
		RemotePath: m.remoteArchive(name),
		LocalPath:  filepath.Join(m.LocalDir, name+archiveSuffix),
		CreatedAt:  created,
	}
	log := m.Logger.With().Str("backup", name).Logger()

	if err := security.CreateSecureDir(m.LocalDir, security.PermDirectory); err != nil {
		return nil, faults.New(faults.ErrBackup, "create local dir", err)
	}

	res, err := m.Runner.Execute(ctx, remote.Chain(
		remote.Join("mkdir", "-p", m.RemoteDir),
		remote.Join("tar", "-czf", b.RemotePath, "-C", t.subdir(m.AppDir), "."),
	))
	if err != nil {
		return nil, faults.New(faults.ErrBackup, "archive", err)
	}
	if !res.OK() {
		return nil, faults.Newf(faults.ErrBackup, "archive", "tar exited %d: %s", res.ExitStatus, res.Output())
	}
	log.Info().Str("remote", b.RemotePath).Msg("remote archive created")

	if err := m.Runner.Fetch(ctx, b.RemotePath, b.LocalPath); err != nil {
		return nil, err
	}
	if err := os.Chmod(b.LocalPath, security.PermBackupFile); err != nil {
		return nil, faults.New(faults.ErrBackup, "chmod local archive", err)
	}
	if info, err := os.Stat(b.LocalPath); err == nil {
		b.Size = info.Size()
	}
	m.Metrics.ObserveBackup(string(t), b.Size)
	log.Info().Str("local", b.LocalPath).Int64("bytes", b.Size).Msg("backup downloaded")

	if m.Offsite != nil {
		key, err := m.Offsite.Upload(ctx, name+archiveSuffix, b.LocalPath)
		if err != nil {
			log.Error().Err(err).Msg("offsite copy failed")
			return b, faults.New(faults.ErrTransfer, "offsite copy", err)
		}
		b.OffsiteKey = key
		log.Info().Str("key", key).Msg("offsite copy stored")
	}
	return b, nil
}

// List returns the sorted union of remote and local backup names without
// the archive suffix.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	remoteNames, err := m.Runner.ReadDir(ctx, m.RemoteDir)
	if err != nil {
		return nil, err
	}
	localNames, err := m.localNames()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, n := range append(remoteNames, localNames...) {
		if !strings.HasPrefix(n, namePrefix) {
			continue
		}
		seen[strings.TrimSuffix(n, archiveSuffix)] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) localNames() ([]string, error) {
	entries, err := os.ReadDir(m.LocalDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.New(faults.ErrBackup, "list local backups", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), archiveSuffix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Timestamp extracts the creation time embedded in a backup name. A name
// carrying only the date token is read as midnight of that day.
func Timestamp(name string, loc *time.Location) (time.Time, bool) {
	name = strings.TrimSuffix(name, archiveSuffix)
	parts := strings.Split(name, "_")
	if len(parts) < 3 || parts[0]+"_" != namePrefix {
		return time.Time{}, false
	}
	if len(parts) >= 4 {
		if ts, err := time.ParseInLocation(timestampLayout, parts[2]+"_"+parts[3], loc); err == nil {
			return ts, true
		}
	}
	d, err := time.ParseInLocation(dateLayout, parts[2], loc)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// Cutoff is the oldest creation time still kept under a retention of days.
func Cutoff(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, -days)
}

// Expired reports whether the named backup falls outside the retention
// window. Names without a timestamp are never expired.
func Expired(name string, now time.Time, days int) (expired, dated bool) {
	ts, ok := Timestamp(name, now.Location())
	if !ok {
		return false, false
	}
	return ts.Before(Cutoff(now, days)), true
}

// Cleanup deletes every backup created strictly before the retention
// cutoff. Each location is swept independently: a failure in one is
// reported and the others are still swept.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) (*CleanupReport, error) {
	now := m.now()
	report := &CleanupReport{Cutoff: Cutoff(now, retentionDays)}
	skipped := make(map[string]struct{})

	sweep := func(where string, list func() ([]string, error), remove func(string) error) ([]string, error) {
		names, err := list()
		if err != nil {
			m.Logger.Error().Err(err).Str("location", where).Msg("listing backups failed")
			return nil, err
		}
		var deleted []string
		var errs []error
		for _, n := range names {
			if !strings.HasPrefix(n, namePrefix) {
				continue
			}
			expired, dated := Expired(n, now, retentionDays)
			switch {
			case !dated:
				skipped[n] = struct{}{}
			case !expired:
				report.Kept++
			default:
				m.Logger.Info().Str("backup", n).Str("location", where).Msg("removing old backup")
				if err := remove(n); err != nil {
					m.Logger.Error().Err(err).Str("backup", n).Str("location", where).Msg("removing backup failed")
					errs = append(errs, fmt.Errorf("%s %s: %w", where, n, err))
					continue
				}
				deleted = append(deleted, n)
			}
		}
		return deleted, errors.Join(errs...)
	}

	var errs []error
	var err error
	report.RemoteDeleted, err = sweep("remote", func() ([]string, error) {
		return m.Runner.ReadDir(ctx, m.RemoteDir)
	}, func(n string) error {
		return m.Runner.Remove(ctx, path.Join(m.RemoteDir, n))
	})
	errs = append(errs, err)

	report.LocalDeleted, err = sweep("local", m.localNames, func(n string) error {
		if err := os.Remove(filepath.Join(m.LocalDir, n)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return faults.New(faults.ErrBackup, "remove local backup", err)
		}
		return nil
	})
	errs = append(errs, err)

	if m.Offsite != nil {
		report.OffsiteDeleted, err = sweep("offsite", func() ([]string, error) {
			return m.Offsite.List(ctx)
		}, func(n string) error {
			return m.Offsite.Delete(ctx, n)
		})
		errs = append(errs, err)
	}

	for n := range skipped {
		report.Skipped = append(report.Skipped, n)
	}
	sort.Strings(report.Skipped)
	if len(report.Skipped) > 0 {
		m.Logger.Warn().Strs("names", report.Skipped).Msg("skipped backups without a parseable date")
	}
	m.Metrics.ObserveCleanup(report.Deleted())
	m.Logger.Info().
		Time("cutoff", report.Cutoff).
		Int("deleted", report.Deleted()).
		Int("kept", report.Kept).
		Msg("retention sweep finished")
	return report, errors.Join(errs...)
}

// Restore extracts the named remote backup into a scratch directory and
// mirrors it over the selected part of the application directory. The
// scratch directory is removed whatever the outcome.
func (m *Manager) Restore(ctx context.Context, name string, t Type) error {
	name = strings.TrimSuffix(name, archiveSuffix)
	if err := security.ValidateBackupName(name); err != nil {
		return faults.New(faults.ErrConfiguration, "restore", err)
	}
	if _, err := ParseType(string(t)); err != nil {
		return err
	}
	archive := m.remoteArchive(name)
	log := m.Logger.With().Str("backup", name).Str("type", string(t)).Logger()

	res, err := m.Runner.Execute(ctx, remote.Join("test", "-f", archive))
	if err != nil {
		return faults.New(faults.ErrBackup, "restore", err)
	}
	if !res.OK() {
		return &faults.BackupNotFoundError{Name: name}
	}

	scratch := path.Join(m.TempDir, "restore_"+m.now().Format(timestampLayout))
	defer func() {
		res, err := m.Runner.Execute(context.WithoutCancel(ctx), remote.Join("rm", "-rf", scratch))
		if err != nil || !res.OK() {
			log.Warn().Err(err).Str("dir", scratch).Msg("failed to remove restore directory")
		}
	}()

	res, err = m.Runner.Execute(ctx, remote.Chain(
		remote.Join("mkdir", "-p", scratch),
		remote.Join("tar", "-xzf", archive, "-C", scratch),
	))
	if err != nil {
		return faults.New(faults.ErrBackup, "extract", err)
	}
	if !res.OK() {
		return faults.Newf(faults.ErrBackup, "extract", "tar exited %d: %s", res.ExitStatus, res.Output())
	}

	target := t.subdir(m.AppDir)
	res, err = m.Runner.Execute(ctx, remote.Chain(
		remote.Join("mkdir", "-p", target),
		remote.Join("rsync", "-a", "--delete", scratch+"/", target+"/"),
	))
	if err != nil {
		return faults.New(faults.ErrBackup, "sync", err)
	}
	if !res.OK() {
		return faults.Newf(faults.ErrBackup, "sync", "rsync exited %d: %s", res.ExitStatus, res.Output())
	}
	log.Info().Str("target", target).Msg("backup restored")
	return nil
}
