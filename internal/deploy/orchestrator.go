// Package deploy sequences a deployment from packaging to verification
// and rolls the serving configuration back when a late step fails.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"siteops/internal/certs"
	"siteops/internal/config"
	"siteops/internal/faults"
	"siteops/internal/health"
	"siteops/internal/history"
	"siteops/internal/logging"
	"siteops/internal/metrics"
	"siteops/internal/packager"
	"siteops/internal/remote"
	"siteops/internal/serving"
	"siteops/internal/supervisor"
	"siteops/pkg/cmdutil"
)

// ServerBinaryName is the file name the server binary is uploaded as.
const ServerBinaryName = "siteops"

// Opener establishes the remote session for one run.
type Opener func(ctx context.Context) (remote.Conn, error)

// Recorder persists run and health history.
type Recorder interface {
	health.Recorder
	RecordDeployment(ctx context.Context, record *history.DeploymentRecord) (int64, error)
}

// Notifier reports run progress to an external system.
type Notifier interface {
	Start(ctx context.Context, runID, description string) (int64, error)
	Finish(ctx context.Context, id int64, ok bool, description, environmentURL string) error
}

// Outcome summarizes one run.
type Outcome struct {
	RunID       string
	State       State
	Path        []State
	Package     *packager.Package
	Certificate *certs.Material
	Change      serving.Change
	Process     *supervisor.Status
	Health      *health.Report
	StartedAt   time.Time
	Duration    time.Duration
}

// Orchestrator runs deployments for one configuration.
type Orchestrator struct {
	Config   *config.Config
	Open     Opener
	Locks    *LockManager
	Recorder Recorder
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	// Build defaults to packager.Build.
	Build func(ctx context.Context, opts packager.Options, logger zerolog.Logger) (*packager.Package, error)
	// Sleep is used for every settle wait. Defaults to supervisor.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	uploaded map[string]bool
}

// New returns an Orchestrator with an in-process lock manager.
func New(cfg *config.Config, open Opener, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Config: cfg,
		Open:   open,
		Locks:  NewLockManager(),
		Logger: logging.Component(logger, "deploy"),
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// run carries the per-run state through the steps.
type run struct {
	conn      remote.Conn
	tracker   *Tracker
	out       *Outcome
	installer *serving.Installer
	sup       *supervisor.Supervisor
	log       zerolog.Logger
}

// Run performs one deployment. The returned Outcome is always non-nil and
// reflects the state reached, also when err is set.
func (o *Orchestrator) Run(ctx context.Context) (*Outcome, error) {
	cfg := o.Config
	started := o.now()
	out := &Outcome{RunID: uuid.NewString(), StartedAt: started}
	log := o.Logger.With().
		Str("run_id", out.RunID).
		Str("app", cfg.App.Name).
		Str("host", cfg.Server.Host).
		Str("mode", string(cfg.Deploy.Mode)).
		Logger()

	tracker := NewTracker(func(s State) {
		o.Metrics.SetStage(cfg.App.Name, int(s))
		log.Info().Str("state", s.String()).Msg("state changed")
	})

	if o.Locks == nil {
		o.Locks = NewLockManager()
	}
	key := LockKey(cfg.Server.Host, cfg.App.Name)
	if !o.Locks.TryLock(key) {
		out.State, out.Path = tracker.Current(), tracker.Path()
		return out, faults.Newf(faults.ErrLocked, "deploy", "%s is already being deployed", key)
	}
	defer o.Locks.Unlock(key)

	var ghID int64
	if o.Notifier != nil {
		id, err := o.Notifier.Start(ctx, out.RunID, fmt.Sprintf("deploying %s (%s)", cfg.App.Name, cfg.Deploy.Mode))
		if err != nil {
			log.Warn().Err(err).Msg("failed to report deployment start")
		}
		ghID = id
	}

	r := &run{tracker: tracker, out: out, log: log}
	err := o.execute(ctx, r)

	out.State, out.Path = tracker.Current(), tracker.Path()
	out.Duration = o.now().Sub(started)
	o.finish(ctx, out, err, ghID, log)
	return out, err
}

// execute runs the steps while the session is open, so that a rollback
// can still reach the host.
func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	cfg := o.Config

	conn, err := o.Open(ctx)
	if err != nil {
		return o.fail(ctx, r, err)
	}
	r.conn = conn
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			r.log.Warn().Err(cerr).Msg("closing session")
		}
	}()

	if cfg.Deploy.RemoteLock {
		lock := &RemoteLock{
			Runner:     conn,
			Path:       RemoteLockPath(cfg.Server.TempDir, cfg.App.Name),
			StaleAfter: time.Duration(cfg.Deploy.LockStaleMinutes) * time.Minute,
			Now:        o.now,
		}
		if err := lock.Acquire(ctx, r.out.RunID); err != nil {
			return o.fail(ctx, r, err)
		}
		defer func() {
			if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
				r.log.Warn().Err(rerr).Msg("failed to release remote lock")
			}
		}()
	}

	steps := []struct {
		state State
		fn    func(context.Context, *run) error
	}{
		{StatePackaged, o.packageStep},
		{StateUploaded, o.uploadStep},
		{StateCertReady, o.certStep},
		{StateConfigInstalled, o.configStep},
		{StateProcessStarted, o.processStep},
		{StateVerified, o.verifyStep},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, r, err)
		}
		if err := step.fn(ctx, r); err != nil {
			r.log.Error().Err(err).Str("step", step.state.String()).Msg("deployment step failed")
			return o.fail(ctx, r, err)
		}
		if err := r.tracker.Advance(step.state); err != nil {
			return o.fail(ctx, r, err)
		}
	}
	return nil
}

func (o *Orchestrator) packageStep(ctx context.Context, r *run) error {
	cfg := o.Config
	build := o.Build
	if build == nil {
		build = packager.Build
	}
	pkg, err := build(ctx, packager.Options{
		SourceRoot: cfg.Deploy.SourceDir,
		AppName:    cfg.App.Name,
		Excludes:   packager.ExcludesFor(cfg.Deploy.Mode, cfg.Deploy.Excludes),
	}, r.log)
	if err != nil {
		return err
	}
	r.out.Package = pkg
	return nil
}

func (o *Orchestrator) uploadStep(ctx context.Context, r *run) error {
	cfg := o.Config
	pkg := r.out.Package

	if o.uploaded == nil {
		o.uploaded = make(map[string]bool)
	}
	if o.uploaded[pkg.Path] {
		return faults.Newf(faults.ErrTransfer, "upload", "package %s was already uploaded", pkg.Name)
	}

	remotePkg := path.Join(cfg.Server.TempDir, pkg.Name)
	if err := r.conn.Transfer(ctx, pkg.Path, remotePkg); err != nil {
		pkg.Remove()
		return err
	}
	o.uploaded[pkg.Path] = true
	if err := pkg.Remove(); err != nil {
		r.log.Warn().Err(err).Msg("failed to remove local package")
	}

	res, err := r.conn.Execute(ctx, remote.Chain(
		remote.Join("mkdir", "-p", cfg.Server.AppDir),
		remote.Join("tar", "-xzf", remotePkg, "-C", cfg.Server.AppDir),
		remote.Join("rm", "-f", remotePkg),
	))
	if err != nil {
		return faults.New(faults.ErrTransfer, "extract package", err)
	}
	if !res.OK() {
		return faults.Newf(faults.ErrTransfer, "extract package", "exit %d: %s", res.ExitStatus, res.Output())
	}
	r.log.Info().Str("package", pkg.Name).Str("app_dir", cfg.Server.AppDir).Msg("package extracted")

	if cfg.Deploy.Mode.RunsServer() && cfg.Deploy.ServerBinary != "" {
		dst := path.Join(cfg.Server.AppDir, ServerBinaryName)
		if err := r.conn.Transfer(ctx, cfg.Deploy.ServerBinary, dst); err != nil {
			return err
		}
		res, err := r.conn.Execute(ctx, remote.Join("chmod", "755", dst))
		if err != nil {
			return faults.New(faults.ErrTransfer, "chmod server binary", err)
		}
		if !res.OK() {
			return faults.Newf(faults.ErrTransfer, "chmod server binary", "%s", res.Output())
		}
		r.log.Info().Str("binary", dst).Msg("server binary uploaded")
	}
	return nil
}

func (o *Orchestrator) certStep(ctx context.Context, r *run) error {
	provider := certs.ForMode(o.Config, r.conn, r.log)
	if provider == nil {
		return nil
	}
	material, err := provider.Ensure(ctx, o.Config.Server.Domain)
	if err != nil {
		return err
	}
	r.out.Certificate = material
	return nil
}

func (o *Orchestrator) configStep(ctx context.Context, r *run) error {
	r.installer = serving.New(o.Config, r.conn, r.log)
	change, err := r.installer.Install(ctx, o.Config.Deploy.Mode, serving.ParamsFor(o.Config, r.out.Certificate))
	if err != nil {
		return err
	}
	r.out.Change = change
	return nil
}

func (o *Orchestrator) processStep(ctx context.Context, r *run) error {
	r.sup = supervisor.New(o.Config, r.conn, r.log)
	r.sup.Sleep = o.Sleep
	status, err := r.sup.Restart(ctx, supervisor.SpecFor(o.Config))
	if err != nil {
		return err
	}
	r.out.Process = status
	return nil
}

func (o *Orchestrator) verifyStep(ctx context.Context, r *run) error {
	if o.Config.Deploy.SkipHealth {
		r.log.Warn().Msg("health verification skipped")
		return nil
	}
	mon := health.New(o.Config, r.conn, r.sup, r.log)
	mon.Sleep = o.Sleep
	mon.Metrics = o.Metrics
	if o.Recorder != nil {
		mon.Recorder = o.Recorder
	}

	report, err := mon.Evaluate(ctx, o.Config.Deploy.AutoRestart)
	r.out.Health = report
	if err != nil {
		return err
	}
	return report.Err()
}

// fail moves the run to Failed and, when this run changed the serving
// configuration, restores it and moves to RolledBack.
func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) error {
	if terr := r.tracker.Fail(); terr != nil {
		return errors.Join(cause, terr)
	}
	if !r.tracker.CanRollBack() || r.installer == nil || !r.installer.Mutated() {
		return cause
	}

	r.log.Warn().Msg("rolling back serving configuration")
	if rerr := r.installer.Rollback(context.WithoutCancel(ctx)); rerr != nil {
		r.log.Error().Err(rerr).Msg("rollback failed")
		return errors.Join(cause, rerr)
	}
	if terr := r.tracker.RollBack(); terr != nil {
		return errors.Join(cause, terr)
	}
	return cause
}

// secrets are redacted from error text before it is persisted.
func (o *Orchestrator) secrets() []string {
	return []string{o.Config.GitHub.Token, o.Config.Backup.Offsite.SecretKey, o.Config.Backup.Offsite.AccessKey}
}

func status(state State) string {
	switch state {
	case StateVerified:
		return "success"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "failed"
	}
}

func (o *Orchestrator) finish(ctx context.Context, out *Outcome, err error, ghID int64, log zerolog.Logger) {
	cfg := o.Config
	ctx = context.WithoutCancel(ctx)
	ok := err == nil
	o.Metrics.ObserveDeploy(string(cfg.Deploy.Mode), ok, out.Duration)

	if o.Recorder != nil {
		completed := out.StartedAt.Add(out.Duration)
		seconds := out.Duration.Seconds()
		record := &history.DeploymentRecord{
			RunID:           out.RunID,
			App:             cfg.App.Name,
			Host:            cfg.Server.Host,
			Mode:            string(cfg.Deploy.Mode),
			State:           out.State.String(),
			Status:          status(out.State),
			StartedAt:       out.StartedAt,
			CompletedAt:     &completed,
			DurationSeconds: &seconds,
		}
		if err != nil {
			kind := faults.KindOf(err)
			msg := cmdutil.SanitizeOutput(err.Error(), o.secrets())
			record.ErrorKind, record.ErrorMessage = &kind, &msg
		}
		if _, rerr := o.Recorder.RecordDeployment(ctx, record); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to record deployment")
		}
	}

	if o.Notifier != nil {
		desc := "deployment verified"
		if err != nil {
			desc = cmdutil.SanitizeOutput(fmt.Sprintf("%s: %v", out.State, err), o.secrets())
		}
		envURL := strings.TrimSuffix(cfg.Health.URL, "/health")
		if nerr := o.Notifier.Finish(ctx, ghID, ok, desc, envURL); nerr != nil {
			log.Warn().Err(nerr).Msg("failed to report deployment status")
		}
	}

	ev := log.Info()
	switch {
	case faults.IsFatal(err):
		ev = log.Error().Err(err).Str("kind", faults.KindOf(err))
	case err != nil:
		ev = log.Warn().Err(err).Str("kind", faults.KindOf(err))
	}
	ev.Str("state", out.State.String()).Dur("took", out.Duration).Msg("deployment finished")
}
