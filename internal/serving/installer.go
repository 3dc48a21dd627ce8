// Package serving installs the nginx configuration for a serving mode.
//
// The managed configuration lives inside the main nginx file between
// marker comments, so it can be found and replaced without touching the
// rest of the file. Every mutation is preceded by a full backup, followed
// by a syntax test, and undone if the test fails.
package serving

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"siteops/internal/certs"
	"siteops/internal/config"
	"siteops/internal/faults"
	"siteops/internal/remote"
	"siteops/pkg/templates"
)

// Change describes what Install did to the configuration file.
type Change string

const (
	ChangeNone     Change = "none"
	ChangeSkipped  Change = "skipped"
	ChangeInserted Change = "inserted"
	ChangeReplaced Change = "replaced"
)

// Policy values for an already-present block.
const (
	OnExistingSkip    = "skip"
	OnExistingReplace = "replace"
)

// Params are the values substituted into the mode template.
type Params struct {
	Domain   string
	Root     string
	Port     int
	CertPath string
	KeyPath  string
}

// ParamsFor builds template parameters from configuration and, for TLS
// modes, the provisioned material.
func ParamsFor(cfg *config.Config, m *certs.Material) Params {
	p := Params{
		Domain: cfg.Server.Domain,
		Root:   cfg.Serving.StaticRoot,
		Port:   cfg.App.Port,
	}
	if m != nil {
		p.CertPath, p.KeyPath = m.CertPath, m.KeyPath
	}
	return p
}

// RenderBlock renders the marked configuration block for mode.
func RenderBlock(app string, mode config.Mode, p Params) (string, error) {
	var (
		name string
		data templates.TemplateData
	)
	switch {
	case mode == config.ModeReverseProxy:
		name = templates.NginxStatic
		data = templates.TemplateData{"DOMAIN": p.Domain, "ROOT": p.Root}
	case mode.UsesTLS():
		if p.CertPath == "" || p.KeyPath == "" {
			return "", fmt.Errorf("mode %s requires certificate and key paths", mode)
		}
		name = templates.NginxTLSProxy
		data = templates.TemplateData{
			"DOMAIN":    p.Domain,
			"PORT":      strconv.Itoa(p.Port),
			"CERT_PATH": p.CertPath,
			"KEY_PATH":  p.KeyPath,
		}
	default:
		return "", fmt.Errorf("mode %s has no nginx configuration", mode)
	}

	body, err := templates.Render(name, data)
	if err != nil {
		return "", err
	}
	return wrapBlock(app, body), nil
}

// Installer edits one nginx configuration file on the remote host.
type Installer struct {
	Runner        remote.Runner
	App           string
	ConfigPath    string
	TestCommand   string
	ReloadCommand string
	OnExisting    string
	// AppTLS is set when the application terminates TLS itself, so TLS
	// modes need no nginx block.
	AppTLS bool
	Logger zerolog.Logger

	mutated bool
}

// New returns an Installer configured from cfg.
func New(cfg *config.Config, runner remote.Runner, logger zerolog.Logger) *Installer {
	return &Installer{
		Runner:        runner,
		App:           cfg.App.Name,
		ConfigPath:    cfg.Serving.ConfigPath,
		TestCommand:   cfg.Serving.TestCommand,
		ReloadCommand: cfg.Serving.ReloadCommand,
		OnExisting:    cfg.Serving.OnExisting,
		AppTLS:        cfg.AppTerminatesTLS(),
		Logger:        logger.With().Str("component", "serving").Logger(),
	}
}

// BackupPath is where the pre-mutation copy is kept.
func (i *Installer) BackupPath() string {
	return i.ConfigPath + ".siteops.bak"
}

// Install renders the block for mode and installs it, then tests and
// reloads nginx. On a failed test the live file is restored byte for byte
// and a ConfigValidationError is returned.
func (i *Installer) Install(ctx context.Context, mode config.Mode, p Params) (Change, error) {
	log := i.Logger.With().Str("mode", string(mode)).Str("path", i.ConfigPath).Logger()
	if !mode.UsesNginx() {
		log.Info().Msg("mode serves directly, no nginx configuration")
		return ChangeNone, nil
	}
	if mode.UsesTLS() && i.AppTLS {
		log.Info().Msg("application terminates TLS, no nginx configuration")
		return ChangeNone, nil
	}

	block, err := RenderBlock(i.App, mode, p)
	if err != nil {
		return "", faults.New(faults.ErrConfigValidation, "render block", err)
	}

	original, err := i.Runner.ReadFile(ctx, i.ConfigPath)
	if err != nil {
		return "", faults.New(faults.ErrTransfer, "read "+i.ConfigPath, err)
	}
	if err := i.Runner.WriteFile(ctx, i.BackupPath(), original, 0644); err != nil {
		return "", faults.New(faults.ErrTransfer, "backup "+i.ConfigPath, err)
	}
	log.Debug().Str("backup", i.BackupPath()).Msg("configuration backed up")

	conf := string(original)
	change := ChangeInserted
	if HasBlock(conf, i.App) {
		if i.OnExisting != OnExistingReplace {
			log.Info().Msg("managed block already present, leaving it in place")
			if err := i.testAndReload(ctx, original); err != nil {
				return "", err
			}
			return ChangeSkipped, nil
		}
		conf = RemoveBlock(conf, i.App)
		change = ChangeReplaced
	}
	updated := InsertBlock(conf, block)

	if err := i.Runner.WriteFile(ctx, i.ConfigPath, []byte(updated), 0644); err != nil {
		i.restore(ctx, original)
		return "", faults.New(faults.ErrTransfer, "write "+i.ConfigPath, err)
	}
	i.mutated = true

	if err := i.testAndReload(ctx, original); err != nil {
		return "", err
	}
	log.Info().Str("change", string(change)).Msg("nginx configuration installed")
	return change, nil
}

// testAndReload runs the syntax test and reload, restoring original when
// either fails.
func (i *Installer) testAndReload(ctx context.Context, original []byte) error {
	res, err := i.Runner.Execute(ctx, i.TestCommand)
	if err != nil {
		return errors.Join(faults.New(faults.ErrTransfer, "test configuration", err), i.restore(ctx, original))
	}
	if !res.OK() {
		i.Logger.Error().Str("output", res.Output()).Msg("configuration test failed, restoring backup")
		if rerr := i.restore(ctx, original); rerr != nil {
			return errors.Join(&faults.ConfigValidationError{Path: i.ConfigPath, Output: res.Output()}, rerr)
		}
		return &faults.ConfigValidationError{Path: i.ConfigPath, Output: res.Output()}
	}

	res, err = i.Runner.Execute(ctx, i.ReloadCommand)
	if err != nil {
		return errors.Join(faults.New(faults.ErrTransfer, "reload nginx", err), i.restore(ctx, original))
	}
	if !res.OK() {
		i.Logger.Error().Str("output", res.Output()).Msg("reload failed, restoring backup")
		return errors.Join(
			faults.Newf(faults.ErrConfigValidation, "reload nginx", "exit %d: %s", res.ExitStatus, res.Output()),
			i.restore(ctx, original),
		)
	}
	return nil
}

func (i *Installer) restore(ctx context.Context, original []byte) error {
	if err := i.Runner.WriteFile(ctx, i.ConfigPath, original, 0644); err != nil {
		i.Logger.Error().Err(err).Msg("restoring configuration failed")
		return faults.New(faults.ErrTransfer, "restore "+i.ConfigPath, err)
	}
	i.mutated = false
	return nil
}

// Mutated reports whether the live file differs from the saved backup
// because of this Installer.
func (i *Installer) Mutated() bool {
	return i.mutated
}

// Rollback restores the configuration saved before the last mutation and
// reloads nginx. It does nothing when Install left the file unchanged.
func (i *Installer) Rollback(ctx context.Context) error {
	if !i.mutated {
		return nil
	}
	saved, err := i.Runner.ReadFile(ctx, i.BackupPath())
	if err != nil {
		return faults.New(faults.ErrTransfer, "read "+i.BackupPath(), err)
	}
	if err := i.restore(ctx, saved); err != nil {
		return err
	}
	res, err := i.Runner.Execute(ctx, i.ReloadCommand)
	if err != nil {
		return faults.New(faults.ErrTransfer, "reload nginx", err)
	}
	if !res.OK() {
		return faults.Newf(faults.ErrConfigValidation, "reload nginx", "exit %d: %s", res.ExitStatus, res.Output())
	}
	i.Logger.Info().Msg("configuration rolled back")
	return nil
}
