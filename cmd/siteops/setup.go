package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"
	"github.com/rs/zerolog"

	"siteops/internal/config"
	"siteops/internal/history"
	"siteops/internal/logging"
	"siteops/internal/remote"
)

// env bundles what every remote command needs.
type env struct {
	cfg     *config.Config
	logger  zerolog.Logger
	closers []io.Closer
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i].Close()
	}
}

// setup loads the configuration with the global flags plus extra applied
// and builds the logger from it.
func setup(extra map[string]string) (*env, error) {
	flags := map[string]string{
		"host":      hostFlag,
		"user":      userFlag,
		"key":       keyFlag,
		"log-level": logLevel,
		"log-file":  logFile,
	}
	for k, v := range extra {
		flags[k] = v
	}

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	logger = logger.With().Str("app", cfg.App.Name).Logger()
	return &env{cfg: cfg, logger: logger, closers: []io.Closer{closer}}, nil
}

// openHistory opens the run history unless it is disabled. A database
// that cannot be opened is logged and treated as disabled.
func (e *env) openHistory() *history.History {
	if e.cfg.History.Disabled {
		return nil
	}
	h, err := history.Open(e.cfg.History.DBPath)
	if err != nil {
		e.logger.Warn().Err(err).Str("db", e.cfg.History.DBPath).Msg("history unavailable")
		return nil
	}
	e.closers = append(e.closers, h)
	return h
}

// promptPassword asks for the SSH password on the terminal.
func promptPassword(user, host string) (string, error) {
	var password string
	err := huh.NewInput().
		Title(fmt.Sprintf("Password for %s@%s", user, host)).
		EchoMode(huh.EchoModePassword).
		Value(&password).
		Run()
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", errors.New("no password entered")
	}
	return password, nil
}

// confirm asks a yes/no question, defaulting to no.
func confirm(question string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(question).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	return ok, err
}

func (e *env) open(ctx context.Context) (*remote.Session, error) {
	return remote.Open(ctx, e.cfg.Server, promptPassword, e.logger)
}
