// Package supervisor stops, starts and probes the application process on
// the remote host.
package supervisor

import (
	"context"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"siteops/internal/config"
	"siteops/internal/faults"
	"siteops/internal/remote"
)

const (
	logTailLines = 20
	stopPolls    = 10
	stopInterval = 500 * time.Millisecond
)

// Spec identifies the process and how to launch it.
type Spec struct {
	// Pattern matches the full command line of the running process.
	Pattern string
	Start   string
	LogFile string
	Dir     string
	// Managed is false when the process belongs to the system (nginx in
	// reverse-proxy mode). Unmanaged processes are only probed.
	Managed bool
}

// SpecFor derives the process spec from configuration.
func SpecFor(cfg *config.Config) Spec {
	return Spec{
		Pattern: cfg.ProcessPattern(),
		Start:   cfg.Process.Start,
		LogFile: cfg.Process.LogFile,
		Dir:     cfg.Server.AppDir,
		Managed: cfg.Deploy.Mode.RunsServer(),
	}
}

// Status is the result of a probe.
type Status struct {
	Running bool
	PIDs    []int
}

// Supervisor controls processes through a Runner.
type Supervisor struct {
	Runner remote.Runner
	// Settle is the wait between launch and probe.
	Settle time.Duration
	Logger zerolog.Logger
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Supervisor using the configured settle interval.
func New(cfg *config.Config, runner remote.Runner, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		Runner: runner,
		Settle: time.Duration(cfg.Process.SettleSeconds) * time.Second,
		Logger: logger.With().Str("component", "supervisor").Logger(),
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d, returning early with ctx's error if it is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// selfSafe rewrites pattern so it cannot match the shell running the
// pgrep/pkill command itself: "siteops serve" becomes "[s]iteops serve".
func selfSafe(pattern string) string {
	if pattern == "" || strings.HasPrefix(pattern, "[") {
		return pattern
	}
	return "[" + pattern[:1] + "]" + pattern[1:]
}

// Restart stops any process matching spec.Pattern, launches spec.Start
// detached with output sent to spec.LogFile, waits the settle interval
// and probes. A process that does not appear yields a ProcessStartError
// carrying the tail of the log.
func (s *Supervisor) Restart(ctx context.Context, spec Spec) (*Status, error) {
	log := s.Logger.With().Str("pattern", spec.Pattern).Logger()

	if !spec.Managed {
		st, err := s.Probe(ctx, spec.Pattern)
		if err != nil {
			return nil, err
		}
		if !st.Running {
			return nil, &faults.ProcessStartError{Pattern: spec.Pattern}
		}
		log.Info().Ints("pids", st.PIDs).Msg("unmanaged process running")
		return st, nil
	}

	if err := s.Stop(ctx, spec.Pattern); err != nil {
		return nil, err
	}

	launch := remote.Chain(
		remote.Join("mkdir", "-p", path.Dir(spec.LogFile)),
		remote.Join("cd", spec.Dir),
		"nohup sh -c "+remote.Quote(spec.Start)+" > "+remote.Quote(spec.LogFile)+" 2>&1 < /dev/null &",
	)
	res, err := s.Runner.Execute(ctx, launch)
	if err != nil {
		return nil, faults.New(faults.ErrProcessStart, "launch", err)
	}
	if !res.OK() {
		return nil, &faults.ProcessStartError{Pattern: spec.Pattern, LogTail: res.Output()}
	}
	log.Info().Str("start", spec.Start).Dur("settle", s.Settle).Msg("process launched")

	if err := s.sleep(ctx, s.Settle); err != nil {
		return nil, err
	}

	st, err := s.Probe(ctx, spec.Pattern)
	if err != nil {
		return nil, err
	}
	if !st.Running {
		tail := s.LogTail(ctx, spec.LogFile, logTailLines)
		log.Error().Str("log_tail", tail).Msg("process not running after start")
		return nil, &faults.ProcessStartError{Pattern: spec.Pattern, LogTail: tail}
	}
	log.Info().Ints("pids", st.PIDs).Msg("process running")
	return st, nil
}

// Stop terminates processes matching pattern. Finding none is not an
// error. Processes still alive after the grace period are killed.
func (s *Supervisor) Stop(ctx context.Context, pattern string) error {
	res, err := s.Runner.Execute(ctx, remote.Join("pkill", "-f", selfSafe(pattern)))
	if err != nil {
		return faults.New(faults.ErrProcessStart, "stop", err)
	}
	switch res.ExitStatus {
	case 0:
	case 1:
		s.Logger.Debug().Str("pattern", pattern).Msg("no running process to stop")
		return nil
	default:
		s.Logger.Warn().Int("exit", res.ExitStatus).Str("output", res.Output()).Msg("pkill failed, continuing")
		return nil
	}

	for i := 0; i < stopPolls; i++ {
		st, err := s.Probe(ctx, pattern)
		if err != nil {
			return err
		}
		if !st.Running {
			return nil
		}
		if err := s.sleep(ctx, stopInterval); err != nil {
			return err
		}
	}
	s.Logger.Warn().Str("pattern", pattern).Msg("process ignored SIGTERM, sending SIGKILL")
	if _, err := s.Runner.Execute(ctx, remote.Join("pkill", "-9", "-f", selfSafe(pattern))); err != nil {
		return faults.New(faults.ErrProcessStart, "kill", err)
	}
	return nil
}

// Probe lists processes matching pattern.
func (s *Supervisor) Probe(ctx context.Context, pattern string) (*Status, error) {
	res, err := s.Runner.Execute(ctx, remote.Join("pgrep", "-f", selfSafe(pattern)))
	if err != nil {
		return nil, faults.New(faults.ErrProcessStart, "probe", err)
	}
	st := &Status{Running: res.OK()}
	for _, field := range strings.Fields(res.Stdout) {
		if pid, err := strconv.Atoi(field); err == nil {
			st.PIDs = append(st.PIDs, pid)
		}
	}
	return st, nil
}

// LogTail returns the last n lines of a remote log, or "" if unreadable.
func (s *Supervisor) LogTail(ctx context.Context, logFile string, n int) string {
	res, err := s.Runner.Execute(ctx, remote.Join("tail", "-n", strconv.Itoa(n), logFile))
	if err != nil || !res.OK() {
		return ""
	}
	return strings.TrimRight(res.Stdout, "\n")
}
