package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"siteops/internal/config"
	"siteops/internal/faults"
	"siteops/internal/metrics"
	"siteops/internal/remote"
	"siteops/internal/supervisor"
)

// Restarter restarts the monitored process.
type Restarter interface {
	Restart(ctx context.Context, spec supervisor.Spec) (*supervisor.Status, error)
}

// Recorder persists evaluation reports.
type Recorder interface {
	RecordHealth(ctx context.Context, app string, report *Report) error
}

// Monitor runs a fixed set of checks and performs at most one restart per
// evaluation.
type Monitor struct {
	App       string
	Checkers  []Checker
	Restarter Restarter
	Spec      supervisor.Spec
	// Settle is the wait between a restart and the re-check.
	Settle   time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
	Metrics  *metrics.Metrics
	Recorder Recorder
	Logger   zerolog.Logger
}

// New builds a Monitor with the four standard checks.
func New(cfg *config.Config, runner remote.Runner, sup *supervisor.Supervisor, logger zerolog.Logger) *Monitor {
	timeout := time.Duration(cfg.Health.TimeoutSeconds) * time.Second
	return &Monitor{
		App: cfg.App.Name,
		Checkers: []Checker{
			NewHTTPChecker(cfg.Health.URL, timeout, cfg.Deploy.Mode == config.ModeSelfSignedTLS),
			&ProcessChecker{Prober: sup, Pattern: cfg.ProcessPattern()},
			&ResourceChecker{Runner: runner, Dir: cfg.Server.AppDir, Threshold: cfg.Health.Threshold},
			&LogChecker{Runner: runner, File: cfg.Process.LogFile, Lines: cfg.Health.LogLines},
		},
		Restarter: sup,
		Spec:      supervisor.SpecFor(cfg),
		Settle:    time.Duration(cfg.Health.SettleSeconds) * time.Second,
		Logger:    logger.With().Str("component", "health").Logger(),
	}
}

// CheckAll runs every checker concurrently and waits for all of them.
func (m *Monitor) CheckAll(ctx context.Context) map[string]Result {
	results := make([]Result, len(m.Checkers))
	var g errgroup.Group
	for i, c := range m.Checkers {
		g.Go(func() error {
			results[i] = c.Check(ctx)
			results[i].Name = c.Name()
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Result, len(results))
	for _, res := range results {
		out[res.Name] = res
		m.Metrics.ObserveCheck(res.Name, res.Passed)
		ev := m.Logger.Info()
		if !res.Passed {
			ev = m.Logger.Warn()
		}
		ev.Str("check", res.Name).Bool("passed", res.Passed).Dur("took", res.Duration).Msg(res.Message)
	}
	return out
}

// Evaluate runs the checks. When any fails and autoRestart is set, the
// process is restarted once and, if the restart succeeds, the checks run
// once more after the settle interval.
func (m *Monitor) Evaluate(ctx context.Context, autoRestart bool) (*Report, error) {
	report := &Report{Results: m.CheckAll(ctx)}

	failed := report.Failed()
	if len(failed) > 0 && autoRestart && m.Restarter != nil {
		m.Logger.Warn().Strs("failed", failed).Msg("health checks failed, restarting")
		m.Metrics.ObserveRemediation()

		start := time.Now()
		st, err := m.Restarter.Restart(ctx, m.Spec)
		var restart Result
		if err != nil {
			restart = newResult("restart", start, false, "restart failed: %v", err)
		} else {
			restart = newResult("restart", start, true, "application restarted (pids %v)", st.PIDs)
		}
		report.Restart = &restart
		report.Remediated = true

		if restart.Passed {
			if err := m.sleep(ctx, m.Settle); err != nil {
				return report, err
			}
			report.Before = report.Results
			report.Results = m.CheckAll(ctx)
		}
	}

	if m.Recorder != nil {
		if err := m.Recorder.RecordHealth(ctx, m.App, report); err != nil {
			m.Logger.Warn().Err(err).Msg("failed to record health report")
		}
	}
	return report, nil
}

// Err converts an unhealthy report into an ErrHealthCheck error.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(failed))
	for _, name := range failed {
		msgs = append(msgs, fmt.Sprintf("%s: %s", name, r.Results[name].Message))
	}
	return faults.Newf(faults.ErrHealthCheck, "verify", "%s", strings.Join(msgs, "; "))
}

// Run evaluates every interval until ctx is cancelled. Each evaluation
// runs to completion even if ctx is cancelled meanwhile.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, autoRestart bool, onReport func(*Report)) error {
	m.Logger.Info().Dur("interval", interval).Msg("starting continuous health checks")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := m.Evaluate(context.WithoutCancel(ctx), autoRestart)
		if err != nil {
			return err
		}
		if onReport != nil {
			onReport(report)
		}
		if ctx.Err() != nil {
			m.Logger.Info().Msg("continuous health checks stopped")
			return nil
		}

		select {
		case <-ctx.Done():
			m.Logger.Info().Msg("continuous health checks stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) error {
	if m.Sleep != nil {
		return m.Sleep(ctx, d)
	}
	return supervisor.Sleep(ctx, d)
}
