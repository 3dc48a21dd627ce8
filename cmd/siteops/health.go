package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"siteops/internal/health"
	"siteops/internal/metrics"
	"siteops/internal/remote"
	"siteops/internal/supervisor"
)

var (
	healthAutoRestart bool
	healthContinuous  bool
	healthInterval    int
	healthMetricsAddr string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the remote application and optionally restart it",
	Long: `Run the HTTP, process, resource and log checks against the remote host.

With --auto-restart a failing check triggers one restart and one re-check.
With --continuous the checks repeat every --interval seconds until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().BoolVar(&healthAutoRestart, "auto-restart", false, "Restart the application when a check fails")
	healthCmd.Flags().BoolVar(&healthContinuous, "continuous", false, "Keep checking until interrupted")
	healthCmd.Flags().IntVar(&healthInterval, "interval", 0, "Seconds between checks in continuous mode (default health.interval_seconds)")
	healthCmd.Flags().StringVar(&healthMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100")
}

func runHealth(cmd *cobra.Command, args []string) error {
	e, err := setup(nil)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	m := metrics.New()
	if healthMetricsAddr != "" {
		stop := serveMetrics(ctx, healthMetricsAddr, m, e)
		defer stop()
	}

	return remote.WithSession(ctx, e.cfg.Server, promptPassword, e.logger, func(s *remote.Session) error {
		sup := supervisor.New(e.cfg, s, e.logger)
		mon := health.New(e.cfg, s, sup, e.logger)
		mon.Metrics = m
		if h := e.openHistory(); h != nil {
			mon.Recorder = h
		}

		if !healthContinuous {
			report, err := mon.Evaluate(ctx, healthAutoRestart)
			if report != nil {
				fmt.Println(report)
			}
			if err != nil {
				return err
			}
			return report.Err()
		}

		interval := time.Duration(e.cfg.Health.IntervalSeconds) * time.Second
		if healthInterval > 0 {
			interval = time.Duration(healthInterval) * time.Second
		}
		e.logger.Info().Dur("interval", interval).Msg("continuous monitoring started")
		return mon.Run(ctx, interval, healthAutoRestart, func(r *health.Report) {
			fmt.Printf("[%s]\n%s\n\n", time.Now().Format(time.DateTime), r)
		})
	})
}

// serveMetrics exposes m on addr until the returned stop func is called.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, e *env) func() {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		e.logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}
