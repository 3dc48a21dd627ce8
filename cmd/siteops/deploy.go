package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"siteops/internal/deploy"
	"siteops/internal/metrics"
	"siteops/internal/notify"
	"siteops/internal/remote"
)

var (
	deployMode     string
	deploySource   string
	deployBinary   string
	deployNoHealth bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Package, upload, configure, start and verify the application",
	Long: `Run one deployment:

  Packaged -> Uploaded -> CertReady -> ConfigInstalled -> ProcessStarted -> Verified

A failure after this run changed the nginx configuration restores the
previous nginx configuration and ends in RolledBack.

Example:
  siteops deploy --mode self-signed-tls --source ./dist`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployMode, "mode", "", "Serving mode: direct, reverse-proxy, self-signed-tls, formal-tls")
	deployCmd.Flags().StringVar(&deploySource, "source", "", "Local directory to package")
	deployCmd.Flags().StringVar(&deployBinary, "server-binary", "", "siteops binary built for the remote host (direct and TLS modes)")
	deployCmd.Flags().BoolVar(&deployNoHealth, "no-health", false, "Skip health verification")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	e, err := setup(map[string]string{
		"mode":          deployMode,
		"source":        deploySource,
		"server-binary": deployBinary,
	})
	if err != nil {
		return err
	}
	defer e.Close()
	if deployNoHealth {
		e.cfg.Deploy.SkipHealth = true
	}

	o := deploy.New(e.cfg, func(ctx context.Context) (remote.Conn, error) {
		s, err := e.open(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, e.logger)
	o.Metrics = metrics.New()
	if h := e.openHistory(); h != nil {
		o.Recorder = h
		if last, err := h.LatestDeployment(cmd.Context(), e.cfg.App.Name); err == nil && last != nil {
			e.logger.Info().
				Str("run_id", last.RunID).
				Str("status", last.Status).
				Time("started", last.StartedAt).
				Msg("previous deployment")
		}
	}
	if gh := notify.NewGitHub(e.cfg.GitHub, e.logger); gh != nil {
		o.Notifier = gh
	}

	out, err := o.Run(cmd.Context())
	printOutcome(out)
	if err != nil {
		return fmt.Errorf("deployment %s: %w", out.State, err)
	}
	return nil
}

func printOutcome(out *deploy.Outcome) {
	states := make([]string, 0, len(out.Path))
	for _, s := range out.Path {
		states = append(states, s.String())
	}
	fmt.Printf("\nDeployment %s\n", out.RunID)
	fmt.Printf("  States:   %s\n", strings.Join(states, " -> "))
	if out.Package != nil {
		fmt.Printf("  Package:  %s\n", out.Package.Name)
	}
	if out.Certificate != nil {
		fmt.Printf("  Cert:     %s (%s, expires %s)\n", out.Certificate.CertPath, out.Certificate.Kind, out.Certificate.NotAfter.Format("2006-01-02"))
	}
	if out.Change != "" {
		fmt.Printf("  Nginx:    %s\n", out.Change)
	}
	if out.Process != nil {
		fmt.Printf("  PIDs:     %v\n", out.Process.PIDs)
	}
	fmt.Printf("  Duration: %s\n", out.Duration.Round(time.Millisecond))
	if out.Health != nil {
		fmt.Printf("\n%s\n", out.Health)
	}
}
