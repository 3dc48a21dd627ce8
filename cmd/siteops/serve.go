package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"siteops/internal/logging"
	"siteops/internal/metrics"
	"siteops/internal/webserver"
)

var (
	serveRoot      string
	servePort      int
	serveHTTPSPort int
	serveCert      string
	serveKey       string
	serveRateLimit int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the application server (on the remote host)",
	Long: `Serve static files from --root with a /health endpoint.

With --tls-cert and --tls-key the content is served over HTTPS on
--https-port and --port only redirects to HTTPS.

This is the process that siteops deploy starts in the direct and TLS modes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveRoot, "root", ".", "Directory to serve")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "HTTP port (redirect-only when TLS is enabled)")
	serveCmd.Flags().IntVar(&serveHTTPSPort, "https-port", 443, "HTTPS port")
	serveCmd.Flags().StringVar(&serveCert, "tls-cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&serveKey, "tls-key", "", "TLS private key file")
	serveCmd.Flags().IntVar(&serveRateLimit, "rate-limit", webserver.DefaultRateLimit, "Requests per minute per client, 0 disables")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, closer, err := logging.New(logging.Options{Level: logLevel, File: logFile, JSON: true})
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer closer.Close()

	srv, err := webserver.New(webserver.Options{
		Root:      serveRoot,
		Port:      servePort,
		HTTPSPort: serveHTTPSPort,
		CertFile:  serveCert,
		KeyFile:   serveKey,
		RateLimit: serveRateLimit,
	}, metrics.New(), logger)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(cmd.Context())
}
