package health

import (
	"testing"

	"github.com/stretchr/testify/require"

	"siteops/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "203.0.113.10"
	cfg.Server.Username = "deploy"
	cfg.Server.AppDir = "/var/www/site"
	cfg.Server.Domain = "site.example.com"
	cfg.App.Name = "site"
	cfg.App.Port = 8080
	require.NoError(t, cfg.FillDerived())
	return cfg
}
