package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteops/internal/faults"
)

const minimalYAML = `
server:
  host: 203.0.113.10
  username: deploy
  key_path: /home/deploy/.ssh/id_ed25519
  app_dir: /var/www/fangcheng
  temp_dir: /tmp
  domain: fangcheng.example.com
app:
  name: fangcheng
  port: 8080
backup:
  local_dir: ./backups
  remote_dir: /var/backups/fangcheng
  retention_days: 7
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML), nil)
	require.NoError(t, err)

	assert.Equal(t, 22, cfg.Server.Port)
	assert.Equal(t, "203.0.113.10:22", cfg.Server.Address())
	assert.Equal(t, ModeDirect, cfg.Deploy.Mode)
	assert.True(t, cfg.Deploy.RemoteLock)
	assert.True(t, cfg.Deploy.AutoRestart)
	assert.Equal(t, 60, cfg.Deploy.LockStaleMinutes)
	assert.Equal(t, "skip", cfg.Serving.OnExisting)
	assert.True(t, cfg.Serving.Proxy)
	assert.False(t, cfg.AppTerminatesTLS())
	assert.Equal(t, "/etc/nginx/nginx.conf", cfg.Serving.ConfigPath)
	assert.Equal(t, 365, cfg.Certificate.Days)
	assert.Equal(t, 2048, cfg.Certificate.Bits)
	assert.Equal(t, 5, cfg.Health.TimeoutSeconds)
	assert.Equal(t, 90.0, cfg.Health.Threshold)
	assert.Equal(t, 300, cfg.Health.IntervalSeconds)
}

func TestParseFillsDerivedValues(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML), nil)
	require.NoError(t, err)

	assert.Equal(t, "/var/www/fangcheng", cfg.Serving.StaticRoot)
	assert.Equal(t, "/var/www/fangcheng/ssl", cfg.Certificate.Dir)
	assert.Equal(t, "/root/cert/fangcheng.crt", cfg.Certificate.CertPath)
	assert.Equal(t, "/root/cert/fangcheng.key", cfg.Certificate.KeyPath)
	assert.Equal(t, "/var/www/fangcheng/logs/app.log", cfg.Process.LogFile)
	assert.Equal(t, "./siteops serve --root /var/www/fangcheng --port 8080", cfg.Process.Start)
	assert.Equal(t, "siteops serve --root /var/www/fangcheng", cfg.Process.Pattern)
	assert.Equal(t, "http://fangcheng.example.com:8080/health", cfg.Health.URL)
	assert.True(t, filepath.IsAbs(cfg.History.DBPath))
}

func TestParseAppTerminatesTLS(t *testing.T) {
	tests := []struct {
		mode  Mode
		start string
	}{
		{ModeSelfSignedTLS, "./siteops serve --root /var/www/fangcheng --port 80 --https-port 443" +
			" --tls-cert /var/www/fangcheng/ssl/fangcheng.example.com.crt --tls-key /var/www/fangcheng/ssl/fangcheng.example.com.key"},
		{ModeFormalTLS, "./siteops serve --root /var/www/fangcheng --port 80 --https-port 443" +
			" --tls-cert /root/cert/fangcheng.crt --tls-key /root/cert/fangcheng.key"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			doc := minimalYAML + "serving:\n  proxy: false\n"
			cfg, err := Parse([]byte(doc), map[string]string{"mode": string(tt.mode)})
			require.NoError(t, err)

			assert.True(t, cfg.AppTerminatesTLS())
			assert.Equal(t, tt.start, cfg.Process.Start)
			assert.Equal(t, "siteops serve --root /var/www/fangcheng", cfg.ProcessPattern())
			assert.Equal(t, "https://fangcheng.example.com/health", cfg.Health.URL)
		})
	}

	// Direct mode has no TLS to terminate.
	cfg, err := Parse([]byte(minimalYAML+"serving:\n  proxy: false\n"), nil)
	require.NoError(t, err)
	assert.False(t, cfg.AppTerminatesTLS())
	assert.Equal(t, "./siteops serve --root /var/www/fangcheng --port 8080", cfg.Process.Start)
}

func TestParseJSON(t *testing.T) {
	doc := `{
  "server": {"host": "example.com", "username": "root", "key_path": "/k",
             "app_dir": "/opt/site", "temp_dir": "/tmp", "domain": "example.com"},
  "app": {"name": "site", "port": 3000},
  "backup": {"local_dir": "./b", "remote_dir": "/opt/backups", "retention_days": 14},
  "github": {"repo": "acme/site", "branch": "main"}
}`
	cfg, err := Parse([]byte(doc), nil)
	require.NoError(t, err)
	assert.Equal(t, 14, cfg.Backup.RetentionDays)
	assert.Equal(t, "acme/site", cfg.GitHub.Repo)
	assert.Equal(t, 3000, cfg.App.Port)
}

func TestParseFlagsOverrideBeforeDerivation(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML), map[string]string{
		"mode": string(ModeSelfSignedTLS),
		"host": "198.51.100.7",
		"user": "",
	})
	require.NoError(t, err)

	assert.Equal(t, ModeSelfSignedTLS, cfg.Deploy.Mode)
	assert.Equal(t, "198.51.100.7", cfg.Server.Host)
	assert.Equal(t, "deploy", cfg.Server.Username)
	assert.Equal(t, "https://fangcheng.example.com/health", cfg.Health.URL)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		flags   map[string]string
		wantMsg string
	}{
		{"empty", "", nil, "empty document"},
		{"malformed", "server: [", nil, "parse config"},
		{"unknown field", minimalYAML + "bogus: 1\n", nil, "bogus"},
		{"missing host", `
server: {username: u, app_dir: /a, temp_dir: /t, domain: a.com}
app: {name: a, port: 80}
`, nil, "server.host is required"},
		{"bad mode", minimalYAML, map[string]string{"mode": "ftp"}, "deploy.mode must be one of"},
		{"bad app name", `
server: {host: h, username: u, app_dir: /a, temp_dir: /t, domain: a.com}
app: {name: "a;rm", port: 80}
`, nil, "app.name failed appname"},
		{"relative app dir", `
server: {host: h, username: u, app_dir: www, temp_dir: /t, domain: a.com}
app: {name: a, port: 80}
`, nil, "server.app_dir failed remotepath"},
		{"bad on_existing", minimalYAML + "serving: {on_existing: merge}\n", nil, "serving.on_existing must be one of"},
		{"offsite without region", minimalYAML + "  offsite: {bucket: b}\n", nil, "backup.offsite.region"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), tt.flags)
			require.Error(t, err)
			assert.ErrorIs(t, err, faults.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "siteops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "fangcheng", cfg.App.Name)

	_, err = Load(filepath.Join(dir, "missing.yaml"), nil)
	assert.ErrorIs(t, err, faults.ErrConfiguration)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SITEOPS_HOST": "10.0.0.1",
		"GITHUB_TOKEN": "ghp_x",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, "10.0.0.1", cfg.Server.Host)
	assert.Equal(t, "ghp_x", cfg.GitHub.Token)
}

func TestModes(t *testing.T) {
	tests := []struct {
		mode       Mode
		tls, nginx bool
		server     bool
	}{
		{ModeDirect, false, false, true},
		{ModeReverseProxy, false, true, false},
		{ModeSelfSignedTLS, true, true, true},
		{ModeFormalTLS, true, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.True(t, tt.mode.Valid())
			assert.Equal(t, tt.tls, tt.mode.UsesTLS())
			assert.Equal(t, tt.nginx, tt.mode.UsesNginx())
			assert.Equal(t, tt.server, tt.mode.RunsServer())
		})
	}
	assert.False(t, Mode("ftp").Valid())
}

func TestProcessPattern(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML), map[string]string{"mode": string(ModeReverseProxy)})
	require.NoError(t, err)
	assert.Equal(t, "nginx: master", cfg.ProcessPattern())
	assert.Equal(t, "http://fangcheng.example.com/health", cfg.Health.URL)
}
