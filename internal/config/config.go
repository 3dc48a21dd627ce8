// Package config loads the siteops configuration record.
//
// The record is a YAML (or JSON) document. Defaults are applied first,
// the file is decoded over them, derived values are filled in, and the
// result is validated. Any failure is a faults.ErrConfiguration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"siteops/internal/faults"
	"siteops/internal/security"
	"siteops/pkg/fileutil"
)

// Mode selects how the application is exposed.
type Mode string

const (
	ModeDirect        Mode = "direct"
	ModeReverseProxy  Mode = "reverse-proxy"
	ModeSelfSignedTLS Mode = "self-signed-tls"
	ModeFormalTLS     Mode = "formal-tls"
)

// Modes lists every serving mode.
var Modes = []Mode{ModeDirect, ModeReverseProxy, ModeSelfSignedTLS, ModeFormalTLS}

// UsesTLS reports whether the mode serves over TLS.
func (m Mode) UsesTLS() bool {
	return m == ModeSelfSignedTLS || m == ModeFormalTLS
}

// UsesNginx reports whether the mode installs an nginx block.
func (m Mode) UsesNginx() bool {
	return m != ModeDirect
}

// RunsServer reports whether the mode runs the application server process.
// In reverse-proxy mode nginx serves the files itself.
func (m Mode) RunsServer() bool {
	return m != ModeReverseProxy
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// Config is the full configuration record.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	App         AppConfig         `yaml:"app"`
	Backup      BackupConfig      `yaml:"backup"`
	Deploy      DeployConfig      `yaml:"deploy"`
	Serving     ServingConfig     `yaml:"serving"`
	Certificate CertificateConfig `yaml:"certificate"`
	Process     ProcessConfig     `yaml:"process"`
	Health      HealthConfig      `yaml:"health"`
	History     HistoryConfig     `yaml:"history"`
	GitHub      GitHubConfig      `yaml:"github"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig describes the remote host.
type ServerConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	Username string `yaml:"username" validate:"required"`
	KeyPath  string `yaml:"key_path"`
	// PasswordKeyring names the OS keyring entry holding the SSH password
	// used when key authentication fails.
	PasswordKeyring string `yaml:"password_keyring"`
	KnownHosts      string `yaml:"known_hosts"`
	AppDir          string `yaml:"app_dir" validate:"required,remotepath"`
	TempDir         string `yaml:"temp_dir" validate:"required,remotepath"`
	Domain          string `yaml:"domain" validate:"required,domain"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AppConfig describes the deployed application.
type AppConfig struct {
	Name string `yaml:"name" validate:"required,appname"`
	Port int    `yaml:"port" validate:"required,min=1,max=65535"`
}

// BackupConfig controls backup placement and retention.
type BackupConfig struct {
	LocalDir      string        `yaml:"local_dir" validate:"required"`
	RemoteDir     string        `yaml:"remote_dir" validate:"required,remotepath"`
	RetentionDays int           `yaml:"retention_days" validate:"min=1"`
	Offsite       OffsiteConfig `yaml:"offsite"`
}

// OffsiteConfig is an optional S3-compatible bucket receiving a copy of
// every backup.
type OffsiteConfig struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Enabled reports whether an offsite bucket is configured.
func (o OffsiteConfig) Enabled() bool {
	return o.Bucket != ""
}

// DeployConfig controls the deployment pipeline.
type DeployConfig struct {
	Mode      Mode     `yaml:"mode" validate:"servingmode"`
	SourceDir string   `yaml:"source_dir" validate:"required"`
	Excludes  []string `yaml:"excludes"`
	// ServerBinary is a local siteops binary built for the remote host,
	// uploaded to app_dir in modes that run the application server.
	ServerBinary string `yaml:"server_binary"`
	RemoteLock   bool   `yaml:"remote_lock"`
	// LockStaleMinutes is the age after which a remote lock left by a dead
	// run is taken over. Zero never takes over.
	LockStaleMinutes int  `yaml:"lock_stale_minutes" validate:"min=0"`
	AutoRestart      bool `yaml:"auto_restart"`
	SkipHealth       bool `yaml:"skip_health"`
}

// ServingConfig controls nginx configuration management.
type ServingConfig struct {
	ConfigPath    string `yaml:"config_path" validate:"required,remotepath"`
	TestCommand   string `yaml:"test_command" validate:"required"`
	ReloadCommand string `yaml:"reload_command" validate:"required"`
	// OnExisting decides what happens when the managed block is already
	// present: "skip" leaves it alone, "replace" rewrites it.
	OnExisting string `yaml:"on_existing" validate:"oneof=skip replace"`
	StaticRoot string `yaml:"static_root"`
	// Proxy puts nginx in front of the application in TLS modes. When
	// false the application terminates TLS itself and redirects plain
	// HTTP, and nginx is left untouched.
	Proxy bool `yaml:"proxy"`
}

// CertificateConfig controls TLS material.
type CertificateConfig struct {
	// Dir receives generated self-signed material.
	Dir string `yaml:"dir"`
	// CertPath and KeyPath locate pre-provisioned formal material.
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	// Reuse keeps a still-valid self-signed certificate instead of
	// regenerating it on every deploy.
	Reuse bool `yaml:"reuse"`
	Days  int  `yaml:"days" validate:"min=1"`
	Bits  int  `yaml:"bits" validate:"oneof=2048 3072 4096"`
}

// ProcessConfig describes the remote application process.
type ProcessConfig struct {
	Pattern       string `yaml:"pattern"`
	Start         string `yaml:"start"`
	LogFile       string `yaml:"log_file"`
	SettleSeconds int    `yaml:"settle_seconds" validate:"min=0"`
}

// HealthConfig controls the health monitor.
type HealthConfig struct {
	URL             string  `yaml:"url"`
	TimeoutSeconds  int     `yaml:"timeout_seconds" validate:"min=1"`
	LogLines        int     `yaml:"log_lines" validate:"min=1"`
	Threshold       float64 `yaml:"threshold" validate:"gt=0,lte=100"`
	IntervalSeconds int     `yaml:"interval_seconds" validate:"min=1"`
	SettleSeconds   int     `yaml:"settle_seconds" validate:"min=0"`
}

// HistoryConfig locates the local run history database.
type HistoryConfig struct {
	DBPath   string `yaml:"db_path"`
	Disabled bool   `yaml:"disabled"`
}

// GitHubConfig enables deployment status reporting.
type GitHubConfig struct {
	Repo        string `yaml:"repo"`
	Branch      string `yaml:"branch"`
	Token       string `yaml:"token"`
	Environment string `yaml:"environment"`
}

// Enabled reports whether deployment statuses should be posted.
func (g GitHubConfig) Enabled() bool {
	return g.Repo != "" && g.Token != ""
}

// LogConfig controls local logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	File  string `yaml:"file"`
}

// SearchFiles are the config file names tried when no path is given.
var SearchFiles = []string{"siteops.yaml", "siteops.yml", "config.json"}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    22,
			KeyPath: "~/.ssh/id_rsa",
			TempDir: "/tmp",
		},
		Backup: BackupConfig{
			LocalDir:      "./backups",
			RemoteDir:     "/var/backups/siteops",
			RetentionDays: 7,
		},
		Deploy: DeployConfig{
			Mode:        ModeDirect,
			SourceDir:   ".",
			RemoteLock:       true,
			LockStaleMinutes: 60,
			AutoRestart:      true,
		},
		Serving: ServingConfig{
			ConfigPath:    "/etc/nginx/nginx.conf",
			TestCommand:   "nginx -t",
			ReloadCommand: "systemctl reload nginx || nginx -s reload",
			OnExisting:    "skip",
			Proxy:         true,
		},
		Certificate: CertificateConfig{
			Days: 365,
			Bits: 2048,
		},
		Process: ProcessConfig{
			SettleSeconds: 3,
		},
		Health: HealthConfig{
			TimeoutSeconds:  5,
			LogLines:        100,
			Threshold:       90,
			IntervalSeconds: 300,
			SettleSeconds:   10,
		},
		GitHub: GitHubConfig{
			Branch:      "main",
			Environment: "production",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config at path, or the first file found on the default
// search paths when path is empty. Non-empty flags override file values.
func Load(path string, flags map[string]string) (*Config, error) {
	if path == "" {
		found, err := fileutil.FindConfig(SearchFiles...)
		if err != nil {
			return nil, faults.New(faults.ErrConfiguration, "locate config", err)
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.New(faults.ErrConfiguration, "read config", err)
	}

	cfg, err := Parse(data, flags)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, completes and validates a config document.
func Parse(data []byte, flags map[string]string) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, faults.Newf(faults.ErrConfiguration, "parse config", "empty document")
		}
		return nil, faults.New(faults.ErrConfiguration, "parse config", err)
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.SetFromFlags(flags)
	if err := cfg.FillDerived(); err != nil {
		return nil, faults.New(faults.ErrConfiguration, "derive config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides connection settings and secrets from SITEOPS_*
// variables and the usual GitHub token variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"SITEOPS_HOST", &c.Server.Host},
		{"SITEOPS_USER", &c.Server.Username},
		{"SITEOPS_KEY_PATH", &c.Server.KeyPath},
		{"SITEOPS_S3_ACCESS_KEY", &c.Backup.Offsite.AccessKey},
		{"SITEOPS_S3_SECRET_KEY", &c.Backup.Offsite.SecretKey},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.dst = v
		}
	}

	if c.GitHub.Token == "" {
		for _, key := range []string{"GH_TOKEN", "GITHUB_TOKEN"} {
			if v, ok := lookup(key); ok && v != "" {
				c.GitHub.Token = v
				break
			}
		}
	}
}

// SetFromFlags updates config from command line flags. Empty values are
// ignored.
func (c *Config) SetFromFlags(flags map[string]string) {
	for key, value := range flags {
		if value == "" {
			continue
		}
		switch key {
		case "host":
			c.Server.Host = value
		case "user":
			c.Server.Username = value
		case "key":
			c.Server.KeyPath = value
		case "mode":
			c.Deploy.Mode = Mode(value)
		case "source":
			c.Deploy.SourceDir = value
		case "server-binary":
			c.Deploy.ServerBinary = value
		case "log-level":
			c.Log.Level = value
		case "log-file":
			c.Log.File = value
		}
	}
}

// FillDerived sets values computed from other settings.
func (c *Config) FillDerived() error {
	if c.Server.KeyPath != "" {
		expanded, err := fileutil.ExpandHome(c.Server.KeyPath)
		if err != nil {
			return err
		}
		c.Server.KeyPath = expanded
	}
	if c.History.DBPath == "" {
		c.History.DBPath = "~/.siteops/history.db"
	}
	expanded, err := fileutil.ExpandHome(c.History.DBPath)
	if err != nil {
		return err
	}
	c.History.DBPath = expanded

	appDir := c.Server.AppDir
	if c.Serving.StaticRoot == "" {
		c.Serving.StaticRoot = appDir
	}
	if c.Certificate.Dir == "" {
		c.Certificate.Dir = path.Join(appDir, "ssl")
	}
	if c.Certificate.CertPath == "" && c.App.Name != "" {
		c.Certificate.CertPath = path.Join("/root/cert", c.App.Name+".crt")
	}
	if c.Certificate.KeyPath == "" && c.App.Name != "" {
		c.Certificate.KeyPath = path.Join("/root/cert", c.App.Name+".key")
	}
	if c.Process.LogFile == "" {
		c.Process.LogFile = path.Join(appDir, "logs", "app.log")
	}
	if c.Process.Start == "" {
		c.Process.Start = c.serveCommand()
	}
	if c.Process.Pattern == "" {
		c.Process.Pattern = fmt.Sprintf("siteops serve --root %s", appDir)
	}
	if c.Health.URL == "" && c.Server.Domain != "" {
		c.Health.URL = c.DefaultHealthURL()
	}
	return nil
}

// AppTerminatesTLS reports whether the application process serves TLS
// itself instead of behind nginx.
func (c *Config) AppTerminatesTLS() bool {
	return c.Deploy.Mode.UsesTLS() && !c.Serving.Proxy
}

// CertificatePaths returns where the certificate and key for the mode
// live on the remote host.
func (c *Config) CertificatePaths() (cert, key string) {
	if c.Deploy.Mode == ModeSelfSignedTLS {
		return path.Join(c.Certificate.Dir, c.Server.Domain+".crt"), path.Join(c.Certificate.Dir, c.Server.Domain+".key")
	}
	return c.Certificate.CertPath, c.Certificate.KeyPath
}

// serveCommand is the default start command for the application server.
// When it terminates TLS it listens on 443 and redirects from 80.
func (c *Config) serveCommand() string {
	args := []string{"./siteops", "serve", "--root", c.Server.AppDir}
	if c.AppTerminatesTLS() {
		cert, key := c.CertificatePaths()
		args = append(args, "--port", "80", "--https-port", "443", "--tls-cert", cert, "--tls-key", key)
	} else {
		args = append(args, "--port", strconv.Itoa(c.App.Port))
	}
	return shellquote.Join(args...)
}

// DefaultHealthURL is the health endpoint implied by the serving mode.
func (c *Config) DefaultHealthURL() string {
	switch {
	case c.Deploy.Mode.UsesTLS():
		return fmt.Sprintf("https://%s/health", c.Server.Domain)
	case c.Deploy.Mode == ModeDirect:
		return fmt.Sprintf("http://%s:%d/health", c.Server.Domain, c.App.Port)
	default:
		return fmt.Sprintf("http://%s/health", c.Server.Domain)
	}
}

// ProcessPattern is the process-list pattern identifying the running
// application for the configured mode.
func (c *Config) ProcessPattern() string {
	if c.Deploy.Mode.RunsServer() {
		return c.Process.Pattern
	}
	return "nginx: master"
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("appname", func(fl validator.FieldLevel) bool {
		return security.ValidateAppName(fl.Field().String()) == nil
	})
	v.RegisterValidation("domain", func(fl validator.FieldLevel) bool {
		return security.ValidateDomain(fl.Field().String()) == nil
	})
	v.RegisterValidation("remotepath", func(fl validator.FieldLevel) bool {
		_, err := security.SanitizeRemotePath(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("servingmode", func(fl validator.FieldLevel) bool {
		return Mode(fl.Field().String()).Valid()
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return faults.New(faults.ErrConfiguration, "validate config", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if c.Deploy.Mode == ModeFormalTLS && (c.Certificate.CertPath == "" || c.Certificate.KeyPath == "") {
		problems = append(problems, "certificate.cert_path and certificate.key_path are required for formal-tls")
	}
	if c.GitHub.Repo != "" {
		if err := security.ValidateRepo(c.GitHub.Repo); err != nil {
			problems = append(problems, "github.repo: "+err.Error())
		}
	}
	if c.Backup.Offsite.Enabled() && c.Backup.Offsite.Region == "" {
		problems = append(problems, "backup.offsite.region is required when a bucket is set")
	}

	if len(problems) > 0 {
		return faults.Newf(faults.ErrConfiguration, "validate config", "%s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "servingmode":
		return fmt.Sprintf("%s must be one of %v, got %q", field, Modes, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation (value %v)", field, fe.Tag(), fe.Value())
	}
}
