// Package certs provisions and validates TLS material on the remote host.
package certs

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"siteops/internal/config"
	"siteops/internal/faults"
	"siteops/internal/remote"
	"siteops/internal/security"
	"siteops/pkg/templates"
)

// Kind distinguishes generated from pre-provisioned material.
type Kind string

const (
	KindFormal     Kind = "formal"
	KindSelfSigned Kind = "self-signed"
)

// Material locates a certificate and key on the remote host.
type Material struct {
	Kind      Kind
	CertPath  string
	KeyPath   string
	NotBefore time.Time
	NotAfter  time.Time
	DNSNames  []string
	// Generated is true when this call created new material.
	Generated bool
}

// Provider makes TLS material available for domain.
type Provider interface {
	Ensure(ctx context.Context, domain string) (*Material, error)
}

// ForMode returns the provider for the serving mode, or nil when the mode
// terminates no TLS.
func ForMode(cfg *config.Config, runner remote.Runner, logger zerolog.Logger) Provider {
	logger = logger.With().Str("component", "certs").Logger()
	switch cfg.Deploy.Mode {
	case config.ModeSelfSignedTLS:
		return &SelfSigned{
			Runner: runner,
			Dir:    cfg.Certificate.Dir,
			Org:    cfg.App.Name,
			Days:   cfg.Certificate.Days,
			Bits:   cfg.Certificate.Bits,
			Reuse:  cfg.Certificate.Reuse,
			Logger: logger,
		}
	case config.ModeFormalTLS:
		return &Formal{
			Runner:   runner,
			CertPath: cfg.Certificate.CertPath,
			KeyPath:  cfg.Certificate.KeyPath,
			Logger:   logger,
		}
	default:
		return nil
	}
}

// SelfSigned generates a key and a self-signed certificate with the
// domain, its www. subdomain and the loopback address as SANs.
type SelfSigned struct {
	Runner remote.Runner
	Dir    string
	Org    string
	Days   int
	Bits   int
	// Reuse keeps an existing certificate that still covers the domain
	// for at least a day. Otherwise material is regenerated every call.
	Reuse  bool
	Now    func() time.Time
	Logger zerolog.Logger
}

// Paths returns the certificate, key and openssl config paths for domain.
func (s *SelfSigned) Paths(domain string) (cert, key, conf string) {
	return path.Join(s.Dir, domain+".crt"), path.Join(s.Dir, domain+".key"), path.Join(s.Dir, "ssl.conf")
}

func (s *SelfSigned) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Ensure generates fresh material unless Reuse finds a usable certificate.
func (s *SelfSigned) Ensure(ctx context.Context, domain string) (*Material, error) {
	if err := security.ValidateDomain(domain); err != nil {
		return nil, faults.New(faults.ErrCertificate, "self-signed", err)
	}
	certPath, keyPath, confPath := s.Paths(domain)

	if s.Reuse {
		if m, ok := s.reusable(ctx, domain, certPath, keyPath); ok {
			s.Logger.Info().Str("cert", certPath).Time("not_after", m.NotAfter).Msg("reusing self-signed certificate")
			return m, nil
		}
	}

	conf, err := templates.Render(templates.OpenSSLConf, templates.TemplateData{
		"DOMAIN": domain,
		"ORG":    s.Org,
		"BITS":   strconv.Itoa(s.Bits),
	})
	if err != nil {
		return nil, faults.New(faults.ErrCertificate, "render openssl config", err)
	}

	if err := s.run(ctx, "create certificate dir", remote.Join("mkdir", "-p", s.Dir)); err != nil {
		return nil, err
	}
	if err := s.run(ctx, "generate key", remote.Join("openssl", "genrsa", "-out", keyPath, strconv.Itoa(s.Bits))); err != nil {
		return nil, err
	}
	if err := s.run(ctx, "restrict key", remote.Join("chmod", "600", keyPath)); err != nil {
		return nil, err
	}
	if err := s.Runner.WriteFile(ctx, confPath, []byte(conf), 0644); err != nil {
		return nil, faults.New(faults.ErrCertificate, "write openssl config", err)
	}
	if err := s.run(ctx, "generate certificate", remote.Join(
		"openssl", "req", "-new", "-x509",
		"-key", keyPath,
		"-out", certPath,
		"-days", strconv.Itoa(s.Days),
		"-config", confPath,
		"-extensions", "v3_req",
	)); err != nil {
		return nil, err
	}

	m, err := readMaterial(ctx, s.Runner, certPath, keyPath, KindSelfSigned)
	if err != nil {
		return nil, faults.New(faults.ErrCertificate, "inspect certificate", err)
	}
	m.Generated = true
	s.Logger.Info().
		Str("cert", certPath).
		Strs("dns", m.DNSNames).
		Time("not_after", m.NotAfter).
		Msg("generated self-signed certificate")
	return m, nil
}

func (s *SelfSigned) reusable(ctx context.Context, domain, certPath, keyPath string) (*Material, bool) {
	if ok, _ := s.Runner.Exists(ctx, keyPath); !ok {
		return nil, false
	}
	m, err := readMaterial(ctx, s.Runner, certPath, keyPath, KindSelfSigned)
	if err != nil {
		return nil, false
	}
	if !containsName(m.DNSNames, domain) {
		return nil, false
	}
	if m.NotAfter.Before(s.now().Add(24 * time.Hour)) {
		return nil, false
	}
	return m, true
}

func (s *SelfSigned) run(ctx context.Context, op, cmd string) error {
	res, err := s.Runner.Execute(ctx, cmd)
	if err != nil {
		return faults.New(faults.ErrCertificate, op, err)
	}
	if !res.OK() {
		s.Logger.Error().Str("cmd", cmd).Int("exit", res.ExitStatus).Str("output", res.Output()).Msg(op + " failed")
		return faults.Newf(faults.ErrCertificate, op, "exit %d: %s", res.ExitStatus, res.Output())
	}
	return nil
}

// Formal validates pre-provisioned material. It never generates anything.
type Formal struct {
	Runner   remote.Runner
	CertPath string
	KeyPath  string
	Logger   zerolog.Logger
}

// Ensure fails with a CertificateNotFoundError when either file is absent.
func (f *Formal) Ensure(ctx context.Context, domain string) (*Material, error) {
	for _, p := range []string{f.CertPath, f.KeyPath} {
		res, err := f.Runner.Execute(ctx, remote.Join("test", "-f", p))
		if err != nil {
			return nil, faults.New(faults.ErrCertificate, "check "+p, err)
		}
		if !res.OK() {
			f.Logger.Error().Str("path", p).Msg("formal certificate material missing")
			return nil, &faults.CertificateNotFoundError{Path: p}
		}
	}

	m, err := readMaterial(ctx, f.Runner, f.CertPath, f.KeyPath, KindFormal)
	if err != nil {
		// Presence is what matters; an unreadable certificate is nginx's
		// problem to report during the syntax test.
		f.Logger.Warn().Err(err).Str("cert", f.CertPath).Msg("could not inspect certificate")
		return &Material{Kind: KindFormal, CertPath: f.CertPath, KeyPath: f.KeyPath}, nil
	}
	if domain != "" && !containsName(m.DNSNames, domain) {
		f.Logger.Warn().Str("domain", domain).Strs("dns", m.DNSNames).Msg("certificate does not list domain")
	}
	f.Logger.Info().Str("cert", f.CertPath).Time("not_after", m.NotAfter).Msg("formal certificate present")
	return m, nil
}

func readMaterial(ctx context.Context, runner remote.Runner, certPath, keyPath string, kind Kind) (*Material, error) {
	data, err := runner.ReadFile(ctx, certPath)
	if err != nil {
		return nil, err
	}
	cert, err := ParseCertificate(data)
	if err != nil {
		return nil, err
	}
	return &Material{
		Kind:      kind,
		CertPath:  certPath,
		KeyPath:   keyPath,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		DNSNames:  cert.DNSNames,
	}, nil
}

// ParseCertificate decodes the first PEM certificate block in data.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no PEM certificate found")
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			return cert, nil
		}
	}
}

func containsName(names []string, domain string) bool {
	for _, n := range names {
		if n == domain {
			return true
		}
	}
	return false
}
