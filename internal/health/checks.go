package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"siteops/internal/remote"
	"siteops/internal/supervisor"
)

// HTTPChecker passes when URL answers 200.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker returns a checker with the given timeout. insecure skips
// certificate verification, for self-signed deployments.
func NewHTTPChecker(url string, timeout time.Duration, insecure bool) *HTTPChecker {
	client := &http.Client{Timeout: timeout}
	if insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed mode
		}
	}
	return &HTTPChecker{URL: url, Client: client}
}

func (h *HTTPChecker) Name() string { return CheckHTTP }

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return newResult(CheckHTTP, start, false, "invalid request: %v", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return newResult(CheckHTTP, start, false, "HTTP health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newResult(CheckHTTP, start, false, "HTTP health check failed with status %d", resp.StatusCode)
	}
	return newResult(CheckHTTP, start, true, "HTTP health check passed")
}

// Prober lists processes matching a pattern.
type Prober interface {
	Probe(ctx context.Context, pattern string) (*supervisor.Status, error)
}

// ProcessChecker passes when a process matching Pattern runs.
type ProcessChecker struct {
	Prober  Prober
	Pattern string
}

func (p *ProcessChecker) Name() string { return CheckProcess }

func (p *ProcessChecker) Check(ctx context.Context) Result {
	start := time.Now()
	st, err := p.Prober.Probe(ctx, p.Pattern)
	if err != nil {
		return newResult(CheckProcess, start, false, "process check failed: %v", err)
	}
	if !st.Running {
		return newResult(CheckProcess, start, false, "process is not running")
	}
	return newResult(CheckProcess, start, true, "process is running (pids %v)", st.PIDs)
}

// ResourceChecker fails when CPU, memory or disk usage on the host
// exceeds Threshold percent.
type ResourceChecker struct {
	Runner    remote.Runner
	Dir       string
	Threshold float64
}

func (r *ResourceChecker) Name() string { return CheckResources }

// resourceCommand prints "cpu mem disk" as percentages on one line.
func resourceCommand(dir string) string {
	return strings.Join([]string{
		`cpu=$(top -bn1 | awk '/Cpu\(s\)/ {print $2; exit}')`,
		`mem=$(free | awk '/^Mem/ {printf "%.1f", $3/$2*100}')`,
		`disk=$(df -P ` + remote.Quote(dir) + ` | awk 'NR==2 {print $5}')`,
		`echo "$cpu $mem $disk"`,
	}, "; ")
}

func (r *ResourceChecker) Check(ctx context.Context) Result {
	start := time.Now()
	res, err := r.Runner.Execute(ctx, resourceCommand(r.Dir))
	if err != nil {
		return newResult(CheckResources, start, false, "resource check failed: %v", err)
	}
	usage, err := parseUsage(res.Stdout)
	if err != nil {
		return newResult(CheckResources, start, false, "resource check failed: %v", err)
	}
	cpu, mem, disk := usage[0], usage[1], usage[2]
	if cpu > r.Threshold || mem > r.Threshold || disk > r.Threshold {
		return newResult(CheckResources, start, false,
			"high resource usage - CPU: %.1f%%, Memory: %.1f%%, Disk: %.1f%%", cpu, mem, disk)
	}
	return newResult(CheckResources, start, true,
		"resource usage normal - CPU: %.1f%%, Memory: %.1f%%, Disk: %.1f%%", cpu, mem, disk)
}

func parseUsage(out string) ([3]float64, error) {
	var usage [3]float64
	fields := strings.Fields(out)
	if len(fields) != 3 {
		return usage, fmt.Errorf("unexpected output %q", strings.TrimSpace(out))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSuffix(f, "%"), 64)
		if err != nil {
			return usage, fmt.Errorf("parse %q: %w", f, err)
		}
		usage[i] = v
	}
	return usage, nil
}

var errorLine = regexp.MustCompile(`(?i)error|exception|fail`)

// LogChecker fails when any of the last Lines lines of File mention an
// error.
type LogChecker struct {
	Runner remote.Runner
	File   string
	Lines  int
}

func (l *LogChecker) Name() string { return CheckLogs }

func (l *LogChecker) Check(ctx context.Context) Result {
	start := time.Now()
	res, err := l.Runner.Execute(ctx, remote.Join("tail", "-n", strconv.Itoa(l.Lines), l.File))
	if err != nil {
		return newResult(CheckLogs, start, false, "log check failed: %v", err)
	}
	if !res.OK() {
		// No log yet is not a failure.
		return newResult(CheckLogs, start, true, "log %s not readable: %s", l.File, strings.TrimSpace(res.Stderr))
	}

	var matches []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if errorLine.MatchString(line) {
			matches = append(matches, strings.TrimSpace(line))
		}
	}
	if len(matches) > 0 {
		return newResult(CheckLogs, start, false, "found %d error lines in logs, first: %s", len(matches), matches[0])
	}
	return newResult(CheckLogs, start, true, "no recent errors found in logs")
}
