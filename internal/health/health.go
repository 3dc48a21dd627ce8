// Package health checks a deployed application and optionally restarts it
// once when a check fails.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Check names.
const (
	CheckHTTP      = "http"
	CheckProcess   = "process"
	CheckResources = "resources"
	CheckLogs      = "logs"
)

// Result is the outcome of one check.
type Result struct {
	Name      string
	Passed    bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is implemented by every health check.
type Checker interface {
	Name() string
	// Check never returns an error; failures are reported in the Result.
	Check(ctx context.Context) Result
}

// Report is the outcome of one evaluation.
type Report struct {
	Results map[string]Result
	// Before holds the first round of results when a restart happened.
	Before map[string]Result
	// Restart is set when a restart was attempted.
	Restart    *Result
	Remediated bool
}

// Healthy reports whether every check in the final round passed.
func (r *Report) Healthy() bool {
	return len(r.Failed()) == 0
}

// Failed returns the sorted names of failing checks.
func (r *Report) Failed() []string {
	return failedNames(r.Results)
}

// Sorted returns the final results ordered by name.
func (r *Report) Sorted() []Result {
	out := make([]Result, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func failedNames(results map[string]Result) []string {
	var names []string
	for name, res := range results {
		if !res.Passed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Report) String() string {
	var b strings.Builder
	for _, res := range r.Sorted() {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "%s: %s - %s\n", strings.ToUpper(res.Name), status, res.Message)
	}
	if r.Restart != nil {
		status := "PASS"
		if !r.Restart.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "RESTART: %s - %s\n", status, r.Restart.Message)
	}
	return b.String()
}

func newResult(name string, start time.Time, passed bool, format string, args ...any) Result {
	return Result{
		Name:      name,
		Passed:    passed,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
