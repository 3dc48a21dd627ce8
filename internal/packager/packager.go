// Package packager builds the deployable archive for one run.
package packager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"siteops/internal/config"
	"siteops/internal/faults"
	"siteops/pkg/cmdutil"
)

// TimestampLayout is the timestamp embedded in package and backup names.
const TimestampLayout = "20060102_150405"

// BaseExcludes are never shipped.
var BaseExcludes = []string{
	".git",
	"node_modules",
	"*.log",
	".DS_Store",
	"backup",
	"backups",
	"*.tar.gz",
	"tools",
}

// staticExcludes are dropped when nginx serves the tree directly.
var staticExcludes = []string{"*.py", "*.go", "go.mod", "go.sum"}

// ExcludesFor returns the exclusion set for a serving mode plus extra
// patterns from configuration.
func ExcludesFor(mode config.Mode, extra []string) []string {
	out := append([]string(nil), BaseExcludes...)
	if !mode.RunsServer() {
		out = append(out, staticExcludes...)
	}
	return append(out, extra...)
}

// Package is one archive produced for one deployment.
type Package struct {
	Name      string
	Path      string
	CreatedAt time.Time
	Includes  []string
	Excludes  []string
	Size      int64
}

// Remove deletes the local archive.
func (p *Package) Remove() error {
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove package %s: %w", p.Name, err)
	}
	return nil
}

// Options configures Build.
type Options struct {
	SourceRoot string
	// OutputDir receives the archive. Defaults to the OS temp dir.
	OutputDir string
	AppName   string
	Excludes  []string
	// Now overrides the clock for naming.
	Now func() time.Time
}

// Build archives SourceRoot into <app>_deploy_<timestamp>.tar.gz.
// On failure the partial archive is removed.
func Build(ctx context.Context, opts Options, logger zerolog.Logger) (*Package, error) {
	logger = logger.With().Str("component", "packager").Logger()

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	root, err := filepath.Abs(opts.SourceRoot)
	if err != nil {
		return nil, faults.New(faults.ErrPackaging, "resolve source", err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, faults.Newf(faults.ErrPackaging, "resolve source", "%s is not a directory", root)
	}

	outDir := opts.OutputDir
	if outDir == "" {
		outDir = os.TempDir()
	}
	if err := os.MkdirAll(outDir, 0750); err != nil {
		return nil, faults.New(faults.ErrPackaging, "prepare output", err)
	}

	created := now()
	name := fmt.Sprintf("%s_deploy_%s.tar.gz", opts.AppName, created.Format(TimestampLayout))
	out := filepath.Join(outDir, name)

	args := []string{"tar", "-czf", out}
	for _, pattern := range opts.Excludes {
		args = append(args, "--exclude="+pattern)
	}
	args = append(args, "-C", root, ".")

	logger.Info().Str("cmd", cmdutil.FormatCommand(args)).Msg("creating package")
	res, err := cmdutil.Run(ctx, cmdutil.ExecOptions{Timeout: 10 * time.Minute}, args)
	if err != nil {
		os.Remove(out)
		detail := ""
		if res != nil {
			detail = strings.TrimSpace(string(res.Stderr))
		}
		return nil, faults.Newf(faults.ErrPackaging, "archive "+root, "%v: %s", err, detail)
	}

	st, err := os.Stat(out)
	if err != nil {
		return nil, faults.New(faults.ErrPackaging, "stat archive", err)
	}

	includes, err := topLevelEntries(root, opts.Excludes)
	if err != nil {
		os.Remove(out)
		return nil, faults.New(faults.ErrPackaging, "list source", err)
	}

	pkg := &Package{
		Name:      name,
		Path:      out,
		CreatedAt: created,
		Includes:  includes,
		Excludes:  append([]string(nil), opts.Excludes...),
		Size:      st.Size(),
	}
	logger.Info().Str("package", name).Int64("bytes", pkg.Size).Msg("package created")
	return pkg, nil
}

// topLevelEntries lists the top-level names of root that survive the
// exclusion patterns.
func topLevelEntries(root string, excludes []string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !Excluded(e.Name(), excludes) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Excluded reports whether a path base name matches any pattern, using
// the same glob rules tar applies to --exclude.
func Excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
