package security

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	appNamePattern    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	domainPattern     = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
	backupNamePattern = regexp.MustCompile(`^backup_(full|data|config)_[0-9]{8}_[0-9]{6}$`)
	repoPattern       = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+$`)
)

// ValidateAppName ensures an application name is safe for use in remote
// paths, process patterns and configuration markers.
func ValidateAppName(name string) error {
	if name == "" {
		return fmt.Errorf("app name cannot be empty")
	}
	if !appNamePattern.MatchString(name) {
		return fmt.Errorf("app name %q contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)", name)
	}
	return nil
}

// ValidateDomain ensures a domain is a plain DNS name. It is embedded in
// certificate requests and nginx server_name directives.
func ValidateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if len(domain) > 253 {
		return fmt.Errorf("domain too long: %d characters", len(domain))
	}
	if !domainPattern.MatchString(domain) {
		return fmt.Errorf("invalid domain: %q", domain)
	}
	return nil
}

// ValidateBackupName ensures name follows backup_<type>_<YYYYMMDD_HHMMSS>.
// A trailing .tar.gz is accepted.
func ValidateBackupName(name string) error {
	name = strings.TrimSuffix(name, ".tar.gz")
	if !backupNamePattern.MatchString(name) {
		return fmt.Errorf("invalid backup name %q (expected backup_<type>_<YYYYMMDD_HHMMSS>)", name)
	}
	return nil
}

// ValidateRepo ensures repo is in owner/repo form.
func ValidateRepo(repo string) error {
	if !repoPattern.MatchString(repo) {
		return fmt.Errorf("repo must be in format 'owner/repo', got: %s", repo)
	}
	return nil
}

// SanitizeRemotePath ensures a remote path is absolute and doesn't contain
// traversal attempts. Remote hosts are POSIX, so path rather than filepath.
func SanitizeRemotePath(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("path must be absolute: %s", p)
	}

	// Check for .. before cleaning (path.Clean removes them)
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return "", fmt.Errorf("path contains traversal elements: %s", p)
		}
	}

	cleaned := path.Clean(p)
	if cleaned == "/" {
		return "", fmt.Errorf("refusing to operate on filesystem root")
	}
	return cleaned, nil
}
