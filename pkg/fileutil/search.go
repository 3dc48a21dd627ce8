package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SearchPaths looks for a file in multiple locations.
// Returns the first path where the file exists, or an error if not found.
func SearchPaths(paths []string) (string, error) {
	for _, path := range paths {
		if FileExists(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("file not found in any of the search paths: %v", paths)
}

// DefaultConfigPaths returns standard config search paths for the given
// filenames. For each filename, in order:
// 1. Current directory (./<filename>)
// 2. Config subdirectory (./config/<filename>)
// 3. Tools subdirectory (./tools/<filename>)
// 4. System-wide config (/etc/siteops/<filename>)
func DefaultConfigPaths(filenames ...string) []string {
	var paths []string
	for _, name := range filenames {
		paths = append(paths,
			filepath.Join(".", name),
			filepath.Join(".", "config", name),
			filepath.Join(".", "tools", name),
			filepath.Join("/etc/siteops", name),
		)
	}
	return paths
}

// FindConfig searches for the first of filenames in default locations.
func FindConfig(filenames ...string) (string, error) {
	return SearchPaths(DefaultConfigPaths(filenames...))
}

// ExpandHome replaces a leading ~ with the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
