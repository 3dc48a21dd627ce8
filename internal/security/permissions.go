package security

import (
	"fmt"
	"os"
)

// Modes for files and directories siteops creates on the local machine.
const (
	PermLogFile    os.FileMode = 0640 // rw-r-----
	PermDBFile     os.FileMode = 0640 // rw-r-----
	PermBackupFile os.FileMode = 0600 // rw------- archives may hold secrets
	PermDirectory  os.FileMode = 0750 // rwxr-x---
	PermSSHKey     os.FileMode = 0600 // rw-------
)

// CreateSecureDir creates path and its parents and forces perm on path,
// also when it already existed.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	// umask applies to MkdirAll
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// EnsureSecurePermissions fails when path grants any bit outside allowed.
// A missing file yields an error wrapping os.ErrNotExist.
func EnsureSecurePermissions(path string, allowed os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if extra := info.Mode().Perm() &^ allowed; extra != 0 {
		return fmt.Errorf("%s is mode %04o, want at most %04o", path, info.Mode().Perm(), allowed)
	}
	return nil
}

// CheckPrivateKey fails when an SSH private key is readable by group or
// others.
func CheckPrivateKey(path string) error {
	return EnsureSecurePermissions(path, PermSSHKey)
}
