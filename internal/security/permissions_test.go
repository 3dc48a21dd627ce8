package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSecureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "backups")

	require.NoError(t, CreateSecureDir(dir, PermDirectory))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, PermDirectory, info.Mode().Perm())

	// Existing directories get their permissions corrected.
	require.NoError(t, os.Chmod(dir, 0777))
	require.NoError(t, CreateSecureDir(dir, PermDirectory))
	info, err = os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, PermDirectory, info.Mode().Perm())
}

func TestEnsureSecurePermissions(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		actual   os.FileMode
		expected os.FileMode
		wantErr  bool
	}{
		{"exact match", 0600, 0600, false},
		{"more restrictive", 0400, 0600, false},
		{"group readable", 0640, 0600, true},
		{"world readable", 0644, 0640, true},
		{"world writable", 0666, 0644, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.name)
			require.NoError(t, os.WriteFile(path, []byte("x"), tt.actual))
			require.NoError(t, os.Chmod(path, tt.actual))

			err := EnsureSecurePermissions(path, tt.expected)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestEnsureSecurePermissionsMissingFile(t *testing.T) {
	err := EnsureSecurePermissions(filepath.Join(t.TempDir(), "nope"), PermSSHKey)
	assert.Error(t, err)
}

func TestCheckPrivateKey(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(key, []byte("key"), 0600))
	require.NoError(t, os.Chmod(key, 0600))
	assert.NoError(t, CheckPrivateKey(key))

	require.NoError(t, os.Chmod(key, 0644))
	assert.Error(t, CheckPrivateKey(key))
}
