package main

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPairPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session123.key")

	first, err := loadOrGenerateKeyPairAt(path)
	require.NoError(t, err)
	require.Len(t, first, ed25519.PrivateKeySize)

	// Second load returns the same key.
	second, err := loadOrGenerateKeyPairAt(path)
	require.NoError(t, err)
	require.Equal(t, first, second)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	// No temp sibling is left behind.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestKeyPairCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.key")
	require.NoError(t, os.WriteFile(path, []byte("not a jwk"), 0o600))

	_, err := loadOrGenerateKeyPairAt(path)
	require.Error(t, err)
}

func TestKeyStorageDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-test")
	dir, err := keyStorageDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/tmp/xdg-test", keyStorageDirName), dir)
}
