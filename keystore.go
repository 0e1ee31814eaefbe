package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-jose/go-jose/v4"
)

const keyStorageDirName = "Discord Key Storage"

// keyStorageDir resolves the platform configuration directory the
// persisted signature keys live under.
func keyStorageDir() (string, error) {
	var base string
	switch {
	case os.Getenv("XDG_CONFIG_HOME") != "":
		base = os.Getenv("XDG_CONFIG_HOME")
	case runtime.GOOS == "windows" && os.Getenv("LOCALAPPDATA") != "":
		base = os.Getenv("LOCALAPPDATA")
	case os.Getenv("HOME") != "":
		base = filepath.Join(os.Getenv("HOME"), ".config")
	default:
		return "", fmt.Errorf("no configuration directory available")
	}
	return filepath.Join(base, keyStorageDirName), nil
}

// loadOrGeneratePersistedKeyPair returns the signature key for this
// session id, generating and persisting one on first use. The key is
// stored as a JWK, written through a temp sibling and an atomic rename.
func loadOrGeneratePersistedKeyPair(sessionID string) (ed25519.PrivateKey, error) {
	dir, err := keyStorageDir()
	if err != nil {
		return nil, err
	}
	return loadOrGenerateKeyPairAt(filepath.Join(dir, sessionID+".key"))
}

func loadOrGenerateKeyPairAt(path string) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		var jwk jose.JSONWebKey
		if err := json.Unmarshal(data, &jwk); err != nil {
			return nil, fmt.Errorf("corrupt key file %s: %w", path, err)
		}
		priv, ok := jwk.Key.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key file %s does not hold an ed25519 key", path)
		}
		return priv, nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation: %w", err)
	}

	jwk := jose.JSONWebKey{Key: priv, KeyID: filepath.Base(path), Algorithm: string(jose.EdDSA), Use: "sig"}
	data, err := json.Marshal(jwk)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	return priv, nil
}
