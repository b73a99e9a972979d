package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
)

// getOrCreateOperatorKey loads the raw 64-byte Ed25519 private key at
// path, generating and persisting a fresh one if the file does not yet
// exist. Mirrors the node's own "load or generate on first run"
// bootstrap for a local identity key.
func getOrCreateOperatorKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("aethercorectl: operator key file %q has %d bytes, want %d", path, len(raw), ed25519.PrivateKeySize)
		}
		return ed25519.PrivateKey(raw), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("aethercorectl: reading operator key %q: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("aethercorectl: generating operator key: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, fmt.Errorf("aethercorectl: writing operator key %q: %w", path, err)
	}
	return priv, nil
}
