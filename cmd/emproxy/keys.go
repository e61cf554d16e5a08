package main

import (
	"fmt"

	"github.com/emproxy/emproxy/internal/config"
	"github.com/emproxy/emproxy/internal/identity"
)

// resolveKeys returns the tunnel keys. A non-empty dataDir takes precedence
// over tunnel.key_dir; with neither set the keys come from the config, with
// the embedded defaults filling any gaps. The preshared key always comes
// from the config.
func resolveKeys(t config.TunnelConfig, dataDir string) (identity.Keys, error) {
	dir := t.KeyDir
	if dataDir != "" {
		dir = dataDir
	}
	if dir == "" {
		return identity.Resolve(t.PrivateKey, t.PeerPublicKey, t.PresharedKey)
	}

	keys, err := identity.Load(dir)
	if err != nil {
		return identity.Keys{}, err
	}
	if t.PresharedKey != "" {
		if keys.PresharedKey, err = identity.ParseKey(t.PresharedKey); err != nil {
			return identity.Keys{}, fmt.Errorf("preshared key: %w", err)
		}
	}
	return keys, nil
}
