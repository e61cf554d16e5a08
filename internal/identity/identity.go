// Package identity holds the static WireGuard key material of the relay:
// the local private key and the single peer's public key.
package identity

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	// EncodedKeyLen is the length of a base64 encoded 32 byte key.
	EncodedKeyLen = 44

	privateKeyFileName = "server_privatekey"
	peerKeyFileName    = "client_publickey"
)

var (
	//go:embed keys/server_privatekey
	embeddedPrivateKey string

	//go:embed keys/client_publickey
	embeddedPeerKey string
)

var (
	// ErrInvalidKey is returned for key material that is not a base64
	// encoded 32 byte key.
	ErrInvalidKey = errors.New("invalid key")

	// ErrNotFound is returned by Load when a key file is missing.
	ErrNotFound = errors.New("key file not found")
)

// Keys is the key material of one relay.
type Keys struct {
	PrivateKey    wgtypes.Key
	PeerPublicKey wgtypes.Key
	PresharedKey  wgtypes.Key
}

// PublicKey returns the public half of PrivateKey.
func (k Keys) PublicKey() wgtypes.Key {
	return k.PrivateKey.PublicKey()
}

// HasPresharedKey reports whether a preshared key is set.
func (k Keys) HasPresharedKey() bool {
	return k.PresharedKey != wgtypes.Key{}
}

// ParseKey parses a base64 key. Only the first EncodedKeyLen characters are
// significant, so a trailing newline or comment is tolerated.
func ParseKey(s string) (wgtypes.Key, error) {
	s = strings.TrimSpace(s)
	if len(s) < EncodedKeyLen {
		return wgtypes.Key{}, fmt.Errorf("%w: got %d characters, expected %d", ErrInvalidKey, len(s), EncodedKeyLen)
	}
	k, err := wgtypes.ParseKey(s[:EncodedKeyLen])
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return k, nil
}

var (
	defaultKeys     Keys
	defaultKeysOnce sync.Once
)

// Default returns the key material embedded in the binary. It panics if the
// embedded keys are malformed, which is a build defect.
func Default() Keys {
	defaultKeysOnce.Do(func() {
		priv, err := ParseKey(embeddedPrivateKey)
		if err != nil {
			panic(fmt.Sprintf("identity: embedded private key: %v", err))
		}
		peer, err := ParseKey(embeddedPeerKey)
		if err != nil {
			panic(fmt.Sprintf("identity: embedded peer key: %v", err))
		}
		defaultKeys = Keys{PrivateKey: priv, PeerPublicKey: peer}
	})
	return defaultKeys
}

// Resolve builds Keys from encoded strings. An empty private or peer key
// falls back to the embedded default; an empty preshared key means none.
func Resolve(privateKey, peerPublicKey, presharedKey string) (Keys, error) {
	keys := Keys{}
	var err error

	if privateKey == "" {
		keys.PrivateKey = Default().PrivateKey
	} else if keys.PrivateKey, err = ParseKey(privateKey); err != nil {
		return Keys{}, fmt.Errorf("private key: %w", err)
	}

	if peerPublicKey == "" {
		keys.PeerPublicKey = Default().PeerPublicKey
	} else if keys.PeerPublicKey, err = ParseKey(peerPublicKey); err != nil {
		return Keys{}, fmt.Errorf("peer public key: %w", err)
	}

	if presharedKey != "" {
		if keys.PresharedKey, err = ParseKey(presharedKey); err != nil {
			return Keys{}, fmt.Errorf("preshared key: %w", err)
		}
	}

	return keys, nil
}

// Generate returns a fresh private key together with the given peer key.
func Generate(peerPublicKey wgtypes.Key) (Keys, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return Keys{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	return Keys{PrivateKey: priv, PeerPublicKey: peerPublicKey}, nil
}

// Store writes the private and peer keys to dir in the layout the relay
// embeds, one base64 key per file.
func (k Keys) Store(dir string) error {
	if k.PrivateKey == (wgtypes.Key{}) {
		return errors.New("cannot store zero private key")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := writeKeyFile(filepath.Join(dir, privateKeyFileName), k.PrivateKey, 0600); err != nil {
		return err
	}
	if k.PeerPublicKey == (wgtypes.Key{}) {
		return nil
	}
	return writeKeyFile(filepath.Join(dir, peerKeyFileName), k.PeerPublicKey, 0644)
}

func writeKeyFile(path string, key wgtypes.Key, perm os.FileMode) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(key.String()+"\n"), perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Load reads keys written by Store.
func Load(dir string) (Keys, error) {
	priv, err := readKeyFile(filepath.Join(dir, privateKeyFileName))
	if err != nil {
		return Keys{}, err
	}
	peer, err := readKeyFile(filepath.Join(dir, peerKeyFileName))
	if err != nil {
		return Keys{}, err
	}
	return Keys{PrivateKey: priv, PeerPublicKey: peer}, nil
}

func readKeyFile(path string) (wgtypes.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return wgtypes.Key{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return wgtypes.Key{}, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	k, err := ParseKey(string(data))
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return k, nil
}

// Exists reports whether dir holds a private key file.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, privateKeyFileName))
	return err == nil
}
