// Package identity manages the bridge's overlay key pair. The x25519
// private key lives at <data_dir>/identity.key; the derived public key
// is what peers put in their route tables to reach this bridge.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"

	"github.com/mik-tf/mycelium-matrix-chat/pkg/errors"
	"github.com/mik-tf/mycelium-matrix-chat/pkg/logger"
)

const keySize = 32

// Identity is the bridge's overlay key pair.
type Identity struct {
	private []byte
	public  []byte
}

// LoadOrCreate loads the key at path, generating and persisting a
// fresh one on first start. A corrupt key file is replaced rather than
// trusted.
func LoadOrCreate(path string, log *logger.Logger) (*Identity, error) {
	if log == nil {
		log = logger.Global()
	}
	log = log.WithComponent("identity")

	// Try to load an existing key
	if data, err := os.ReadFile(path); err == nil {
		private, err := hex.DecodeString(string(data))
		if err == nil && len(private) == keySize {
			return fromPrivate(private)
		}
		log.Warn("Identity key file is corrupt, generating a new key", "path", path)
	}

	// Generate a new key (this happens once on first start)
	private := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, private); err != nil {
		return nil, errors.Config("failed to generate identity key: %v", err)
	}

	// Save the key for future restarts
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Config("failed to create identity directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(private)), 0600); err != nil {
		return nil, errors.Config("failed to save identity key: %v", err)
	}

	id, err := fromPrivate(private)
	if err != nil {
		return nil, err
	}
	log.Info("Generated bridge identity", "path", path, "public_key", id.PublicKeyHex())
	return id, nil
}

func fromPrivate(private []byte) (*Identity, error) {
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, errors.Config("failed to derive public key: %v", err)
	}
	return &Identity{private: private, public: public}, nil
}

// PublicKey returns the raw 32-byte public key.
func (i *Identity) PublicKey() []byte {
	return i.public
}

// PublicKeyHex returns the public key in the 64-character hex form
// peers use as a route's mycelium_key.
func (i *Identity) PublicKeyHex() string {
	return hex.EncodeToString(i.public)
}
