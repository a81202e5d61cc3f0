package transport

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// keyFilePerms restricts private key files to owner-only read/write,
// matching the rest of this codebase's handling of long-lived secrets.
const keyFilePerms = 0o600

// keyDirPerms is used when creating a key file's parent directory.
const keyDirPerms = 0o700

// LoadOrGenerateKeyPair reads a long-term keypair from path (a raw 32-byte
// private key), or generates and saves a fresh one if the file does not
// exist yet. The public half is always derivable from the private one
// (Curve25519), so only the private key is stored on disk.
func LoadOrGenerateKeyPair(path string) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		kp, genErr := GenerateKeyPair()
		if genErr != nil {
			return KeyPair{}, genErr
		}
		if saveErr := saveKeyPair(path, kp); saveErr != nil {
			return KeyPair{}, saveErr
		}
		return kp, nil
	}
	if err != nil {
		return KeyPair{}, fmt.Errorf("transport: reading key file %s: %w", path, err)
	}

	return keyPairFromPrivate(data)
}

func saveKeyPair(path string, kp KeyPair) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, keyDirPerms); err != nil {
		return fmt.Errorf("transport: creating key directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, kp.Private[:], keyFilePerms); err != nil {
		return fmt.Errorf("transport: writing key file %s: %w", path, err)
	}
	return nil
}

func keyPairFromPrivate(data []byte) (KeyPair, error) {
	if len(data) != KeySize {
		return KeyPair{}, fmt.Errorf("transport: key file has %d bytes, want %d", len(data), KeySize)
	}

	var priv [KeySize]byte
	copy(priv[:], data)

	pub, err := derivePublic(priv)
	if err != nil {
		return KeyPair{}, err
	}

	return KeyPair{Public: pub, Private: priv}, nil
}

// derivePublic computes the Curve25519 public key for a stored private key,
// the same scalar multiplication box.GenerateKey uses internally.
func derivePublic(priv [KeySize]byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("transport: deriving public key: %w", err)
	}
	copy(pub[:], out)
	return pub, nil
}

// SavePublicKey writes pub's raw 32 bytes to path, for distributing a
// server's or client's public key out of band (e.g. into a peer's
// authorized-keys directory).
func SavePublicKey(path string, pub [KeySize]byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, keyDirPerms); err != nil {
		return fmt.Errorf("transport: creating key directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, pub[:], keyFilePerms); err != nil {
		return fmt.Errorf("transport: writing public key file %s: %w", path, err)
	}
	return nil
}

// LoadPublicKey reads a raw 32-byte public key from path.
func LoadPublicKey(path string) ([KeySize]byte, error) {
	var pub [KeySize]byte

	data, err := os.ReadFile(path)
	if err != nil {
		return pub, fmt.Errorf("transport: reading public key file %s: %w", path, err)
	}
	if len(data) != KeySize {
		return pub, fmt.Errorf("transport: public key file %s has %d bytes, want %d", path, len(data), KeySize)
	}

	copy(pub[:], data)
	return pub, nil
}

// PublicKeyHex returns the conventional hex encoding used for authorized-key
// filenames and log lines.
func PublicKeyHex(pub [KeySize]byte) string {
	return hex.EncodeToString(pub[:])
}
