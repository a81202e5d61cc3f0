package transport

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// AuthStore holds the set of approved client long-term public keys,
// per spec §6: "A directory of approved client public keys; the transport
// consults it during handshake." Each file in the directory holds exactly
// one raw 32-byte Curve25519 public key; the filename is conventionally
// the key's hex encoding but is not itself authoritative.
type AuthStore struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	keys map[[KeySize]byte]struct{}
}

// NewAuthStore loads every key file under dir and returns a store. An
// empty or missing directory yields a store that rejects every peer.
func NewAuthStore(dir string, logger *slog.Logger) (*AuthStore, error) {
	s := &AuthStore{dir: dir, logger: logger, keys: make(map[[KeySize]byte]struct{})}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	return s, nil
}

// Reload re-scans the directory, replacing the in-memory key set. Intended
// to be called on SIGHUP so operators can add/revoke client access without
// restarting the server.
func (s *AuthStore) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.keys = make(map[[KeySize]byte]struct{})
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("transport: reading authorized-keys directory: %w", err)
	}

	keys := make(map[[KeySize]byte]struct{}, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("transport: reading key file %s: %w", e.Name(), err)
		}
		if len(data) != KeySize {
			s.logger.Warn("skipping malformed authorized-key file",
				slog.String("file", e.Name()), slog.Int("bytes", len(data)))
			continue
		}

		var key [KeySize]byte
		copy(key[:], data)
		keys[key] = struct{}{}
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()

	s.logger.Info("authorized-keys store reloaded", slog.Int("count", len(keys)))

	return nil
}

// Authorized reports whether pub is an approved client key.
func (s *AuthStore) Authorized(pub [KeySize]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.keys[pub]
	return ok
}
