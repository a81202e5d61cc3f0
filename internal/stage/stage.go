// Package stage implements the storage side of the protocol: staging
// partial uploads on disk, writing chunks at their declared offset, and
// atomically promoting a finished upload to its destination alongside a
// metadata sidecar and a checksum sidecar.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

// filePermissions is the mode for staged and promoted files.
const filePermissions = 0o644

// dirPermissions is the mode for the staging and destination directories.
const dirPermissions = 0o755

// Storage is the external interface the server upload state machine uses.
type Storage interface {
	// OpenStaging creates a new staging file for uploadID, truncating any
	// existing one of the same name.
	OpenStaging(uploadID string) (*Staging, error)
	// Finalize atomically promotes a staging file to filename under
	// destination, and writes the metadata and checksum sidecars. It is
	// only called after the running checksum has verified.
	Finalize(ctx context.Context, st *Staging, filename string, metaJSON []byte, sum [sha256.Size]byte) error
	// Abort deletes a staging file without promoting it.
	Abort(st *Staging) error
}

// Staging is an open partial-upload file plus its running SHA-256 digest.
// WriteAt must be called with non-decreasing, contiguous offsets — the
// server upload state machine enforces that invariant before calling it.
type Staging struct {
	UploadID string
	path     string
	f        *os.File
	digest   hash.Hash
}

// WriteAt writes data at the given offset and folds it into the running
// checksum. The caller guarantees offset == the upload's current
// write_offset.
func (s *Staging) WriteAt(data []byte, offset int64) error {
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("stage: writing %d bytes at offset %d: %w", len(data), offset, err)
	}
	if _, err := s.digest.Write(data); err != nil {
		return fmt.Errorf("stage: hashing chunk: %w", err)
	}
	return nil
}

// Sum returns the running SHA-256 digest over everything written so far.
func (s *Staging) Sum() [sha256.Size]byte {
	var out [sha256.Size]byte
	copy(out[:], s.digest.Sum(nil))
	return out
}

// FSStorage is a Storage backed by a staging directory and a destination
// directory on the local filesystem, using rename(2) for atomic promotion.
type FSStorage struct {
	stagingRoot     string
	destinationRoot string
	logger          *slog.Logger
}

// NewFSStorage returns an FSStorage rooted at stagingRoot/destinationRoot,
// creating both directories if they do not exist.
func NewFSStorage(stagingRoot, destinationRoot string, logger *slog.Logger) (*FSStorage, error) {
	if err := os.MkdirAll(stagingRoot, dirPermissions); err != nil {
		return nil, fmt.Errorf("stage: creating staging root: %w", err)
	}
	if err := os.MkdirAll(destinationRoot, dirPermissions); err != nil {
		return nil, fmt.Errorf("stage: creating destination root: %w", err)
	}

	return &FSStorage{
		stagingRoot:     stagingRoot,
		destinationRoot: destinationRoot,
		logger:          logger,
	}, nil
}

// OpenStaging implements Storage.
func (fs *FSStorage) OpenStaging(uploadID string) (*Staging, error) {
	path := filepath.Join(fs.stagingRoot, uploadID)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, filePermissions)
	if err != nil {
		return nil, fmt.Errorf("stage: opening staging file: %w", err)
	}

	return &Staging{
		UploadID: uploadID,
		path:     path,
		f:        f,
		digest:   sha256.New(),
	}, nil
}

// Finalize implements Storage.
func (fs *FSStorage) Finalize(
	_ context.Context, st *Staging, filename string, metaJSON []byte, sum [sha256.Size]byte,
) error {
	if closeErr := st.f.Close(); closeErr != nil {
		return fmt.Errorf("stage: closing staging file: %w", closeErr)
	}

	// Clients on different platforms decompose filenames differently
	// (macOS favors NFD, most others NFC); normalize so the same name
	// never lands as two distinct destination files.
	destPath := filepath.Join(fs.destinationRoot, norm.NFC.String(filename))
	if err := os.Rename(st.path, destPath); err != nil {
		return fmt.Errorf("stage: promoting staged file: %w", err)
	}

	metaPath := destPath + ".meta"
	if err := os.WriteFile(metaPath, metaJSON, filePermissions); err != nil {
		return fmt.Errorf("stage: writing metadata sidecar: %w", err)
	}

	sumPath := destPath + ".sha256"
	sumLine := hex.EncodeToString(sum[:]) + "\n"
	if err := os.WriteFile(sumPath, []byte(sumLine), filePermissions); err != nil {
		return fmt.Errorf("stage: writing checksum sidecar: %w", err)
	}

	fs.logger.Info("upload promoted",
		slog.String("upload_id", st.UploadID),
		slog.String("destination", destPath),
	)

	return nil
}

// Abort implements Storage.
func (fs *FSStorage) Abort(st *Staging) error {
	st.f.Close()

	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stage: removing staging file: %w", err)
	}

	fs.logger.Debug("upload aborted, staging removed", slog.String("upload_id", st.UploadID))

	return nil
}

// VerifyFinalChecksum reports whether digest, computed over the whole
// staged file, equals trailer. Both are 32-byte SHA-256 sums.
func VerifyFinalChecksum(digest [sha256.Size]byte, trailer []byte) bool {
	if len(trailer) != sha256.Size {
		return false
	}
	for i := range digest {
		if digest[i] != trailer[i] {
			return false
		}
	}
	return true
}
