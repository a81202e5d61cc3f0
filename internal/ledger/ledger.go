package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Upload lifecycle states recorded in the uploads table. These mirror
// internal/serverup.State but are stored as plain strings so the schema
// does not need to change when the in-memory state enum does.
const (
	StateAccepted = "accepted"
	StateFinished = "finished"
	StateRejected = "rejected"
	StateAborted  = "aborted"
)

// Record is one row of the upload audit ledger.
type Record struct {
	UploadID     string
	Identity     string
	Filename     string
	State        string
	BytesWritten uint64
	ChecksumHex  string
	ErrorCode    uint32
	ErrorMsg     string
	CreatedAt    time.Time
	FinishedAt   time.Time // zero iff not yet finished/rejected/aborted
}

// RecordAccepted inserts a new row when an upload is approved.
func (d *DB) RecordAccepted(ctx context.Context, uploadID, identity, filename string, at time.Time) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO uploads (upload_id, identity, filename, state, bytes_written, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		uploadID, identity, filename, StateAccepted, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording accepted upload %s: %w", uploadID, err)
	}
	return nil
}

// RecordRejected inserts a terminal row for an upload that never reached
// the accepted state (metadata validation failed before staging opened), so
// the audit trail also covers attempts that were turned away.
func (d *DB) RecordRejected(ctx context.Context, uploadID, identity, filename string, code uint32, msg string, at time.Time) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO uploads (upload_id, identity, filename, state, bytes_written, error_code, error_msg, created_at, finished_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		uploadID, identity, filename, StateRejected, code, msg, at.Unix(), at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording rejected upload %s: %w", uploadID, err)
	}
	return nil
}

// RecordProgress updates the durable byte count for an in-flight upload.
func (d *DB) RecordProgress(ctx context.Context, uploadID string, bytesWritten uint64) error {
	_, err := d.sql.ExecContext(ctx,
		`UPDATE uploads SET bytes_written = ? WHERE upload_id = ?`,
		bytesWritten, uploadID,
	)
	if err != nil {
		return fmt.Errorf("ledger: recording progress for %s: %w", uploadID, err)
	}
	return nil
}

// RecordFinished marks an upload as successfully promoted.
func (d *DB) RecordFinished(ctx context.Context, uploadID string, checksum [32]byte, at time.Time) error {
	_, err := d.sql.ExecContext(ctx,
		`UPDATE uploads SET state = ?, checksum_hex = ?, finished_at = ? WHERE upload_id = ?`,
		StateFinished, hex.EncodeToString(checksum[:]), at.Unix(), uploadID,
	)
	if err != nil {
		return fmt.Errorf("ledger: recording finished upload %s: %w", uploadID, err)
	}
	return nil
}

// RecordFailed marks an upload as rejected or aborted with the terminal
// (code, msg) pair that was sent to the client.
func (d *DB) RecordFailed(ctx context.Context, uploadID, state string, code uint32, msg string, at time.Time) error {
	_, err := d.sql.ExecContext(ctx,
		`UPDATE uploads SET state = ?, error_code = ?, error_msg = ?, finished_at = ? WHERE upload_id = ?`,
		state, code, msg, at.Unix(), uploadID,
	)
	if err != nil {
		return fmt.Errorf("ledger: recording failure for %s: %w", uploadID, err)
	}
	return nil
}

// Get returns the ledger row for uploadID, or ErrNotFound.
var ErrNotFound = errors.New("ledger: not found")

func (d *DB) Get(ctx context.Context, uploadID string) (Record, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT upload_id, identity, filename, state, bytes_written,
		        COALESCE(checksum_hex, ''), COALESCE(error_code, 0), COALESCE(error_msg, ''),
		        created_at, COALESCE(finished_at, 0)
		 FROM uploads WHERE upload_id = ?`, uploadID)

	var rec Record
	var createdAt, finishedAt int64
	if err := row.Scan(
		&rec.UploadID, &rec.Identity, &rec.Filename, &rec.State, &rec.BytesWritten,
		&rec.ChecksumHex, &rec.ErrorCode, &rec.ErrorMsg, &createdAt, &finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("ledger: reading %s: %w", uploadID, err)
	}

	rec.CreatedAt = time.Unix(createdAt, 0)
	if finishedAt != 0 {
		rec.FinishedAt = time.Unix(finishedAt, 0)
	}
	return rec, nil
}

// AddAuthorizedKey records a bookkeeping entry for a client public key.
// This does not itself authorize the key — transport.AuthStore's on-disk
// directory is the authoritative source the handshake consults; this table
// exists so an operator can audit who was granted access and when.
func (d *DB) AddAuthorizedKey(ctx context.Context, publicKeyHex, label string, at time.Time) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT OR REPLACE INTO authorized_keys (public_key_hex, label, added_at) VALUES (?, ?, ?)`,
		publicKeyHex, label, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording authorized key: %w", err)
	}
	return nil
}

// RemoveAuthorizedKey deletes the bookkeeping entry for a public key.
func (d *DB) RemoveAuthorizedKey(ctx context.Context, publicKeyHex string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM authorized_keys WHERE public_key_hex = ?`, publicKeyHex)
	if err != nil {
		return fmt.Errorf("ledger: removing authorized key: %w", err)
	}
	return nil
}

// AuthorizedKeyLabel is one row of the authorized-keys bookkeeping table.
type AuthorizedKeyLabel struct {
	PublicKeyHex string
	Label        string
	AddedAt      time.Time
}

// ListAuthorizedKeys returns every bookkeeping row, ordered by AddedAt.
func (d *DB) ListAuthorizedKeys(ctx context.Context) ([]AuthorizedKeyLabel, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT public_key_hex, label, added_at FROM authorized_keys ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing authorized keys: %w", err)
	}
	defer rows.Close()

	var out []AuthorizedKeyLabel
	for rows.Next() {
		var rec AuthorizedKeyLabel
		var addedAt int64
		if err := rows.Scan(&rec.PublicKeyHex, &rec.Label, &addedAt); err != nil {
			return nil, fmt.Errorf("ledger: scanning authorized key row: %w", err)
		}
		rec.AddedAt = time.Unix(addedAt, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}
