package stage

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestStorage(t *testing.T) *FSStorage {
	t.Helper()

	root := t.TempDir()
	fs, err := NewFSStorage(filepath.Join(root, "staging"), filepath.Join(root, "dest"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewFSStorage: %v", err)
	}
	return fs
}

func TestOpenWriteFinalize_PromotesFileAndSidecars(t *testing.T) {
	t.Parallel()

	fs := newTestStorage(t)

	st, err := fs.OpenStaging("upload-1")
	if err != nil {
		t.Fatalf("OpenStaging: %v", err)
	}

	data := []byte("helloworld")
	if err := st.WriteAt(data, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	sum := sha256.Sum256(data)
	if got := st.Sum(); got != sum {
		t.Fatalf("Sum = %x, want %x", got, sum)
	}

	meta := []byte(`{"k":"v"}`)
	if err := fs.Finalize(context.Background(), st, "report.csv", meta, sum); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	destDir := fs.destinationRoot

	got, err := os.ReadFile(filepath.Join(destDir, "report.csv"))
	if err != nil {
		t.Fatalf("reading promoted file: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("promoted contents = %q, want %q", got, data)
	}

	gotMeta, err := os.ReadFile(filepath.Join(destDir, "report.csv.meta"))
	if err != nil {
		t.Fatalf("reading meta sidecar: %v", err)
	}
	if string(gotMeta) != string(meta) {
		t.Fatalf("meta sidecar = %q, want %q", gotMeta, meta)
	}

	if _, err := os.ReadFile(filepath.Join(destDir, "report.csv.sha256")); err != nil {
		t.Fatalf("reading sha256 sidecar: %v", err)
	}

	if _, err := os.Stat(st.path); !os.IsNotExist(err) {
		t.Fatalf("staging file should be gone after promotion, stat err = %v", err)
	}
}

func TestAbort_RemovesStagingWithoutPromoting(t *testing.T) {
	t.Parallel()

	fs := newTestStorage(t)

	st, err := fs.OpenStaging("upload-2")
	if err != nil {
		t.Fatalf("OpenStaging: %v", err)
	}
	if err := st.WriteAt([]byte("partial"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := fs.Abort(st); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if _, err := os.Stat(st.path); !os.IsNotExist(err) {
		t.Fatalf("staging file should be removed, stat err = %v", err)
	}

	entries, err := os.ReadDir(fs.destinationRoot)
	if err != nil {
		t.Fatalf("ReadDir destination: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("destination should be empty after abort, got %v", entries)
	}
}

func TestVerifyFinalChecksum(t *testing.T) {
	t.Parallel()

	sum := sha256.Sum256([]byte("data"))

	if !VerifyFinalChecksum(sum, sum[:]) {
		t.Fatalf("matching checksum should verify")
	}

	bad := make([]byte, sha256.Size)
	if VerifyFinalChecksum(sum, bad) {
		t.Fatalf("mismatching checksum should not verify")
	}

	if VerifyFinalChecksum(sum, []byte{0x01}) {
		t.Fatalf("wrong-length trailer should not verify")
	}
}
