package clientup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dyncproto/dync/internal/transport"
	"github.com/dyncproto/dync/internal/wire"
)

// fakeEndpoint is an in-process transport.ClientEndpoint driven by a test:
// Send appends to Sent, Recv drains Inbound (or blocks on ctx).
type fakeEndpoint struct {
	Sent    []wire.Message
	Inbound chan transport.Envelope
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{Inbound: make(chan transport.Envelope, 16)}
}

func (f *fakeEndpoint) Recv(ctx context.Context) (transport.Envelope, error) {
	select {
	case env := <-f.Inbound:
		return env, nil
	case <-ctx.Done():
		return transport.Envelope{}, ctx.Err()
	}
}

func (f *fakeEndpoint) Send(ctx context.Context, msg wire.Message) error {
	f.Sent = append(f.Sent, msg)
	return nil
}

func (f *fakeEndpoint) Close() error { return nil }

func (f *fakeEndpoint) deliver(msg wire.Message) {
	f.Inbound <- transport.Envelope{Message: &msg}
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func runInBackground(t *testing.T, m *Machine) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background())
	}()
	return done
}

func TestHappyPath_ThreeChunks(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	source := strings.NewReader("helloworld")
	cfg := Config{Filename: "out.bin", MetaJSON: []byte("{}"), InactivityTimeout: 2 * time.Second, MaxRetries: 3}
	m := New(ep, source, cfg, discardLogger())

	done := runInBackground(t, m)

	ep.deliver(wire.Message{Tag: wire.TagUploadApproved, Credit: 3, Chunksize: 4, Maxqueue: 3})

	waitForSent(t, ep, 4) // post-file + 3 chunks

	if len(ep.Sent) != 4 {
		t.Fatalf("got %d sent messages, want 4", len(ep.Sent))
	}
	if ep.Sent[0].Tag != wire.TagPostFile {
		t.Fatalf("first message = %v, want post-file", ep.Sent[0].Tag)
	}

	last := ep.Sent[3]
	if last.Flags&wire.LastChunkFlag == 0 {
		t.Fatalf("final chunk missing last-chunk flag")
	}
	sum := sha256.Sum256([]byte("helloworld"))
	if !bytes.Equal(last.Checksum, sum[:]) {
		t.Fatalf("final checksum mismatch")
	}

	ep.deliver(wire.Message{Tag: wire.TagUploadFinished, UploadID: "abc-123"})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not complete")
	}

	if m.State() != StateDone {
		t.Fatalf("state = %v, want DONE", m.State())
	}
	if m.UploadID() != "abc-123" {
		t.Fatalf("UploadID() = %q", m.UploadID())
	}
}

func TestCreditPause_ResumesOnTransferCredit(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	source := strings.NewReader("abcdefghijkl") // 12 bytes, chunksize 4 => 3 chunks
	cfg := Config{Filename: "f", MetaJSON: []byte("{}"), InactivityTimeout: 2 * time.Second, MaxRetries: 3}
	m := New(ep, source, cfg, discardLogger())

	done := runInBackground(t, m)

	ep.deliver(wire.Message{Tag: wire.TagUploadApproved, Credit: 2, Chunksize: 4, Maxqueue: 3})

	waitForSent(t, ep, 3) // post-file + 2 chunks, then draining
	if m.State() != StateDraining {
		t.Fatalf("state = %v, want DRAINING", m.State())
	}

	ep.deliver(wire.Message{Tag: wire.TagTransferCredit, Amount: 1})

	waitForSent(t, ep, 4)
	final := ep.Sent[3]
	if final.Flags&wire.LastChunkFlag == 0 {
		t.Fatalf("expected final chunk to carry last-chunk flag")
	}

	ep.deliver(wire.Message{Tag: wire.TagUploadFinished, UploadID: "id-2"})

	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestReconnectMidStream_ResendsFromStatusReport(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	source := strings.NewReader("helloworld")
	cfg := Config{Filename: "f", MetaJSON: []byte("{}"), InactivityTimeout: 2 * time.Second, MaxRetries: 3}
	m := New(ep, source, cfg, discardLogger())

	done := runInBackground(t, m)

	ep.deliver(wire.Message{Tag: wire.TagUploadApproved, Credit: 3, Chunksize: 4, Maxqueue: 3})
	waitForSent(t, ep, 4)

	// Server only saw seeks 0 and 4; it reports write_offset=8 after reconnect.
	ep.deliver(wire.Message{Tag: wire.TagStatusReport, Seek: 8, Credit: 1})

	waitForSent(t, ep, 5)
	resent := ep.Sent[4]
	if resent.Seek != 8 || resent.Flags&wire.LastChunkFlag == 0 {
		t.Fatalf("expected resend of final chunk at seek 8, got %+v", resent)
	}

	ep.deliver(wire.Message{Tag: wire.TagUploadFinished, UploadID: "id-3"})

	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestChecksumMismatch_SurfacesFatalError(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	source := strings.NewReader("hi")
	cfg := Config{Filename: "f", MetaJSON: []byte("{}"), InactivityTimeout: 2 * time.Second, MaxRetries: 3}
	m := New(ep, source, cfg, discardLogger())

	done := runInBackground(t, m)

	ep.deliver(wire.Message{Tag: wire.TagUploadApproved, Credit: 1, Chunksize: 4, Maxqueue: 1})
	waitForSent(t, ep, 2)

	ep.deliver(wire.Message{Tag: wire.TagError, Code: 422, Msg: "checksum-mismatch"})

	err := <-done
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %v, want FAILED", m.State())
	}
}

func TestRejectedMetadata_SurfacesFatalErrorBeforeApproval(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	source := strings.NewReader("hi")
	cfg := Config{Filename: "f", MetaJSON: []byte("{}"), InactivityTimeout: 2 * time.Second, MaxRetries: 3}
	m := New(ep, source, cfg, discardLogger())

	done := runInBackground(t, m)

	waitForSent(t, ep, 1) // post-file only

	ep.deliver(wire.Message{Tag: wire.TagError, Code: 403, Msg: "missing required field"})

	err := <-done
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestRetentionExhaustion_FailsFatally(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	source := strings.NewReader("helloworld")
	cfg := Config{Filename: "f", MetaJSON: []byte("{}"), InactivityTimeout: 2 * time.Second, MaxRetries: 3}
	m := New(ep, source, cfg, discardLogger())

	done := runInBackground(t, m)

	// maxqueue=1 so the ring only retains the single most recent chunk.
	ep.deliver(wire.Message{Tag: wire.TagUploadApproved, Credit: 1, Chunksize: 4, Maxqueue: 1})
	waitForSent(t, ep, 2) // post-file + one chunk (seek=0), then draining (credit exhausted)

	// Server asks for a seek below the ring's low-water mark (which is seek=4
	// once the second chunk evicts it) by first granting more credit so a
	// second chunk gets pushed, evicting seek=0, then requesting seek=0 back.
	ep.deliver(wire.Message{Tag: wire.TagTransferCredit, Amount: 1})
	waitForSent(t, ep, 3)

	ep.deliver(wire.Message{Tag: wire.TagStatusReport, Seek: 0, Credit: 1})

	err := <-done
	if !errors.Is(err, ErrRetentionExhausted) {
		t.Fatalf("err = %v, want ErrRetentionExhausted", err)
	}
}

func TestZeroByteFile_SendsSingleEmptyLastChunk(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	source := strings.NewReader("")
	cfg := Config{Filename: "empty", MetaJSON: []byte("{}"), InactivityTimeout: 2 * time.Second, MaxRetries: 3}
	m := New(ep, source, cfg, discardLogger())

	done := runInBackground(t, m)

	ep.deliver(wire.Message{Tag: wire.TagUploadApproved, Credit: 1, Chunksize: 4, Maxqueue: 1})
	waitForSent(t, ep, 2)

	chunk := ep.Sent[1]
	if len(chunk.Data) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(chunk.Data))
	}
	if chunk.Flags&wire.LastChunkFlag == 0 {
		t.Fatalf("expected last-chunk flag on the only chunk")
	}
	sum := sha256.Sum256(nil)
	if !bytes.Equal(chunk.Checksum, sum[:]) {
		t.Fatalf("checksum mismatch for empty file")
	}

	ep.deliver(wire.Message{Tag: wire.TagUploadFinished, UploadID: "id-empty"})
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestCancel_SendsCancelledErrorAndFails(t *testing.T) {
	t.Parallel()

	ep := newFakeEndpoint()
	source := strings.NewReader("helloworld")
	cfg := Config{Filename: "f", MetaJSON: []byte("{}"), InactivityTimeout: 50 * time.Millisecond, MaxRetries: 3}
	m := New(ep, source, cfg, discardLogger())

	done := runInBackground(t, m)
	waitForSent(t, ep, 1)

	m.Cancel()

	err := <-done
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	found := false
	for _, msg := range ep.Sent {
		if msg.Tag == wire.TagError && msg.Code == 499 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected error(499) to be sent on cancel, sent=%+v", ep.Sent)
	}
}

func waitForSent(t *testing.T, ep *fakeEndpoint, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ep.Sent) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent messages, got %d", n, len(ep.Sent))
}
