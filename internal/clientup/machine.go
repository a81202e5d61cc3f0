// Package clientup implements the client-side upload state machine: one
// file upload driven through post-file, credit-gated streaming, retention
// based retransmission, and commit acknowledgment. States and transitions
// follow an explicit state-enum-per-endpoint design: a single Run loop
// dispatches each inbound event to a handler for the current state, so the
// transitions can be exercised against a fake transport without a live
// network.
package clientup

import (
	"bufio"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"time"

	"github.com/dyncproto/dync/internal/chunkring"
	"github.com/dyncproto/dync/internal/transport"
	"github.com/dyncproto/dync/internal/wire"
)

// State is one node of the client upload state machine.
type State int

const (
	StateInit State = iota
	StateAwaitApproval
	StateStreaming
	StateDraining
	StateAwaitFinish
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitApproval:
		return "AWAIT_APPROVAL"
	case StateStreaming:
		return "STREAMING"
	case StateDraining:
		return "DRAINING"
	case StateAwaitFinish:
		return "AWAIT_FINISH"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Sentinel outcomes the CLI front end maps to exit codes. Wrapped with
// %w so the server's (code, msg) detail survives in the error string.
var (
	ErrLocalIO            = errors.New("clientup: local I/O error")
	ErrRejected           = errors.New("clientup: rejected by server")
	ErrChecksumMismatch   = errors.New("clientup: checksum mismatch")
	ErrTransportTimeout   = errors.New("clientup: timed out")
	ErrCancelled          = errors.New("clientup: cancelled")
	ErrRetentionExhausted = errors.New("clientup: retention exhausted")
	ErrProtocol           = errors.New("clientup: protocol error")
)

// Config fixes the per-upload parameters the front end supplies; the
// credit/chunksize/maxqueue triple is the server's to decide (§4.3).
type Config struct {
	Filename          string
	MetaJSON          []byte
	InactivityTimeout time.Duration // client timer T1, spec §5
	MaxRetries        int           // N, spec §5
}

// Machine drives a single file upload end to end.
type Machine struct {
	endpoint transport.ClientEndpoint
	source   io.Reader
	cfg      Config
	logger   *slog.Logger

	state State

	reader    *bufio.Reader
	hasher    hash.Hash
	ring      *chunkring.Ring
	credit    uint32
	chunksize uint32
	maxqueue  uint32
	nextSeek  uint64
	eofSent   bool

	unansweredProbes int
	cancelRequested  bool

	uploadID string
	lastErr  error
}

// New returns a Machine ready to Run. source is read sequentially, in the
// order bytes are sent on the wire; it need not support seeking because
// retransmission is served from the in-memory chunk ring, not the file.
func New(endpoint transport.ClientEndpoint, source io.Reader, cfg Config, logger *slog.Logger) *Machine {
	return &Machine{
		endpoint: endpoint,
		source:   source,
		cfg:      cfg,
		logger:   logger,
		state:    StateInit,
		hasher:   sha256.New(),
	}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// UploadID returns the server-assigned id once the upload has reached DONE.
func (m *Machine) UploadID() string { return m.uploadID }

// Cancel requests cancellation. It may be called from another goroutine
// while Run is blocked in Recv; the request is observed at the next loop
// iteration, at worst after one InactivityTimeout.
func (m *Machine) Cancel() { m.cancelRequested = true }

// Run drives the upload to completion, failure, or cancellation. It
// returns nil only when the machine reaches DONE.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.sendPostFile(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrLocalIO, err)
	}
	m.state = StateAwaitApproval

	for {
		switch m.state {
		case StateDone:
			return nil
		case StateFailed:
			return m.lastErr
		}

		if m.cancelRequested {
			return m.cancel(ctx)
		}

		env, timedOut, err := m.recvWithTimeout(ctx)
		if err != nil {
			return err
		}
		if timedOut {
			if err := m.onInactivity(ctx); err != nil {
				return err
			}
			continue
		}

		if err := m.dispatch(ctx, env); err != nil {
			return err
		}
	}
}

func (m *Machine) recvWithTimeout(ctx context.Context) (transport.Envelope, bool, error) {
	timeout := m.cfg.InactivityTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env, err := m.endpoint.Recv(tctx)
	if err != nil {
		if ctx.Err() != nil {
			return transport.Envelope{}, false, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return transport.Envelope{}, true, nil
		}
		return transport.Envelope{}, false, err
	}
	return env, false, nil
}

func (m *Machine) dispatch(ctx context.Context, env transport.Envelope) error {
	if env.Message == nil {
		if env.Ev == transport.EventReconnected && m.state == StateAwaitApproval {
			return m.sendPostFile(ctx)
		}
		return nil
	}

	msg := env.Message

	if msg.Tag == wire.TagError {
		return m.fail(serverError(msg.Code, msg.Msg))
	}

	switch m.state {
	case StateAwaitApproval:
		return m.handleAwaitApproval(ctx, *msg)
	case StateDraining:
		return m.handleDraining(ctx, *msg)
	case StateAwaitFinish:
		return m.handleAwaitFinish(ctx, *msg)
	default:
		return nil
	}
}

func (m *Machine) handleAwaitApproval(ctx context.Context, msg wire.Message) error {
	if msg.Tag != wire.TagUploadApproved {
		return nil
	}

	m.credit = msg.Credit
	m.chunksize = msg.Chunksize
	m.maxqueue = msg.Maxqueue
	if m.chunksize == 0 {
		m.chunksize = 1
	}
	m.reader = bufio.NewReaderSize(m.source, int(m.chunksize))
	m.ring = chunkring.New(intMax(int(m.maxqueue), 1))
	m.unansweredProbes = 0

	m.state = StateStreaming
	return m.pump(ctx)
}

func (m *Machine) handleDraining(ctx context.Context, msg wire.Message) error {
	switch msg.Tag {
	case wire.TagTransferCredit:
		m.credit += msg.Amount
		m.unansweredProbes = 0
		m.state = StateStreaming
		return m.pump(ctx)

	case wire.TagStatusReport:
		return m.resync(ctx, msg.Seek, msg.Credit)

	default:
		return nil
	}
}

func (m *Machine) handleAwaitFinish(ctx context.Context, msg wire.Message) error {
	switch msg.Tag {
	case wire.TagUploadFinished:
		m.uploadID = msg.UploadID
		m.ring.Reset()
		m.state = StateDone
		return nil

	case wire.TagStatusReport:
		if msg.Seek >= m.nextSeek {
			// Server already has everything we've sent; nothing to do but wait.
			return nil
		}
		return m.resync(ctx, msg.Seek, msg.Credit)

	default:
		return nil
	}
}

// resync implements the DRAINING/AWAIT_FINISH status-report handling
// (spec §4.4): rewind to seek, adopt credit, and retransmit retained
// records at or after seek in order.
func (m *Machine) resync(ctx context.Context, seek uint64, credit uint32) error {
	if lw, ok := m.ring.LowWater(); ok && seek < lw {
		return m.fail(fmt.Errorf("%w: server requested seek %d below ring low-water %d", ErrRetentionExhausted, seek, lw))
	}

	records, err := m.ring.ResendFrom(seek)
	if err != nil {
		return m.fail(fmt.Errorf("%w: %s", ErrRetentionExhausted, err))
	}

	m.credit = credit
	m.unansweredProbes = 0

	resentLast := false
	for _, rec := range records {
		flags := uint32(0)
		if rec.IsLast {
			flags = wire.LastChunkFlag
			resentLast = true
		}
		out := wire.Message{Tag: wire.TagPostChunk, Flags: flags, Seek: rec.Seek, Data: rec.Payload, Checksum: rec.ChecksumTrailer}
		if err := m.endpoint.Send(ctx, out); err != nil {
			return fmt.Errorf("clientup: resending chunk at seek %d: %w", rec.Seek, err)
		}
	}

	if resentLast {
		m.state = StateAwaitFinish
		return nil
	}

	m.state = StateStreaming
	return m.pump(ctx)
}

// pump sends chunks while credit remains and the source is not exhausted.
// It is the only place that reads the file and advances nextSeek.
func (m *Machine) pump(ctx context.Context) error {
	for m.credit > 0 && !m.eofSent {
		data, isLast, err := m.readNextChunk()
		if err != nil {
			return m.fail(fmt.Errorf("%w: %s", ErrLocalIO, err))
		}

		seek := m.nextSeek
		flags := uint32(0)
		var checksum []byte

		m.hasher.Write(data)
		if isLast {
			flags = wire.LastChunkFlag
			checksum = m.hasher.Sum(nil)
			m.eofSent = true
		}

		m.ring.Push(chunkring.Record{Seek: seek, Payload: data, IsLast: isLast, ChecksumTrailer: checksum})

		msg := wire.Message{Tag: wire.TagPostChunk, Flags: flags, Seek: seek, Data: data, Checksum: checksum}
		if err := m.endpoint.Send(ctx, msg); err != nil {
			return fmt.Errorf("clientup: sending chunk at seek %d: %w", seek, err)
		}

		m.nextSeek += uint64(len(data))
		m.credit--
		m.unansweredProbes = 0
	}

	switch {
	case m.eofSent:
		m.state = StateAwaitFinish
	case m.credit == 0:
		m.state = StateDraining
	}
	return nil
}

// readNextChunk reads up to chunksize bytes and reports whether this read
// consumed the last bytes of the source, including the exact-multiple
// boundary case (a full chunk immediately followed by EOF).
func (m *Machine) readNextChunk() (data []byte, isLast bool, err error) {
	buf := make([]byte, m.chunksize)
	n, readErr := io.ReadFull(m.reader, buf)
	switch {
	case readErr == nil:
		if _, peekErr := m.reader.Peek(1); errors.Is(peekErr, io.EOF) {
			return buf[:n], true, nil
		}
		return buf[:n], false, nil
	case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
		return buf[:n], true, nil
	default:
		return nil, false, readErr
	}
}

func (m *Machine) onInactivity(ctx context.Context) error {
	m.unansweredProbes++
	maxRetries := m.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if m.unansweredProbes > maxRetries {
		return m.fail(fmt.Errorf("%w: no response after %d probes", ErrTransportTimeout, maxRetries))
	}

	m.logger.Debug("clientup: inactivity probe", slog.Int("attempt", m.unansweredProbes), slog.String("state", m.state.String()))

	switch m.state {
	case StateAwaitApproval:
		return m.sendPostFile(ctx)
	case StateDraining, StateAwaitFinish:
		return m.endpoint.Send(ctx, wire.Message{Tag: wire.TagQueryStatus})
	default:
		return nil
	}
}

func (m *Machine) sendPostFile(ctx context.Context) error {
	return m.endpoint.Send(ctx, wire.Message{Tag: wire.TagPostFile, Filename: m.cfg.Filename, MetaJSON: m.cfg.MetaJSON})
}

func (m *Machine) cancel(ctx context.Context) error {
	_ = m.endpoint.Send(ctx, wire.Message{Tag: wire.TagError, Code: 499, Msg: "client-cancelled"})
	if m.ring != nil {
		m.ring.Reset()
	}
	return m.fail(ErrCancelled)
}

// lastErr holds the terminal error once state has moved to StateFailed.
func (m *Machine) fail(err error) error {
	m.state = StateFailed
	m.lastErr = err
	return err
}

func serverError(code uint32, msg string) error {
	switch code {
	case 403:
		return fmt.Errorf("%w (403): %s", ErrRejected, msg)
	case 422:
		return fmt.Errorf("%w (422): %s", ErrChecksumMismatch, msg)
	case 408:
		return fmt.Errorf("%w (408): %s", ErrTransportTimeout, msg)
	case 400, 413:
		return fmt.Errorf("%w (%d): %s", ErrProtocol, code, msg)
	default:
		return fmt.Errorf("clientup: server error %d: %s", code, msg)
	}
}

func intMax(a, b int) int {
	if a > b {
		return a
	}
	return b
}
