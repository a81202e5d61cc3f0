// Package serverup implements the server-side upload state machine: one
// session per connected ClientIdentity, from metadata validation through
// chunked writes at a declared offset, final checksum verification, and
// promotion to the destination. Router (router.go) owns the event loop that
// demultiplexes the transport's incoming envelopes into per-identity
// Machines; Machine itself only knows its own identity and never touches
// another session's state.
package serverup

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dyncproto/dync/internal/credit"
	"github.com/dyncproto/dync/internal/stage"
	"github.com/dyncproto/dync/internal/transport"
	"github.com/dyncproto/dync/internal/validate"
	"github.com/dyncproto/dync/internal/wire"
)

// Auditor receives lifecycle notifications for the supplementary,
// non-authoritative audit ledger (internal/ledger.DB implements this). A nil
// Auditor on a Machine disables auditing entirely — the protocol itself
// never depends on it.
type Auditor interface {
	RecordAccepted(ctx context.Context, uploadID, identity, filename string, at time.Time) error
	RecordRejected(ctx context.Context, uploadID, identity, filename string, code uint32, msg string, at time.Time) error
	RecordProgress(ctx context.Context, uploadID string, bytesWritten uint64) error
	RecordFinished(ctx context.Context, uploadID string, checksum [sha256.Size]byte, at time.Time) error
	RecordFailed(ctx context.Context, uploadID, state string, code uint32, msg string, at time.Time) error
}

// State is one node of the per-identity server upload state machine.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateWriting
	StateCommitting
	StateFinished
	StateRejected
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateValidating:
		return "VALIDATING"
	case StateWriting:
		return "WRITING"
	case StateCommitting:
		return "COMMITTING"
	case StateFinished:
		return "FINISHED"
	case StateRejected:
		return "REJECTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

const defaultMaxFilenameLength = 256

// Config fixes per-server constants shared by every session.
type Config struct {
	// MaxFilenameLength bounds post-file's filename field, in bytes. Zero
	// means the spec default of 256.
	MaxFilenameLength int
}

func (c Config) maxFilenameLength() int {
	if c.MaxFilenameLength <= 0 {
		return defaultMaxFilenameLength
	}
	return c.MaxFilenameLength
}

// Machine is one ClientIdentity's upload session.
type Machine struct {
	identity  transport.Identity
	endpoint  transport.ServerEndpoint
	storage   stage.Storage
	validator validate.Validator
	creditCtl *credit.Controller
	cfg       Config
	logger    *slog.Logger
	audit     Auditor

	state State

	uploadID string
	filename string
	metaJSON []byte
	staging  *stage.Staging

	writeOffset       uint64
	creditOutstanding uint32
	maxqueue          uint32
	chunksize         uint32
	lastActivity      time.Time

	finalChecksum      []byte
	reconnectedPending bool
}

// New returns a Machine for one ClientIdentity, starting in IDLE.
func New(
	identity transport.Identity,
	endpoint transport.ServerEndpoint,
	storage stage.Storage,
	validator validate.Validator,
	creditCtl *credit.Controller,
	cfg Config,
	logger *slog.Logger,
) *Machine {
	return &Machine{
		identity:  identity,
		endpoint:  endpoint,
		storage:   storage,
		validator: validator,
		creditCtl: creditCtl,
		cfg:       cfg,
		logger:    logger,
		state:     StateIdle,
	}
}

// SetAuditor attaches an audit-ledger sink. Router calls this right after
// constructing a Machine when it was itself given one; tests and
// ledger-less deployments simply never call it, leaving audit nil.
func (m *Machine) SetAuditor(a Auditor) { m.audit = a }

// State returns the session's current state.
func (m *Machine) State() State { return m.state }

// UploadID returns the assigned id, valid once the session has left IDLE.
func (m *Machine) UploadID() string { return m.uploadID }

// WriteOffset returns the bytes durably persisted so far.
func (m *Machine) WriteOffset() uint64 { return m.writeOffset }

// HandleReconnect marks that the transport replaced this identity's
// underlying connection. Per spec §4.5 resumption, state is not discarded;
// the next query-status or post-chunk gets an authoritative status-report
// instead of being processed as if nothing happened.
func (m *Machine) HandleReconnect() {
	if m.state == StateWriting {
		m.reconnectedPending = true
	}
}

// HandlePostFile implements the IDLE/WRITING transitions of §4.5 on
// receiving post-file, including the overlap and idempotent-resubmit rules.
func (m *Machine) HandlePostFile(ctx context.Context, msg wire.Message) error {
	switch m.state {
	case StateWriting:
		if msg.Filename == m.filename {
			// Idempotent re-announcement: answer with current parameters,
			// do not reset write_offset.
			if err := m.sendApproved(ctx); err != nil {
				return err
			}
			return m.sendStatusReport(ctx)
		}
		// Conflicting filename on the same identity: the in-flight upload
		// is superseded and aborted (spec §4.5 overlap rule).
		m.abortInFlight(ctx, "superseded by post-file for a different filename", 409, "superseded")
		return m.beginValidation(ctx, msg.Filename, msg.MetaJSON)

	default:
		return m.beginValidation(ctx, msg.Filename, msg.MetaJSON)
	}
}

func (m *Machine) beginValidation(ctx context.Context, filename string, metaJSON []byte) error {
	m.state = StateValidating

	if err := validateFilename(filename, m.cfg.maxFilenameLength()); err != nil {
		m.state = StateRejected
		m.recordRejection(ctx, filename, 400, err.Error())
		return m.sendError(ctx, 400, err.Error())
	}

	result := m.validator.Validate(ctx, filename, metaJSON)
	if result.Kind != validate.OK {
		m.state = StateRejected
		code := result.Code
		if code == 0 {
			code = 403
		}
		m.recordRejection(ctx, filename, code, result.Msg)
		return m.sendError(ctx, code, result.Msg)
	}

	return m.approve(ctx, filename, metaJSON)
}

func (m *Machine) approve(ctx context.Context, filename string, metaJSON []byte) error {
	uploadID := uuid.NewString()

	st, err := m.storage.OpenStaging(uploadID)
	if err != nil {
		return m.internalError(ctx, err)
	}

	chunksize, maxqueue, initialCredit := m.creditCtl.OnAccept(string(m.identity))

	m.uploadID = uploadID
	m.staging = st
	m.filename = filename
	m.metaJSON = metaJSON
	m.writeOffset = 0
	m.chunksize = chunksize
	m.maxqueue = maxqueue
	m.creditOutstanding = initialCredit
	m.lastActivity = time.Now()
	m.finalChecksum = nil
	m.reconnectedPending = false
	m.state = StateWriting

	m.logger.Info("upload accepted",
		slog.String("upload_id", m.uploadID),
		slog.String("filename", m.filename),
		slog.Uint64("initial_credit", uint64(initialCredit)),
	)

	if m.audit != nil {
		if err := m.audit.RecordAccepted(ctx, m.uploadID, string(m.identity), m.filename, time.Now()); err != nil {
			m.logger.Warn("audit: failed to record acceptance", slog.String("error", err.Error()))
		}
	}

	return m.sendApproved(ctx)
}

// HandlePostChunk implements the WRITING validations of §4.5 step by step.
// It returns any cross-upload credit the write freed up (this session's own
// share, if any, has already been applied and sent); the caller (Router)
// is responsible for routing the rest to the OTHER sessions it names.
func (m *Machine) HandlePostChunk(ctx context.Context, msg wire.Message) (reissue map[string]uint32, err error) {
	if m.state != StateWriting {
		return nil, m.sendError(ctx, 400, "post-chunk outside an active upload")
	}

	if m.reconnectedPending {
		m.reconnectedPending = false
		reissued := m.creditCtl.Reissue(string(m.identity))
		m.creditOutstanding += reissued
		return nil, m.sendStatusReport(ctx)
	}

	if uint32(len(msg.Data)) > m.chunksize {
		m.abortInFlight(ctx, "chunk exceeds negotiated chunksize", 413, "chunk-too-large")
		return nil, m.sendError(ctx, 413, "chunk-too-large")
	}

	switch {
	case msg.Seek < m.writeOffset:
		// Duplicate retransmit already durable: silently discard.
		return nil, nil

	case msg.Seek > m.writeOffset:
		// Out of order beyond what the credit model permits.
		return nil, m.sendStatusReport(ctx)
	}

	if err := m.staging.WriteAt(msg.Data, int64(msg.Seek)); err != nil {
		return nil, m.internalError(ctx, err)
	}

	m.writeOffset += uint64(len(msg.Data))
	m.creditOutstanding--
	m.lastActivity = time.Now()

	isLast := msg.Flags&wire.LastChunkFlag != 0
	if isLast && len(msg.Checksum) != wire.ChecksumSize {
		m.abortInFlight(ctx, "last chunk missing checksum trailer", 400, "malformed-frame")
		return nil, m.sendError(ctx, 400, "malformed-frame")
	}

	others := m.creditCtl.OnWriteComplete(string(m.identity), m.writeOffset, 1)
	if amt, ok := others[string(m.identity)]; ok {
		delete(others, string(m.identity))
		if err := m.ApplyCredit(ctx, amt); err != nil {
			return others, err
		}
	}

	if m.audit != nil {
		if err := m.audit.RecordProgress(ctx, m.uploadID, m.writeOffset); err != nil {
			m.logger.Warn("audit: failed to record progress", slog.String("error", err.Error()))
		}
	}

	if isLast {
		m.finalChecksum = msg.Checksum
		m.state = StateCommitting
		return others, m.commit(ctx)
	}

	return others, nil
}

// ApplyCredit records additional credit granted by the controller (either
// this session's own share of a rebalance, or a post-reconnect reissue) and
// notifies the client.
func (m *Machine) ApplyCredit(ctx context.Context, amount uint32) error {
	if amount == 0 {
		return nil
	}
	m.creditOutstanding += amount
	return m.endpoint.Send(ctx, m.identity, wire.Message{Tag: wire.TagTransferCredit, Amount: amount})
}

func (m *Machine) commit(ctx context.Context) error {
	sum := m.staging.Sum()
	if !stage.VerifyFinalChecksum(sum, m.finalChecksum) {
		_ = m.storage.Abort(m.staging)
		m.creditCtl.OnDisconnect(string(m.identity))
		m.state = StateAborted
		m.logger.Warn("upload failed checksum verification", slog.String("upload_id", m.uploadID))
		if m.audit != nil {
			if err := m.audit.RecordFailed(ctx, m.uploadID, "aborted", 422, "checksum-mismatch", time.Now()); err != nil {
				m.logger.Warn("audit: failed to record checksum failure", slog.String("error", err.Error()))
			}
		}
		return m.sendError(ctx, 422, "checksum-mismatch")
	}

	if err := m.storage.Finalize(ctx, m.staging, m.filename, m.metaJSON, sum); err != nil {
		return m.internalError(ctx, err)
	}

	m.creditCtl.OnDisconnect(string(m.identity))
	m.state = StateFinished

	if m.audit != nil {
		if err := m.audit.RecordFinished(ctx, m.uploadID, sum, time.Now()); err != nil {
			m.logger.Warn("audit: failed to record finish", slog.String("error", err.Error()))
		}
	}

	return m.endpoint.Send(ctx, m.identity, wire.Message{Tag: wire.TagUploadFinished, UploadID: m.uploadID})
}

// HandleQueryStatus implements the WRITING reply to query-status, including
// the post-reconnect resumption path.
func (m *Machine) HandleQueryStatus(ctx context.Context) error {
	if m.state != StateWriting {
		return nil
	}

	if m.reconnectedPending {
		m.reconnectedPending = false
		reissued := m.creditCtl.Reissue(string(m.identity))
		m.creditOutstanding += reissued
	}

	return m.sendStatusReport(ctx)
}

// HandleCancel implements the peer-initiated cancellation path: an error
// frame from the client is fatal to the in-flight upload.
func (m *Machine) HandleCancel(ctx context.Context) {
	m.abortInFlight(ctx, "cancelled by client", 499, "client-cancelled")
}

// HandleIdleTimeout is called by Router when this session has gone
// IdleTimeout without an observed chunk. It returns ok=false once the
// controller's probe budget is exhausted, meaning the caller should abort
// the session as fatally timed out; otherwise it sends a resync probe.
func (m *Machine) HandleIdleTimeout(ctx context.Context) (ok bool, err error) {
	if m.state != StateWriting {
		return true, nil
	}

	if !m.creditCtl.OnTimeout(string(m.identity)) {
		m.abortInFlight(ctx, "exceeded idle probe budget", 408, "timeout")
		return false, m.sendError(ctx, 408, "timeout")
	}

	return true, m.sendStatusReport(ctx)
}

// abortInFlight tears down the in-flight upload's staging and credit
// accounting and records the failure to the audit ledger, if attached. code
// and msg should match whatever sendError the caller sends alongside it (or
// be the best approximation, for callers like HandleCancel that never send
// an error frame themselves).
func (m *Machine) abortInFlight(ctx context.Context, reason string, code uint32, msg string) {
	if m.staging != nil {
		_ = m.storage.Abort(m.staging)
	}
	if m.state == StateWriting || m.state == StateCommitting {
		m.creditCtl.OnDisconnect(string(m.identity))
	}
	m.state = StateAborted
	m.logger.Info("upload aborted", slog.String("upload_id", m.uploadID), slog.String("reason", reason))

	if m.audit != nil && m.uploadID != "" {
		if err := m.audit.RecordFailed(ctx, m.uploadID, "aborted", code, msg, time.Now()); err != nil {
			m.logger.Warn("audit: failed to record abort", slog.String("error", err.Error()))
		}
	}
}

func (m *Machine) internalError(ctx context.Context, cause error) error {
	m.logger.Error("internal error", slog.String("upload_id", m.uploadID), slog.String("error", cause.Error()))
	m.abortInFlight(ctx, cause.Error(), 500, "internal")
	return m.sendError(ctx, 500, "internal")
}

func (m *Machine) sendApproved(ctx context.Context) error {
	return m.endpoint.Send(ctx, m.identity, wire.Message{
		Tag: wire.TagUploadApproved, Credit: m.creditOutstanding, Chunksize: m.chunksize, Maxqueue: m.maxqueue,
	})
}

func (m *Machine) sendStatusReport(ctx context.Context) error {
	return m.endpoint.Send(ctx, m.identity, wire.Message{
		Tag: wire.TagStatusReport, Seek: m.writeOffset, Credit: m.creditOutstanding,
	})
}

func (m *Machine) sendError(ctx context.Context, code uint32, msg string) error {
	return m.endpoint.Send(ctx, m.identity, wire.Message{Tag: wire.TagError, Code: code, Msg: msg})
}

// recordRejection logs a pre-acceptance rejection to the audit ledger, if
// one is attached. Rejections never get a server-assigned upload_id, so one
// is minted here purely for the audit row's primary key.
func (m *Machine) recordRejection(ctx context.Context, filename string, code uint32, msg string) {
	if m.audit == nil {
		return
	}
	id := uuid.NewString()
	if err := m.audit.RecordRejected(ctx, id, string(m.identity), filename, code, msg, time.Now()); err != nil {
		m.logger.Warn("audit: failed to record rejection", slog.String("error", err.Error()))
	}
}

var errInvalidFilename = errors.New("invalid filename")

// validateFilename requires a non-empty name of at most maxLen UTF-8
// bytes, with no path separators, no NUL, and no leading "..".
func validateFilename(name string, maxLen int) error {
	if name == "" {
		return fmt.Errorf("%w: empty", errInvalidFilename)
	}
	if len(name) > maxLen {
		return fmt.Errorf("%w: exceeds %d bytes", errInvalidFilename, maxLen)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", errInvalidFilename)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: contains a path separator", errInvalidFilename)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: contains NUL", errInvalidFilename)
	}
	if strings.HasPrefix(name, "..") {
		return fmt.Errorf("%w: leading \"..\"", errInvalidFilename)
	}
	return nil
}
