package serverup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dyncproto/dync/internal/credit"
	"github.com/dyncproto/dync/internal/stage"
	"github.com/dyncproto/dync/internal/transport"
	"github.com/dyncproto/dync/internal/validate"
	"github.com/dyncproto/dync/internal/wire"
)

// Router is the server's single event loop: it owns the routing endpoint,
// demultiplexes incoming envelopes by ClientIdentity into per-session
// Machines, and periodically sweeps for idle uploads. The credit
// controller's global budget is the only cross-session mutable state,
// and it is touched only from this loop.
type Router struct {
	endpoint  transport.ServerEndpoint
	storage   stage.Storage
	validator validate.Validator
	creditCtl *credit.Controller
	cfg       Config
	logger    *slog.Logger
	audit     Auditor

	idleSweepInterval time.Duration

	sessions map[transport.Identity]*Machine
}

// NewRouter returns a Router ready to Run. idleSweepInterval controls how
// often WRITING sessions are checked against the credit controller's
// IdleTimeout policy; a sensible default is the policy's IdleTimeout itself.
// audit may be nil, disabling the supplementary audit ledger entirely.
func NewRouter(
	endpoint transport.ServerEndpoint,
	storage stage.Storage,
	validator validate.Validator,
	creditCtl *credit.Controller,
	cfg Config,
	idleSweepInterval time.Duration,
	audit Auditor,
	logger *slog.Logger,
) *Router {
	if idleSweepInterval <= 0 {
		idleSweepInterval = time.Second
	}
	return &Router{
		endpoint:          endpoint,
		storage:           storage,
		validator:         validator,
		creditCtl:         creditCtl,
		cfg:               cfg,
		logger:            logger,
		audit:             audit,
		idleSweepInterval: idleSweepInterval,
		sessions:          make(map[transport.Identity]*Machine),
	}
}

// Run drives the server loop until ctx is cancelled or the endpoint closes.
func (r *Router) Run(ctx context.Context) error {
	for {
		tctx, cancel := context.WithTimeout(ctx, r.idleSweepInterval)
		env, err := r.endpoint.Recv(tctx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				r.sweepIdle(ctx)
				continue
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		r.dispatch(ctx, env)
	}
}

// Session returns the per-identity session, for tests and observability.
func (r *Router) Session(id transport.Identity) (*Machine, bool) {
	sess, ok := r.sessions[id]
	return sess, ok
}

func (r *Router) dispatch(ctx context.Context, env transport.Envelope) {
	if env.Message == nil {
		switch env.Ev {
		case transport.EventReconnected:
			if sess, ok := r.sessions[env.Identity]; ok {
				sess.HandleReconnect()
			}
		case transport.EventDisconnected:
			// A dropped byte layer does not discard session state; only
			// the idle sweep below can time an upload out.
		}
		return
	}

	msg := env.Message

	sess, ok := r.sessions[env.Identity]
	if !ok {
		if msg.Tag != wire.TagPostFile {
			_ = r.endpoint.Send(ctx, env.Identity, wire.Message{
				Tag: wire.TagError, Code: 400, Msg: "no active upload for this identity",
			})
			return
		}
		sess = New(env.Identity, r.endpoint, r.storage, r.validator, r.creditCtl, r.cfg, r.logger)
		if r.audit != nil {
			sess.SetAuditor(r.audit)
		}
		r.sessions[env.Identity] = sess
	}

	var err error
	switch msg.Tag {
	case wire.TagPostFile:
		err = sess.HandlePostFile(ctx, *msg)

	case wire.TagPostChunk:
		var reissue map[string]uint32
		reissue, err = sess.HandlePostChunk(ctx, *msg)
		r.applyReissue(ctx, reissue)

	case wire.TagQueryStatus:
		err = sess.HandleQueryStatus(ctx)

	case wire.TagError:
		sess.HandleCancel(ctx)

	default:
		_ = r.endpoint.Send(ctx, env.Identity, wire.Message{Tag: wire.TagError, Code: 400, Msg: "unexpected message"})
	}

	if err != nil {
		r.logger.Warn("serverup: session error",
			slog.String("identity", string(env.Identity)),
			slog.String("error", err.Error()),
		)
	}

	r.reap(env.Identity, sess)
}

// applyReissue routes cross-session credit grants (everything except the
// session that just triggered the rebalance, which already applied its own
// share) to the sessions the controller named.
func (r *Router) applyReissue(ctx context.Context, reissue map[string]uint32) {
	for id, amount := range reissue {
		sess, ok := r.sessions[transport.Identity(id)]
		if !ok {
			continue
		}
		if err := sess.ApplyCredit(ctx, amount); err != nil {
			r.logger.Warn("serverup: failed to apply reissued credit", slog.String("identity", id), slog.String("error", err.Error()))
		}
	}
}

// sweepIdle probes every WRITING session that has gone IdleTimeout without
// an observed chunk (spec §4.3/§4.5), aborting any that exhausts its probe
// budget.
func (r *Router) sweepIdle(ctx context.Context) {
	for id, sess := range r.sessions {
		if sess.State() != StateWriting {
			r.reap(id, sess)
			continue
		}
		if time.Since(sess.lastActivity) < r.creditCtl.PolicyIdleTimeout() {
			continue
		}
		ok, err := sess.HandleIdleTimeout(ctx)
		if err != nil {
			r.logger.Warn("serverup: idle timeout handling failed", slog.String("identity", string(id)), slog.String("error", err.Error()))
		}
		if !ok {
			r.logger.Info("serverup: upload timed out", slog.String("identity", string(id)), slog.String("upload_id", sess.UploadID()))
		}
	}
}

// reap drops sessions that have reached a terminal state, bounding the
// router's memory to live and recently-finished uploads.
func (r *Router) reap(id transport.Identity, sess *Machine) {
	switch sess.State() {
	case StateFinished, StateRejected, StateAborted:
		delete(r.sessions, id)
	}
}
