// Package credit implements the server-side credit controller: a
// single-owner, lock-free scheduler (mutated only on the server's event
// loop) that decides when and how much additional send credit to hand out
// to each active upload, subject to a global memory/concurrency budget.
package credit

import (
	"log/slog"
	"sort"
	"time"
)

// Policy fixes the server-wide constants the controller hands out at
// accept time. Exact tuning (initial credit policy, fair-share formula) is
// an implementation choice — the wire contract only binds the invariants
// in §3/§4.3 of the protocol spec.
type Policy struct {
	// PreferredChunksize is handed to every accepted upload.
	PreferredChunksize uint32
	// DefaultMaxqueue is the per-upload ceiling on outstanding credit.
	DefaultMaxqueue uint32
	// GlobalBudget caps total bytes of outstanding credit (credit granted *
	// chunksize, summed across uploads) in flight at once.
	GlobalBudget uint64
	// IdleTimeout is how long an upload may go without an observed chunk
	// before the controller probes it with status-report.
	IdleTimeout time.Duration
	// MaxProbes is how many unanswered idle probes before the upload is
	// considered fatally timed out.
	MaxProbes int
}

// Handle is the controller's per-upload accounting record. The server
// upload state machine owns the Handle's lifetime; the controller only
// reads/writes accounting fields on it.
type Handle struct {
	ID                string
	Maxqueue          uint32
	CreditOutstanding uint32
	WriteOffset       uint64
	LastActivity      time.Time
	UnansweredProbes  int
}

func (h *Handle) ratio() float64 {
	if h.Maxqueue == 0 {
		return 1
	}
	return float64(h.CreditOutstanding) / float64(h.Maxqueue)
}

// Controller tracks the global outstanding-credit budget across all active
// uploads. It is a plain struct, mutated only by the server's event loop —
// no locks, per the concurrency model in §5 of the protocol spec.
type Controller struct {
	policy        Policy
	logger        *slog.Logger
	outstanding   uint64 // bytes of credit currently outstanding, system-wide
	handles       map[string]*Handle
}

// New returns a Controller governed by policy.
func New(policy Policy, logger *slog.Logger) *Controller {
	return &Controller{
		policy:  policy,
		logger:  logger,
		handles: make(map[string]*Handle),
	}
}

// OnAccept registers a newly-approved upload and returns the chunksize,
// maxqueue and initial credit to send in upload-approved. Initial credit
// may be zero if the global budget has no room right now; the upload is
// still approved, just quiescent until a later OnWriteComplete rebalance
// (or a Reissue) hands it credit.
func (c *Controller) OnAccept(id string) (chunksize, maxqueue, initialCredit uint32) {
	h := &Handle{
		ID:           id,
		Maxqueue:     c.policy.DefaultMaxqueue,
		LastActivity: time.Now(),
	}
	c.handles[id] = h

	granted := c.grant(h, h.Maxqueue)
	h.CreditOutstanding = granted

	c.logger.Debug("credit: upload accepted",
		slog.String("upload_id", id),
		slog.Uint64("initial_credit", uint64(granted)),
	)

	return c.policy.PreferredChunksize, h.Maxqueue, granted
}

// grant returns how much additional credit (capped by `want` and by
// maxqueue-credit_outstanding) the global budget can currently afford for h,
// and reserves that many chunks of budget.
func (c *Controller) grant(h *Handle, want uint32) uint32 {
	room := h.Maxqueue - h.CreditOutstanding
	if want > room {
		want = room
	}
	if want == 0 {
		return 0
	}

	chunkCost := uint64(c.policy.PreferredChunksize)
	if chunkCost == 0 {
		chunkCost = 1
	}

	maxAffordable := uint32((c.policy.GlobalBudget - c.outstanding) / chunkCost)
	if c.policy.GlobalBudget < c.outstanding {
		maxAffordable = 0
	}
	if want > maxAffordable {
		want = maxAffordable
	}

	c.outstanding += uint64(want) * chunkCost

	return want
}

// OnWriteComplete records that the upload identified by id has persisted
// one more chunk: it frees up the credit that chunk consumed, advances the
// handle's write offset, and resets its idle-probe count, then returns any
// additional credit now affordable across the whole system so the caller
// can emit transfer-credit messages. It never returns credit that would let
// a client send below writeOffset: credit is expressed strictly forward of
// the current write position.
func (c *Controller) OnWriteComplete(id string, writeOffset uint64, consumed uint32) (reissue map[string]uint32) {
	h, ok := c.handles[id]
	if !ok {
		return nil
	}

	h.WriteOffset = writeOffset
	h.LastActivity = time.Now()
	h.UnansweredProbes = 0

	if consumed > h.CreditOutstanding {
		consumed = h.CreditOutstanding
	}
	h.CreditOutstanding -= consumed

	chunkCost := uint64(c.policy.PreferredChunksize)
	if chunkCost == 0 {
		chunkCost = 1
	}
	freed := uint64(consumed) * chunkCost
	if freed > c.outstanding {
		freed = c.outstanding
	}
	c.outstanding -= freed

	return c.rebalance()
}

// rebalance distributes any freed global budget to uploads with spare
// maxqueue headroom, preferring the lowest credit_outstanding/maxqueue
// ratio and breaking ties by oldest last_activity (the fair-share rule in
// §4.3 of the protocol spec).
func (c *Controller) rebalance() map[string]uint32 {
	candidates := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		if h.CreditOutstanding < h.Maxqueue {
			candidates = append(candidates, h)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].ratio(), candidates[j].ratio()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].LastActivity.Before(candidates[j].LastActivity)
	})

	out := make(map[string]uint32)
	for _, h := range candidates {
		granted := c.grant(h, h.Maxqueue-h.CreditOutstanding)
		if granted == 0 {
			continue
		}
		h.CreditOutstanding += granted
		out[h.ID] = granted
	}

	return out
}

// OnTimeout advances one idle-probe tick for id: callers invoke this when
// IdleTimeout has elapsed with no observed chunk. It returns ok=false once
// the upload has exceeded MaxProbes unanswered probes, meaning the caller
// should terminate the upload as fatally timed out.
func (c *Controller) OnTimeout(id string) (ok bool) {
	h, found := c.handles[id]
	if !found {
		return true
	}

	h.UnansweredProbes++

	c.logger.Debug("credit: idle probe",
		slog.String("upload_id", id),
		slog.Int("unanswered_probes", h.UnansweredProbes),
	)

	return h.UnansweredProbes <= c.policy.MaxProbes
}

// OnDisconnect releases id's accounting and frees its outstanding credit
// back to the global budget. Called when an upload is finished or aborted.
func (c *Controller) OnDisconnect(id string) {
	h, ok := c.handles[id]
	if !ok {
		return
	}

	chunkCost := uint64(c.policy.PreferredChunksize)
	if chunkCost == 0 {
		chunkCost = 1
	}
	freed := uint64(h.CreditOutstanding) * chunkCost
	if freed > c.outstanding {
		freed = c.outstanding
	}
	c.outstanding -= freed

	delete(c.handles, id)
}

// Reissue grants as much additional credit as the global budget and id's
// maxqueue allow, for use after a transport reconnect (§4.5 resumption):
// the server must not leave a resumed upload quiescent forever.
func (c *Controller) Reissue(id string) uint32 {
	h, ok := c.handles[id]
	if !ok {
		return 0
	}

	granted := c.grant(h, h.Maxqueue-h.CreditOutstanding)
	h.CreditOutstanding += granted

	return granted
}

// Handle returns the controller's accounting record for id, or nil if unknown.
func (c *Controller) Handle(id string) *Handle {
	return c.handles[id]
}

// OutstandingBytes reports the total bytes of outstanding credit across all
// active uploads, for observability.
func (c *Controller) OutstandingBytes() uint64 {
	return c.outstanding
}

// PolicyIdleTimeout reports the configured per-probe idle timeout, for
// callers that schedule their own idle sweeps around OnTimeout.
func (c *Controller) PolicyIdleTimeout() time.Duration {
	return c.policy.IdleTimeout
}
