package credit

import (
	"log/slog"
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{
		PreferredChunksize: 4,
		DefaultMaxqueue:    3,
		GlobalBudget:       1 << 20,
		IdleTimeout:        time.Second,
		MaxProbes:          2,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestOnAccept_GrantsUpToMaxqueueWithinBudget(t *testing.T) {
	t.Parallel()

	c := New(testPolicy(), discardLogger())

	chunksize, maxqueue, credit := c.OnAccept("u1")
	if chunksize != 4 || maxqueue != 3 || credit != 3 {
		t.Fatalf("OnAccept = %d,%d,%d, want 4,3,3", chunksize, maxqueue, credit)
	}
}

func TestOnAccept_ZeroBudgetGrantsZeroCredit(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	p.GlobalBudget = 0
	c := New(p, discardLogger())

	_, _, credit := c.OnAccept("u1")
	if credit != 0 {
		t.Fatalf("credit = %d, want 0", credit)
	}
}

func TestCreditOutstandingNeverExceedsMaxqueue(t *testing.T) {
	t.Parallel()

	c := New(testPolicy(), discardLogger())
	c.OnAccept("u1")

	h := c.Handle("u1")
	if h.CreditOutstanding > h.Maxqueue {
		t.Fatalf("credit_outstanding %d > maxqueue %d", h.CreditOutstanding, h.Maxqueue)
	}
}

func TestOnWriteComplete_FreesBudgetForOtherUploads(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	p.GlobalBudget = 4 * 3 // exactly enough for one upload's full maxqueue
	c := New(p, discardLogger())

	_, _, credit1 := c.OnAccept("u1")
	if credit1 != 3 {
		t.Fatalf("credit1 = %d, want 3 (entire budget)", credit1)
	}

	_, _, credit2 := c.OnAccept("u2")
	if credit2 != 0 {
		t.Fatalf("credit2 = %d, want 0 (no budget left)", credit2)
	}

	reissue := c.OnWriteComplete("u1", 4, 1)
	if got := reissue["u2"]; got != 1 {
		t.Fatalf("reissue[u2] = %d, want 1", got)
	}
}

func TestRebalance_NoFreedBudgetGrantsNothing(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	p.GlobalBudget = 4 * 6
	c := New(p, discardLogger())

	c.OnAccept("u1") // gets full 3
	c.OnAccept("u2") // gets remaining 3

	// Each write frees one chunk of budget, which the rebalance hands straight
	// back to u1 (u2 is already at its maxqueue), so both stay at 3/3.
	c.OnWriteComplete("u1", 4, 1)
	c.OnWriteComplete("u1", 8, 1)

	reissue := c.OnWriteComplete("u1", 12, 0) // no credit freed, but triggers rebalance
	// Both uploads sit at 3/3 and the budget is fully used, so there is
	// nothing to hand out.
	if len(reissue) != 0 {
		t.Fatalf("expected no reissue with no freed budget, got %+v", reissue)
	}
}

func TestOnTimeout_FatalAfterMaxProbes(t *testing.T) {
	t.Parallel()

	c := New(testPolicy(), discardLogger())
	c.OnAccept("u1")

	if !c.OnTimeout("u1") {
		t.Fatalf("probe 1 should not be fatal")
	}
	if !c.OnTimeout("u1") {
		t.Fatalf("probe 2 should not be fatal")
	}
	if c.OnTimeout("u1") {
		t.Fatalf("probe 3 should be fatal (MaxProbes=2)")
	}
}

func TestOnDisconnect_FreesGlobalBudget(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	p.GlobalBudget = 4 * 3
	c := New(p, discardLogger())

	c.OnAccept("u1")
	if c.OutstandingBytes() != 4*3 {
		t.Fatalf("outstanding = %d, want 12", c.OutstandingBytes())
	}

	c.OnDisconnect("u1")
	if c.OutstandingBytes() != 0 {
		t.Fatalf("outstanding after disconnect = %d, want 0", c.OutstandingBytes())
	}
}

func TestReissue_AfterReconnectGrantsUpToMaxqueue(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	p.GlobalBudget = 4 * 3 // exactly enough for one upload's full maxqueue
	c := New(p, discardLogger())
	c.OnAccept("u1")     // takes the whole budget
	c.OnAccept("u2")     // approved with zero credit
	c.OnDisconnect("u1") // frees the budget without handing it out

	if got := c.Handle("u2").CreditOutstanding; got != 0 {
		t.Fatalf("outstanding = %d, want 0", got)
	}

	granted := c.Reissue("u2")
	if granted != 3 {
		t.Fatalf("Reissue = %d, want 3", granted)
	}
}
