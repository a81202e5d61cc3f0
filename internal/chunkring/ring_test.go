package chunkring

import (
	"errors"
	"testing"
)

func TestRing_PushEvictsOldest(t *testing.T) {
	t.Parallel()

	r := New(2)
	r.Push(Record{Seek: 0, Payload: []byte("a")})
	r.Push(Record{Seek: 4, Payload: []byte("b")})
	r.Push(Record{Seek: 8, Payload: []byte("c")})

	if got := r.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	low, ok := r.LowWater()
	if !ok || low != 4 {
		t.Fatalf("LowWater() = %d,%v, want 4,true", low, ok)
	}

	high, ok := r.HighWater()
	if !ok || high != 8 {
		t.Fatalf("HighWater() = %d,%v, want 8,true", high, ok)
	}
}

func TestRing_ResendFromReturnsOrderedTail(t *testing.T) {
	t.Parallel()

	r := New(4)
	r.Push(Record{Seek: 0, Payload: []byte("a")})
	r.Push(Record{Seek: 4, Payload: []byte("b")})
	r.Push(Record{Seek: 8, Payload: []byte("c")})

	recs, err := r.ResendFrom(4)
	if err != nil {
		t.Fatalf("ResendFrom: %v", err)
	}
	if len(recs) != 2 || recs[0].Seek != 4 || recs[1].Seek != 8 {
		t.Fatalf("ResendFrom(4) = %+v, want seeks [4 8]", recs)
	}
}

func TestRing_ResendFromPastHighWaterIsEmpty(t *testing.T) {
	t.Parallel()

	r := New(4)
	r.Push(Record{Seek: 0, Payload: []byte("a")})

	recs, err := r.ResendFrom(100)
	if err != nil {
		t.Fatalf("ResendFrom: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("ResendFrom(100) = %+v, want empty", recs)
	}
}

func TestRing_ResendFromBelowLowWaterIsExhausted(t *testing.T) {
	t.Parallel()

	r := New(2)
	r.Push(Record{Seek: 0, Payload: []byte("a")})
	r.Push(Record{Seek: 4, Payload: []byte("b")})
	r.Push(Record{Seek: 8, Payload: []byte("c")}) // evicts seek 0

	_, err := r.ResendFrom(0)
	if !errors.Is(err, ErrRetentionExhausted) {
		t.Fatalf("ResendFrom(0) err = %v, want ErrRetentionExhausted", err)
	}
}

func TestRing_ResendFromEmptyRingAtZero(t *testing.T) {
	t.Parallel()

	r := New(4)

	recs, err := r.ResendFrom(0)
	if err != nil {
		t.Fatalf("ResendFrom: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("ResendFrom(0) on empty ring = %+v, want empty", recs)
	}
}

func TestRing_Reset(t *testing.T) {
	t.Parallel()

	r := New(4)
	r.Push(Record{Seek: 0, Payload: []byte("a")})
	r.Reset()

	if r.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", r.Len())
	}
}
