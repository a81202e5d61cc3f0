// Package chunkring implements the client-side chunk retention buffer: a
// bounded, seek-indexed deque that lets the sender retransmit recently sent
// chunks without re-reading the source file.
package chunkring

import "errors"

// ErrRetentionExhausted is returned by ResendFrom when the requested seek is
// below the ring's low-water mark — the record has already been evicted.
// Per spec, this is fatal to the upload.
var ErrRetentionExhausted = errors.New("chunkring: retention exhausted")

// Record is one retained chunk, keyed by its byte offset in the source file.
type Record struct {
	Seek            uint64
	Payload         []byte
	IsLast          bool
	ChecksumTrailer []byte // present iff IsLast
}

// Ring retains at most `capacity` most-recently-pushed records in ascending
// Seek order. It is the only place client-side chunk bytes live after
// emission, decoupling transport buffering from file I/O.
type Ring struct {
	capacity int
	records  []Record // ascending by Seek
}

// New returns a Ring retaining up to capacity records. capacity must be >= 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{capacity: capacity}
}

// Push appends record, evicting the lowest-Seek record if capacity would be
// exceeded. Records must be pushed in non-decreasing Seek order, matching the
// client's sequential send pattern.
func (r *Ring) Push(rec Record) {
	r.records = append(r.records, rec)
	if len(r.records) > r.capacity {
		r.records = r.records[1:]
	}
}

// ResendFrom returns, in ascending order, every retained record with
// Seek >= seek. If seek is below the ring's low-water mark (i.e. a gap
// exists because the requested record was already evicted), it fails with
// ErrRetentionExhausted.
func (r *Ring) ResendFrom(seek uint64) ([]Record, error) {
	if len(r.records) == 0 {
		if seek == 0 {
			return nil, nil
		}
		return nil, ErrRetentionExhausted
	}
	if seek < r.records[0].Seek {
		return nil, ErrRetentionExhausted
	}

	for i, rec := range r.records {
		if rec.Seek >= seek {
			out := make([]Record, len(r.records)-i)
			copy(out, r.records[i:])
			return out, nil
		}
	}
	// seek is past every retained record: nothing to resend.
	return nil, nil
}

// LowWater returns the smallest retained Seek, and ok=false if the ring is empty.
func (r *Ring) LowWater() (seek uint64, ok bool) {
	if len(r.records) == 0 {
		return 0, false
	}
	return r.records[0].Seek, true
}

// HighWater returns the largest retained Seek, and ok=false if the ring is empty.
func (r *Ring) HighWater() (seek uint64, ok bool) {
	if len(r.records) == 0 {
		return 0, false
	}
	return r.records[len(r.records)-1].Seek, true
}

// Len reports how many records are currently retained.
func (r *Ring) Len() int {
	return len(r.records)
}

// Reset drops all retained records, releasing their bytes. Called when an
// upload completes or is cancelled.
func (r *Ring) Reset() {
	r.records = nil
}
