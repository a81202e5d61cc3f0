// Package validate defines the pluggable metadata validator interface the
// server upload state machine consults on post-file. The core never
// inspects metadata fields itself — validation policy is entirely external.
package validate

import "context"

// Kind classifies a validation outcome.
type Kind int

const (
	// OK accepts the upload.
	OK Kind = iota
	// Transient rejects for a reason the client may retry later (e.g. a
	// downstream quota service is temporarily unreachable).
	Transient
	// Permanent rejects for a reason retrying will not fix (e.g. the
	// metadata is missing a required field).
	Permanent
)

// Result is the validator's verdict for one post-file attempt.
type Result struct {
	Kind Kind
	Code uint32 // wire error code, meaningful iff Kind != OK
	Msg  string // wire error message, meaningful iff Kind != OK
}

// Validator approves or rejects a post-file attempt. Implementations must
// not mutate filename or metaJSON, and must be safe to call from the
// server's single event-loop goroutine without blocking it for long
// (dispatch to a worker and return Transient if a remote check is slow).
type Validator interface {
	Validate(ctx context.Context, filename string, metaJSON []byte) Result
}

// AcceptAll approves every upload unconditionally. Used by the default
// server configuration and in tests; real deployments supply a policy-aware
// Validator of their own.
type AcceptAll struct{}

// Validate implements Validator.
func (AcceptAll) Validate(context.Context, string, []byte) Result {
	return Result{Kind: OK}
}
