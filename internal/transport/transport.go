// Package transport defines the message-oriented, authenticated transport
// the protocol engine runs over, and a concrete implementation (CURVE-style
// pre-shared-key encryption over a websocket byte stream). The engine
// itself (internal/clientup, internal/serverup) only depends on the
// interfaces here — encryption, reconnection, and framing are this
// package's concern.
package transport

import (
	"context"
	"errors"

	"github.com/dyncproto/dync/internal/wire"
)

// Identity is the transport-level ClientIdentity: an opaque byte string set
// by the client, unique per upload attempt, used by the server to route
// messages to the right session.
type Identity string

// ErrPeerRejected is returned when the handshake fails because the peer's
// public key is not in the authorized-keys store.
var ErrPeerRejected = errors.New("transport: peer not authorized")

// ErrClosed is returned by Recv/Send after the endpoint has been closed.
var ErrClosed = errors.New("transport: endpoint closed")

// Event reports something the engine must react to that did not arrive as
// a wire message: a reconnect of the underlying byte layer, or the
// transport giving up on a peer entirely.
type Event int

const (
	// EventReconnected means the peer's byte-layer session was replaced
	// (same Identity, new connection) after an outage. The previous
	// connection's in-flight sends are obsolete.
	EventReconnected Event = iota
	// EventDisconnected means the transport has given up on this peer.
	EventDisconnected
)

// Envelope pairs a decoded wire.Message with the Identity it came from (on
// the server side) and, for non-message deliveries, an Event instead.
type Envelope struct {
	Identity Identity
	Message  *wire.Message // nil iff Ev is set
	Ev       Event
}

// ServerEndpoint is the routing endpoint the server event loop reads from:
// many client identities multiplexed over one listener.
type ServerEndpoint interface {
	// Recv blocks until a message or event is available for any peer, or
	// ctx is cancelled.
	Recv(ctx context.Context) (Envelope, error)
	// Send delivers msg to the named identity's current connection.
	Send(ctx context.Context, id Identity, msg wire.Message) error
	// Close shuts down the listener and all peer connections.
	Close() error
}

// ClientEndpoint is the single-peer endpoint the client event loop owns.
type ClientEndpoint interface {
	// Recv blocks until a message or event is available, or ctx is cancelled.
	Recv(ctx context.Context) (Envelope, error)
	// Send delivers msg to the server.
	Send(ctx context.Context, msg wire.Message) error
	// Close shuts down the connection.
	Close() error
}
