package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/crypto/nacl/box"

	"github.com/dyncproto/dync/internal/wire"
)

// wsConn wraps one websocket connection with the per-session CURVE-style
// encryption and the frame-envelope codec. Writes are serialized with a
// mutex because websocket.Conn does not allow concurrent writers.
type wsConn struct {
	conn *websocket.Conn
	sess *session

	writeMu sync.Mutex
}

func (c *wsConn) send(ctx context.Context, msg wire.Message) error {
	frames, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encoding message: %w", err)
	}

	ciphertext := c.sess.seal(packFrames(frames))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.Write(ctx, websocket.MessageBinary, ciphertext); err != nil {
		return fmt.Errorf("transport: writing frame: %w", err)
	}

	return nil
}

func (c *wsConn) recvOne(ctx context.Context) (wire.Message, error) {
	_, ciphertext, err := c.conn.Read(ctx)
	if err != nil {
		return wire.Message{}, fmt.Errorf("transport: reading frame: %w", err)
	}

	plain, err := c.sess.open(ciphertext)
	if err != nil {
		return wire.Message{}, err
	}

	frames, err := unpackFrames(plain)
	if err != nil {
		return wire.Message{}, err
	}

	msg, err := wire.Decode(frames)
	if err != nil {
		return wire.Message{}, err
	}

	return msg, nil
}

// clientHandshake performs the client side of the CURVE-style handshake
// over an already-established websocket connection, announcing identity in
// its hello, and returns the derived session.
func clientHandshake(
	ctx context.Context, conn *websocket.Conn, self KeyPair, serverPub [KeySize]byte, identity Identity,
) (*session, error) {
	ephPub, ephPriv, err := newEphemeralKeyPair()
	if err != nil {
		return nil, err
	}

	hello, err := sealHello(self, serverPub, ephPub, []byte(identity))
	if err != nil {
		return nil, err
	}

	if err := conn.Write(ctx, websocket.MessageBinary, hello); err != nil {
		return nil, fmt.Errorf("transport: sending hello: %w", err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: reading server hello: %w", err)
	}

	_, serverEphPub, _, err := openHello(self, reply, &serverPub)
	if err != nil {
		return nil, err
	}

	return deriveSession(ephPriv, serverEphPub, true), nil
}

// serverHandshake performs the server side: read the client's hello,
// check the claimed long-term key against the authorized-keys store,
// reply with our own hello, and return the derived session plus the
// client's announced Identity.
func serverHandshake(
	ctx context.Context, conn *websocket.Conn, self KeyPair, auth *AuthStore,
) (*session, Identity, error) {
	_, hello, err := conn.Read(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("transport: reading client hello: %w", err)
	}

	clientLongTerm, clientEphPub, extra, err := openHello(self, hello, nil)
	if err != nil {
		return nil, "", err
	}

	if !auth.Authorized(clientLongTerm) {
		return nil, "", ErrPeerRejected
	}

	ephPub, ephPriv, err := newEphemeralKeyPair()
	if err != nil {
		return nil, "", err
	}

	reply, err := sealHello(self, clientLongTerm, ephPub, nil)
	if err != nil {
		return nil, "", err
	}

	if err := conn.Write(ctx, websocket.MessageBinary, reply); err != nil {
		return nil, "", fmt.Errorf("transport: sending server hello: %w", err)
	}

	return deriveSession(ephPriv, clientEphPub, false), Identity(extra), nil
}

func newEphemeralKeyPair() (pub, priv [KeySize]byte, err error) {
	p, s, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return pub, priv, fmt.Errorf("transport: generating ephemeral keypair: %w", err)
	}
	return *p, *s, nil
}

// WSClient is a ClientEndpoint backed by a websocket connection.
type WSClient struct {
	c *wsConn
}

// DialClient connects to addr (a ws:// or wss:// URL), performs the CURVE
// handshake, and returns a ready ClientEndpoint.
func DialClient(ctx context.Context, addr string, self KeyPair, serverPub [KeySize]byte, identity Identity) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}

	sess, err := clientHandshake(ctx, conn, self, serverPub, identity)
	if err != nil {
		conn.CloseNow()
		return nil, err
	}

	return &WSClient{c: &wsConn{conn: conn, sess: sess}}, nil
}

// Recv implements ClientEndpoint.
func (w *WSClient) Recv(ctx context.Context) (Envelope, error) {
	msg, err := w.c.recvOne(ctx)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Message: &msg}, nil
}

// Send implements ClientEndpoint.
func (w *WSClient) Send(ctx context.Context, msg wire.Message) error {
	return w.c.send(ctx, msg)
}

// Close implements ClientEndpoint.
func (w *WSClient) Close() error {
	return w.c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// WSServer is a ServerEndpoint that accepts many client connections over
// HTTP/websocket and multiplexes them by Identity.
type WSServer struct {
	self   KeyPair
	auth   *AuthStore
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[Identity]*wsConn

	events chan Envelope
	done   chan struct{}
}

// NewWSServer returns a WSServer ready to be handed to an http.Server as a Handler.
func NewWSServer(self KeyPair, auth *AuthStore, logger *slog.Logger) *WSServer {
	return &WSServer{
		self:     self,
		auth:     auth,
		logger:   logger,
		sessions: make(map[Identity]*wsConn),
		events:   make(chan Envelope, 64),
		done:     make(chan struct{}),
	}
}

// ServeHTTP implements http.Handler: upgrades the request to a websocket,
// performs the handshake, and pumps decrypted messages into the shared
// events channel until the connection closes.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	ctx := r.Context()

	sess, identity, err := serverHandshake(ctx, conn, s.self, s.auth)
	if err != nil {
		s.logger.Warn("handshake failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	wc := &wsConn{conn: conn, sess: sess}

	s.mu.Lock()
	_, reconnected := s.sessions[identity]
	s.sessions[identity] = wc
	s.mu.Unlock()

	if reconnected {
		s.events <- Envelope{Identity: identity, Ev: EventReconnected}
	}

	s.logger.Info("client connected", slog.String("identity", hex.EncodeToString([]byte(identity))))

	for {
		msg, err := wc.recvOne(ctx)
		if err != nil {
			s.mu.Lock()
			if s.sessions[identity] == wc {
				delete(s.sessions, identity)
			}
			s.mu.Unlock()

			select {
			case s.events <- Envelope{Identity: identity, Ev: EventDisconnected}:
			case <-s.done:
			}

			return
		}

		select {
		case s.events <- Envelope{Identity: identity, Message: &msg}:
		case <-s.done:
			return
		}
	}
}

// Recv implements ServerEndpoint.
func (s *WSServer) Recv(ctx context.Context) (Envelope, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-s.done:
		return Envelope{}, ErrClosed
	}
}

// Send implements ServerEndpoint.
func (s *WSServer) Send(ctx context.Context, id Identity, msg wire.Message) error {
	s.mu.Lock()
	wc, ok := s.sessions[id]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("transport: no connection for identity %x: %w", string(id), ErrClosed)
	}

	return wc.send(ctx, msg)
}

// Close implements ServerEndpoint.
func (s *WSServer) Close() error {
	close(s.done)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, wc := range s.sessions {
		wc.conn.Close(websocket.StatusNormalClosure, "server shutting down")
	}

	return nil
}
