package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the length of a Curve25519 public or private key, and of a
// secretbox session key.
const KeySize = 32

// nonceSize is the length of a secretbox nonce.
const nonceSize = 24

// KeyPair is a long-term Curve25519 identity keypair, analogous to a CURVE
// keypair in ZeroMQ's CurveZMQ mechanism: it proves who a peer is across
// reconnects, but never encrypts data directly — only the per-session
// handshake below.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new long-term identity keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("transport: generating keypair: %w", err)
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

// ErrHandshakeFailed means the handshake frame could not be opened —
// either it was corrupt, or it was not actually sealed by the claimed
// long-term key.
var ErrHandshakeFailed = errors.New("transport: handshake failed")

// sealHello is what each side sends first: its long-term public key, plus
// a fresh ephemeral public key for this session, boxed under the sender's
// long-term private key and the peer's long-term public key so the
// receiver knows who sent it without the ephemeral key ever touching the
// long-term one for data encryption.
// extra carries the client's per-upload-attempt Identity on the
// client->server hello; the server's reply hello leaves it empty.
func sealHello(self KeyPair, peerLongTermPublic [KeySize]byte, ephemeralPublic [KeySize]byte, extra []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("transport: generating nonce: %w", err)
	}

	payload := make([]byte, KeySize+len(extra))
	copy(payload, ephemeralPublic[:])
	copy(payload[KeySize:], extra)

	sealed := box.Seal(nonce[:], payload, &nonce, &peerLongTermPublic, &self.Private)

	out := make([]byte, KeySize+len(sealed))
	copy(out, self.Public[:])
	copy(out[KeySize:], sealed)

	return out, nil
}

// openHello recovers the peer's long-term public key, ephemeral public
// key, and any extra payload from a sealHello frame, verifying the
// long-term key against expectedPeer when non-nil (the server doesn't
// know the peer's identity yet; the client does, because it dialed a
// specific server key).
func openHello(
	self KeyPair, frame []byte, expectedPeer *[KeySize]byte,
) (longTermPublic, ephemeralPublic [KeySize]byte, extra []byte, err error) {
	if len(frame) < KeySize+nonceSize+box.Overhead+KeySize {
		return longTermPublic, ephemeralPublic, nil, fmt.Errorf("%w: short frame", ErrHandshakeFailed)
	}

	copy(longTermPublic[:], frame[:KeySize])
	if expectedPeer != nil && longTermPublic != *expectedPeer {
		return longTermPublic, ephemeralPublic, nil, fmt.Errorf("%w: unexpected peer key", ErrHandshakeFailed)
	}

	sealed := frame[KeySize:]
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	opened, ok := box.Open(nil, sealed[nonceSize:], &nonce, &longTermPublic, &self.Private)
	if !ok || len(opened) < KeySize {
		return longTermPublic, ephemeralPublic, nil, ErrHandshakeFailed
	}

	copy(ephemeralPublic[:], opened[:KeySize])
	if len(opened) > KeySize {
		extra = opened[KeySize:]
	}

	return longTermPublic, ephemeralPublic, extra, nil
}

// session holds the derived shared key for one transport connection's
// lifetime. A fresh ephemeral keypair is generated per connection, so a
// compromise of the long-term key cannot decrypt past sessions —
// forward secrecy, as required by spec §6.
//
// The shared secretbox key is the same on both ends (ECDH is symmetric),
// so sendSeq and recvSeq alone are not enough to keep nonces distinct:
// both peers' sequence counters start at 0. isClient tags which half of
// the nonce space this side seals into, so the client's message N and
// the server's message N never share a (key, nonce) pair.
type session struct {
	sharedKey [KeySize]byte
	isClient  bool
	sendSeq   uint64
	recvSeq   uint64
}

// deriveSession precomputes the shared secretbox key from this side's
// ephemeral private key and the peer's ephemeral public key. isClient
// must be true on the dialing side and false on the accepting side.
func deriveSession(selfEphemeralPrivate, peerEphemeralPublic [KeySize]byte, isClient bool) *session {
	var shared [KeySize]byte
	box.Precompute(&shared, &peerEphemeralPublic, &selfEphemeralPrivate)
	return &session{sharedKey: shared, isClient: isClient}
}

// seal encrypts plaintext with the session key and a nonce derived from
// the monotonically increasing send sequence (never reused, even across
// reconnects within a session struct's lifetime) tagged with this side's
// direction.
func (s *session) seal(plaintext []byte) []byte {
	nonce := seqNonce(s.sendSeq, s.isClient)
	s.sendSeq++
	return secretbox.Seal(nonce[:nonceSize], plaintext, &nonce, &s.sharedKey)
}

// open decrypts a frame produced by the peer's seal. Sequence numbers are
// trusted to arrive in order because the underlying transport (websocket)
// guarantees FIFO delivery within a connection.
func (s *session) open(frame []byte) ([]byte, error) {
	if len(frame) < nonceSize {
		return nil, fmt.Errorf("%w: short ciphertext", ErrHandshakeFailed)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], frame[:nonceSize])

	plain, ok := secretbox.Open(nil, frame[nonceSize:], &nonce, &s.sharedKey)
	if !ok {
		return nil, fmt.Errorf("%w: decryption failed", ErrHandshakeFailed)
	}

	s.recvSeq++

	return plain, nil
}

// seqNonce derives a secretbox nonce from a sequence counter and a
// direction bit: the counter occupies the low 8 bytes, the top bit of
// the leading byte carries isClient, the rest are zero. The direction
// bit keeps the client's and server's nonces from colliding under their
// shared session key; the counter keeps each side's own nonces from
// repeating within a connection's lifetime (fresh ephemeral keys every
// reconnect start the counter over safely).
func seqNonce(seq uint64, isClient bool) [nonceSize]byte {
	var nonce [nonceSize]byte
	if isClient {
		nonce[0] = 0x80
	}
	binary.BigEndian.PutUint64(nonce[nonceSize-8:], seq)
	return nonce
}
