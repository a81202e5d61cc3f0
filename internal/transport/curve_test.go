package transport

import (
	"bytes"
	"testing"
)

func TestHelloRoundTrip_CarriesEphemeralKeyAndExtra(t *testing.T) {
	t.Parallel()

	client, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	server, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	ephPub, _, err := newEphemeralKeyPair()
	if err != nil {
		t.Fatalf("newEphemeralKeyPair: %v", err)
	}

	identity := []byte("client-identity-128bit")

	frame, err := sealHello(client, server.Public, ephPub, identity)
	if err != nil {
		t.Fatalf("sealHello: %v", err)
	}

	longTerm, gotEphPub, extra, err := openHello(server, frame, nil)
	if err != nil {
		t.Fatalf("openHello: %v", err)
	}

	if longTerm != client.Public {
		t.Fatalf("recovered long-term key mismatch")
	}
	if gotEphPub != ephPub {
		t.Fatalf("recovered ephemeral key mismatch")
	}
	if !bytes.Equal(extra, identity) {
		t.Fatalf("recovered extra = %q, want %q", extra, identity)
	}
}

func TestOpenHello_RejectsWrongExpectedPeer(t *testing.T) {
	t.Parallel()

	client, _ := GenerateKeyPair()
	server, _ := GenerateKeyPair()
	impostor, _ := GenerateKeyPair()

	ephPub, _, _ := newEphemeralKeyPair()
	frame, err := sealHello(client, server.Public, ephPub, nil)
	if err != nil {
		t.Fatalf("sealHello: %v", err)
	}

	if _, _, _, err := openHello(server, frame, &impostor.Public); err == nil {
		t.Fatalf("expected rejection of unexpected peer key")
	}
}

func TestSessionSealOpen_RoundTrips(t *testing.T) {
	t.Parallel()

	aEphPub, aEphPriv, _ := newEphemeralKeyPair()
	bEphPub, bEphPriv, _ := newEphemeralKeyPair()

	a := deriveSession(aEphPriv, bEphPub, true)
	b := deriveSession(bEphPriv, aEphPub, false)

	ciphertext := a.seal([]byte("hello world"))

	plain, err := b.open(ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != "hello world" {
		t.Fatalf("plain = %q", plain)
	}
}

func TestSessionOpen_RejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()

	aEphPub, aEphPriv, _ := newEphemeralKeyPair()
	bEphPub, bEphPriv, _ := newEphemeralKeyPair()

	a := deriveSession(aEphPriv, bEphPub, true)
	b := deriveSession(bEphPriv, aEphPub, false)

	ciphertext := a.seal([]byte("hello world"))
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := b.open(ciphertext); err == nil {
		t.Fatalf("expected tampered ciphertext to be rejected")
	}
}

func TestSessionSeal_ClientAndServerNeverShareANonce(t *testing.T) {
	t.Parallel()

	aEphPub, aEphPriv, _ := newEphemeralKeyPair()
	bEphPub, bEphPriv, _ := newEphemeralKeyPair()

	// Both sides derive the identical shared key (ECDH is symmetric) and
	// both sequence counters start at 0; only the isClient tag keeps their
	// first sealed message from colliding on (key, nonce).
	client := deriveSession(aEphPriv, bEphPub, true)
	server := deriveSession(bEphPriv, aEphPub, false)

	clientFrame := client.seal([]byte("post-file"))
	serverFrame := server.seal([]byte("upload-approved"))

	if bytes.Equal(clientFrame[:nonceSize], serverFrame[:nonceSize]) {
		t.Fatalf("client and server sealed their first message under the same nonce")
	}

	if _, err := server.open(clientFrame); err != nil {
		t.Fatalf("server failed to open client's frame: %v", err)
	}
	if _, err := client.open(serverFrame); err != nil {
		t.Fatalf("client failed to open server's frame: %v", err)
	}
}
