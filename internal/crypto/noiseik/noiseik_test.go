package noiseik

import (
	"bytes"
	"testing"

	"punchdht/internal/crypto/identity"
)

func pair(t *testing.T, seed string) identity.KeyPair {
	t.Helper()
	kp, err := identity.New([]byte(seed))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return kp
}

func TestHandshake(t *testing.T) {
	client := pair(t, "client")
	server := pair(t, "server")

	init, msg1, err := Initiate(client, server.PublicKey, []byte("client-payload"))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	acc, err := Accept(server, msg1)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !bytes.Equal(acc.RemotePublic, client.PublicKey) {
		t.Fatalf("responder saw wrong client identity")
	}
	if string(acc.Payload) != "client-payload" {
		t.Fatalf("client payload mangled: %q", acc.Payload)
	}

	msg2, sres, err := acc.Reply([]byte("server-payload"))
	if err != nil {
		t.Fatalf("reply: %v", err)
	}

	cres, err := init.Finish(msg2)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !bytes.Equal(cres.RemotePublic, server.PublicKey) {
		t.Fatalf("initiator saw wrong server identity")
	}
	if string(cres.Payload) != "server-payload" {
		t.Fatalf("server payload mangled: %q", cres.Payload)
	}
	if cres.StreamKey != sres.StreamKey {
		t.Fatalf("stream keys disagree")
	}
	if cres.StreamKey == ([32]byte{}) {
		t.Fatalf("zero stream key")
	}
}

func TestWrongServerKeyRejected(t *testing.T) {
	client := pair(t, "client")
	server := pair(t, "server")
	imposter := pair(t, "imposter")

	// msg1 addressed to server can't be read by a different static.
	_, msg1, err := Initiate(client, server.PublicKey, nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := Accept(imposter, msg1); err == nil {
		t.Fatalf("imposter accepted a handshake addressed to server")
	}
}

func TestGarbageRejected(t *testing.T) {
	server := pair(t, "server")
	if _, err := Accept(server, []byte("not a handshake")); err == nil {
		t.Fatalf("garbage msg1 accepted")
	}

	client := pair(t, "client")
	init, _, err := Initiate(client, server.PublicKey, nil)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := init.Finish([]byte("not a handshake")); err == nil {
		t.Fatalf("garbage msg2 accepted")
	}
}
