package noiseik

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"punchdht/internal/crypto/identity"
)

// Noise_IK handshake between two Ed25519 identities. The initiator
// must know the responder's public key up front; the responder learns
// and verifies the initiator's identity from the first message.
//
// Static Noise keys are the Curve25519 conversions of the Ed25519
// identities. Each side's handshake payload carries its Ed25519 key
// plus a signature binding it to the Curve25519 static, so a stolen
// static key can't impersonate an identity. The responder also ships a
// fresh 32-byte stream key inside its encrypted payload; the stream
// layer seals every frame with it.

const bindingPrefix = "punchdht-noise-static:"

var (
	ErrBadHandshake = errors.New("noiseik: bad handshake message")
	ErrBadIdentity  = errors.New("noiseik: identity binding failed")
)

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
}

func staticKey(kp identity.KeyPair) (noise.DHKey, error) {
	pub, err := identity.CurvePublic(kp.PublicKey)
	if err != nil {
		return noise.DHKey{}, err
	}
	return noise.DHKey{Private: identity.CurveSecret(kp.SecretKey), Public: pub}, nil
}

func signBinding(kp identity.KeyPair, curvePub []byte) []byte {
	msg := append([]byte(bindingPrefix), curvePub...)
	return ed25519.Sign(kp.SecretKey, msg)
}

func verifyBinding(edPub ed25519.PublicKey, curvePub, sig []byte) bool {
	expect, err := identity.CurvePublic(edPub)
	if err != nil {
		return false
	}
	if len(curvePub) != 32 || string(expect) != string(curvePub) {
		return false
	}
	msg := append([]byte(bindingPrefix), curvePub...)
	return ed25519.Verify(edPub, msg, sig)
}

// inner payload: edPub[32] || bindingSig[64] || [streamKey[32]] || app
const (
	plHasStreamKey = 1 << 0
)

func encodePayload(kp identity.KeyPair, curvePub []byte, streamKey []byte, app []byte) []byte {
	var flags byte
	if streamKey != nil {
		flags |= plHasStreamKey
	}
	b := []byte{flags}
	b = append(b, kp.PublicKey...)
	b = append(b, signBinding(kp, curvePub)...)
	if streamKey != nil {
		b = append(b, streamKey...)
	}
	return append(b, app...)
}

func decodePayload(b []byte, remoteStatic []byte) (edPub ed25519.PublicKey, streamKey []byte, app []byte, err error) {
	if len(b) < 1+32+64 {
		return nil, nil, nil, ErrBadHandshake
	}
	flags := b[0]
	edPub = ed25519.PublicKey(append([]byte(nil), b[1:33]...))
	sig := b[33:97]
	rest := b[97:]
	if !verifyBinding(edPub, remoteStatic, sig) {
		return nil, nil, nil, ErrBadIdentity
	}
	if flags&plHasStreamKey != 0 {
		if len(rest) < 32 {
			return nil, nil, nil, ErrBadHandshake
		}
		streamKey = append([]byte(nil), rest[:32]...)
		rest = rest[32:]
	}
	return edPub, streamKey, append([]byte(nil), rest...), nil
}

// Initiator holds client-side handshake state between msg1 and msg2.
type Initiator struct {
	hs     *noise.HandshakeState
	remote ed25519.PublicKey
}

// Result is what both sides end up with after a completed handshake.
type Result struct {
	RemotePublic ed25519.PublicKey
	StreamKey    [32]byte
	Payload      []byte // remote application payload
}

// Initiate builds msg1 addressed to remote, carrying app in the
// encrypted payload.
func Initiate(kp identity.KeyPair, remote ed25519.PublicKey, app []byte) (*Initiator, []byte, error) {
	local, err := staticKey(kp)
	if err != nil {
		return nil, nil, err
	}
	remoteStatic, err := identity.CurvePublic(remote)
	if err != nil {
		return nil, nil, err
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: local,
		PeerStatic:    remoteStatic,
	})
	if err != nil {
		return nil, nil, err
	}
	msg1, _, _, err := hs.WriteMessage(nil, encodePayload(kp, local.Public, nil, app))
	if err != nil {
		return nil, nil, err
	}
	return &Initiator{hs: hs, remote: remote}, msg1, nil
}

// Finish consumes the responder's msg2 and yields the session result.
func (i *Initiator) Finish(msg2 []byte) (*Result, error) {
	payload, _, _, err := i.hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	edPub, streamKey, app, err := decodePayload(payload, i.hs.PeerStatic())
	if err != nil {
		return nil, err
	}
	if string(edPub) != string(i.remote) {
		return nil, ErrBadIdentity
	}
	if streamKey == nil {
		return nil, ErrBadHandshake
	}
	res := &Result{RemotePublic: edPub, Payload: app}
	copy(res.StreamKey[:], streamKey)
	return res, nil
}

// Accepted is the responder's view after reading msg1 but before
// committing to a reply, so admission hooks can inspect the initiator
// first.
type Accepted struct {
	hs *noise.HandshakeState

	RemotePublic ed25519.PublicKey
	Payload      []byte

	kp identity.KeyPair
}

// Accept reads and authenticates msg1.
func Accept(kp identity.KeyPair, msg1 []byte) (*Accepted, error) {
	local, err := staticKey(kp)
	if err != nil {
		return nil, err
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: local,
	})
	if err != nil {
		return nil, err
	}
	payload, _, _, err := hs.ReadMessage(nil, msg1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	edPub, _, app, err := decodePayload(payload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}
	return &Accepted{hs: hs, RemotePublic: edPub, Payload: app, kp: kp}, nil
}

// Reply builds msg2 carrying app plus a fresh stream key, and returns
// the completed session result.
func (a *Accepted) Reply(app []byte) ([]byte, *Result, error) {
	local, err := staticKey(a.kp)
	if err != nil {
		return nil, nil, err
	}
	var streamKey [32]byte
	if _, err := rand.Read(streamKey[:]); err != nil {
		return nil, nil, err
	}
	msg2, _, _, err := a.hs.WriteMessage(nil, encodePayload(a.kp, local.Public, streamKey[:], app))
	if err != nil {
		return nil, nil, err
	}
	return msg2, &Result{RemotePublic: a.RemotePublic, StreamKey: streamKey, Payload: a.Payload}, nil
}
