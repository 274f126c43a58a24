package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"

	"punchdht/internal/proto"
)

// Identities are Ed25519 keypairs. A DHT target is the BLAKE2b-256
// hash of a public key. All signables are namespaced keyed hashes so a
// signature made for one purpose can never verify for another.

var (
	NSAnnounce   = blake2b.Sum256([]byte("punchdht/announce"))
	NSUnannounce = blake2b.Sum256([]byte("punchdht/unannounce"))
	NSMutable    = blake2b.Sum256([]byte("punchdht/mutable-put"))
	NSRefresh    = blake2b.Sum256([]byte("punchdht/refresh"))
	NSPair       = blake2b.Sum256([]byte("punchdht/pair"))
)

type KeyPair struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

// New derives a keypair. A nil seed yields a random identity; any
// other seed is hashed to 32 bytes first so callers can use
// human-memorable seeds in tests.
func New(seed []byte) (KeyPair, error) {
	if seed == nil {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return KeyPair{}, err
		}
		return KeyPair{PublicKey: pub, SecretKey: priv}, nil
	}
	sum := blake2b.Sum256(seed)
	priv := ed25519.NewKeyFromSeed(sum[:])
	return KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), SecretKey: priv}, nil
}

// Target maps a public key (or an immutable value) to its DHT slot.
func Target(b []byte) [32]byte {
	return blake2b.Sum256(b)
}

// NamespacedHash is BLAKE2b-256 keyed with the namespace over the
// concatenated parts. Nil parts are skipped, so an absent refresh
// hashes the same as an empty one.
func NamespacedHash(ns [32]byte, parts ...[]byte) [32]byte {
	h, err := blake2b.New256(ns[:])
	if err != nil {
		panic(err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AnnounceSignable binds an announce (or unannounce) to the storing
// node: target, the storer's node id, the write token it issued, the
// encoded peer record, and the refresh nonce if any.
func AnnounceSignable(ns [32]byte, target, nodeID, token, peer, refresh []byte) [32]byte {
	return NamespacedHash(ns, target, nodeID, token, peer, refresh)
}

func SignAnnounce(secret ed25519.PrivateKey, ns [32]byte, target, nodeID, token, peer, refresh []byte) []byte {
	sum := AnnounceSignable(ns, target, nodeID, token, peer, refresh)
	return ed25519.Sign(secret, sum[:])
}

func VerifyAnnounce(pub ed25519.PublicKey, sig []byte, ns [32]byte, target, nodeID, token, peer, refresh []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	sum := AnnounceSignable(ns, target, nodeID, token, peer, refresh)
	return ed25519.Verify(pub, sum[:], sig)
}

func MutableSignable(seq uint64, value []byte) [32]byte {
	return NamespacedHash(NSMutable, proto.EncodeMutableSignable(seq, value))
}

func SignMutable(secret ed25519.PrivateKey, seq uint64, value []byte) []byte {
	sum := MutableSignable(seq, value)
	return ed25519.Sign(secret, sum[:])
}

func VerifyMutable(pub ed25519.PublicKey, sig []byte, seq uint64, value []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	sum := MutableSignable(seq, value)
	return ed25519.Verify(pub, sum[:], sig)
}

// RotateToken derives the next refresh token in the chain. Both the
// announcer and the storer walk the same chain, so a token observed in
// flight is good for at most the one renewal it was spent on.
func RotateToken(token []byte) [32]byte {
	return NamespacedHash(NSRefresh, token)
}

// CurveSecret converts an Ed25519 private key to its Curve25519 form
// for Noise DH (RFC 7748 hash-and-clamp).
func CurveSecret(secret ed25519.PrivateKey) []byte {
	h := sha512.Sum512(secret.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// CurvePublic converts an Ed25519 public key to its Curve25519 form
// (Edwards → Montgomery).
func CurvePublic(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("identity: bad public key length")
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, err
	}
	return p.BytesMontgomery(), nil
}
