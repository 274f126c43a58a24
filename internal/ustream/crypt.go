package ustream

import (
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// Crypt seals stream frames with the session key agreed during the
// Noise handshake. Nonces are direction byte plus frame seq, so a
// frame is encrypted exactly once and retransmits reuse the ciphertext.
type Crypt struct {
	aead    cipher.AEAD
	sendDir byte
	recvDir byte
}

func NewCrypt(key [32]byte, initiator bool) (*Crypt, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	c := &Crypt{aead: aead, sendDir: 1, recvDir: 2}
	if !initiator {
		c.sendDir, c.recvDir = 2, 1
	}
	return c, nil
}

func nonceFor(dir byte, seq uint64) []byte {
	var n [chacha20poly1305.NonceSize]byte
	n[0] = dir
	binary.LittleEndian.PutUint64(n[4:], seq)
	return n[:]
}

func (c *Crypt) Seal(seq uint64, plain []byte) []byte {
	return c.aead.Seal(nil, nonceFor(c.sendDir, seq), plain, nil)
}

func (c *Crypt) Open(seq uint64, ct []byte) ([]byte, error) {
	return c.aead.Open(nil, nonceFor(c.recvDir, seq), ct, nil)
}
