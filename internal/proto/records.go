package proto

import (
	"errors"
	"net/netip"

	"github.com/multiformats/go-varint"
)

// Compact record encoding: canonical field order, unsigned varints for
// lengths and counts, fixed-width keys and signatures. These are the
// bytes that get signed and stored, so encode(decode(x)) == x must hold
// exactly.

var ErrBadPayload = errors.New("proto: bad payload")

const (
	// Relay address lists are truncated to this length on storage.
	MaxRelayAddresses = 3

	// Mutable and immutable values are capped at this many bytes.
	MaxValueSize = 1000
)

// Peer is the announce payload body: who is reachable, and through
// which relay addresses.
type Peer struct {
	PublicKey      [32]byte
	RelayAddresses []netip.AddrPort
}

// Announce wraps a peer record with an optional refresh nonce and the
// signature over the announce signable. A refresh-only announce (no
// peer, no signature) renews a previous announce cheaply.
type Announce struct {
	Peer      *Peer
	Refresh   []byte // 32 bytes when present
	Signature []byte // 64 bytes when present
}

// MutablePutRequest is the wire form of a mutable record write.
type MutablePutRequest struct {
	PublicKey [32]byte
	Seq       uint64
	Value     []byte
	Signature [64]byte
}

// Holepunch is the generic punch control payload.
type Holepunch struct {
	Mode    uint8
	Payload []byte
}

const (
	annHasPeer    = 1 << 0
	annHasRefresh = 1 << 1
	annHasSig     = 1 << 2
)

func appendUvarint(b []byte, x uint64) []byte {
	return append(b, varint.ToUvarint(x)...)
}

func appendAddrs(b []byte, addrs []netip.AddrPort) []byte {
	b = appendUvarint(b, uint64(len(addrs)))
	for _, ap := range addrs {
		ip := ap.Addr().As4()
		b = append(b, ip[:]...)
		b = append(b, byte(ap.Port()>>8), byte(ap.Port()))
	}
	return b
}

func readUvarint(b []byte) (uint64, []byte, error) {
	x, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, nil, ErrBadPayload
	}
	return x, b[n:], nil
}

func readAddrs(b []byte) ([]netip.AddrPort, []byte, error) {
	n, b, err := readUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if n > 64 || uint64(len(b)) < n*6 {
		return nil, nil, ErrBadPayload
	}
	addrs := make([]netip.AddrPort, 0, n)
	for i := uint64(0); i < n; i++ {
		var ip [4]byte
		copy(ip[:], b[:4])
		port := uint16(b[4])<<8 | uint16(b[5])
		addrs = append(addrs, netip.AddrPortFrom(netip.AddrFrom4(ip), port))
		b = b[6:]
	}
	return addrs, b, nil
}

func (p *Peer) Encode() []byte {
	b := make([]byte, 0, 32+1+6*len(p.RelayAddresses))
	b = append(b, p.PublicKey[:]...)
	return appendAddrs(b, p.RelayAddresses)
}

func DecodePeer(b []byte) (*Peer, error) {
	p, rest, err := decodePeer(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrBadPayload
	}
	return p, nil
}

func decodePeer(b []byte) (*Peer, []byte, error) {
	if len(b) < 32 {
		return nil, nil, ErrBadPayload
	}
	var p Peer
	copy(p.PublicKey[:], b[:32])
	addrs, rest, err := readAddrs(b[32:])
	if err != nil {
		return nil, nil, err
	}
	p.RelayAddresses = addrs
	return &p, rest, nil
}

func (a *Announce) Encode() []byte {
	var flags byte
	if a.Peer != nil {
		flags |= annHasPeer
	}
	if len(a.Refresh) > 0 {
		flags |= annHasRefresh
	}
	if len(a.Signature) > 0 {
		flags |= annHasSig
	}
	b := []byte{flags}
	if a.Peer != nil {
		peer := a.Peer.Encode()
		b = appendUvarint(b, uint64(len(peer)))
		b = append(b, peer...)
	}
	if len(a.Refresh) > 0 {
		b = append(b, a.Refresh...)
	}
	if len(a.Signature) > 0 {
		b = append(b, a.Signature...)
	}
	return b
}

func DecodeAnnounce(b []byte) (*Announce, error) {
	if len(b) < 1 {
		return nil, ErrBadPayload
	}
	flags := b[0]
	b = b[1:]

	var a Announce
	if flags&annHasPeer != 0 {
		n, rest, err := readUvarint(b)
		if err != nil || uint64(len(rest)) < n {
			return nil, ErrBadPayload
		}
		p, err := DecodePeer(rest[:n])
		if err != nil {
			return nil, err
		}
		a.Peer = p
		b = rest[n:]
	}
	if flags&annHasRefresh != 0 {
		if len(b) < 32 {
			return nil, ErrBadPayload
		}
		a.Refresh = append([]byte(nil), b[:32]...)
		b = b[32:]
	}
	if flags&annHasSig != 0 {
		if len(b) < 64 {
			return nil, ErrBadPayload
		}
		a.Signature = append([]byte(nil), b[:64]...)
		b = b[64:]
	}
	if len(b) != 0 {
		return nil, ErrBadPayload
	}
	return &a, nil
}

func (m *MutablePutRequest) Encode() []byte {
	b := make([]byte, 0, 32+10+len(m.Value)+64)
	b = append(b, m.PublicKey[:]...)
	b = appendUvarint(b, m.Seq)
	b = appendUvarint(b, uint64(len(m.Value)))
	b = append(b, m.Value...)
	b = append(b, m.Signature[:]...)
	return b
}

func DecodeMutablePutRequest(b []byte) (*MutablePutRequest, error) {
	if len(b) < 32 {
		return nil, ErrBadPayload
	}
	var m MutablePutRequest
	copy(m.PublicKey[:], b[:32])
	b = b[32:]

	seq, b, err := readUvarint(b)
	if err != nil {
		return nil, err
	}
	m.Seq = seq

	n, b, err := readUvarint(b)
	if err != nil || n > MaxValueSize || uint64(len(b)) != n+64 {
		return nil, ErrBadPayload
	}
	m.Value = append([]byte(nil), b[:n]...)
	copy(m.Signature[:], b[n:])
	return &m, nil
}

// EncodeSeq and ReadSeq carry the requester's known seq in mutable
// gets.
func EncodeSeq(seq uint64) []byte {
	return appendUvarint(nil, seq)
}

func ReadSeq(b []byte) (uint64, []byte, error) {
	return readUvarint(b)
}

// EncodeMutableSignable is the inner encoding whose namespaced hash a
// mutable put signs.
func EncodeMutableSignable(seq uint64, value []byte) []byte {
	b := appendUvarint(nil, seq)
	b = appendUvarint(b, uint64(len(value)))
	return append(b, value...)
}

func (h *Holepunch) Encode() []byte {
	b := []byte{h.Mode}
	b = appendUvarint(b, uint64(len(h.Payload)))
	return append(b, h.Payload...)
}

func DecodeHolepunch(b []byte) (*Holepunch, error) {
	if len(b) < 1 {
		return nil, ErrBadPayload
	}
	h := Holepunch{Mode: b[0]}
	n, rest, err := readUvarint(b[1:])
	if err != nil || uint64(len(rest)) != n {
		return nil, ErrBadPayload
	}
	h.Payload = append([]byte(nil), rest...)
	return &h, nil
}
