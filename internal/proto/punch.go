package proto

import "net/netip"

// SessionOffer rides inside the encrypted Noise handshake payloads of
// a CONNECT exchange: the sender's firewall class and session-socket
// candidates.
type SessionOffer struct {
	Firewall  uint8
	Addresses []netip.AddrPort
}

func (o *SessionOffer) Encode() []byte {
	b := []byte{o.Firewall}
	return appendAddrs(b, o.Addresses)
}

func DecodeSessionOffer(b []byte) (*SessionOffer, error) {
	if len(b) < 1 {
		return nil, ErrBadPayload
	}
	var o SessionOffer
	o.Firewall = b[0]
	addrs, rest, err := readAddrs(b[1:])
	if err != nil || len(rest) != 0 {
		return nil, ErrBadPayload
	}
	o.Addresses = addrs
	return &o, nil
}

// PunchOffer is the hello/accept payload of a HOLEPUNCH exchange: the
// pair id, the probing schedule commitment, candidate addresses, and
// whether the sender permits carrying the stream through the relay.
type PunchOffer struct {
	Pair      [16]byte
	Firewall  uint8
	Relay     uint8 // 1 = relayed data permitted
	DelayMS   uint32
	Addresses []netip.AddrPort
}

func (o *PunchOffer) Encode() []byte {
	b := make([]byte, 0, 16+2+5+6*len(o.Addresses))
	b = append(b, o.Pair[:]...)
	b = append(b, o.Firewall, o.Relay)
	b = appendUvarint(b, uint64(o.DelayMS))
	return appendAddrs(b, o.Addresses)
}

func DecodePunchOffer(b []byte) (*PunchOffer, error) {
	if len(b) < 18 {
		return nil, ErrBadPayload
	}
	var o PunchOffer
	copy(o.Pair[:], b[:16])
	o.Firewall = b[16]
	o.Relay = b[17]
	delay, b, err := readUvarint(b[18:])
	if err != nil || delay > 1<<20 {
		return nil, ErrBadPayload
	}
	o.DelayMS = uint32(delay)
	addrs, rest, err := readAddrs(b)
	if err != nil || len(rest) != 0 {
		return nil, ErrBadPayload
	}
	o.Addresses = addrs
	return &o, nil
}
