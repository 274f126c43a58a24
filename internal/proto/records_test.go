package proto

import (
	"bytes"
	"crypto/rand"
	"net/netip"
	"testing"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func ap(t *testing.T, addr string) netip.AddrPort {
	t.Helper()
	a, err := netip.ParseAddrPort(addr)
	if err != nil {
		t.Fatalf("parse %q: %v", addr, err)
	}
	return a
}

func TestPeerRoundTrip(t *testing.T) {
	var p Peer
	copy(p.PublicKey[:], randBytes(t, 32))
	p.RelayAddresses = []netip.AddrPort{
		ap(t, "10.0.0.1:1234"),
		ap(t, "192.168.1.50:65535"),
	}

	enc := p.Encode()
	got, err := DecodePeer(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Encode(), enc) {
		t.Fatalf("re-encode mismatch")
	}
	if got.PublicKey != p.PublicKey || len(got.RelayAddresses) != 2 {
		t.Fatalf("fields mangled: %+v", got)
	}
}

func TestAnnounceRoundTrip(t *testing.T) {
	var p Peer
	copy(p.PublicKey[:], randBytes(t, 32))
	p.RelayAddresses = []netip.AddrPort{ap(t, "1.2.3.4:99")}

	cases := []Announce{
		{Peer: &p, Refresh: randBytes(t, 32), Signature: randBytes(t, 64)},
		{Peer: &p, Signature: randBytes(t, 64)},
		{Refresh: randBytes(t, 32)},
	}
	for i, a := range cases {
		enc := a.Encode()
		got, err := DecodeAnnounce(enc)
		if err != nil {
			t.Fatalf("case %d decode: %v", i, err)
		}
		if !bytes.Equal(got.Encode(), enc) {
			t.Fatalf("case %d re-encode mismatch", i)
		}
	}
}

func TestAnnounceTrailingGarbage(t *testing.T) {
	a := Announce{Refresh: randBytes(t, 32)}
	enc := append(a.Encode(), 0x01)
	if _, err := DecodeAnnounce(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestMutablePutRequestRoundTrip(t *testing.T) {
	m := MutablePutRequest{Seq: 12345, Value: []byte("hello world")}
	copy(m.PublicKey[:], randBytes(t, 32))
	copy(m.Signature[:], randBytes(t, 64))

	enc := m.Encode()
	got, err := DecodeMutablePutRequest(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Encode(), enc) {
		t.Fatalf("re-encode mismatch")
	}
	if got.Seq != m.Seq || !bytes.Equal(got.Value, m.Value) {
		t.Fatalf("fields mangled")
	}
}

func TestMutablePutRequestOversize(t *testing.T) {
	m := MutablePutRequest{Seq: 1, Value: make([]byte, MaxValueSize+1)}
	if _, err := DecodeMutablePutRequest(m.Encode()); err == nil {
		t.Fatalf("expected oversize rejection")
	}
}

func TestHolepunchRoundTrip(t *testing.T) {
	h := Holepunch{Mode: PunchModeHello, Payload: randBytes(t, 40)}
	enc := h.Encode()
	got, err := DecodeHolepunch(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Encode(), enc) {
		t.Fatalf("re-encode mismatch")
	}
}

func TestSessionOfferRoundTrip(t *testing.T) {
	o := SessionOffer{Firewall: FirewallConsistent, Addresses: []netip.AddrPort{ap(t, "8.8.8.8:53")}}
	enc := o.Encode()
	got, err := DecodeSessionOffer(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Encode(), enc) {
		t.Fatalf("re-encode mismatch")
	}
}

func TestPunchOfferRoundTrip(t *testing.T) {
	var o PunchOffer
	copy(o.Pair[:], randBytes(t, 16))
	o.Firewall = FirewallRandom
	o.Relay = 1
	o.DelayMS = 256
	o.Addresses = []netip.AddrPort{ap(t, "5.6.7.8:4000"), ap(t, "5.6.7.8:4001")}

	enc := o.Encode()
	got, err := DecodePunchOffer(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Encode(), enc) {
		t.Fatalf("re-encode mismatch")
	}
	if got.Pair != o.Pair || got.Relay != 1 || got.DelayMS != 256 {
		t.Fatalf("fields mangled: %+v", got)
	}
}

func TestRecordListRoundTrip(t *testing.T) {
	recs := [][]byte{randBytes(t, 10), randBytes(t, 0), randBytes(t, 200)}
	enc := EncodeRecordList(recs)
	got, err := DecodeRecordList(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("count: got %d want %d", len(got), len(recs))
	}
	for i := range recs {
		if !bytes.Equal(got[i], recs[i]) {
			t.Fatalf("record %d mismatch", i)
		}
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	var p Peer
	copy(p.PublicKey[:], randBytes(t, 32))
	p.RelayAddresses = []netip.AddrPort{ap(t, "1.2.3.4:99")}
	enc := p.Encode()
	for i := 1; i < len(enc); i++ {
		if _, err := DecodePeer(enc[:i]); err == nil {
			t.Fatalf("truncated at %d accepted", i)
		}
	}
}
