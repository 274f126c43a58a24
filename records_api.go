package punchdht

import (
	"context"
	"crypto/ed25519"

	"punchdht/internal/crypto/identity"
	"punchdht/internal/kadrpc"
	"punchdht/internal/proto"
)

// Client operations for the mutable/immutable blob store: iterative
// lookup toward the target, then store to the k closest nodes with the
// write tokens their replies carried.

// MutablePut signs and stores (seq, value) under hash(publicKey).
func (d *DHT) MutablePut(ctx context.Context, kp identity.KeyPair, seq uint64, value []byte) error {
	if len(value) > proto.MaxValueSize {
		return ErrValueTooLarge
	}
	target := identity.Target(kp.PublicKey)

	m := &proto.MutablePutRequest{Seq: seq, Value: value}
	copy(m.PublicKey[:], kp.PublicKey)
	copy(m.Signature[:], identity.SignMutable(kp.SecretKey, seq, value))
	encoded := m.Encode()

	q := d.node.Query(ctx, kadrpc.NodeID(target), proto.CmdMutableGet, proto.EncodeSeq(0), kadrpc.DefaultLookupConfig())
	for range q.C {
	}

	stored := 0
	var typed error
	for _, r := range q.Closest() {
		resp, err := d.node.Request(ctx, r.FromUDP, proto.CmdMutablePut, target[:], r.Token, encoded)
		if err != nil {
			continue
		}
		if resp.ErrCode >= 0 {
			if e := errorFromCode(resp.ErrCode); e != nil {
				typed = e
			}
			continue
		}
		stored++
	}
	if stored == 0 {
		if typed != nil {
			return typed
		}
		return ErrPeerNotFound
	}
	return nil
}

// MutableGet fetches the freshest record with seq >= the given seq.
// Returns found=false when nothing qualifies.
func (d *DHT) MutableGet(ctx context.Context, publicKey ed25519.PublicKey, seq uint64) (value []byte, gotSeq uint64, found bool, err error) {
	target := identity.Target(publicKey)

	q := d.node.Query(ctx, kadrpc.NodeID(target), proto.CmdMutableGet, proto.EncodeSeq(seq), kadrpc.DefaultLookupConfig())
	var best *proto.MutablePutRequest
	for r := range q.C {
		if len(r.Value) == 0 {
			continue
		}
		m, derr := proto.DecodeMutablePutRequest(r.Value)
		if derr != nil {
			continue
		}
		if string(m.PublicKey[:]) != string(publicKey) || m.Seq < seq {
			continue
		}
		if !identity.VerifyMutable(publicKey, m.Signature[:], m.Seq, m.Value) {
			continue
		}
		if best == nil || m.Seq > best.Seq {
			best = m
		}
	}
	if err := q.Err(); err != nil {
		return nil, 0, false, err
	}
	if best == nil {
		return nil, 0, false, nil
	}
	return best.Value, best.Seq, true, nil
}

// ImmutablePut stores value under hash(value) and returns the target.
func (d *DHT) ImmutablePut(ctx context.Context, value []byte) ([32]byte, error) {
	var target [32]byte
	if len(value) == 0 || len(value) > proto.MaxValueSize {
		return target, ErrValueTooLarge
	}
	target = identity.Target(value)

	q := d.node.Query(ctx, kadrpc.NodeID(target), proto.CmdImmutableGet, nil, kadrpc.DefaultLookupConfig())
	for range q.C {
	}

	stored := 0
	for _, r := range q.Closest() {
		resp, err := d.node.Request(ctx, r.FromUDP, proto.CmdImmutablePut, target[:], r.Token, value)
		if err != nil || resp.ErrCode >= 0 {
			continue
		}
		stored++
	}
	if stored == 0 {
		return target, ErrPeerNotFound
	}
	return target, nil
}

// ImmutableGet fetches the value stored under target, verifying it
// hashes back to the target.
func (d *DHT) ImmutableGet(ctx context.Context, target [32]byte) ([]byte, bool, error) {
	q := d.node.Query(ctx, kadrpc.NodeID(target), proto.CmdImmutableGet, nil, kadrpc.DefaultLookupConfig())
	defer q.Close()
	for r := range q.C {
		if len(r.Value) == 0 {
			continue
		}
		if identity.Target(r.Value) != target {
			continue
		}
		v := append([]byte(nil), r.Value...)
		return v, true, nil
	}
	if err := q.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}
