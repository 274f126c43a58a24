package store

import (
	"crypto/ed25519"

	"punchdht/internal/crypto/identity"
	"punchdht/internal/kadrpc"
	"punchdht/internal/proto"
	"punchdht/internal/router"
)

// RPC handlers. Policy: any validation failure is a silent drop; only
// signed-seq conflicts get typed errors back.

// Register wires the store's handlers onto a node.
func (s *Store) Register(n *kadrpc.Node) {
	n.OnRequest(proto.CmdLookup, s.HandleLookup)
	n.OnRequest(proto.CmdFindPeer, s.HandleFindPeer)
	n.OnRequest(proto.CmdAnnounce, s.HandleAnnounce)
	n.OnRequest(proto.CmdUnannounce, s.HandleUnannounce)
	n.OnRequest(proto.CmdMutableGet, s.HandleMutableGet)
	n.OnRequest(proto.CmdMutablePut, s.HandleMutablePut)
	n.OnRequest(proto.CmdImmutableGet, s.HandleImmutableGet)
	n.OnRequest(proto.CmdImmutablePut, s.HandleImmutablePut)
}

func targetOf(req *kadrpc.Request) ([32]byte, bool) {
	var t [32]byte
	if len(req.Target) != 32 {
		return t, false
	}
	copy(t[:], req.Target)
	return t, true
}

func (s *Store) HandleLookup(req *kadrpc.Request) {
	target, ok := targetOf(req)
	if !ok {
		return
	}
	recs := s.Lookup(target)
	if len(recs) == 0 {
		req.Reply(nil)
		return
	}
	req.Reply(proto.EncodeRecordList(recs))
}

func (s *Store) HandleFindPeer(req *kadrpc.Request) {
	target, ok := targetOf(req)
	if !ok {
		return
	}
	if e, ok := s.router.Get(target); ok {
		req.Reply(e.Record)
		return
	}
	req.Reply(nil)
}

func (s *Store) HandleAnnounce(req *kadrpc.Request) {
	target, ok := targetOf(req)
	if !ok {
		return
	}
	a, err := proto.DecodeAnnounce(req.Value)
	if err != nil {
		return
	}

	// A refresh-only announce renews a previous one cheaply.
	if a.Peer == nil && a.Signature == nil && len(a.Refresh) == 32 {
		s.handleRefresh(req, target, a.Refresh)
		return
	}
	if a.Peer == nil || a.Signature == nil || !req.HasValidToken() {
		return
	}

	pub := ed25519.PublicKey(a.Peer.PublicKey[:])
	nodeID := req.Node().ID()
	if !identity.VerifyAnnounce(pub, a.Signature, identity.NSAnnounce,
		target[:], nodeID[:], req.Token, a.Peer.Encode(), a.Refresh) {
		return
	}

	raw := truncate(a)
	announceSelf := identity.Target(pub) == target
	if announceSelf {
		s.router.SetRemote(target, router.Entry{Relay: req.FromUDP, Record: raw})
		s.removeAnnounce(target, a.Peer.PublicKey)
	} else {
		s.addAnnounce(target, a.Peer.PublicKey, raw)
	}

	if len(a.Refresh) == 32 {
		s.refreshes.Add(hashToken(a.Refresh), &refreshSlot{
			target:       target,
			pub:          a.Peer.PublicKey,
			record:       raw,
			announceSelf: announceSelf,
			storedAt:     s.clk.Now(),
		})
	}
	req.Reply(nil)
}

func (s *Store) handleRefresh(req *kadrpc.Request, target [32]byte, tok []byte) {
	key := hashToken(tok)
	slot, ok := s.getRefresh(key)
	if !ok || slot.target != target {
		return
	}

	// Single-use: clear this slot and re-bind under the rotated token.
	// The renewal restarts the slot's age.
	s.refreshes.Remove(key)
	next := identity.RotateToken(tok)
	slot.storedAt = s.clk.Now()
	s.refreshes.Add(hashToken(next[:]), slot)

	if slot.announceSelf {
		s.router.SetRemote(target, router.Entry{Relay: req.FromUDP, Record: slot.record})
	} else {
		s.addAnnounce(target, slot.pub, slot.record)
	}
	req.Reply(nil)
}

func (s *Store) HandleUnannounce(req *kadrpc.Request) {
	target, ok := targetOf(req)
	if !ok {
		return
	}
	a, err := proto.DecodeAnnounce(req.Value)
	if err != nil || a.Peer == nil || a.Signature == nil || !req.HasValidToken() {
		return
	}

	pub := ed25519.PublicKey(a.Peer.PublicKey[:])
	nodeID := req.Node().ID()
	if !identity.VerifyAnnounce(pub, a.Signature, identity.NSUnannounce,
		target[:], nodeID[:], req.Token, a.Peer.Encode(), a.Refresh) {
		return
	}

	if identity.Target(pub) == target {
		if e, ok := s.router.Get(target); ok && e.Server == 0 {
			s.router.Remove(target)
		}
	}
	s.removeAnnounce(target, a.Peer.PublicKey)
	req.Reply(nil)
}

func (s *Store) HandleMutableGet(req *kadrpc.Request) {
	target, ok := targetOf(req)
	if !ok {
		return
	}
	var seq uint64
	if len(req.Value) > 0 {
		v, _, err := proto.ReadSeq(req.Value)
		if err != nil {
			return
		}
		seq = v
	}
	rec, ok := s.records.GetMutable(target)
	if !ok || rec.Seq < seq {
		req.Reply(nil)
		return
	}
	req.Reply(rec.Encode())
}

func (s *Store) HandleMutablePut(req *kadrpc.Request) {
	target, ok := targetOf(req)
	if !ok || !req.HasValidToken() {
		return
	}
	m, err := proto.DecodeMutablePutRequest(req.Value)
	if err != nil {
		return
	}
	pub := ed25519.PublicKey(m.PublicKey[:])
	if identity.Target(pub) != target {
		return
	}
	if !identity.VerifyMutable(pub, m.Signature[:], m.Seq, m.Value) {
		return
	}
	switch err := s.records.PutMutable(target, m); err {
	case nil:
		req.Reply(nil)
	case ErrSeqReused:
		req.ReplyError(proto.ErrorSeqReused)
	case ErrSeqTooLow:
		req.ReplyError(proto.ErrorSeqTooLow)
	default:
	}
}

func (s *Store) HandleImmutableGet(req *kadrpc.Request) {
	target, ok := targetOf(req)
	if !ok {
		return
	}
	if v, ok := s.records.GetImmutable(target); ok {
		req.Reply(v)
		return
	}
	req.Reply(nil)
}

func (s *Store) HandleImmutablePut(req *kadrpc.Request) {
	target, ok := targetOf(req)
	if !ok || !req.HasValidToken() {
		return
	}
	if len(req.Value) == 0 || len(req.Value) > proto.MaxValueSize {
		return
	}
	if identity.Target(req.Value) != target {
		return
	}
	if err := s.records.PutImmutable(target, req.Value); err != nil {
		return
	}
	req.Reply(nil)
}
