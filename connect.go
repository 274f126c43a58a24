package punchdht

import (
	"context"
	"crypto/ed25519"
	"net"
	"time"

	"punchdht/internal/crypto/identity"
	"punchdht/internal/crypto/noiseik"
	"punchdht/internal/kadrpc"
	"punchdht/internal/proto"
	"punchdht/internal/punch"
	"punchdht/internal/ustream"
)

// Connect phases: look the target up, negotiate with the relay that
// answered, hole-punch, then run the stream. The returned socket is
// live immediately; it opens or fails in the background.
func (d *DHT) Connect(remotePublicKey []byte, opts *ConnectOptions) *Socket {
	var o ConnectOptions
	if opts != nil {
		o = *opts
	}
	o.QuickFirewall = o.QuickFirewall || d.opts.QuickFirewall

	sock := newSocket(remotePublicKey, !o.DisableFastOpen)
	go d.runConnect(sock, remotePublicKey, o)
	return sock
}

func (d *DHT) runConnect(sock *Socket, remotePub []byte, o ConnectOptions) {
	ctx, cancel := context.WithTimeout(d.ctx, time.Minute)
	defer cancel()
	go func() {
		select {
		case <-sock.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	target := identity.Target(remotePub)

	// LOOKING_UP: iterative findPeer until a record for the key shows
	// up; the node that served it becomes our relay.
	var relay *net.UDPAddr
	q := d.node.Query(ctx, kadrpc.NodeID(target), proto.CmdFindPeer, nil, kadrpc.DefaultLookupConfig())
	for r := range q.C {
		if len(r.Value) == 0 {
			continue
		}
		a, err := proto.DecodeAnnounce(r.Value)
		if err != nil || a.Peer == nil {
			continue
		}
		if string(a.Peer.PublicKey[:]) != string(remotePub) {
			continue
		}
		relay = r.FromUDP
		break
	}
	q.Close()
	if relay == nil {
		sock.fail(ErrPeerNotFound)
		return
	}

	// Session socket and firewall class.
	ssock, err := d.newSessionSocket()
	if err != nil {
		sock.fail(err)
		return
	}
	class, addrs, err := d.classifySession(ssock, o.QuickFirewall, d.opts.ShareLocalAddress, o.forceClass)
	if err != nil {
		_ = ssock.Close()
		sock.fail(err)
		return
	}

	// RELAYING: Noise msg1 (with our candidates inside) through the
	// relay; msg2 completes the handshake and carries the server's.
	kp := d.defaultKP
	if o.KeyPair != nil {
		kp = *o.KeyPair
	}
	offer := proto.SessionOffer{Firewall: class.Wire(), Addresses: addrs}
	init, msg1, err := noiseik.Initiate(kp, ed25519.PublicKey(remotePub), offer.Encode())
	if err != nil {
		_ = ssock.Close()
		sock.fail(err)
		return
	}

	rctx, rcancel := context.WithTimeout(ctx, relayTimeout)
	resp, err := d.node.Request(rctx, relay, proto.CmdConnect, target[:], nil, msg1)
	rcancel()
	if err != nil {
		_ = ssock.Close()
		sock.fail(err)
		return
	}
	if resp.ErrCode >= 0 {
		_ = ssock.Close()
		sock.fail(errorFromCode(resp.ErrCode))
		return
	}
	res, err := init.Finish(resp.Value)
	if err != nil {
		_ = ssock.Close()
		sock.fail(err)
		return
	}
	serverOffer, err := proto.DecodeSessionOffer(res.Payload)
	if err != nil {
		_ = ssock.Close()
		sock.fail(err)
		return
	}

	pair := derivePair(res.StreamKey)
	remoteClass := punch.ClassFromWire(serverOffer.Firewall)

	// PUNCHING: the user hook may veto before any probing.
	if o.Holepunch != nil {
		if !o.Holepunch(serverOffer.Firewall, class.Wire(), firstAddr(serverOffer.Addresses), firstAddr(addrs)) {
			d.sendAbort(ctx, relay, target, pair)
			_ = ssock.Close()
			sock.fail(ErrHolepunchAborted)
			return
		}
	}

	hello := proto.PunchOffer{Pair: pair, Firewall: class.Wire(), Addresses: addrs}
	hctx, hcancel := context.WithTimeout(ctx, relayTimeout)
	resp, err = d.node.Request(hctx, relay, proto.CmdHolepunch, target[:], nil,
		(&proto.Holepunch{Mode: proto.PunchModeHello, Payload: hello.Encode()}).Encode())
	hcancel()
	if err != nil {
		_ = ssock.Close()
		sock.fail(ErrHolepunchTimeout)
		return
	}
	if resp.ErrCode >= 0 {
		_ = ssock.Close()
		sock.fail(errorFromCode(resp.ErrCode))
		return
	}
	hp, err := proto.DecodeHolepunch(resp.Value)
	if err != nil {
		_ = ssock.Close()
		sock.fail(err)
		return
	}
	if hp.Mode == proto.PunchModeAbort {
		_ = ssock.Close()
		sock.fail(ErrHolepunchAborted)
		return
	}
	accept, err := proto.DecodePunchOffer(hp.Payload)
	if err != nil || hp.Mode != proto.PunchModeAccept {
		_ = ssock.Close()
		sock.fail(ErrHolepunchTimeout)
		return
	}

	crypt, err := ustream.NewCrypt(res.StreamKey, true)
	if err != nil {
		_ = ssock.Close()
		sock.fail(err)
		return
	}

	plan := punch.Plan(class, remoteClass)
	if plan.Unreachable {
		_ = ssock.Close()
		if accept.Relay == 1 {
			d.runRelayed(sock, crypt, relay, target, pair)
			return
		}
		sock.fail(ErrHolepunchTimeout)
		return
	}

	locked, err := punch.Run(ctx, punch.Config{
		Sock:    ssock,
		Pair:    pair,
		Logf:    d.node.Logf,
		Metrics: d.opts.Metrics,
	}, plan, udpAddrs(accept.Addresses))
	if err != nil {
		_ = ssock.Close()
		switch err {
		case punch.ErrPunchAborted:
			sock.fail(ErrHolepunchAborted)
		default:
			sock.fail(ErrHolepunchTimeout)
		}
		return
	}

	// OPEN.
	lc := ustream.NewLocked(ssock, locked)
	lc.Consume = punch.ProbeAcker(pair, ssock)
	sock.attach(ustream.New(lc, crypt, true))
}

func (d *DHT) sendAbort(ctx context.Context, relay *net.UDPAddr, target [32]byte, pair [16]byte) {
	actx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	_, _ = d.node.Request(actx, relay, proto.CmdHolepunch, target[:], nil,
		(&proto.Holepunch{Mode: proto.PunchModeAbort, Payload: pair[:]}).Encode())
}

// runRelayed carries the stream as HOLEPUNCH relay-data RPCs: frames
// out in requests, the server's frames back in the replies, with a
// slow poll to drain the far side when we're idle.
func (d *DHT) runRelayed(sock *Socket, crypt *ustream.Crypt, relay *net.UDPAddr, target [32]byte, pair [16]byte) {
	var rc *punch.RelayConn

	exchange := func(frame []byte) {
		payload := append(append([]byte(nil), pair[:]...), frame...)
		ctx, cancel := context.WithTimeout(d.ctx, 4*time.Second)
		defer cancel()
		resp, err := d.node.Request(ctx, relay, proto.CmdHolepunch, target[:], nil,
			(&proto.Holepunch{Mode: proto.PunchModeRelayData, Payload: payload}).Encode())
		if err != nil || resp.ErrCode >= 0 {
			return
		}
		hp, err := proto.DecodeHolepunch(resp.Value)
		if err != nil || hp.Mode != proto.PunchModeRelayData || len(hp.Payload) <= 16 {
			return
		}
		rc.Deliver(hp.Payload[16:])
	}

	rc = punch.NewRelayConn(func(b []byte) error {
		go exchange(b)
		return nil
	})

	st := ustream.New(rc, crypt, true)
	sock.attach(st)

	// Idle poll so server-side frames flow even when we have nothing
	// to send.
	go func() {
		t := time.NewTicker(200 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-st.Done():
				_ = rc.Close()
				return
			case <-t.C:
				exchange(nil)
			}
		}
	}()
}
