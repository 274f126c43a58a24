package punchdht

import (
	"context"
	"crypto/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"punchdht/internal/crypto/identity"
	"punchdht/internal/crypto/noiseik"
	"punchdht/internal/kadrpc"
	"punchdht/internal/proto"
	"punchdht/internal/punch"
	"punchdht/internal/router"
	"punchdht/internal/ustream"
)

const defaultAnnounceRefresh = 25 * time.Minute

// Server owns a keypair, announces its target on the DHT, and accepts
// inbound connections through the hole-punch handshake.
type Server struct {
	dht          *DHT
	id           router.ServerID
	kp           identity.KeyPair
	opts         ServerOptions
	onConnection func(*Socket)
	target       [32]byte

	mu        sync.Mutex
	listening bool
	closed    bool
	stored    []*storedPeer
	sessions  map[[16]byte]*serverSession

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// Done closes when the server has fully shut down.
func (s *Server) Done() <-chan struct{} { return s.done }

// storedPeer is one DHT node holding our announce, with the refresh
// token chain state for cheap renewals.
type storedPeer struct {
	nodeID  []byte
	addr    *net.UDPAddr
	refresh [32]byte
	failed  bool
}

// CreateServer builds a server; Listen announces it.
func (d *DHT) CreateServer(opts *ServerOptions, onConnection func(*Socket)) (*Server, error) {
	var o ServerOptions
	if opts != nil {
		o = *opts
	}
	o.QuickFirewall = o.QuickFirewall || d.opts.QuickFirewall
	o.ShareLocalAddress = o.ShareLocalAddress || d.opts.ShareLocalAddress
	if o.AnnounceRefresh <= 0 {
		o.AnnounceRefresh = defaultAnnounceRefresh
	}

	kp := identity.KeyPair{}
	if o.KeyPair != nil {
		kp = *o.KeyPair
	} else {
		var err error
		kp, err = identity.New(nil)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(d.ctx)
	s := &Server{
		dht:          d,
		kp:           kp,
		opts:         o,
		onConnection: onConnection,
		target:       identity.Target(kp.PublicKey),
		sessions:     make(map[[16]byte]*serverSession),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.id = d.registerServer(s)
	return s, nil
}

func (s *Server) PublicKey() []byte { return s.kp.PublicKey }

// peerRecord is the announce body: our key plus reachable addresses.
func (s *Server) peerRecord() *proto.Peer {
	p := &proto.Peer{}
	copy(p.PublicKey[:], s.kp.PublicKey)

	node := s.dht.node
	if obs := node.ObservedAddr(); obs != nil {
		p.RelayAddresses = append(p.RelayAddresses, addrPort(obs))
	} else if a := node.Addr(); a != nil {
		p.RelayAddresses = append(p.RelayAddresses, addrPort(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: a.Port}))
	}
	if s.opts.ShareLocalAddress {
		if a := node.Addr(); a != nil {
			p.RelayAddresses = append(p.RelayAddresses, lanAddrs(a.Port)...)
		}
	}
	if len(p.RelayAddresses) > proto.MaxRelayAddresses {
		p.RelayAddresses = p.RelayAddresses[:proto.MaxRelayAddresses]
	}
	return p
}

// Listen installs the router entry and announces to the k closest
// nodes, then keeps the announces fresh until Close.
func (s *Server) Listen() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.listening {
		s.mu.Unlock()
		return nil
	}
	s.listening = true
	s.mu.Unlock()

	record := (&proto.Announce{Peer: s.peerRecord()}).Encode()
	s.dht.table.Set(s.target, router.Entry{
		Relay:  s.dht.node.Addr(),
		Record: record,
		Server: s.id,
	})

	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()
	if err := s.announceAll(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.refreshLoop()
	return nil
}

// announceAll looks up the target and announces to every closest node,
// binding a fresh refresh nonce per storing peer.
func (s *Server) announceAll(ctx context.Context) error {
	d := s.dht
	peer := s.peerRecord()
	peerBytes := peer.Encode()

	q := d.node.Query(ctx, kadrpc.NodeID(s.target), proto.CmdLookup, nil, kadrpc.DefaultLookupConfig())
	for range q.C {
	}

	var stored []*storedPeer
	for _, r := range q.Closest() {
		if len(r.From.ID) != kadrpc.NodeIDBytes {
			continue
		}
		sp, err := s.announceTo(ctx, peer, peerBytes, r.From.ID, r.FromUDP, r.Token)
		if err != nil {
			continue
		}
		stored = append(stored, sp)
	}

	s.mu.Lock()
	s.stored = stored
	s.mu.Unlock()
	return nil
}

func (s *Server) announceTo(ctx context.Context, peer *proto.Peer, peerBytes, nodeID []byte, addr *net.UDPAddr, token []byte) (*storedPeer, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sig := identity.SignAnnounce(s.kp.SecretKey, identity.NSAnnounce,
		s.target[:], nodeID, token, peerBytes, nonce[:])
	ann := proto.Announce{Peer: peer, Refresh: nonce[:], Signature: sig}

	resp, err := s.dht.node.Request(ctx, addr, proto.CmdAnnounce, s.target[:], token, ann.Encode())
	if err != nil {
		return nil, err
	}
	if resp.ErrCode >= 0 {
		return nil, errorFromCode(resp.ErrCode)
	}
	return &storedPeer{nodeID: nodeID, addr: addr, refresh: nonce}, nil
}

// refreshLoop renews announces with the cheap refresh token; peers
// that miss a renewal get a full re-announce.
func (s *Server) refreshLoop() {
	defer s.wg.Done()
	t := s.dht.clk.Ticker(s.opts.AnnounceRefresh)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}

		s.mu.Lock()
		stored := append([]*storedPeer(nil), s.stored...)
		s.mu.Unlock()

		reannounce := false
		for _, sp := range stored {
			if s.refreshOne(sp) {
				continue
			}
			sp.failed = true
			reannounce = true
		}
		if reannounce {
			ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
			_ = s.announceAll(ctx)
			cancel()
		}
	}
}

func (s *Server) refreshOne(sp *storedPeer) bool {
	ctx, cancel := context.WithTimeout(s.ctx, 4*time.Second)
	defer cancel()

	s.mu.Lock()
	tok := sp.refresh
	s.mu.Unlock()

	ann := proto.Announce{Refresh: tok[:]}
	resp, err := s.dht.node.Request(ctx, sp.addr, proto.CmdAnnounce, s.target[:], nil, ann.Encode())
	if err != nil || resp.ErrCode >= 0 {
		return false
	}
	s.mu.Lock()
	sp.refresh = identity.RotateToken(tok[:])
	s.mu.Unlock()
	return true
}

// unannounceAll withdraws the announce from every storing peer.
func (s *Server) unannounceAll(ctx context.Context) {
	s.mu.Lock()
	stored := append([]*storedPeer(nil), s.stored...)
	s.stored = nil
	s.mu.Unlock()

	peer := s.peerRecord()
	peerBytes := peer.Encode()
	for _, sp := range stored {
		// Tokens rotate, so fetch a fresh one first.
		ping, err := s.dht.node.Ping(ctx, sp.addr)
		if err != nil {
			continue
		}
		sig := identity.SignAnnounce(s.kp.SecretKey, identity.NSUnannounce,
			s.target[:], sp.nodeID, ping.Token, peerBytes, nil)
		ann := proto.Announce{Peer: peer, Signature: sig}
		_, _ = s.dht.node.Request(ctx, sp.addr, proto.CmdUnannounce, s.target[:], ping.Token, ann.Encode())
	}
}

// Close unannounces, removes the router entry, cancels pending
// hole-punches, and waits for them. Idempotent.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		sessions := make([]*serverSession, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		for _, sess := range sessions {
			sess.close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.unannounceAll(ctx)
		cancel()

		s.cancel()
		s.dht.unregisterServer(s.id)
		s.wg.Wait()
		close(s.done)
	})
	return nil
}

// serverSession is one inbound connection attempt, alive from CONNECT
// to stream establishment or failure.
type serverSession struct {
	srv       *Server
	sock      *net.UDPConn
	pair      [16]byte
	streamKey [32]byte
	remotePub []byte

	localClass punch.Class
	localAddrs []netip.AddrPort

	ctx    context.Context
	cancel context.CancelFunc

	relayMu sync.Mutex
	relay   *punch.RelayConn
	outbox  [][]byte
	started bool
}

func (sess *serverSession) markStarted() {
	sess.relayMu.Lock()
	sess.started = true
	sess.relayMu.Unlock()
}

func (sess *serverSession) isStarted() bool {
	sess.relayMu.Lock()
	defer sess.relayMu.Unlock()
	return sess.started
}

// handleConnect admits or declines an inbound CONNECT.
func (s *Server) handleConnect(req *kadrpc.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	acc, err := noiseik.Accept(s.kp, req.Value)
	if err != nil {
		return
	}
	clientOffer, err := proto.DecodeSessionOffer(acc.Payload)
	if err != nil {
		return
	}
	if s.opts.Firewall != nil && !s.opts.Firewall(acc.RemotePublic, clientOffer.Addresses) {
		return
	}

	sock, err := s.dht.newSessionSocket()
	if err != nil {
		return
	}
	class, addrs, err := s.dht.classifySession(sock, s.opts.QuickFirewall, s.opts.ShareLocalAddress, s.opts.forceClass)
	if err != nil {
		_ = sock.Close()
		return
	}

	offer := proto.SessionOffer{Firewall: class.Wire(), Addresses: addrs}
	msg2, res, err := acc.Reply(offer.Encode())
	if err != nil {
		_ = sock.Close()
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sess := &serverSession{
		srv:        s,
		sock:       sock,
		pair:       derivePair(res.StreamKey),
		streamKey:  res.StreamKey,
		remotePub:  res.RemotePublic,
		localClass: class,
		localAddrs: addrs,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = sock.Close()
		return
	}
	s.sessions[sess.pair] = sess
	s.mu.Unlock()

	// Reap sessions whose hello never arrives.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(30 * time.Second):
			if !sess.isStarted() {
				sess.close()
			}
		}
	}()

	req.Reply(msg2)
}

// handleHolepunch processes punch control for one of our sessions.
func (s *Server) handleHolepunch(req *kadrpc.Request) {
	hp, err := proto.DecodeHolepunch(req.Value)
	if err != nil {
		return
	}

	switch hp.Mode {
	case proto.PunchModeHello:
		s.punchHello(req, hp)
	case proto.PunchModeAbort:
		if len(hp.Payload) >= 16 {
			var pair [16]byte
			copy(pair[:], hp.Payload[:16])
			if sess := s.session(pair); sess != nil {
				sess.close()
			}
		}
		req.Reply((&proto.Holepunch{Mode: proto.PunchModeAbort}).Encode())
	case proto.PunchModeRelayData:
		s.punchRelayData(req, hp)
	}
}

func (s *Server) session(pair [16]byte) *serverSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[pair]
}

func (s *Server) dropSession(pair [16]byte) {
	s.mu.Lock()
	delete(s.sessions, pair)
	s.mu.Unlock()
}

func (s *Server) punchHello(req *kadrpc.Request, hp *proto.Holepunch) {
	offer, err := proto.DecodePunchOffer(hp.Payload)
	if err != nil {
		return
	}
	sess := s.session(offer.Pair)
	if sess == nil {
		req.Reply((&proto.Holepunch{Mode: proto.PunchModeAbort}).Encode())
		return
	}

	remoteClass := punch.ClassFromWire(offer.Firewall)
	if s.opts.Holepunch != nil {
		if !s.opts.Holepunch(offer.Firewall, sess.localClass.Wire(), firstAddr(offer.Addresses), firstAddr(sess.localAddrs)) {
			sess.close()
			req.Reply((&proto.Holepunch{Mode: proto.PunchModeAbort}).Encode())
			return
		}
	}

	plan := punch.Plan(sess.localClass, remoteClass)

	relayFlag := uint8(0)
	if plan.Unreachable && s.opts.RelayThrough {
		relayFlag = 1
	}
	accept := proto.PunchOffer{
		Pair:      sess.pair,
		Firewall:  sess.localClass.Wire(),
		Relay:     relayFlag,
		Addresses: sess.localAddrs,
	}
	sess.markStarted()
	req.Reply((&proto.Holepunch{Mode: proto.PunchModeAccept, Payload: accept.Encode()}).Encode())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if relayFlag == 1 {
			sess.runRelay()
			return
		}
		sess.run(plan, udpAddrs(offer.Addresses))
	}()
}

func (s *Server) punchRelayData(req *kadrpc.Request, hp *proto.Holepunch) {
	if len(hp.Payload) < 16 {
		return
	}
	var pair [16]byte
	copy(pair[:], hp.Payload[:16])
	sess := s.session(pair)
	if sess == nil {
		req.Reply((&proto.Holepunch{Mode: proto.PunchModeAbort}).Encode())
		return
	}
	if frame := hp.Payload[16:]; len(frame) > 0 {
		sess.relayMu.Lock()
		rc := sess.relay
		sess.relayMu.Unlock()
		if rc != nil {
			rc.Deliver(frame)
		}
	}

	// Piggyback one pending outbound frame on the reply.
	out := append([]byte(nil), pair[:]...)
	sess.relayMu.Lock()
	if len(sess.outbox) > 0 {
		out = append(out, sess.outbox[0]...)
		sess.outbox = sess.outbox[1:]
	}
	sess.relayMu.Unlock()
	req.Reply((&proto.Holepunch{Mode: proto.PunchModeRelayData, Payload: out}).Encode())
}

// run probes for the agreed 5-tuple and, on success, hands the socket
// pair to the stream and fires the connection callback.
func (sess *serverSession) run(plan punch.Strategy, remote []*net.UDPAddr) {
	s := sess.srv
	defer s.dropSession(sess.pair)

	locked, err := punch.Run(sess.ctx, punch.Config{
		Sock:    sess.sock,
		Pair:    sess.pair,
		Logf:    s.dht.node.Logf,
		Metrics: s.dht.opts.Metrics,
	}, plan, remote)
	if err != nil {
		sess.cancel()
		_ = sess.sock.Close()
		return
	}

	crypt, err := ustream.NewCrypt(sess.streamKey, false)
	if err != nil {
		sess.cancel()
		_ = sess.sock.Close()
		return
	}
	lc := ustream.NewLocked(sess.sock, locked)
	lc.Consume = punch.ProbeAcker(sess.pair, sess.sock)
	sess.deliverStream(ustream.New(lc, crypt, true))
}

// runRelay carries the stream through the relay instead of a punched
// path.
func (sess *serverSession) runRelay() {
	s := sess.srv
	rc := punch.NewRelayConn(func(b []byte) error {
		sess.relayMu.Lock()
		if len(sess.outbox) < 256 {
			sess.outbox = append(sess.outbox, b)
		}
		sess.relayMu.Unlock()
		return nil
	})
	sess.relayMu.Lock()
	sess.relay = rc
	sess.relayMu.Unlock()

	crypt, err := ustream.NewCrypt(sess.streamKey, false)
	if err != nil {
		sess.close()
		return
	}
	_ = sess.sock.Close() // unused on the relayed path
	st := ustream.New(rc, crypt, true)
	sess.deliverStream(st)

	go func() {
		<-st.Done()
		s.dropSession(sess.pair)
	}()
}

func (sess *serverSession) deliverStream(st *ustream.Stream) {
	s := sess.srv
	sock := newSocket(sess.remotePub, true)
	sock.attach(st)

	go func() {
		select {
		case <-sess.ctx.Done():
			st.Destroy(ErrServerClosed)
		case <-st.Done():
		}
	}()

	if s.onConnection != nil {
		s.onConnection(sock)
	}
}

func (sess *serverSession) close() {
	sess.cancel()
	_ = sess.sock.Close()
	sess.relayMu.Lock()
	rc := sess.relay
	sess.relayMu.Unlock()
	if rc != nil {
		_ = rc.Close()
	}
	sess.srv.dropSession(sess.pair)
}
