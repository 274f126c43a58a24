// Package punchdht is a peer-to-peer DHT overlay providing
// authenticated, end-to-end encrypted stream connections between
// public-key identities across NAT boundaries. Servers announce their
// key's target on the DHT; connectors look the target up, negotiate
// through a relay node, and hole-punch a direct UDP path for the
// stream.
package punchdht

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"punchdht/internal/crypto/identity"
	"punchdht/internal/kadrpc"
	"punchdht/internal/proto"
	"punchdht/internal/router"
	"punchdht/internal/store"
	"punchdht/internal/telemetry"
)

// relayTimeout bounds relayed CONNECT/HOLEPUNCH round-trips, which
// include the far side's session setup.
const relayTimeout = 8 * time.Second

type DHT struct {
	opts      Options
	node      *kadrpc.Node
	table     *router.Table
	store     *store.Store
	clk       clock.Clock
	defaultKP identity.KeyPair

	mu         sync.Mutex
	servers    map[router.ServerID]*Server
	nextServer router.ServerID
	destroyed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// KeyPair derives an identity keypair. A nil seed is random; any other
// seed is hashed first.
func KeyPair(seed []byte) (identity.KeyPair, error) {
	return identity.New(seed)
}

func New(opts *Options) (*DHT, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NoopMetrics{}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}

	table := router.New()
	var recs store.Records
	if o.Storage != "" {
		var err error
		recs, err = store.OpenBoltRecords(o.Storage)
		if err != nil {
			return nil, err
		}
	}
	st := store.New(store.Config{MaxSize: o.MaxSize, MaxAge: o.MaxAge, Clock: o.Clock}, table, recs)

	node, err := kadrpc.NewNode(kadrpc.Config{
		Bind:      o.Bind,
		Bootstrap: o.Bootstrap,
		Ephemeral: o.Ephemeral,
		Logger:    o.Logger,
		Metrics:   o.Metrics,
		Clock:     o.Clock,
		Debug:     o.Debug,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	kp, err := identity.New(nil)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DHT{
		opts:       o,
		defaultKP:  kp,
		node:       node,
		table:      table,
		store:      st,
		clk:        o.Clock,
		servers:    make(map[router.ServerID]*Server),
		nextServer: 1,
		ctx:        ctx,
		cancel:     cancel,
	}

	st.Register(node)
	node.OnRequest(proto.CmdConnect, d.handleConnect)
	node.OnRequest(proto.CmdHolepunch, d.handleHolepunch)

	if err := node.Start(); err != nil {
		cancel()
		_ = st.Close()
		return nil, err
	}
	go node.RunBucketRefresh(ctx, 30*time.Minute)
	go st.RunExpiry(ctx)
	return d, nil
}

// Ready bootstraps off the configured seeds.
func (d *DHT) Ready(ctx context.Context) error {
	return d.node.Bootstrap(ctx)
}

func (d *DHT) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	servers := make([]*Server, 0, len(d.servers))
	for _, s := range d.servers {
		servers = append(servers, s)
	}
	d.mu.Unlock()

	for _, s := range servers {
		_ = s.Close()
	}
	d.cancel()
	err := d.node.Close()
	if serr := d.store.Close(); err == nil {
		err = serr
	}
	return err
}

func (d *DHT) Host() string {
	if a := d.node.ObservedAddr(); a != nil {
		return a.IP.String()
	}
	return ""
}

func (d *DHT) Port() int {
	if a := d.node.Addr(); a != nil {
		return a.Port
	}
	return 0
}

func (d *DHT) Firewalled() bool { return d.node.Firewalled() }

// Addr is the node's bound UDP address, for wiring bootstrap lists in
// tests and tools.
func (d *DHT) Addr() *net.UDPAddr { return d.node.Addr() }

// Store exposes the node's record store (read paths only are used by
// callers; handlers own mutation).
func (d *DHT) Store() *store.Store { return d.store }

func (d *DHT) registerServer(s *Server) router.ServerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextServer
	d.nextServer++
	d.servers[id] = s
	return id
}

func (d *DHT) unregisterServer(id router.ServerID) {
	d.mu.Lock()
	delete(d.servers, id)
	d.mu.Unlock()
	d.table.RemoveServer(id)
}

func (d *DHT) serverFor(id router.ServerID) *Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.servers[id]
}

// handleConnect dispatches a CONNECT: to the local server when we own
// the target, otherwise forward to the announcing peer (we are the
// relay).
func (d *DHT) handleConnect(req *kadrpc.Request) {
	target, ok := requestTarget(req)
	if !ok {
		return
	}
	e, ok := d.table.Get(target)
	if !ok {
		req.ReplyError(proto.ErrorPeerNotFound)
		return
	}
	if e.Server != 0 {
		if srv := d.serverFor(e.Server); srv != nil {
			srv.handleConnect(req)
			return
		}
		req.ReplyError(proto.ErrorPeerNotFound)
		return
	}
	d.forward(req, e.Relay)
}

func (d *DHT) handleHolepunch(req *kadrpc.Request) {
	target, ok := requestTarget(req)
	if !ok {
		return
	}
	e, ok := d.table.Get(target)
	if !ok {
		req.ReplyError(proto.ErrorPeerNotFound)
		return
	}
	if e.Server != 0 {
		if srv := d.serverFor(e.Server); srv != nil {
			srv.handleHolepunch(req)
			return
		}
		req.ReplyError(proto.ErrorPeerNotFound)
		return
	}
	d.forward(req, e.Relay)
}

// forward relays a request to the peer that announced the target and
// pipes the response back.
func (d *DHT) forward(req *kadrpc.Request, relay *net.UDPAddr) {
	ctx, cancel := context.WithTimeout(d.ctx, relayTimeout)
	defer cancel()
	resp, err := d.node.Request(ctx, relay, req.Cmd, req.Target, nil, req.Value)
	if err != nil {
		return
	}
	if resp.ErrCode >= 0 {
		req.ReplyError(resp.ErrCode)
		return
	}
	req.Reply(resp.Value)
}

func requestTarget(req *kadrpc.Request) ([32]byte, bool) {
	var t [32]byte
	if len(req.Target) != 32 {
		return t, false
	}
	copy(t[:], req.Target)
	return t, true
}
