package kadrpc

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/blake2b"

	"punchdht/internal/proto"
	"punchdht/internal/telemetry"
)

// Node is a DHT peer: one UDP socket, a routing table, pending RPCs,
// and per-command request handlers. Record storage, relaying, and
// hole-punching all hang off OnRequest registrations.

type Handler func(req *Request)

type Config struct {
	Bind           string   // e.g. ":0"
	Bootstrap      []string // host:port seeds
	Ephemeral      bool     // don't advertise our id; peers won't route to us
	RequestTimeout time.Duration
	Logger         telemetry.Logger
	Metrics        telemetry.Metrics
	Clock          clock.Clock
	Debug          bool
}

type Node struct {
	cfg Config
	id  NodeID
	rt  *RoutingTable

	conn *net.UDPConn

	pendingMu sync.Mutex
	pending   map[string]chan *proto.Envelope

	handlersMu sync.RWMutex
	handlers   map[proto.Command]Handler

	rlMu sync.Mutex
	rl   map[string]*tokenBucket

	secretMu sync.RWMutex
	secrets  [2][32]byte

	obsMu      sync.RWMutex
	observed   *net.UDPAddr
	firewalled bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 4 * time.Second
	}
	if cfg.Bind == "" {
		cfg.Bind = ":0"
	}

	id := RandomNodeID()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		id:         id,
		rt:         NewRoutingTable(id, 20),
		pending:    make(map[string]chan *proto.Envelope),
		handlers:   make(map[proto.Command]Handler),
		rl:         make(map[string]*tokenBucket),
		firewalled: true,
		ctx:        ctx,
		cancel:     cancel,
	}
	if _, err := rand.Read(n.secrets[0][:]); err != nil {
		cancel()
		return nil, err
	}
	n.secrets[1] = n.secrets[0]
	return n, nil
}

func (n *Node) ID() NodeID             { return n.id }
func (n *Node) Table() *RoutingTable   { return n.rt }
func (n *Node) Context() context.Context { return n.ctx }

func (n *Node) Addr() *net.UDPAddr {
	if n.conn == nil {
		return nil
	}
	return n.conn.LocalAddr().(*net.UDPAddr)
}

// ObservedAddr is our reflexive address as echoed by peers, nil until
// a response has been seen.
func (n *Node) ObservedAddr() *net.UDPAddr {
	n.obsMu.RLock()
	defer n.obsMu.RUnlock()
	return n.observed
}

func (n *Node) Firewalled() bool {
	n.obsMu.RLock()
	defer n.obsMu.RUnlock()
	return n.firewalled
}

func (n *Node) Logf(format string, args ...any) {
	if !n.cfg.Debug {
		return
	}
	n.cfg.Logger.Printf("[node %s] "+format, append([]any{n.id.Hex()[:8]}, args...)...)
}

// OnRequest registers the handler for a command. Must be called before
// Start.
func (n *Node) OnRequest(cmd proto.Command, h Handler) {
	n.handlersMu.Lock()
	n.handlers[cmd] = h
	n.handlersMu.Unlock()
}

func (n *Node) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", n.cfg.Bind)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}
	n.conn = conn
	n.Logf("listening on %s", conn.LocalAddr())

	n.wg.Add(2)
	go n.readLoop()
	go n.rotateSecrets()
	return nil
}

func (n *Node) Close() error {
	n.cancel()
	var err error
	if n.conn != nil {
		err = n.conn.Close()
	}
	n.wg.Wait()
	return err
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, 65536)
	for {
		cnt, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
			}
			return
		}
		if cnt == 0 || buf[0] != '{' {
			continue // not an RPC envelope
		}
		data := make([]byte, cnt)
		copy(data, buf[:cnt])

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			n.Logf("bad envelope from %s: %v", from, err)
			continue
		}

		switch env.Kind {
		case proto.KindRequest:
			if !n.allow(from) {
				continue
			}
			n.observePeer(env.ID, from)
			go n.dispatch(&env, from)
		case proto.KindResponse:
			n.observePeer(env.ID, from)
			n.noteObserved(env.To)
			n.deliver(&env)
		}
	}
}

func (n *Node) allow(from *net.UDPAddr) bool {
	now := time.Now()
	n.rlMu.Lock()
	defer n.rlMu.Unlock()
	key := from.IP.String()
	b := n.rl[key]
	if b == nil {
		if len(n.rl) > 4096 {
			n.rl = make(map[string]*tokenBucket)
		}
		b = &tokenBucket{}
		n.rl[key] = b
	}
	return b.allow(now, 100 /* req/sec */, 200 /* burst */, 1)
}

func (n *Node) observePeer(id []byte, from *net.UDPAddr) {
	if len(id) != NodeIDBytes {
		return
	}
	nid, err := NodeIDFromBytes(id)
	if err != nil {
		return
	}
	n.rt.Upsert(nid, from)
	n.cfg.Metrics.SetRoutingTableSize(n.rt.Len())
}

func (n *Node) noteObserved(to string) {
	if to == "" {
		return
	}
	addr, err := net.ResolveUDPAddr("udp4", to)
	if err != nil {
		return
	}
	n.obsMu.Lock()
	n.observed = addr
	n.obsMu.Unlock()
}

func (n *Node) dispatch(env *proto.Envelope, from *net.UDPAddr) {
	req := &Request{
		node:    n,
		Cmd:     env.Cmd,
		FromID:  env.ID,
		FromUDP: from,
		Target:  env.Target,
		Token:   env.Token,
		Value:   env.Value,
		rpcid:   env.RPCID,
	}

	switch env.Cmd {
	case proto.CmdPing, proto.CmdFindNode:
		req.Reply(nil)
		return
	}

	n.handlersMu.RLock()
	h := n.handlers[env.Cmd]
	n.handlersMu.RUnlock()
	if h == nil {
		// Unhandled commands still return closer nodes so iterative
		// lookups make progress past this node.
		req.Reply(nil)
		return
	}
	h(req)
}

func (n *Node) deliver(env *proto.Envelope) {
	if env.RPCID == "" {
		return
	}
	n.pendingMu.Lock()
	ch := n.pending[env.RPCID]
	if ch != nil {
		delete(n.pending, env.RPCID)
	}
	n.pendingMu.Unlock()
	if ch != nil {
		select {
		case ch <- env:
		default:
		}
	}
}

func (n *Node) rotateSecrets() {
	defer n.wg.Done()
	t := n.cfg.Clock.Ticker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			var next [32]byte
			_, _ = rand.Read(next[:])
			n.secretMu.Lock()
			n.secrets[1] = n.secrets[0]
			n.secrets[0] = next
			n.secretMu.Unlock()
		}
	}
}

// token derives the write token we issue to a given source IP.
func (n *Node) token(ip net.IP) []byte {
	n.secretMu.RLock()
	secret := n.secrets[0]
	n.secretMu.RUnlock()
	return tokenFor(secret, ip)
}

// VerifyToken accepts tokens minted with the current or previous
// secret, so a slow round-trip across a rotation still lands.
func (n *Node) VerifyToken(token []byte, ip net.IP) bool {
	if len(token) != 32 {
		return false
	}
	n.secretMu.RLock()
	cur, prev := n.secrets[0], n.secrets[1]
	n.secretMu.RUnlock()
	if string(tokenFor(cur, ip)) == string(token) {
		return true
	}
	return string(tokenFor(prev, ip)) == string(token)
}

func tokenFor(secret [32]byte, ip net.IP) []byte {
	h, err := blake2b.New256(secret[:])
	if err != nil {
		panic(err)
	}
	h.Write(ip.To16())
	return h.Sum(nil)
}

func (n *Node) closestWire(target NodeID, k int) []proto.NodeAddr {
	nodes := n.rt.Closest(target, k)
	out := make([]proto.NodeAddr, 0, len(nodes))
	for _, ni := range nodes {
		out = append(out, proto.NodeAddr{ID: ni.ID[:], Addr: ni.Addr.String()})
	}
	return out
}
