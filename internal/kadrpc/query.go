package kadrpc

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"punchdht/internal/proto"
)

type LookupConfig struct {
	Alpha      int
	K          int
	RPCTimeout time.Duration
	MaxRounds  int
}

func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		Alpha:      3,
		K:          20,
		RPCTimeout: 4 * time.Second,
		MaxRounds:  32,
	}
}

// Query is an in-flight iterative lookup. Replies stream on C as they
// arrive; after C closes, Closest returns the k closest responders
// (with their write tokens) for follow-up stores.
type Query struct {
	C <-chan *Reply

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	closest []*Reply
	err     error
}

func (q *Query) Close() {
	q.cancel()
	<-q.done
}

func (q *Query) Err() error {
	<-q.done
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Closest blocks until the lookup finishes, then returns the k closest
// nodes that responded, nearest first.
func (q *Query) Closest() []*Reply {
	<-q.done
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closest
}

const (
	stUnqueried = iota
	stQuerying
	stDone
	stFailed
)

const evictionPingTimeout = 800 * time.Millisecond

// learnNode admits a node discovered through lookup replies. A full
// bucket pings its LRU tail and only evicts it when it is dead; live
// tails push the newcomer into the replacement cache instead.
func (n *Node) learnNode(ctx context.Context, nd proto.NodeAddr) {
	nid, err := NodeIDFromBytes(nd.ID)
	if err != nil || nid == n.id {
		return
	}
	addr, err := net.ResolveUDPAddr("udp4", nd.Addr)
	if err != nil {
		return
	}
	n.rt.UpsertWithEviction(nid, addr, func(tail NodeInfo) bool {
		pctx, cancel := context.WithTimeout(ctx, evictionPingTimeout)
		defer cancel()
		_, err := n.Ping(pctx, tail.Addr)
		return err == nil
	})
	n.cfg.Metrics.SetRoutingTableSize(n.rt.Len())
}

type candidate struct {
	id    NodeID
	hasID bool
	addr  *net.UDPAddr
	dist  NodeID
	state int
}

// Query runs an iterative lookup toward target, sending cmd with value
// to every visited node. Every response carries closer nodes; handlers
// that have something to say also attach a value.
func (n *Node) Query(ctx context.Context, target NodeID, cmd proto.Command, value []byte, cfg LookupConfig) *Query {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.K <= 0 {
		cfg.K = 20
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = n.cfg.RequestTimeout
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 32
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *Reply, 32)
	q := &Query{C: out, cancel: cancel, done: make(chan struct{})}

	go n.runQuery(ctx, q, out, target, cmd, value, cfg)
	return q
}

func (n *Node) runQuery(ctx context.Context, q *Query, out chan<- *Reply, target NodeID, cmd proto.Command, value []byte, cfg LookupConfig) {
	start := time.Now()
	queries := 0
	responded := map[string]*Reply{} // by node id hex
	defer func() {
		cands := make([]*Reply, 0, len(responded))
		for _, r := range responded {
			cands = append(cands, r)
		}
		sort.Slice(cands, func(i, j int) bool {
			var a, b NodeID
			copy(a[:], cands[i].From.ID)
			copy(b[:], cands[j].From.ID)
			return DistanceLess(Xor(a, target), Xor(b, target))
		})
		if len(cands) > cfg.K {
			cands = cands[:cfg.K]
		}
		q.mu.Lock()
		q.closest = cands
		q.mu.Unlock()
		n.cfg.Metrics.ObserveLookup(cmd.String(), queries, time.Since(start), len(responded) > 0)
		close(out)
		close(q.done)
	}()

	seen := map[string]*candidate{} // by addr string

	addCandidate := func(id []byte, addrStr string) {
		if _, ok := seen[addrStr]; ok {
			return
		}
		addr, err := net.ResolveUDPAddr("udp4", addrStr)
		if err != nil {
			return
		}
		c := &candidate{addr: addr, state: stUnqueried}
		if nid, err := NodeIDFromBytes(id); err == nil {
			if nid == n.id {
				return
			}
			c.id = nid
			c.hasID = true
			c.dist = Xor(nid, target)
		}
		seen[addrStr] = c
	}

	for _, ni := range n.rt.Closest(target, cfg.K) {
		addCandidate(ni.ID[:], ni.Addr.String())
	}

	sorted := func() []*candidate {
		cands := make([]*candidate, 0, len(seen))
		for _, c := range seen {
			cands = append(cands, c)
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].hasID != cands[j].hasID {
				return cands[i].hasID
			}
			return DistanceLess(cands[i].dist, cands[j].dist)
		})
		return cands
	}

	for round := 0; round < cfg.MaxRounds; round++ {
		if ctx.Err() != nil {
			q.mu.Lock()
			q.err = ctx.Err()
			q.mu.Unlock()
			return
		}

		cands := sorted()
		if len(cands) == 0 {
			return
		}

		limit := len(cands)
		if limit > cfg.K*2 {
			limit = cfg.K * 2
		}
		toQuery := make([]*candidate, 0, cfg.Alpha)
		for i := 0; i < limit && len(toQuery) < cfg.Alpha; i++ {
			if cands[i].state == stUnqueried {
				cands[i].state = stQuerying
				toQuery = append(toQuery, cands[i])
			}
		}
		if len(toQuery) == 0 {
			return
		}

		type result struct {
			c *candidate
			r *Reply
		}
		queries += len(toQuery)
		resCh := make(chan result, len(toQuery))
		for _, c := range toQuery {
			go func(c *candidate) {
				rctx, rcancel := context.WithTimeout(ctx, cfg.RPCTimeout)
				defer rcancel()
				r, err := n.Request(rctx, c.addr, cmd, target[:], nil, value)
				if err != nil {
					resCh <- result{c: c}
					return
				}
				resCh <- result{c: c, r: r}
			}(c)
		}

		for i := 0; i < len(toQuery); i++ {
			res := <-resCh
			if res.r == nil {
				res.c.state = stFailed
				continue
			}
			res.c.state = stDone

			if len(res.r.From.ID) == NodeIDBytes {
				responded[string(res.r.From.ID)] = res.r
			}
			for _, nd := range res.r.Nodes {
				addCandidate(nd.ID, nd.Addr)
				n.learnNode(ctx, nd)
			}

			select {
			case out <- res.r:
			case <-ctx.Done():
			}
		}
	}
}
