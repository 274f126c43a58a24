package kadrpc

import (
	"net"
	"sort"
	"sync"
	"time"
)

type NodeInfo struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

type bucket struct {
	nodes []NodeInfo // LRU: index 0 = most recently seen; end = least
	repl  []NodeInfo // replacement cache (bounded)
}

// PingFunc returns true if the node is alive.
type PingFunc func(NodeInfo) bool

type RoutingTable struct {
	self NodeID
	k    int

	mu      sync.RWMutex
	buckets [256]bucket

	maxPerSubnet int
}

func NewRoutingTable(self NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = 20
	}
	return &RoutingTable{self: self, k: k, maxPerSubnet: 4}
}

// Upsert is a "no-network" upsert: it maintains LRU ordering. If a
// bucket is full it does not evict; the new node goes to the
// replacement cache. (Network-aware eviction is UpsertWithEviction.)
func (rt *RoutingTable) Upsert(id NodeID, addr *net.UDPAddr) {
	rt.upsertLRU(id, addr, nil)
}

// UpsertWithEviction implements Kademlia bucket semantics:
// - If node exists: move-to-front
// - Else if space: insert at front
// - Else ping LRU tail: if dead -> evict tail, insert new; if alive ->
//   keep tail, add new to replacement cache.
func (rt *RoutingTable) UpsertWithEviction(id NodeID, addr *net.UDPAddr, ping PingFunc) {
	rt.upsertLRU(id, addr, ping)
}

func (rt *RoutingTable) upsertLRU(id NodeID, addr *net.UDPAddr, ping PingFunc) {
	if id == rt.self || addr == nil {
		return
	}
	bi := BucketIndex(rt.self, id)
	if bi < 0 || bi >= 256 {
		return
	}
	now := time.Now()

	rt.mu.Lock()
	b := &rt.buckets[bi]

	for i := range b.nodes {
		if b.nodes[i].ID == id {
			ni := b.nodes[i]
			ni.Addr = addr
			ni.LastSeen = now
			copy(b.nodes[1:i+1], b.nodes[:i])
			b.nodes[0] = ni
			rt.mu.Unlock()
			return
		}
	}

	ni := NodeInfo{ID: id, Addr: addr, LastSeen: now}

	// Anti-eclipse: cap nodes from the same /24 per bucket.
	if rt.maxPerSubnet > 0 {
		sk := subnetKey(addr)
		if sk != "" {
			cnt := 0
			for i := range b.nodes {
				if subnetKey(b.nodes[i].Addr) == sk {
					cnt++
				}
			}
			if cnt >= rt.maxPerSubnet {
				rt.mu.Unlock()
				return
			}
		}
	}

	if len(b.nodes) < rt.k {
		b.nodes = append([]NodeInfo{ni}, b.nodes...)
		rt.mu.Unlock()
		return
	}

	// Bucket full. Without a ping func we cannot safely evict; stash
	// the node as a replacement.
	if ping == nil {
		b.addReplacement(ni)
		rt.mu.Unlock()
		return
	}

	// Ping the LRU tail outside the lock to avoid blocking the table.
	tail := b.nodes[len(b.nodes)-1]
	rt.mu.Unlock()

	alive := ping(tail)

	rt.mu.Lock()
	b = &rt.buckets[bi]

	// Space may have opened up while we pinged.
	if len(b.nodes) < rt.k {
		b.nodes = append([]NodeInfo{ni}, b.nodes...)
		rt.mu.Unlock()
		return
	}

	// Re-identify the tail (could have changed).
	curTail := b.nodes[len(b.nodes)-1]

	if alive && curTail.ID == tail.ID {
		// Keep tail, drop new from main list, but keep as replacement.
		b.addReplacement(ni)
		rt.mu.Unlock()
		return
	}

	// Tail considered dead => evict it (best-effort).
	b.nodes = b.nodes[:len(b.nodes)-1]
	b.nodes = append([]NodeInfo{ni}, b.nodes...)
	rt.mu.Unlock()
}

func (b *bucket) addReplacement(ni NodeInfo) {
	const replMax = 10
	for i := range b.repl {
		if b.repl[i].ID == ni.ID {
			return
		}
	}
	b.repl = append([]NodeInfo{ni}, b.repl...)
	if len(b.repl) > replMax {
		b.repl = b.repl[:replMax]
	}
}

// Remove drops a node and promotes the freshest replacement, if any.
func (rt *RoutingTable) Remove(id NodeID) {
	bi := BucketIndex(rt.self, id)
	if bi < 0 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := &rt.buckets[bi]
	for i := range b.nodes {
		if b.nodes[i].ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			if len(b.repl) > 0 {
				b.nodes = append(b.nodes, b.repl[0])
				b.repl = b.repl[1:]
			}
			return
		}
	}
}

// Closest returns up to k nodes sorted ascending by XOR distance to
// target.
func (rt *RoutingTable) Closest(target NodeID, k int) []NodeInfo {
	if k <= 0 {
		k = rt.k
	}
	rt.mu.RLock()
	all := make([]NodeInfo, 0, 64)
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].nodes...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return DistanceLess(Xor(all[i].ID, target), Xor(all[j].ID, target))
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for i := range rt.buckets {
		n += len(rt.buckets[i].nodes)
	}
	return n
}

// BucketLen reports occupancy of one bucket, for tests and metrics.
func (rt *RoutingTable) BucketLen(bucket int) int {
	if bucket < 0 || bucket >= 256 {
		return 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets[bucket].nodes)
}

func subnetKey(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	if addr.IP.IsLoopback() {
		// Loopback peers are all one host; keying by port keeps local
		// multi-node setups from tripping the diversity cap.
		return "loopback:" + addr.String()
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return ""
	}
	return string(ip4[:3])
}
