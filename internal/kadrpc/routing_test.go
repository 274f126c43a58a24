package kadrpc

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func timeNow() time.Time { return time.Now() }

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, byte(port>>8), byte(port)), Port: port}
}

func TestXorSymmetry(t *testing.T) {
	a := RandomNodeID()
	b := RandomNodeID()
	if Xor(a, b) != Xor(b, a) {
		t.Fatalf("xor not symmetric")
	}
}

func TestBucketIndex_MSB(t *testing.T) {
	var self NodeID
	var peer NodeID
	peer[0] = 0x80 // differs at the very first bit
	if got := BucketIndex(self, peer); got != 0 {
		t.Fatalf("expected bucket index 0, got %d", got)
	}
}

func TestBucketIndex_Identical(t *testing.T) {
	id := RandomNodeID()
	if got := BucketIndex(id, id); got != -1 {
		t.Fatalf("expected -1 for identical ids, got %d", got)
	}
}

func TestRoutingTable_ClosestSortedByDistance(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self, 8)

	target := RandomNodeID()

	for i := 0; i < 50; i++ {
		rt.Upsert(RandomNodeID(), addr(1000+i))
	}

	got := rt.Closest(target, 10)
	if len(got) == 0 {
		t.Fatalf("expected some closest nodes")
	}
	if len(got) > 10 {
		t.Fatalf("expected <=10, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev := Xor(got[i-1].ID, target)
		cur := Xor(got[i].ID, target)
		if bytes.Compare(prev[:], cur[:]) > 0 {
			t.Fatalf("closest not sorted at i=%d", i)
		}
	}
}

func TestRoutingTable_UpsertMovesToFront(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self, 8)

	id := RandomNodeID()
	rt.Upsert(id, addr(1))
	rt.Upsert(RandomNodeID(), addr(2))
	rt.Upsert(id, addr(3))

	got := rt.Closest(id, 1)
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("node lost on re-upsert")
	}
	if got[0].Addr.Port != 3 {
		t.Fatalf("address not refreshed, port=%d", got[0].Addr.Port)
	}
}

func TestRoutingTable_Remove(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self, 8)
	id := RandomNodeID()
	rt.Upsert(id, addr(1))
	if rt.Len() != 1 {
		t.Fatalf("len=%d", rt.Len())
	}
	rt.Remove(id)
	if rt.Len() != 0 {
		t.Fatalf("remove did not take")
	}
}

func TestRoutingTable_IgnoresSelf(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self, 8)
	rt.Upsert(self, addr(1))
	if rt.Len() != 0 {
		t.Fatalf("self inserted")
	}
}

// bucket0ID makes ids that all land in bucket 0 of a zero self id.
func bucket0ID() NodeID {
	id := RandomNodeID()
	id[0] |= 0x80
	return id
}

func bucket0Addr(i int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, byte(i), 0, 1), Port: 1000 + i}
}

func TestUpsertWithEviction_DeadTailEvicted(t *testing.T) {
	var self NodeID
	rt := NewRoutingTable(self, 4)

	ids := make([]NodeID, 4)
	for i := range ids {
		ids[i] = bucket0ID()
		rt.Upsert(ids[i], bucket0Addr(i))
	}
	if rt.BucketLen(0) != 4 {
		t.Fatalf("bucket not full: %d", rt.BucketLen(0))
	}

	newID := bucket0ID()
	var pinged NodeID
	rt.UpsertWithEviction(newID, bucket0Addr(10), func(tail NodeInfo) bool {
		pinged = tail.ID
		return false // dead
	})

	if pinged != ids[0] {
		t.Fatalf("pinged %s, want the LRU tail %s", pinged.Hex()[:8], ids[0].Hex()[:8])
	}
	if rt.BucketLen(0) != 4 {
		t.Fatalf("bucket size changed: %d", rt.BucketLen(0))
	}
	var sawNew, sawOld bool
	for _, ni := range rt.Closest(newID, 10) {
		if ni.ID == newID {
			sawNew = true
		}
		if ni.ID == ids[0] {
			sawOld = true
		}
	}
	if !sawNew || sawOld {
		t.Fatalf("dead tail not replaced: new=%v old=%v", sawNew, sawOld)
	}
}

func TestUpsertWithEviction_LiveTailKept(t *testing.T) {
	var self NodeID
	rt := NewRoutingTable(self, 4)

	ids := make([]NodeID, 4)
	for i := range ids {
		ids[i] = bucket0ID()
		rt.Upsert(ids[i], bucket0Addr(i))
	}

	newID := bucket0ID()
	rt.UpsertWithEviction(newID, bucket0Addr(10), func(NodeInfo) bool { return true })

	for _, ni := range rt.Closest(newID, 10) {
		if ni.ID == newID {
			t.Fatalf("newcomer displaced a live tail")
		}
	}

	// The newcomer waits in the replacement cache and is promoted when
	// a slot frees up.
	rt.Remove(ids[1])
	if rt.BucketLen(0) != 4 {
		t.Fatalf("replacement not promoted: %d", rt.BucketLen(0))
	}
	found := false
	for _, ni := range rt.Closest(newID, 10) {
		if ni.ID == newID {
			found = true
		}
	}
	if !found {
		t.Fatalf("replacement cache lost the newcomer")
	}
}

func TestUpsertFullBucketNoPingGoesToReplacements(t *testing.T) {
	var self NodeID
	rt := NewRoutingTable(self, 2)

	for i := 0; i < 2; i++ {
		rt.Upsert(bucket0ID(), bucket0Addr(i))
	}
	extra := bucket0ID()
	rt.Upsert(extra, bucket0Addr(5))

	if rt.BucketLen(0) != 2 {
		t.Fatalf("plain upsert evicted from a full bucket")
	}
	rt.mu.RLock()
	repl := len(rt.buckets[0].repl)
	rt.mu.RUnlock()
	if repl != 1 {
		t.Fatalf("replacement cache holds %d, want 1", repl)
	}
}

func TestTokenBucket(t *testing.T) {
	var b tokenBucket
	now := timeNow()
	for i := 0; i < 40; i++ {
		if !b.allow(now, 20, 40, 1) {
			t.Fatalf("burst exhausted early at %d", i)
		}
	}
	if b.allow(now, 20, 40, 1) {
		t.Fatalf("allowed past burst")
	}
}
