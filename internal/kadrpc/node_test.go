package kadrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"punchdht/internal/proto"
)

func startNode(t *testing.T, bootstrap ...string) *Node {
	t.Helper()
	n, err := NewNode(Config{Bind: "127.0.0.1:0", Bootstrap: bootstrap})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestPingReportsObservedAddr(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := a.Ping(ctx, b.Addr())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if r.To == "" {
		t.Fatalf("no observed address echoed")
	}
	obs, err := net.ResolveUDPAddr("udp4", r.To)
	if err != nil {
		t.Fatalf("bad observed address %q: %v", r.To, err)
	}
	if obs.Port != a.Addr().Port {
		t.Fatalf("observed port %d, bound %d", obs.Port, a.Addr().Port)
	}
	if len(r.Token) != 32 {
		t.Fatalf("expected a 32-byte write token, got %d bytes", len(r.Token))
	}
}

func TestTokenVerifies(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := a.Ping(ctx, b.Addr())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !b.VerifyToken(r.Token, a.Addr().IP) {
		t.Fatalf("token issued to us did not verify")
	}
	if b.VerifyToken(r.Token, net.IPv4(10, 1, 2, 3)) {
		t.Fatalf("token verified for a different ip")
	}
}

func TestRequestTimeout(t *testing.T) {
	a := startNode(t)

	// A port nobody is listening on.
	dead := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := a.Ping(ctx, dead); err == nil {
		t.Fatalf("expected timeout")
	}
}

func TestHandlerReplyAndError(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	b.OnRequest(proto.CmdImmutableGet, func(req *Request) {
		req.Reply([]byte("stored"))
	})
	b.OnRequest(proto.CmdMutablePut, func(req *Request) {
		req.ReplyError(proto.ErrorSeqTooLow)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := RandomNodeID()
	r, err := a.Request(ctx, b.Addr(), proto.CmdImmutableGet, target[:], nil, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(r.Value) != "stored" {
		t.Fatalf("value %q", r.Value)
	}

	r, err = a.Request(ctx, b.Addr(), proto.CmdMutablePut, target[:], nil, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if r.ErrCode != proto.ErrorSeqTooLow {
		t.Fatalf("err code %d", r.ErrCode)
	}
}

func TestSilentDropTimesOut(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	b.OnRequest(proto.CmdAnnounce, func(req *Request) {
		// Validation failed: drop.
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	target := RandomNodeID()
	if _, err := a.Request(ctx, b.Addr(), proto.CmdAnnounce, target[:], nil, nil); err == nil {
		t.Fatalf("silent drop should surface as timeout")
	}
}

func TestBootstrapAndQuery(t *testing.T) {
	z := startNode(t)
	a := startNode(t, z.Addr().String())
	b := startNode(t, z.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap a: %v", err)
	}
	if err := b.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap b: %v", err)
	}

	// b should now be findable from a through z.
	q := a.Query(ctx, b.ID(), proto.CmdFindNode, nil, DefaultLookupConfig())
	for range q.C {
	}
	found := false
	for _, r := range q.Closest() {
		if len(r.From.ID) == NodeIDBytes {
			var id NodeID
			copy(id[:], r.From.ID)
			if id == b.ID() {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("lookup for b's id never reached b")
	}
}

func TestEphemeralNotRouted(t *testing.T) {
	z := startNode(t)

	e, err := NewNode(Config{Bind: "127.0.0.1:0", Bootstrap: []string{z.Addr().String()}, Ephemeral: true})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if z.Table().Len() != 0 {
		t.Fatalf("ephemeral node landed in a routing table")
	}
}
