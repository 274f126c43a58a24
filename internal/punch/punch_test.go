package punch

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"
)

func TestPlanTable(t *testing.T) {
	cases := []struct {
		local, remote Class
		unreachable   bool
	}{
		{ClassOpen, ClassOpen, false},
		{ClassOpen, ClassConsistent, false},
		{ClassOpen, ClassRandom, false},
		{ClassConsistent, ClassOpen, false},
		{ClassConsistent, ClassConsistent, false},
		{ClassConsistent, ClassRandom, false},
		{ClassRandom, ClassOpen, false},
		{ClassRandom, ClassConsistent, false},
		{ClassRandom, ClassRandom, true},
	}
	for _, c := range cases {
		got := Plan(c.local, c.remote)
		if got.Unreachable != c.unreachable {
			t.Fatalf("Plan(%v,%v).Unreachable = %v", c.local, c.remote, got.Unreachable)
		}
	}

	// Prediction engages exactly when the remote mapping is random and
	// ours is consistent.
	if !Plan(ClassConsistent, ClassRandom).Predict {
		t.Fatalf("consistent->random should predict ports")
	}
	if Plan(ClassRandom, ClassConsistent).Predict {
		t.Fatalf("random->consistent should not predict")
	}
	if !Plan(ClassOpen, ClassConsistent).LocalFirst {
		t.Fatalf("open node should probe first")
	}
	if Plan(ClassConsistent, ClassOpen).LocalFirst {
		t.Fatalf("the non-open side should wait for the open node")
	}
}

func TestProbeCodec(t *testing.T) {
	var pair [16]byte
	_, _ = rand.Read(pair[:])

	b := encodeProbe(pair, flagProbe)
	if len(b) != probeLen {
		t.Fatalf("probe length %d", len(b))
	}
	flag, ok := decodeProbe(b, pair)
	if !ok || flag != flagProbe {
		t.Fatalf("decode: flag=%d ok=%v", flag, ok)
	}

	var other [16]byte
	if _, ok := decodeProbe(b, other); ok {
		t.Fatalf("probe for another pair accepted")
	}
	if _, ok := decodeProbe(b[:probeLen-1], pair); ok {
		t.Fatalf("truncated probe accepted")
	}
}

func TestPredictPortsBounded(t *testing.T) {
	base := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000}
	got := predictPorts([]*net.UDPAddr{base})
	if len(got) == 0 || got[0].Port != 40000 {
		t.Fatalf("exact port must come first")
	}
	if len(got) > predictWindow+1 {
		t.Fatalf("window too wide: %d", len(got))
	}
	for _, a := range got {
		if a.Port < 40000-predictWindow || a.Port > 40000+predictWindow {
			t.Fatalf("port %d outside window", a.Port)
		}
	}
}

func sessionSock(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPunchLoopback(t *testing.T) {
	a := sessionSock(t)
	b := sessionSock(t)

	var pair [16]byte
	_, _ = rand.Read(pair[:])

	plan := Plan(ClassConsistent, ClassConsistent) // simultaneous open

	type result struct {
		addr *net.UDPAddr
		err  error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		addr, err := Run(ctx, Config{Sock: a, Pair: pair}, plan, []*net.UDPAddr{b.LocalAddr().(*net.UDPAddr)})
		resA <- result{addr, err}
	}()
	go func() {
		addr, err := Run(ctx, Config{Sock: b, Pair: pair}, plan, []*net.UDPAddr{a.LocalAddr().(*net.UDPAddr)})
		resB <- result{addr, err}
	}()

	ra := <-resA
	rb := <-resB
	if ra.err != nil || rb.err != nil {
		t.Fatalf("punch failed: %v / %v", ra.err, rb.err)
	}
	if ra.addr.Port != b.LocalAddr().(*net.UDPAddr).Port {
		t.Fatalf("a locked %v, want b's port", ra.addr)
	}
	if rb.addr.Port != a.LocalAddr().(*net.UDPAddr).Port {
		t.Fatalf("b locked %v, want a's port", rb.addr)
	}
}

func TestPunchUnreachableFailsFast(t *testing.T) {
	a := sessionSock(t)
	var pair [16]byte

	start := time.Now()
	_, err := Run(context.Background(), Config{Sock: a, Pair: pair}, Plan(ClassRandom, ClassRandom), nil)
	if err != ErrPunchTimeout {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > Deadline() {
		t.Fatalf("unreachable case exceeded the punch bound")
	}
}

func TestPunchTimeoutBounded(t *testing.T) {
	a := sessionSock(t)
	var pair [16]byte
	_, _ = rand.Read(pair[:])

	// A candidate that will never answer.
	dead := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

	start := time.Now()
	_, err := Run(context.Background(), Config{Sock: a, Pair: pair}, Plan(ClassConsistent, ClassConsistent), []*net.UDPAddr{dead})
	if err != ErrPunchTimeout {
		t.Fatalf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > Deadline()+time.Second {
		t.Fatalf("timeout after %v exceeds bound %v", elapsed, Deadline())
	}
}
