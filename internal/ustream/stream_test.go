package ustream

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// chanConn is an in-memory PacketConn; drop lets tests lose packets to
// exercise retransmission.
type chanConn struct {
	out chan<- []byte
	in  <-chan []byte

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
	drop   func(b []byte) bool
}

func chanPair() (*chanConn, *chanConn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	a := &chanConn{out: ab, in: ba, closed: make(chan struct{})}
	b := &chanConn{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (c *chanConn) WritePacket(b []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	drop := c.drop
	c.mu.Unlock()
	if drop != nil && drop(b) {
		return nil
	}
	select {
	case c.out <- append([]byte(nil), b...):
	default:
	}
	return nil
}

func (c *chanConn) ReadPacket(b []byte) (int, error) {
	select {
	case pkt := <-c.in:
		return copy(b, pkt), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func testKey(t *testing.T) [32]byte {
	t.Helper()
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return k
}

func streamPair(t *testing.T, a, b PacketConn) (*Stream, *Stream) {
	t.Helper()
	key := testKey(t)
	ca, err := NewCrypt(key, true)
	if err != nil {
		t.Fatalf("crypt: %v", err)
	}
	cb, err := NewCrypt(key, false)
	if err != nil {
		t.Fatalf("crypt: %v", err)
	}
	sa := New(a, ca, true)
	sb := New(b, cb, true)
	t.Cleanup(func() {
		sa.Destroy(nil)
		sb.Destroy(nil)
	})
	return sa, sb
}

func TestOpenAndEcho(t *testing.T) {
	a, b := chanPair()
	sa, sb := streamPair(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sa.WaitOpen(ctx); err != nil {
		t.Fatalf("a open: %v", err)
	}
	if err := sb.WaitOpen(ctx); err != nil {
		t.Fatalf("b open: %v", err)
	}

	msg := []byte("hello across the punched path")
	if _, err := sa.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(readerOf(sb), buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("echo mismatch: %q", buf)
	}
}

func readerOf(s *Stream) io.Reader { return s }

func TestEndDeliversEOF(t *testing.T) {
	a, b := chanPair()
	sa, sb := streamPair(t, a, b)

	if _, err := sa.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sa.End(); err != nil {
		t.Fatalf("end: %v", err)
	}

	data, err := io.ReadAll(readerOf(sb))
	if err != nil {
		t.Fatalf("readall: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("got %q", data)
	}

	// Close the other direction; both streams should finish.
	if err := sb.End(); err != nil {
		t.Fatalf("end b: %v", err)
	}
	waitDone(t, sa)
	waitDone(t, sb)
	if sa.Err() != nil || sb.Err() != nil {
		t.Fatalf("clean close reported errors: %v %v", sa.Err(), sb.Err())
	}
}

func waitDone(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("stream did not finish")
	}
}

func TestRetransmitRecoversLoss(t *testing.T) {
	a, b := chanPair()

	// Drop the first few data frames a sends.
	var mu sync.Mutex
	dropped := 0
	a.drop = func(pkt []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		if len(pkt) > 3 && pkt[2] == frameData && dropped < 3 {
			dropped++
			return true
		}
		return false
	}

	sa, sb := streamPair(t, a, b)
	msg := bytes.Repeat([]byte("x"), 3000) // several frames
	if _, err := sa.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sa.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	data, err := io.ReadAll(readerOf(sb))
	if err != nil {
		t.Fatalf("readall: %v", err)
	}
	if !bytes.Equal(data, msg) {
		t.Fatalf("lossy path corrupted data: got %d bytes, want %d", len(data), len(msg))
	}
	mu.Lock()
	defer mu.Unlock()
	if dropped == 0 {
		t.Fatalf("test dropped nothing")
	}
}

func TestDestroyUnblocksReaders(t *testing.T) {
	a, b := chanPair()
	sa, sb := streamPair(t, a, b)
	_ = sb

	errCh := make(chan error, 1)
	go func() {
		_, err := sa.Read(make([]byte, 16))
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	sa.Destroy(nil)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("read returned nil after destroy")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("read did not unblock")
	}
}

func TestWriteAfterEndFails(t *testing.T) {
	a, b := chanPair()
	sa, _ := streamPair(t, a, b)
	if err := sa.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := sa.Write([]byte("late")); err == nil {
		t.Fatalf("write after end succeeded")
	}
}

func TestTamperedFrameKillsStream(t *testing.T) {
	a, b := chanPair()

	// Flip a ciphertext bit on the first data frame.
	var mu sync.Mutex
	tampered := false
	a.drop = func(pkt []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		if len(pkt) > 10 && pkt[2] == frameData && !tampered {
			tampered = true
			pkt[len(pkt)-1] ^= 0xff
		}
		return false
	}

	sa, sb := streamPair(t, a, b)
	if _, err := sa.Write([]byte("secret")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitDone(t, sb)
	if sb.Err() == nil {
		t.Fatalf("tampered frame accepted")
	}
}
