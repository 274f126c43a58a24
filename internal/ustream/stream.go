package ustream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/multiformats/go-varint"
)

// Stream is a reliable ordered byte stream over a PacketConn: open,
// data, end, close. One stream per socket pair, which is all the
// connection model needs.

var (
	ErrStreamClosed  = errors.New("ustream: stream closed")
	ErrStreamTimeout = errors.New("ustream: retransmit limit reached")
	ErrBadFrame      = errors.New("ustream: bad frame")
)

var frameMagic = [2]byte{0x75, 0x64}

const (
	frameOpen  = 1
	frameData  = 2
	frameEnd   = 3
	frameClose = 4
	frameAck   = 5

	maxPayload = 1200
	sendWindow = 64
	recvWindow = 256
	maxRetries = 10

	rtoBase = 200 * time.Millisecond
	rtoMax  = 2 * time.Second
)

type outFrame struct {
	seq      uint64
	wire     []byte
	lastSent time.Time
	retries  int
}

type Stream struct {
	pc    PacketConn
	crypt *Crypt

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond

	// sender
	nextSeq  uint64 // next seq to assign (1 = OPEN)
	ackedSeq uint64 // highest cumulatively acked
	unacked  []*outFrame
	sentEnd  bool

	// receiver
	expected   uint64 // next contiguous seq we want
	ooo        map[uint64][]byte // seq -> raw frame payload
	oooType    map[uint64]byte
	recvBuf    []byte
	remoteOpen bool
	remoteEnd  bool

	fastOpen bool
	err      error
	done     chan struct{}
	opened   chan struct{}
	closed   bool

	wg sync.WaitGroup
}

func New(pc PacketConn, crypt *Crypt, fastOpen bool) *Stream {
	s := &Stream{
		pc:       pc,
		crypt:    crypt,
		nextSeq:  1,
		expected: 1,
		ooo:      make(map[uint64][]byte),
		oooType:  make(map[uint64]byte),
		fastOpen: fastOpen,
		done:     make(chan struct{}),
		opened:   make(chan struct{}),
	}
	s.readCond = sync.NewCond(&s.mu)
	s.writeCond = sync.NewCond(&s.mu)

	s.mu.Lock()
	s.enqueueLocked(frameOpen, nil)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop()
	go s.retransmitLoop()
	return s
}

// Done closes when the stream has fully shut down.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Opened closes once the remote's OPEN frame has arrived.
func (s *Stream) Opened() <-chan struct{} { return s.opened }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitOpen blocks until the remote side has opened, or fails.
func (s *Stream) WaitOpen(ctx context.Context) error {
	select {
	case <-s.opened:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encodeFrame(typ byte, seq, ack uint64, payload []byte) []byte {
	b := make([]byte, 0, 3+10+10+len(payload))
	b = append(b, frameMagic[0], frameMagic[1], typ)
	b = append(b, varint.ToUvarint(seq)...)
	b = append(b, varint.ToUvarint(ack)...)
	return append(b, payload...)
}

func decodeFrame(b []byte) (typ byte, seq, ack uint64, payload []byte, err error) {
	if len(b) < 5 || b[0] != frameMagic[0] || b[1] != frameMagic[1] {
		return 0, 0, 0, nil, ErrBadFrame
	}
	typ = b[2]
	b = b[3:]
	seq, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, 0, 0, nil, ErrBadFrame
	}
	b = b[n:]
	ack, n, err = varint.FromUvarint(b)
	if err != nil {
		return 0, 0, 0, nil, ErrBadFrame
	}
	return typ, seq, ack, b[n:], nil
}

// enqueueLocked assigns a seq, seals the payload, queues and sends the
// frame. Caller holds mu.
func (s *Stream) enqueueLocked(typ byte, plain []byte) {
	seq := s.nextSeq
	s.nextSeq++

	var payload []byte
	if typ == frameData {
		payload = s.crypt.Seal(seq, plain)
	}
	f := &outFrame{seq: seq, wire: encodeFrame(typ, seq, s.ackSeqLocked(), payload), lastSent: time.Now()}
	s.unacked = append(s.unacked, f)
	_ = s.pc.WritePacket(f.wire)
}

func (s *Stream) ackSeqLocked() uint64 {
	return s.expected - 1
}

// Write chunks p into data frames. It blocks while the send window is
// full, and before open unless fastOpen is on.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fastOpen {
		for !s.remoteOpen && s.err == nil && !s.closed {
			s.writeCond.Wait()
		}
	}

	total := 0
	for len(p) > 0 {
		if s.err != nil {
			return total, s.err
		}
		if s.closed || s.sentEnd {
			return total, ErrStreamClosed
		}
		if len(s.unacked) >= sendWindow {
			s.writeCond.Wait()
			continue
		}
		n := len(p)
		if n > maxPayload {
			n = maxPayload
		}
		s.enqueueLocked(frameData, p[:n])
		p = p[n:]
		total += n
	}
	return total, nil
}

// End half-closes the stream: no more writes, reads still flow.
func (s *Stream) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.sentEnd || s.closed {
		return nil
	}
	s.sentEnd = true
	s.enqueueLocked(frameEnd, nil)
	s.maybeFinishLocked()
	return nil
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.recvBuf) > 0 {
			n := copy(p, s.recvBuf)
			s.recvBuf = s.recvBuf[n:]
			return n, nil
		}
		if s.remoteEnd {
			return 0, io.EOF
		}
		if s.err != nil {
			return 0, s.err
		}
		if s.closed {
			return 0, ErrStreamClosed
		}
		s.readCond.Wait()
	}
}

// Destroy tears the stream down immediately.
func (s *Stream) Destroy(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	closeFrame := encodeFrame(frameClose, 0, s.ackSeqLocked(), nil)
	for i := 0; i < 3; i++ {
		_ = s.pc.WritePacket(closeFrame)
	}
	s.finishLocked(err)
	s.mu.Unlock()
}

// finishLocked marks the stream closed and releases everything.
func (s *Stream) finishLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	if err != nil && s.err == nil {
		s.err = err
	}
	_ = s.pc.Close()
	close(s.done)
	s.readCond.Broadcast()
	s.writeCond.Broadcast()
}

// maybeFinishLocked closes once both directions have ended and all our
// frames are acked.
func (s *Stream) maybeFinishLocked() {
	if s.sentEnd && s.remoteEnd && len(s.unacked) == 0 {
		s.finishLocked(nil)
	}
}

func (s *Stream) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, err := s.pc.ReadPacket(buf)
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.finishLocked(ErrStreamClosed)
			}
			s.mu.Unlock()
			return
		}
		typ, seq, ack, payload, err := decodeFrame(buf[:n])
		if err != nil {
			continue // stray datagram (late probe)
		}
		s.handleFrame(typ, seq, ack, payload)
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
	}
}

func (s *Stream) handleFrame(typ byte, seq, ack uint64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// Cumulative ack processing.
	if ack > s.ackedSeq {
		s.ackedSeq = ack
	}
	kept := s.unacked[:0]
	for _, f := range s.unacked {
		if f.seq > s.ackedSeq {
			kept = append(kept, f)
		}
	}
	s.unacked = kept
	s.writeCond.Broadcast()

	switch typ {
	case frameClose:
		s.finishLocked(nil)
		return
	case frameAck:
		s.maybeFinishLocked()
		return
	}

	// Sequenced frames: OPEN, DATA, END.
	switch {
	case seq < s.expected:
		// Duplicate; re-ack, and re-check completion since the dup's
		// ack may have been the last thing we were waiting on.
		s.sendAckLocked()
		s.maybeFinishLocked()
		return
	case seq > s.expected:
		if seq < s.expected+recvWindow {
			s.ooo[seq] = append([]byte(nil), payload...)
			s.oooType[seq] = typ
			s.sendAckLocked()
		}
		return
	}

	if !s.applyFrameLocked(typ, seq, payload) {
		return
	}
	// Drain buffered out-of-order continuations.
	for {
		p, ok := s.ooo[s.expected]
		if !ok {
			break
		}
		t := s.oooType[s.expected]
		delete(s.ooo, s.expected)
		delete(s.oooType, s.expected)
		if !s.applyFrameLocked(t, s.expected, p) {
			return
		}
	}
	s.sendAckLocked()
	s.maybeFinishLocked()
}

// applyFrameLocked consumes the next contiguous frame. Returns false
// when the stream died mid-apply.
func (s *Stream) applyFrameLocked(typ byte, seq uint64, payload []byte) bool {
	s.expected = seq + 1
	switch typ {
	case frameOpen:
		if !s.remoteOpen {
			s.remoteOpen = true
			close(s.opened)
		}
	case frameData:
		plain, err := s.crypt.Open(seq, payload)
		if err != nil {
			s.finishLocked(err)
			return false
		}
		s.recvBuf = append(s.recvBuf, plain...)
		s.readCond.Broadcast()
	case frameEnd:
		s.remoteEnd = true
		s.readCond.Broadcast()
	}
	s.writeCond.Broadcast()
	return true
}

func (s *Stream) sendAckLocked() {
	_ = s.pc.WritePacket(encodeFrame(frameAck, 0, s.ackSeqLocked(), nil))
}

func (s *Stream) retransmitLoop() {
	defer s.wg.Done()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}

		s.mu.Lock()
		now := time.Now()
		for _, f := range s.unacked {
			rto := rtoBase << f.retries
			if rto > rtoMax {
				rto = rtoMax
			}
			if now.Sub(f.lastSent) < rto {
				continue
			}
			if f.retries >= maxRetries {
				s.finishLocked(ErrStreamTimeout)
				break
			}
			f.retries++
			f.lastSent = now
			_ = s.pc.WritePacket(f.wire)
		}
		s.mu.Unlock()
	}
}
