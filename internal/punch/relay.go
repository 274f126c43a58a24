package punch

import (
	"net"
	"sync"

	"punchdht/internal/ustream"
)

// ProbeAcker returns a datagram filter that keeps answering probes for
// pair after the local side has locked, so a slower peer still
// converges. Wire it as the locked conn's Consume hook.
func ProbeAcker(pair [16]byte, sock *net.UDPConn) func(b []byte, from *net.UDPAddr) bool {
	return func(b []byte, from *net.UDPAddr) bool {
		flag, ok := decodeProbe(b, pair)
		if !ok {
			return false
		}
		if flag == flagProbe {
			_, _ = sock.WriteToUDP(encodeProbe(pair, flagAck), from)
		}
		return true
	}
}

// RelayConn carries stream frames through the relay when the strategy
// table says direct punching is unreachable and the server permits
// relayed data. Frames go out as HOLEPUNCH relay-data RPCs and come
// back in through Deliver.
type RelayConn struct {
	send func(b []byte) error

	mu     sync.Mutex
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func NewRelayConn(send func(b []byte) error) *RelayConn {
	return &RelayConn{
		send:   send,
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

var _ ustream.PacketConn = (*RelayConn)(nil)

func (r *RelayConn) WritePacket(b []byte) error {
	select {
	case <-r.closed:
		return net.ErrClosed
	default:
	}
	return r.send(append([]byte(nil), b...))
}

func (r *RelayConn) ReadPacket(b []byte) (int, error) {
	select {
	case pkt := <-r.inbox:
		return copy(b, pkt), nil
	case <-r.closed:
		return 0, net.ErrClosed
	}
}

// Deliver feeds an inbound relay-data payload to the reader. Drops
// when the inbox is full; the stream layer retransmits.
func (r *RelayConn) Deliver(b []byte) {
	select {
	case r.inbox <- append([]byte(nil), b...):
	case <-r.closed:
	default:
	}
}

func (r *RelayConn) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}
