package ustream

import (
	"net"
)

// PacketConn is the datagram path a stream runs over: a punched UDP
// 5-tuple, or relay-carried frames when punching was infeasible.
type PacketConn interface {
	WritePacket(b []byte) error
	ReadPacket(b []byte) (int, error)
	Close() error
}

// Locked is a PacketConn over a UDP socket pinned to the remote
// address a hole-punch agreed on. Datagrams from anyone else are
// dropped. Consume, when set, gets first look at every datagram; the
// punch layer uses it to keep acking late probes from a peer that
// locked after we did.
type Locked struct {
	sock    *net.UDPConn
	remote  *net.UDPAddr
	Consume func(b []byte, from *net.UDPAddr) bool
}

func NewLocked(sock *net.UDPConn, remote *net.UDPAddr) *Locked {
	return &Locked{sock: sock, remote: remote}
}

func (l *Locked) WritePacket(b []byte) error {
	_, err := l.sock.WriteToUDP(b, l.remote)
	return err
}

func (l *Locked) ReadPacket(b []byte) (int, error) {
	for {
		n, from, err := l.sock.ReadFromUDP(b)
		if err != nil {
			return 0, err
		}
		if l.Consume != nil && l.Consume(b[:n], from) {
			continue
		}
		if !from.IP.Equal(l.remote.IP) || from.Port != l.remote.Port {
			continue
		}
		return n, nil
	}
}

func (l *Locked) Close() error {
	return l.sock.Close()
}
