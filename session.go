package punchdht

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"punchdht/internal/crypto/identity"
	"punchdht/internal/kadrpc"
	"punchdht/internal/punch"
)

// Session-socket plumbing shared by the connector and the server: each
// connection attempt gets its own UDP socket, classified against a few
// DHT peers, then handed to the puncher and finally the stream.

var errNoSessionPeers = errors.New("punchdht: no peers to classify against")

func derivePair(streamKey [32]byte) [16]byte {
	sum := identity.NamespacedHash(identity.NSPair, streamKey[:])
	var pair [16]byte
	copy(pair[:], sum[:16])
	return pair
}

func (d *DHT) newSessionSocket() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", ":0")
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp4", addr)
}

// classifySession determines the session socket's firewall class and
// advertised candidates. quick skips the ping round and trusts the
// node-level observation instead.
func (d *DHT) classifySession(sock *net.UDPConn, quick, shareLocal bool, force *punch.Class) (punch.Class, []netip.AddrPort, error) {
	local := sock.LocalAddr().(*net.UDPAddr)

	reflexive := func() netip.AddrPort {
		ip := net.IPv4(127, 0, 0, 1)
		if obs := d.node.ObservedAddr(); obs != nil {
			ip = obs.IP
		}
		return addrPort(&net.UDPAddr{IP: ip, Port: local.Port})
	}

	var class punch.Class
	var candidates []netip.AddrPort

	switch {
	case force != nil:
		class = *force
		candidates = []netip.AddrPort{reflexive()}
	case quick:
		class = punch.ClassConsistent
		if !d.node.Firewalled() {
			class = punch.ClassOpen
		}
		candidates = []netip.AddrPort{reflexive()}
	default:
		peers := d.classifyPeers()
		if len(peers) == 0 {
			return punch.ClassRandom, nil, errNoSessionPeers
		}
		c, observed, err := punch.Classify(sock, peers, time.Second)
		if err != nil {
			return punch.ClassRandom, nil, err
		}
		class = c
		candidates = []netip.AddrPort{addrPort(observed)}
	}

	if shareLocal {
		candidates = append(candidates, lanAddrs(local.Port)...)
	}
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	return class, candidates, nil
}

func (d *DHT) classifyPeers() []*net.UDPAddr {
	infos := d.node.Table().Closest(kadrpc.RandomNodeID(), 4)
	out := make([]*net.UDPAddr, 0, len(infos))
	for _, ni := range infos {
		out = append(out, ni.Addr)
	}
	return out
}

// lanAddrs enumerates private interface addresses with the session
// port, for same-LAN shortcuts when shareLocalAddress is on.
func lanAddrs(port int) []netip.AddrPort {
	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]netip.AddrPort, 0, 2)
	for _, a := range ifaddrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipn.IP.To4()
		if ip4 == nil || !ipn.IP.IsPrivate() {
			continue
		}
		var arr [4]byte
		copy(arr[:], ip4)
		out = append(out, netip.AddrPortFrom(netip.AddrFrom4(arr), uint16(port)))
		if len(out) == 2 {
			break
		}
	}
	return out
}

func addrPort(a *net.UDPAddr) netip.AddrPort {
	var arr [4]byte
	if ip4 := a.IP.To4(); ip4 != nil {
		copy(arr[:], ip4)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(arr), uint16(a.Port))
}

func udpAddrs(aps []netip.AddrPort) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(aps))
	for _, ap := range aps {
		ip := ap.Addr().As4()
		out = append(out, &net.UDPAddr{IP: net.IP(ip[:]), Port: int(ap.Port())})
	}
	return out
}

func firstAddr(aps []netip.AddrPort) netip.AddrPort {
	if len(aps) == 0 {
		return netip.AddrPort{}
	}
	return aps[0]
}
