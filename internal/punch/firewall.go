package punch

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"time"

	"punchdht/internal/proto"
)

// Firewall classification: ping a few DHT peers from the session
// socket and compare the reflexive addresses they report. Constant
// across peers means the NAT maps this socket consistently; varying
// means random; a mapping identical to the bound port means nothing is
// rewriting us at all.

var ErrClassify = errors.New("punch: could not classify firewall")

const classifyPeers = 4

// Classify reports the session socket's firewall class and its
// reflexive address.
func Classify(sock *net.UDPConn, peers []*net.UDPAddr, timeout time.Duration) (Class, *net.UDPAddr, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	if len(peers) > classifyPeers {
		peers = peers[:classifyPeers]
	}
	if len(peers) == 0 {
		return ClassRandom, nil, ErrClassify
	}

	var idb [16]byte
	_, _ = rand.Read(idb[:])
	env := proto.Envelope{
		Kind:  proto.KindRequest,
		RPCID: hex.EncodeToString(idb[:]),
		Cmd:   proto.CmdPing,
	}
	msg, err := json.Marshal(&env)
	if err != nil {
		return ClassRandom, nil, err
	}
	for _, p := range peers {
		_, _ = sock.WriteToUDP(msg, p)
	}

	_ = sock.SetReadDeadline(time.Now().Add(timeout))
	defer sock.SetReadDeadline(time.Time{})

	observed := make([]*net.UDPAddr, 0, len(peers))
	buf := make([]byte, 2048)
	for len(observed) < len(peers) {
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			break
		}
		if n == 0 || buf[0] != '{' {
			continue
		}
		var resp proto.Envelope
		if json.Unmarshal(buf[:n], &resp) != nil || resp.Kind != proto.KindResponse || resp.To == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp4", resp.To)
		if err != nil {
			continue
		}
		observed = append(observed, addr)
	}

	if len(observed) == 0 {
		return ClassRandom, nil, ErrClassify
	}

	first := observed[0]
	for _, a := range observed[1:] {
		if a.Port != first.Port || !a.IP.Equal(first.IP) {
			return ClassRandom, first, nil
		}
	}
	local := sock.LocalAddr().(*net.UDPAddr)
	if first.Port == local.Port {
		return ClassOpen, first, nil
	}
	return ClassConsistent, first, nil
}
