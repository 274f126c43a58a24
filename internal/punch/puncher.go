package punch

import (
	"context"
	"errors"
	"net"
	"time"

	"punchdht/internal/telemetry"
)

// The probing engine: given a session socket, the agreed pair id and
// the remote's candidate addresses, both sides burst small datagrams
// until one arrives whose source matches a candidate, then lock that
// 5-tuple.

var (
	ErrPunchTimeout = errors.New("punch: no probe answered in time")
	ErrPunchAborted = errors.New("punch: aborted")
)

var probeMagic = [8]byte{'p', 'd', 'h', 't', 'p', 'n', 'c', 'h'}

const (
	probeLen = 8 + 16 + 1

	flagProbe = 0
	flagAck   = 1

	// Burst parameters: N probes at interval delta, K rounds.
	ProbeCount    = 6
	ProbeInterval = 50 * time.Millisecond
	Rounds        = 3
	RTTMax        = time.Second

	// Port-prediction window around an observed random mapping.
	predictWindow = 16
)

// Deadline is the bound on a full punch attempt.
func Deadline() time.Duration {
	return Rounds*ProbeCount*ProbeInterval + RTTMax
}

func encodeProbe(pair [16]byte, flag byte) []byte {
	b := make([]byte, 0, probeLen)
	b = append(b, probeMagic[:]...)
	b = append(b, pair[:]...)
	return append(b, flag)
}

func decodeProbe(b []byte, pair [16]byte) (flag byte, ok bool) {
	if len(b) != probeLen || string(b[:8]) != string(probeMagic[:]) {
		return 0, false
	}
	if string(b[8:24]) != string(pair[:]) {
		return 0, false
	}
	return b[24], true
}

type Config struct {
	Sock    *net.UDPConn
	Pair    [16]byte
	Logf    func(format string, args ...any)
	Metrics telemetry.Metrics
}

// Run drives one side of a punch and returns the locked remote
// address. The remote candidate list is what the peer committed to in
// its punch offer.
func Run(ctx context.Context, cfg Config, plan Strategy, remote []*net.UDPAddr) (*net.UDPAddr, error) {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	if plan.Unreachable || len(remote) == 0 {
		metrics.IncPunch("unreachable")
		return nil, ErrPunchTimeout
	}

	candidates := remote
	if plan.Predict {
		candidates = predictPorts(remote)
	}

	deadline := time.Now().Add(Deadline())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = cfg.Sock.SetReadDeadline(deadline)
	defer cfg.Sock.SetReadDeadline(time.Time{})

	locked := make(chan *net.UDPAddr, 1)
	probeDone := make(chan struct{})
	defer close(probeDone)

	isCandidate := func(a *net.UDPAddr) bool {
		for _, c := range candidates {
			if c.Port == a.Port && c.IP.Equal(a.IP) {
				return true
			}
		}
		return false
	}

	// Reader: the first valid probe or ack wins.
	go func() {
		buf := make([]byte, 64)
		for {
			n, from, err := cfg.Sock.ReadFromUDP(buf)
			if err != nil {
				return
			}
			flag, ok := decodeProbe(buf[:n], cfg.Pair)
			if !ok || !isCandidate(from) {
				continue
			}
			if flag == flagProbe {
				_, _ = cfg.Sock.WriteToUDP(encodeProbe(cfg.Pair, flagAck), from)
			}
			select {
			case locked <- from:
			default:
			}
			return
		}
	}()

	// Prober.
	go func() {
		if !plan.LocalFirst {
			select {
			case <-time.After(ProbeCount * ProbeInterval / 2):
			case <-probeDone:
				return
			}
		}
		probe := encodeProbe(cfg.Pair, flagProbe)
		for round := 0; round < Rounds; round++ {
			for i := 0; i < ProbeCount; i++ {
				for _, addr := range candidates {
					_, _ = cfg.Sock.WriteToUDP(probe, addr)
				}
				select {
				case <-time.After(ProbeInterval):
				case <-probeDone:
					return
				}
			}
		}
	}()

	select {
	case addr := <-locked:
		logf("punch locked %s", addr)
		metrics.IncPunch("locked")
		return addr, nil
	case <-ctx.Done():
		metrics.IncPunch("aborted")
		return nil, ErrPunchAborted
	case <-time.After(time.Until(deadline)):
		metrics.IncPunch("timeout")
		return nil, ErrPunchTimeout
	}
}

// predictPorts widens each candidate into a bounded window around its
// observed port, nearest ports first.
func predictPorts(remote []*net.UDPAddr) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(remote)*(predictWindow+1))
	out = append(out, remote...)
	for off := 1; off <= predictWindow/2; off++ {
		for _, a := range remote {
			for _, p := range [2]int{a.Port + off, a.Port - off} {
				if p <= 0 || p > 65535 {
					continue
				}
				out = append(out, &net.UDPAddr{IP: a.IP, Port: p})
			}
		}
	}
	return out
}
