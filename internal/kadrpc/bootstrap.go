package kadrpc

import (
	"context"
	"net"
	"time"

	"punchdht/internal/proto"
)

// Bootstrap pings the configured seeds, performs a self-lookup to
// populate the routing table, and settles the firewall estimate.
func (n *Node) Bootstrap(ctx context.Context) error {
	var lastErr error
	reached := 0
	for _, s := range n.cfg.Bootstrap {
		addr, err := net.ResolveUDPAddr("udp4", s)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := n.Ping(ctx, addr); err != nil {
			lastErr = err
			continue
		}
		reached++
	}
	if reached == 0 && len(n.cfg.Bootstrap) > 0 {
		return lastErr
	}

	q := n.Query(ctx, n.id, proto.CmdFindNode, nil, DefaultLookupConfig())
	for range q.C {
	}

	n.settleFirewalled()
	return nil
}

// settleFirewalled marks the node reachable when its reflexive port
// matches the bound port. A NAT that rewrites the port (or no observed
// address at all) leaves the node marked firewalled.
func (n *Node) settleFirewalled() {
	local := n.Addr()
	obs := n.ObservedAddr()
	n.obsMu.Lock()
	n.firewalled = obs == nil || local == nil || obs.Port != local.Port
	n.obsMu.Unlock()
}

// RunBucketRefresh periodically looks up random targets to keep the
// routing table fresh.
func (n *Node) RunBucketRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	t := n.cfg.Clock.Ticker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.ctx.Done():
			return
		case <-t.C:
			q := n.Query(ctx, RandomNodeID(), proto.CmdFindNode, nil, DefaultLookupConfig())
			for range q.C {
			}
		}
	}
}
