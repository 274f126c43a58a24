package kadrpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"

	"punchdht/internal/proto"
)

var ErrRequestTimeout = errors.New("kadrpc: request timed out")

func newRPCID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Request is an inbound RPC as seen by a handler. A handler either
// replies (value or typed error) or returns without replying, which
// the requester sees as a timeout.
type Request struct {
	node *Node

	Cmd     proto.Command
	FromID  []byte // 32 bytes, or nil for ephemeral requesters
	FromUDP *net.UDPAddr
	Target  []byte
	Token   []byte
	Value   []byte

	rpcid   string
	replied atomic.Bool
}

// Node gives handlers access to the serving node (tokens, routing).
func (r *Request) Node() *Node { return r.node }

// HasValidToken reports whether the request carries a token this node
// issued for the request's source IP.
func (r *Request) HasValidToken() bool {
	return r.node.VerifyToken(r.Token, r.FromUDP.IP)
}

// From is the requester as a wire address.
func (r *Request) From() proto.NodeAddr {
	return proto.NodeAddr{ID: r.FromID, Addr: r.FromUDP.String()}
}

func (r *Request) Reply(value []byte) {
	r.send(value, nil)
}

func (r *Request) ReplyError(code int) {
	r.send(nil, &code)
}

func (r *Request) send(value []byte, errCode *int) {
	if !r.replied.CompareAndSwap(false, true) {
		return
	}
	n := r.node
	env := proto.Envelope{
		Kind:  proto.KindResponse,
		RPCID: r.rpcid,
		Cmd:   r.Cmd,
		Value: value,
		Err:   errCode,
		To:    r.FromUDP.String(),
		Token: n.token(r.FromUDP.IP),
	}
	if !n.cfg.Ephemeral {
		env.ID = n.id[:]
	}
	if len(r.Target) == NodeIDBytes {
		var target NodeID
		copy(target[:], r.Target)
		env.Nodes = n.closestWire(target, 20)
	}
	b, err := json.Marshal(&env)
	if err != nil {
		return
	}
	_, _ = n.conn.WriteToUDP(b, r.FromUDP)
	n.cfg.Metrics.IncRPC(r.Cmd.String(), errCode == nil)
}

// Reply is a single response to an outbound request.
type Reply struct {
	From    proto.NodeAddr
	FromUDP *net.UDPAddr
	Token   []byte
	Value   []byte
	To      string
	Nodes   []proto.NodeAddr

	// ErrCode is a typed wire error, or -1.
	ErrCode int
}

// Request performs a single-hop RPC and waits for the response.
func (n *Node) Request(ctx context.Context, to *net.UDPAddr, cmd proto.Command, target, token, value []byte) (*Reply, error) {
	rpcid := newRPCID()
	ch := make(chan *proto.Envelope, 1)

	n.pendingMu.Lock()
	n.pending[rpcid] = ch
	n.pendingMu.Unlock()

	drop := func() {
		n.pendingMu.Lock()
		delete(n.pending, rpcid)
		n.pendingMu.Unlock()
	}

	env := proto.Envelope{
		Kind:   proto.KindRequest,
		RPCID:  rpcid,
		Cmd:    cmd,
		Target: target,
		Token:  token,
		Value:  value,
	}
	if !n.cfg.Ephemeral {
		env.ID = n.id[:]
	}
	b, err := json.Marshal(&env)
	if err != nil {
		drop()
		return nil, err
	}
	if _, err := n.conn.WriteToUDP(b, to); err != nil {
		drop()
		n.cfg.Metrics.IncRPC(cmd.String(), false)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.RequestTimeout)
		defer cancel()
	}

	select {
	case resp := <-ch:
		r := &Reply{
			From:    proto.NodeAddr{ID: resp.ID, Addr: to.String()},
			FromUDP: to,
			Token:   resp.Token,
			Value:   resp.Value,
			To:      resp.To,
			Nodes:   resp.Nodes,
			ErrCode: -1,
		}
		if resp.Err != nil {
			r.ErrCode = *resp.Err
		}
		n.cfg.Metrics.IncRPC(cmd.String(), true)
		return r, nil
	case <-ctx.Done():
		drop()
		n.cfg.Metrics.IncRPC(cmd.String(), false)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	case <-n.ctx.Done():
		drop()
		return nil, n.ctx.Err()
	}
}

// Ping checks liveness and teaches both sides their reflexive
// addresses.
func (n *Node) Ping(ctx context.Context, to *net.UDPAddr) (*Reply, error) {
	return n.Request(ctx, to, proto.CmdPing, nil, nil, nil)
}
