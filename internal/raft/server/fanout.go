package server

import (
	"context"
	"sync"
)

// fanOut runs call once per peer, each in its own goroutine with its own deadline. Peers fail independently and
// nothing is retried. The returned channel is closed once every call has returned and its response was applied.
//
// Caller must hold mu. fanOut only starts goroutines, the calls themselves take the lock to apply responses.
func (n *Node) fanOut(peers []NodeID, call func(ctx context.Context, peer NodeID)) <-chan struct{} {
	return n.spawn(peers, func(peer NodeID) {
		ctx, cancel := n.rpcContext(peer)
		defer cancel()
		call(ctx, peer)
	})
}

// spawn runs fn once per peer in its own goroutine, tracked by Stop. Nothing starts once the node stopped. Caller
// must hold mu.
func (n *Node) spawn(peers []NodeID, fn func(peer NodeID)) <-chan struct{} {
	if n.stopped || len(peers) == 0 {
		return closedChan()
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(len(peers))
	n.inflight.Add(len(peers))
	for _, peer := range peers {
		go func(peer NodeID) {
			defer n.inflight.Done()
			defer wg.Done()
			fn(peer)
		}(peer)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// rpcContext bounds a single outbound RPC by Config.RPCTimeout and the node's lifetime.
func (n *Node) rpcContext(peer NodeID) (context.Context, context.CancelFunc) {
	ctx := WithCaller(WithPeerID(n.ctx, peer), n.id)
	return context.WithTimeout(ctx, n.cfg.RPCTimeout)
}

// closedChan is returned by operations that had nothing to send.
func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
