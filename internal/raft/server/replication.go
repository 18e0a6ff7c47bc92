package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"blockraft/internal/chain"
	"blockraft/internal/pubsub"
	"blockraft/internal/raft/wire"
)

const (
	StatusAppended  = "appended"
	StatusForwarded = "forwarded to leader"
	StatusNoLeader  = "no leader known"
)

// ClientAppend adds data to the chain. The Leader appends and replicates it itself. A Follower that knows the leader
// forwards the data and reports the index the leader assigned. Without a known leader the data is dropped and the
// response says so.
func (n *Node) ClientAppend(ctx context.Context, data []byte) (*wire.ClientAppendResponse, error) {
	start := n.cfg.Clock.Now()

	n.lock()
	if n.role == Leader {
		b := n.appendLocal(data, n.id)
		n.unlock()
		n.cfg.Metrics.RecordAppendLatency(n.cfg.Clock.Now().Sub(start))
		return &wire.ClientAppendResponse{Status: StatusAppended, Index: b.Index}, nil
	}
	leader := n.leaderID
	n.unlock()

	if leader == "" {
		n.logger.Warn("dropping client append", "error", ErrNoLeader)
		return &wire.ClientAppendResponse{Status: StatusNoLeader}, nil
	}

	req := &wire.LeaderAppendRequest{Data: data, OriginID: string(n.id), RequestID: uuid.NewString()}
	rpcCtx, cancel := context.WithTimeout(WithCaller(WithPeerID(ctx, leader), n.id), n.cfg.RPCTimeout)
	defer cancel()

	resp, err := n.client.LeaderAppend(rpcCtx, leader, req)
	if err != nil {
		if !errors.Is(err, ErrNotLeader) {
			n.cfg.Metrics.RecordPeerUnreachable()
		}
		n.logger.Warn("forwarding client append failed", "leader", leader, "request_id", req.RequestID, "error", err)
		return nil, fmt.Errorf("forward to leader %s: %w", leader, err)
	}
	n.logger.Debug("client append forwarded", "leader", leader, "request_id", req.RequestID, "index", resp.Index)
	n.cfg.Metrics.RecordAppendLatency(n.cfg.Clock.Now().Sub(start))
	return &wire.ClientAppendResponse{Status: StatusForwarded, Index: resp.Index}, nil
}

// LeaderAppend serves an append forwarded by a follower. The block is attributed to the originating node.
func (n *Node) LeaderAppend(req *wire.LeaderAppendRequest) (*wire.LeaderAppendResponse, error) {
	n.lock()
	defer n.unlock()

	if n.role != Leader {
		return nil, fmt.Errorf("%w: node %s is %s in term %d, leader is %q", ErrNotLeader, n.id, n.role,
			n.currentTerm, n.leaderID)
	}
	origin := NodeID(req.OriginID)
	if origin == "" {
		origin = n.id
	}
	b := n.appendLocal(req.Data, origin)
	n.logger.Debug("appended forwarded block", "origin", origin, "request_id", req.RequestID, "index", b.Index)
	return &wire.LeaderAppendResponse{Status: StatusAppended, Index: b.Index}, nil
}

// appendLocal builds the successor of the tip in the current term, appends it and replicates it to every follower.
// Caller must hold mu and be Leader.
func (n *Node) appendLocal(data []byte, proposer NodeID) *chain.Block {
	b := n.log.Propose(n.cfg.Clock.Now().UnixMilli(), string(proposer), n.currentTerm, data)
	n.cfg.Metrics.RecordBlockAppended()
	n.logger.Info("block appended", "index", b.Index, "term", b.Term, "proposer", proposer, "hash", b.Hash)
	n.publishBlock(b)
	n.replicate(b)
	return b
}

func (n *Node) publishBlock(b *chain.Block) {
	event := pubsub.NewEvent(BlockAppended, blockEvent(b))
	n.notify(func() { pubsub.Publish(n.pubSub, event) })
}

// replicate ships b to every follower. Caller must hold mu.
func (n *Node) replicate(b *chain.Block) <-chan struct{} {
	req, ok := n.replicateRequest(b.Index)
	if !ok {
		return closedChan()
	}
	term := n.currentTerm
	return n.fanOut(n.peers, func(ctx context.Context, peer NodeID) {
		n.cfg.Metrics.RecordReplicateEntry()
		resp, err := n.client.ReplicateEntry(ctx, peer, req)
		n.handleReplicateResponse(peer, term, resp, err)
	})
}

// replicateRequest builds the ReplicateEntry request carrying the block at index together with the coordinates of
// its predecessor. Caller must hold mu.
func (n *Node) replicateRequest(index uint64) (*wire.ReplicateEntryRequest, bool) {
	if index == 0 {
		return nil, false
	}
	entry, ok := n.log.Get(index)
	if !ok {
		return nil, false
	}
	prev, _ := n.log.Get(index - 1)
	return &wire.ReplicateEntryRequest{
		Term:               n.currentTerm,
		LeaderID:           string(n.id),
		PreviousEntryIndex: prev.Index,
		PreviousEntryTerm:  prev.Term,
		Entry:              entry.Clone(),
	}, true
}

// handleReplicateResponse applies one follower's answer to a replicated block.
func (n *Node) handleReplicateResponse(peer NodeID, term uint64, resp *wire.ReplicateEntryResponse, err error) {
	n.lock()
	defer n.unlock()

	if err != nil {
		n.cfg.Metrics.RecordPeerUnreachable()
		n.logger.Warn("replicate entry failed", "peer", peer, "term", term, "error", err)
		return
	}
	if n.stepDown(resp.Term) {
		return
	}
	if n.role != Leader || n.currentTerm != term {
		return
	}
	if resp.Success {
		n.logger.Trace("entry replicated", "peer", peer, "last_index", resp.LastIndex)
		return
	}

	n.cfg.Metrics.RecordReplicateFailure(resp.Reason.String())
	switch resp.Reason {
	case wire.ReasonMismatch:
		n.logger.Debug("follower is behind", "peer", peer, "last_index", resp.LastIndex, "error", ErrLogMismatch)
		if resp.LastIndex < n.log.LastIndex() {
			n.catchUp(peer, resp.LastIndex)
		}
	case wire.ReasonConflict:
		n.logger.Error("follower log diverges from leader", "peer", peer, "last_index", resp.LastIndex,
			"error", ErrLogConflict)
	default:
		n.logger.Warn("follower rejected entry", "peer", peer, "reason", resp.Reason, "last_index", resp.LastIndex)
	}
}

// catchUp streams the blocks a lagging follower is missing, one at a time and in order, starting right after the
// follower's last index. Every block gets its own RPC deadline, the stream as a whole only ends with the node. It stops
// at the first rejection or failure. A follower whose entries diverge keeps rejecting with a mismatch or conflict; its
// log is never rewritten. Caller must hold mu.
func (n *Node) catchUp(peer NodeID, followerLast uint64) <-chan struct{} {
	if n.catchingUp[peer] {
		return closedChan()
	}
	n.catchingUp[peer] = true
	term := n.currentTerm
	n.logger.Info("catching up follower", "peer", peer, "from", followerLast+1, "to", n.log.LastIndex())

	return n.spawn([]NodeID{peer}, func(peer NodeID) {
		defer func() {
			n.lock()
			delete(n.catchingUp, peer)
			n.unlock()
		}()

		for next := followerLast + 1; n.ctx.Err() == nil; next++ {
			n.lock()
			if n.role != Leader || n.currentTerm != term {
				n.unlock()
				return
			}
			req, ok := n.replicateRequest(next)
			n.unlock()
			if !ok {
				return
			}

			n.cfg.Metrics.RecordReplicateEntry()
			ctx, cancel := n.rpcContext(peer)
			resp, err := n.client.ReplicateEntry(ctx, peer, req)
			cancel()
			if err != nil || !resp.Success {
				n.handleCatchUpFailure(peer, term, next, resp, err)
				return
			}
		}
	})
}

func (n *Node) handleCatchUpFailure(peer NodeID, term, index uint64, resp *wire.ReplicateEntryResponse, err error) {
	n.lock()
	defer n.unlock()

	if err != nil {
		n.cfg.Metrics.RecordPeerUnreachable()
		n.logger.Warn("catch-up interrupted", "peer", peer, "index", index, "error", err)
		return
	}
	if n.stepDown(resp.Term) {
		return
	}
	n.cfg.Metrics.RecordReplicateFailure(resp.Reason.String())
	n.logger.Warn("catch-up rejected", "peer", peer, "index", index, "term", term, "reason", resp.Reason,
		"last_index", resp.LastIndex)
}

// HandleReplicateEntry is the follower side of replication. The entry is only appended when the log holds its
// predecessor with the expected term and the entry links to it by hash. Redelivery of an entry already held is
// acknowledged without changes.
func (n *Node) HandleReplicateEntry(req *wire.ReplicateEntryRequest) *wire.ReplicateEntryResponse {
	n.lock()
	defer n.unlock()

	reply := func(reason wire.ReplicateReason) *wire.ReplicateEntryResponse {
		return &wire.ReplicateEntryResponse{
			Term:      n.currentTerm,
			Success:   reason == wire.ReasonAccepted,
			Reason:    reason,
			LastIndex: n.log.LastIndex(),
		}
	}

	if req.Term < n.currentTerm {
		n.logger.Debug("rejecting entry", "leader", req.LeaderID, "term", req.Term, "error", ErrStaleTerm)
		return reply(wire.ReasonStaleTerm)
	}
	n.becomeFollower(req.Term, NodeID(req.LeaderID))

	if req.Entry == nil {
		n.logger.Warn("rejecting empty entry", "leader", req.LeaderID)
		return reply(wire.ReasonInvalidEntry)
	}
	if !n.log.HasEntry(req.PreviousEntryIndex, req.PreviousEntryTerm) {
		n.logger.Debug("rejecting entry", "index", req.Entry.Index, "prev_index", req.PreviousEntryIndex,
			"prev_term", req.PreviousEntryTerm, "last_index", n.log.LastIndex(), "error", ErrLogMismatch)
		return reply(wire.ReasonMismatch)
	}
	if existing, ok := n.log.Get(req.PreviousEntryIndex + 1); ok {
		if existing.Hash == req.Entry.Hash {
			return reply(wire.ReasonAccepted)
		}
		n.logger.Error("rejecting entry", "index", existing.Index, "held", existing.Hash, "offered", req.Entry.Hash,
			"error", ErrLogConflict)
		return reply(wire.ReasonConflict)
	}

	entry := req.Entry.Clone()
	if err := n.log.Append(entry); err != nil {
		n.logger.Warn("rejecting entry", "index", entry.Index, "error", err)
		return reply(wire.ReasonInvalidEntry)
	}
	n.cfg.Metrics.RecordBlockAppended()
	n.logger.Info("block replicated", "index", entry.Index, "term", entry.Term, "leader", req.LeaderID)
	n.publishBlock(entry)
	return reply(wire.ReasonAccepted)
}
