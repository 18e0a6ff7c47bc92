package server

import (
	"context"

	"blockraft/internal/raft/wire"
)

const (
	heartbeatStatusOK    = "ok"
	heartbeatStatusStale = "stale term"
)

// Tick advances the scheduler by one step. A Leader broadcasts heartbeats, any other node checks its election
// timeout and campaigns once it expired. The returned channel is closed when the RPCs started by this tick finished.
func (n *Node) Tick() <-chan struct{} {
	n.lock()
	defer n.unlock()

	if n.stopped {
		return closedChan()
	}
	if n.role == Leader {
		return n.broadcastHeartbeats()
	}
	if n.timeoutExpired() {
		return n.startElection()
	}
	return closedChan()
}

// broadcastHeartbeats sends a heartbeat for the current term to every peer. Caller must hold mu.
func (n *Node) broadcastHeartbeats() <-chan struct{} {
	term := n.currentTerm
	sentLast := n.log.LastIndex()
	req := &wire.HeartbeatRequest{LeaderID: string(n.id), Term: term}
	return n.fanOut(n.peers, func(ctx context.Context, peer NodeID) {
		n.cfg.Metrics.RecordHeartbeat()
		resp, err := n.client.Heartbeat(ctx, peer, req)
		n.handleHeartbeatResponse(peer, term, sentLast, resp, err)
	})
}

// handleHeartbeatResponse steps down on a newer term and starts a catch-up for followers whose log is behind. sentLast
// is the leader's last index when the heartbeat went out: blocks appended after that are already on their way through
// the regular replication.
func (n *Node) handleHeartbeatResponse(peer NodeID, term, sentLast uint64, resp *wire.HeartbeatResponse, err error) {
	n.lock()
	defer n.unlock()

	if err != nil {
		n.cfg.Metrics.RecordPeerUnreachable()
		n.logger.Debug("heartbeat failed", "peer", peer, "term", term, "error", err)
		return
	}
	if n.stepDown(resp.Term) {
		return
	}
	if n.role != Leader || n.currentTerm != term {
		return
	}
	if resp.LastIndex < sentLast {
		n.catchUp(peer, resp.LastIndex)
	}
}

// HandleHeartbeat accepts any leader whose term is at least the node's own, adopts it and restarts the election
// countdown.
func (n *Node) HandleHeartbeat(req *wire.HeartbeatRequest) *wire.HeartbeatResponse {
	n.lock()
	defer n.unlock()

	if req.Term < n.currentTerm {
		n.logger.Debug("rejecting heartbeat", "leader", req.LeaderID, "term", req.Term, "current_term", n.currentTerm,
			"error", ErrStaleTerm)
		return &wire.HeartbeatResponse{Term: n.currentTerm, Status: heartbeatStatusStale, LastIndex: n.log.LastIndex()}
	}

	n.becomeFollower(req.Term, NodeID(req.LeaderID))
	n.logger.Trace("heartbeat received", "leader", req.LeaderID, "term", req.Term)
	return &wire.HeartbeatResponse{Term: n.currentTerm, Status: heartbeatStatusOK, LastIndex: n.log.LastIndex()}
}
