package server

import (
	"context"

	"blockraft/internal/raft/wire"
)

// startElection turns the node into a Candidate for the next term and asks every peer for its vote. A node without
// peers wins on its own vote. Caller must hold mu.
func (n *Node) startElection() <-chan struct{} {
	n.becomeCandidate()
	n.cfg.Metrics.RecordElection()
	term := n.currentTerm
	n.logger.Info("election timeout expired, starting election", "term", term, "timeout", n.electionTimeout)

	if n.votesReceived >= n.cfg.Quorum() {
		n.becomeLeader()
		return n.broadcastHeartbeats()
	}

	req := &wire.RequestVoteRequest{CandidateID: string(n.id), Term: term}
	return n.fanOut(n.peers, func(ctx context.Context, peer NodeID) {
		n.cfg.Metrics.RecordRequestVote()
		resp, err := n.client.RequestVote(ctx, peer, req)
		n.handleVoteResponse(peer, term, resp, err)
	})
}

// handleVoteResponse tallies a single vote. Responses from an earlier candidacy, or arriving after the node already
// won or lost, are ignored.
func (n *Node) handleVoteResponse(peer NodeID, term uint64, resp *wire.RequestVoteResponse, err error) {
	n.lock()
	defer n.unlock()

	if err != nil {
		n.cfg.Metrics.RecordPeerUnreachable()
		n.logger.Warn("vote request failed, counting as abstention", "peer", peer, "term", term, "error", err)
		return
	}
	if n.stepDown(resp.Term) {
		return
	}
	if n.role != Candidate || n.currentTerm != term {
		n.logger.Debug("ignoring late vote", "peer", peer, "term", term)
		return
	}
	if !resp.VoteGranted {
		n.logger.Debug("vote denied", "peer", peer, "term", term)
		return
	}

	n.votesReceived++
	n.logger.Debug("vote granted", "peer", peer, "term", term, "votes", n.votesReceived, "quorum", n.cfg.Quorum())
	if n.votesReceived >= n.cfg.Quorum() {
		n.logger.Info("won election", "term", term, "votes", n.votesReceived)
		n.becomeLeader()
		n.broadcastHeartbeats()
	}
}

// HandleRequestVote grants a vote only for a term newer than the node's own and only if no vote was cast in that term
// yet. Granting demotes the node to Follower in the candidate's term.
func (n *Node) HandleRequestVote(req *wire.RequestVoteRequest) *wire.RequestVoteResponse {
	n.lock()
	defer n.unlock()

	candidate := NodeID(req.CandidateID)
	if req.Term <= n.currentTerm || n.hasVoted(req.Term) {
		n.logger.Debug("denying vote", "candidate", candidate, "term", req.Term, "current_term", n.currentTerm,
			"voted_for", n.votedFor[req.Term])
		return &wire.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}

	n.becomeFollower(req.Term, "")
	n.recordVote(req.Term, candidate)
	n.logger.Info("granted vote", "candidate", candidate, "term", req.Term)
	return &wire.RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}
}
