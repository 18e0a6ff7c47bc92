package server

import (
	"time"

	"blockraft/internal/pubsub"
)

// nodeState holds the volatile consensus state of a node. Every field is guarded by Node.mu and every method below
// expects the caller to hold it.
type nodeState struct {
	role Role
	// currentTerm never decreases. It only moves through advanceTerm.
	currentTerm uint64
	// votedFor records the single vote cast in each term. An entry is written at most once.
	votedFor map[uint64]NodeID
	// votesReceived counts the votes gathered in the current candidacy, the self vote included
	votesReceived int
	// leaderID is the leader of currentTerm as far as this node knows, empty when unknown
	leaderID NodeID
	// lastHeartbeatAt is the last time the node heard from a leader, or started a role
	lastHeartbeatAt time.Time
	// electionTimeout is redrawn on every transition into Follower or Candidate
	electionTimeout time.Duration
	// candidateSince marks the start of the current candidacy, for the election duration metric
	candidateSince time.Time
}

// advanceTerm moves currentTerm forward. Lower or equal terms are ignored, so the term never decreases.
func (n *Node) advanceTerm(term uint64) bool {
	if term <= n.currentTerm {
		return false
	}
	n.currentTerm = term
	return true
}

// hasVoted reports whether a vote was already cast in term.
func (n *Node) hasVoted(term uint64) bool {
	_, ok := n.votedFor[term]
	return ok
}

// recordVote writes the vote for term. It refuses to overwrite an existing vote.
func (n *Node) recordVote(term uint64, candidate NodeID) bool {
	if n.hasVoted(term) {
		return false
	}
	n.votedFor[term] = candidate
	return true
}

// redrawTimeout draws a fresh election timeout uniformly from [ElectionTimeoutMin, ElectionTimeoutMax] and restarts
// the countdown.
func (n *Node) redrawTimeout() {
	span := int64(n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin)
	n.electionTimeout = n.cfg.ElectionTimeoutMin + time.Duration(n.cfg.Rand.Int63n(span+1))
	n.lastHeartbeatAt = n.cfg.Clock.Now()
}

// timeoutExpired reports whether the node has gone a full election timeout without hearing from a leader.
func (n *Node) timeoutExpired() bool {
	return n.cfg.Clock.Now().Sub(n.lastHeartbeatAt) > n.electionTimeout
}

func (n *Node) setRole(role Role) {
	if n.role == role {
		return
	}
	change := RoleChange{ID: n.id, From: n.role, To: role, Term: n.currentTerm}
	n.role = role
	n.logger.Info("role changed", "from", change.From, "to", role, "term", n.currentTerm)
	n.notify(func() { pubsub.Publish(n.pubSub, pubsub.NewEvent(RoleChanged, change)) })
}

func (n *Node) setLeader(leader NodeID) {
	if n.leaderID == leader {
		return
	}
	n.leaderID = leader
	change := LeaderChange{ID: n.id, Leader: leader, Term: n.currentTerm}
	if leader != "" {
		n.logger.Info("following leader", "leader", leader, "term", n.currentTerm)
	}
	n.notify(func() { pubsub.Publish(n.pubSub, pubsub.NewEvent(LeaderChanged, change)) })
}

// becomeFollower adopts term when it is newer, records leader (empty when unknown) and restarts the countdown.
// A node hearing from the leader of its current term keeps that leader when leader is empty.
func (n *Node) becomeFollower(term uint64, leader NodeID) {
	newTerm := n.advanceTerm(term)
	if newTerm || leader != "" {
		n.setLeader(leader)
	}
	n.setRole(Follower)
	n.votesReceived = 0
	n.redrawTimeout()
}

// becomeCandidate is the only place a node advances its own term.
func (n *Node) becomeCandidate() {
	n.advanceTerm(n.currentTerm + 1)
	n.setRole(Candidate)
	n.setLeader("")
	n.recordVote(n.currentTerm, n.id)
	n.votesReceived = 1
	n.candidateSince = n.cfg.Clock.Now()
	n.redrawTimeout()
}

// becomeLeader leaves the term untouched; it was already advanced when the candidacy started.
func (n *Node) becomeLeader() {
	n.setRole(Leader)
	n.setLeader(n.id)
	n.cfg.Metrics.RecordElectionWon(n.cfg.Clock.Now().Sub(n.candidateSince))
}

// stepDown is called when a response reveals a term newer than ours. The sender of the response is not necessarily
// the leader of that term, so the leader becomes unknown.
func (n *Node) stepDown(term uint64) bool {
	if term <= n.currentTerm {
		return false
	}
	n.logger.Info("observed newer term, stepping down", "term", n.currentTerm, "observed", term)
	n.becomeFollower(term, "")
	return true
}
