package server

import (
	"time"

	"blockraft/internal/chain"
	"blockraft/internal/pubsub"
)

// NodeID is the id of the node in the cluster
type NodeID string

// NodeAddress is the network address of a Node
type NodeAddress string

// A Role is the role of a node at any given point: follower, candidate, or leader
type Role uint64

// Every node starts as a Follower, so it is the zero value.
const (
	Follower Role = iota
	Candidate
	Leader
)

// String returns the string representation of the Role
func (r Role) String() string {
	switch r {
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	default:
		return "Unknown"
	}
}

const (
	// NodeShutDown is sent when the node is shutting down. The payload for this event is an empty struct.
	NodeShutDown pubsub.EventType = iota
	// RoleChanged is sent on every role transition. The payload is a RoleChange.
	RoleChanged
	// LeaderChanged is sent when the node learns about a new leader, or forgets the old one. The payload is a
	// LeaderChange.
	LeaderChanged
	// BlockAppended is sent after a block lands in the node's log. The payload is a chain.Block copy.
	BlockAppended
)

// RoleChange travels with RoleChanged events.
type RoleChange struct {
	ID   NodeID
	From Role
	To   Role
	Term uint64
}

// LeaderChange travels with LeaderChanged events. Leader is empty when the node no longer knows who leads.
type LeaderChange struct {
	ID     NodeID
	Leader NodeID
	Term   uint64
}

// Status is a point-in-time view of a node, used by the HTTP gateway and the CLI.
type Status struct {
	ID              NodeID        `json:"id"`
	Address         NodeAddress   `json:"address"`
	Role            string        `json:"role"`
	Term            uint64        `json:"term"`
	Leader          NodeID        `json:"leader"`
	VotedFor        NodeID        `json:"voted_for,omitempty"`
	LastIndex       uint64        `json:"last_index"`
	LastHash        string        `json:"last_hash"`
	LogLength       int           `json:"log_length"`
	ElectionTimeout time.Duration `json:"election_timeout"`
	Peers           int           `json:"peers"`
}

// blockEvent copies b so subscribers never share memory with the log.
func blockEvent(b *chain.Block) chain.Block {
	return *b.Clone()
}

// MetricsCollector is an optional interface for collecting performance metrics
type MetricsCollector interface {
	RecordHeartbeat()
	RecordRequestVote()
	RecordReplicateEntry()
	RecordReplicateFailure(reason string)
	RecordPeerUnreachable()
	RecordBlockAppended()
	RecordAppendLatency(latency time.Duration)
	RecordElection()
	RecordElectionWon(duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordHeartbeat() {}
func (nopMetrics) RecordRequestVote() {}
func (nopMetrics) RecordReplicateEntry() {}
func (nopMetrics) RecordReplicateFailure(string) {}
func (nopMetrics) RecordPeerUnreachable() {}
func (nopMetrics) RecordBlockAppended() {}
func (nopMetrics) RecordAppendLatency(time.Duration) {}
func (nopMetrics) RecordElection() {}
func (nopMetrics) RecordElectionWon(time.Duration) {}
