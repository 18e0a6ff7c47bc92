package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"blockraft/internal/chain"
	"blockraft/internal/pubsub"
	"blockraft/internal/raft/wire"
)

// PeerClient sends the Consensus RPCs to other nodes. GRPCTransport is the production implementation.
type PeerClient interface {
	Heartbeat(ctx context.Context, peer NodeID, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error)
	RequestVote(ctx context.Context, peer NodeID, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error)
	LeaderAppend(ctx context.Context, peer NodeID, req *wire.LeaderAppendRequest) (*wire.LeaderAppendResponse, error)
	ReplicateEntry(ctx context.Context, peer NodeID, req *wire.ReplicateEntryRequest) (*wire.ReplicateEntryResponse, error)
}

// Node is a single member of the cluster. It owns the role state machine, the chain and the scheduler, and talks to
// its peers through a PeerClient.
//
// All state is guarded by one mutex. Outbound RPCs never run under it: each one runs in its own goroutine and
// re-acquires the lock to apply the response, discarding it when the role or term moved on in the meantime.
type Node struct {
	mu sync.Mutex
	nodeState
	log *chain.Log
	// pending holds notifications queued under mu. They run after mu is released.
	pending []func()
	// catchingUp marks followers that currently have a catch-up stream running
	catchingUp map[NodeID]bool
	// stopped is set by Stop. No outbound RPC starts afterwards.
	stopped bool

	id     NodeID
	cfg    Config
	peers  []NodeID
	client PeerClient
	logger hclog.Logger

	pubSub    *pubsub.PubSubClient
	ownPubSub bool

	// ctx is cancelled on Stop and bounds every outbound RPC together with Config.RPCTimeout
	ctx      context.Context
	cancel   context.CancelFunc
	jobs     sync.WaitGroup
	inflight sync.WaitGroup
	start    sync.Once
	stop     sync.Once
}

// NewNode validates cfg and builds a Follower at term 0 holding only the genesis block. When pubSub is nil the node
// creates its own broker and shuts it down on Stop.
func NewNode(cfg Config, client PeerClient, pubSub *pubsub.PubSubClient) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("invalid config: peer client is nil")
	}
	cfg = cfg.withDefaults()

	ownPubSub := pubSub == nil
	if ownPubSub {
		pubSub = pubsub.NewPubSub(cfg.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		nodeState: nodeState{
			role:     Follower,
			votedFor: make(map[uint64]NodeID),
		},
		log:        chain.NewLog(),
		catchingUp: make(map[NodeID]bool),
		id:         cfg.ID,
		cfg:        cfg,
		peers:      cfg.OtherPeers(),
		client:     client,
		logger:     cfg.Logger.Named("node").With("id", cfg.ID),
		pubSub:     pubSub,
		ownPubSub:  ownPubSub,
		ctx:        ctx,
		cancel:     cancel,
	}
	n.redrawTimeout()
	return n, nil
}

func (n *Node) ID() NodeID {
	return n.id
}

// PubSub returns the broker the node publishes its events on.
func (n *Node) PubSub() *pubsub.PubSubClient {
	return n.pubSub
}

func (n *Node) lock() {
	n.mu.Lock()
}

// unlock releases mu and then runs the notifications queued while it was held, so subscribers never run under the
// node lock.
func (n *Node) unlock() {
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// notify queues fn to run once the lock is released. Caller must hold mu.
func (n *Node) notify(fn func()) {
	n.pending = append(n.pending, fn)
}

// Start launches the scheduler. It is a no-op after the first call.
func (n *Node) Start() {
	n.start.Do(func() {
		n.lock()
		n.redrawTimeout()
		timeout := n.electionTimeout
		n.unlock()

		stopJobCh := make(chan *pubsub.Event[struct{}], 1)
		pubsub.Subscribe(n.pubSub, NodeShutDown, stopJobCh, pubsub.SubscriptionOptions{IsBlocking: false})

		n.jobs.Add(1)
		go func() {
			defer n.jobs.Done()
			RunSchedulerJob(n.ctx, n, n.cfg.HeartbeatInterval, stopJobCh)
		}()
		n.logger.Info("node started", "peers", len(n.peers), "timeout", timeout)
	})
}

// Stop signals every background job to exit, cancels in-flight RPCs and waits for all of them.
func (n *Node) Stop() {
	n.stop.Do(func() {
		n.logger.Info("stopping node")
		n.lock()
		n.stopped = true
		n.unlock()
		pubsub.Publish(n.pubSub, pubsub.NewEvent(NodeShutDown, struct{}{}))
		n.cancel()
		n.jobs.Wait()
		n.inflight.Wait()
		if n.ownPubSub {
			n.pubSub.GracefulShutdown()
		}
	})
}

// Status returns a snapshot of the node's state.
func (n *Node) Status() Status {
	n.lock()
	defer n.unlock()
	return Status{
		ID:              n.id,
		Address:         n.cfg.Address,
		Role:            n.role.String(),
		Term:            n.currentTerm,
		Leader:          n.leaderID,
		VotedFor:        n.votedFor[n.currentTerm],
		LastIndex:       n.log.LastIndex(),
		LastHash:        n.log.Last().Hash,
		LogLength:       n.log.Len(),
		ElectionTimeout: n.electionTimeout,
		Peers:           len(n.cfg.Peers),
	}
}

// Role returns the current role and term.
func (n *Node) Role() (Role, uint64) {
	n.lock()
	defer n.unlock()
	return n.role, n.currentTerm
}

// Leader returns the leader of the current term, empty when unknown.
func (n *Node) Leader() NodeID {
	n.lock()
	defer n.unlock()
	return n.leaderID
}

// ReadLog returns a copy of the full chain, genesis first.
func (n *Node) ReadLog() []*chain.Block {
	n.lock()
	defer n.unlock()
	return n.log.Blocks()
}

// Block returns a copy of the block at index.
func (n *Node) Block(index uint64) (*chain.Block, bool) {
	n.lock()
	defer n.unlock()
	b, ok := n.log.Get(index)
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}
