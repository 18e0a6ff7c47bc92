package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"blockraft/internal/raft/wire"
)

// manualClock only moves when the test advances it
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixedRand always draws the same offset, clamped to the requested range
type fixedRand struct {
	offset int64
}

func (r fixedRand) Int63n(n int64) int64 {
	if r.offset >= n {
		return n - 1
	}
	return r.offset
}

// loopback delivers RPCs by calling the target node's handlers directly. Links can be cut and deliveries can be held
// back behind a gate.
type loopback struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	down  map[NodeID]bool
	cut   map[[2]NodeID]bool
	gate  chan struct{}
}

func newLoopback() *loopback {
	return &loopback{
		nodes: make(map[NodeID]*Node),
		down:  make(map[NodeID]bool),
		cut:   make(map[[2]NodeID]bool),
	}
}

func (l *loopback) client(from NodeID) *loopbackClient {
	return &loopbackClient{net: l, from: from}
}

func (l *loopback) setDown(id NodeID, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[id] = down
}

// cutLink drops traffic in both directions between a and b
func (l *loopback) cutLink(a, b NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cut[[2]NodeID{a, b}] = true
	l.cut[[2]NodeID{b, a}] = true
}

func (l *loopback) heal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = make(map[NodeID]bool)
	l.cut = make(map[[2]NodeID]bool)
}

// hold makes every delivery wait until release is called
func (l *loopback) hold() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gate = make(chan struct{})
}

func (l *loopback) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gate != nil {
		close(l.gate)
		l.gate = nil
	}
}

type loopbackClient struct {
	net  *loopback
	from NodeID
}

func (c *loopbackClient) target(ctx context.Context, peer NodeID) (*Node, error) {
	c.net.mu.RLock()
	gate := c.net.gate
	c.net.mu.RUnlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrPeerUnreachable, ctx.Err())
		}
	}

	c.net.mu.RLock()
	defer c.net.mu.RUnlock()
	if c.net.down[c.from] || c.net.down[peer] || c.net.cut[[2]NodeID{c.from, peer}] {
		return nil, fmt.Errorf("%w: %s -> %s is partitioned", ErrPeerUnreachable, c.from, peer)
	}
	n, ok := c.net.nodes[peer]
	if !ok {
		return nil, fmt.Errorf("%w: unknown peer %s", ErrPeerUnreachable, peer)
	}
	return n, nil
}

func (c *loopbackClient) Heartbeat(ctx context.Context, peer NodeID, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	n, err := c.target(ctx, peer)
	if err != nil {
		return nil, err
	}
	return n.HandleHeartbeat(req), nil
}

func (c *loopbackClient) RequestVote(ctx context.Context, peer NodeID, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	n, err := c.target(ctx, peer)
	if err != nil {
		return nil, err
	}
	return n.HandleRequestVote(req), nil
}

func (c *loopbackClient) LeaderAppend(ctx context.Context, peer NodeID, req *wire.LeaderAppendRequest) (*wire.LeaderAppendResponse, error) {
	n, err := c.target(ctx, peer)
	if err != nil {
		return nil, err
	}
	return n.LeaderAppend(req)
}

func (c *loopbackClient) ReplicateEntry(ctx context.Context, peer NodeID, req *wire.ReplicateEntryRequest) (*wire.ReplicateEntryResponse, error) {
	n, err := c.target(ctx, peer)
	if err != nil {
		return nil, err
	}
	return n.HandleReplicateEntry(req), nil
}

type testCluster struct {
	t     *testing.T
	net   *loopback
	clock *manualClock
	nodes map[NodeID]*Node
}

func testConfig(id NodeID, ids []NodeID, clock Clock) Config {
	cfg := DefaultConfig()
	cfg.ID = id
	cfg.Address = NodeAddress("loopback:" + string(id))
	for _, peer := range ids {
		cfg.Peers[peer] = NodeAddress("loopback:" + string(peer))
	}
	cfg.Rand = fixedRand{}
	cfg.Clock = clock
	cfg.Logger = hclog.NewNullLogger()
	return cfg
}

// newTestCluster builds one node per id, all at term 0 with the minimum election timeout. Nodes are not started:
// the test drives them through Tick and the manual clock.
func newTestCluster(t *testing.T, ids ...NodeID) *testCluster {
	t.Helper()
	c := &testCluster{
		t:     t,
		net:   newLoopback(),
		clock: newManualClock(),
		nodes: make(map[NodeID]*Node),
	}
	for _, id := range ids {
		n, err := NewNode(testConfig(id, ids, c.clock), c.net.client(id), nil)
		require.NoError(t, err)
		c.nodes[id] = n
		c.net.nodes[id] = n
	}
	t.Cleanup(func() {
		c.net.release()
		for _, n := range c.nodes {
			n.Stop()
		}
	})
	return c
}

func (c *testCluster) node(id NodeID) *Node {
	n, ok := c.nodes[id]
	require.True(c.t, ok, "unknown node %s", id)
	return n
}

// expireTimeouts moves the clock past the longest election timeout of the cluster
func (c *testCluster) expireTimeouts() {
	c.clock.Advance(DefaultElectionTimeoutMax + time.Millisecond)
}

// elect makes id time out first and waits for the election to finish
func (c *testCluster) elect(id NodeID) {
	c.t.Helper()
	c.expireTimeouts()
	wait(c.t, c.node(id).Tick())
	role, _ := c.node(id).Role()
	require.Equal(c.t, Leader, role, "node %s did not win the election", id)
}

// requireLogsConverge waits until every listed node holds the same chain of length want
func (c *testCluster) requireLogsConverge(want int, ids ...NodeID) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		reference := c.node(ids[0]).ReadLog()
		if len(reference) != want {
			return false
		}
		for _, id := range ids[1:] {
			other := c.node(id).ReadLog()
			if len(other) != want {
				return false
			}
			for i := range reference {
				if reference[i].Hash != other[i].Hash {
					return false
				}
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound RPCs")
	}
}
