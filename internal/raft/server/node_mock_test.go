package server_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"blockraft/internal/raft/mocks"
	"blockraft/internal/raft/server"
	"blockraft/internal/raft/wire"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type zeroRand struct{}

func (zeroRand) Int63n(int64) int64 { return 0 }

func newMockedNode(t *testing.T) (*server.Node, *mocks.MockPeerClient, *mocks.MockMetricsCollector, *fakeClock) {
	t.Helper()
	client := mocks.NewMockPeerClient()
	metrics := mocks.NewMockMetricsCollector()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}

	cfg := server.DefaultConfig()
	cfg.ID = "n1"
	cfg.Peers = map[server.NodeID]server.NodeAddress{"n1": "n1:1", "n2": "n2:1", "n3": "n3:1"}
	cfg.Rand = zeroRand{}
	cfg.Clock = clock
	cfg.Logger = hclog.NewNullLogger()
	cfg.Metrics = metrics

	n, err := server.NewNode(cfg, client, nil)
	require.NoError(t, err)
	t.Cleanup(n.Stop)
	return n, client, metrics, clock
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound RPCs")
	}
}

func TestNode_ElectionRequestsEveryPeer(t *testing.T) {
	n, client, metrics, clock := newMockedNode(t)

	voteReq := &wire.RequestVoteRequest{CandidateID: "n1", Term: 1}
	client.On("RequestVote", server.NodeID("n2"), voteReq).
		Return(&wire.RequestVoteResponse{Term: 1, VoteGranted: true}, nil).Once()
	client.On("RequestVote", server.NodeID("n3"), voteReq).
		Return(nil, server.ErrPeerUnreachable).Once()
	client.On("Heartbeat", mock.Anything, &wire.HeartbeatRequest{LeaderID: "n1", Term: 1}).
		Return(&wire.HeartbeatResponse{Term: 1, Status: "ok"}, nil)

	clock.Advance(server.DefaultElectionTimeoutMin + time.Millisecond)
	waitDone(t, n.Tick())

	role, term := n.Role()
	assert.Equal(t, server.Leader, role)
	assert.Equal(t, uint64(1), term)

	// the heartbeats sent on winning run in the background
	require.Eventually(t, func() bool { return metrics.Snapshot().HeartbeatCount == 2 }, time.Second, 5*time.Millisecond)

	snapshot := metrics.Snapshot()
	assert.Equal(t, 1, snapshot.ElectionCount)
	assert.Equal(t, 2, snapshot.RequestVoteCount)
	assert.Equal(t, 1, snapshot.PeerUnreachable)
	assert.Len(t, snapshot.ElectionDurations, 1)
	client.AssertExpectations(t)
}

func TestNode_NoElectionBeforeTimeout(t *testing.T) {
	n, client, metrics, clock := newMockedNode(t)

	clock.Advance(server.DefaultElectionTimeoutMin)
	waitDone(t, n.Tick())

	role, term := n.Role()
	assert.Equal(t, server.Follower, role)
	assert.Equal(t, uint64(0), term)
	assert.Zero(t, metrics.Snapshot().ElectionCount)
	client.AssertNotCalled(t, "RequestVote", mock.Anything, mock.Anything)
}

func TestNode_ForwardCarriesOrigin(t *testing.T) {
	n, client, metrics, _ := newMockedNode(t)
	n.HandleHeartbeat(&wire.HeartbeatRequest{LeaderID: "n2", Term: 3})

	client.On("LeaderAppend", server.NodeID("n2"), mock.MatchedBy(func(req *wire.LeaderAppendRequest) bool {
		return string(req.Data) == "tx" && req.OriginID == "n1" && req.RequestID != ""
	})).Return(&wire.LeaderAppendResponse{Status: server.StatusAppended, Index: 4}, nil).Once()

	resp, err := n.ClientAppend(context.Background(), []byte("tx"))
	require.NoError(t, err)
	assert.Equal(t, server.StatusForwarded, resp.Status)
	assert.Equal(t, uint64(4), resp.Index)
	assert.Len(t, metrics.Snapshot().AppendLatencies, 1)
	assert.Len(t, n.ReadLog(), 1, "the follower only gets the block through replication")
	client.AssertExpectations(t)
}

func TestNode_ForwardRejectedByFormerLeader(t *testing.T) {
	n, client, metrics, _ := newMockedNode(t)
	n.HandleHeartbeat(&wire.HeartbeatRequest{LeaderID: "n2", Term: 3})

	client.On("LeaderAppend", server.NodeID("n2"), mock.Anything).Return(nil, server.ErrNotLeader).Once()

	_, err := n.ClientAppend(context.Background(), []byte("tx"))
	assert.ErrorIs(t, err, server.ErrNotLeader)
	assert.Zero(t, metrics.Snapshot().PeerUnreachable)
}

func TestNode_ReplicationFailuresAreCounted(t *testing.T) {
	n, client, metrics, clock := newMockedNode(t)

	client.On("RequestVote", mock.Anything, mock.Anything).
		Return(&wire.RequestVoteResponse{Term: 1, VoteGranted: true}, nil)
	// the heartbeats sent on winning are answered at genesis but only land after the append below
	client.On("Heartbeat", mock.Anything, mock.Anything).
		Return(&wire.HeartbeatResponse{Term: 1, Status: "ok", LastIndex: 0}, nil).
		After(100 * time.Millisecond)
	client.On("ReplicateEntry", server.NodeID("n2"), mock.Anything).
		Return(&wire.ReplicateEntryResponse{Term: 1, Success: true, Reason: wire.ReasonAccepted, LastIndex: 1}, nil)
	client.On("ReplicateEntry", server.NodeID("n3"), mock.Anything).
		Return(&wire.ReplicateEntryResponse{Term: 1, Reason: wire.ReasonConflict, LastIndex: 1}, nil)

	clock.Advance(server.DefaultElectionTimeoutMax)
	waitDone(t, n.Tick())
	require.Equal(t, server.Leader.String(), n.Status().Role)

	resp, err := n.ClientAppend(context.Background(), []byte("tx1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Index)

	require.Eventually(t, func() bool {
		return metrics.Snapshot().ReplicateFailures["Conflict"] == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return metrics.Snapshot().ReplicateEntryCount == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return metrics.Snapshot().HeartbeatCount == 2
	}, time.Second, 5*time.Millisecond)

	// late heartbeat answers predate the block, so they must not start a second stream to the followers
	require.Never(t, func() bool {
		snapshot := metrics.Snapshot()
		return snapshot.ReplicateEntryCount > 2 || snapshot.ReplicateFailures["Conflict"] > 1
	}, 300*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, metrics.Snapshot().BlocksAppended)
}
