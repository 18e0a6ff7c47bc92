package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"blockraft/internal/raft/server"
	"blockraft/internal/raft/wire"
)

// MockPeerClient is a testify mock of server.PeerClient. Expectations are keyed on the peer id and the request.
type MockPeerClient struct {
	mock.Mock
}

func NewMockPeerClient() *MockPeerClient {
	return &MockPeerClient{}
}

func (m *MockPeerClient) Heartbeat(ctx context.Context, peer server.NodeID, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	args := m.Called(peer, req)
	resp, _ := args.Get(0).(*wire.HeartbeatResponse)
	return resp, args.Error(1)
}

func (m *MockPeerClient) RequestVote(ctx context.Context, peer server.NodeID, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	args := m.Called(peer, req)
	resp, _ := args.Get(0).(*wire.RequestVoteResponse)
	return resp, args.Error(1)
}

func (m *MockPeerClient) LeaderAppend(ctx context.Context, peer server.NodeID, req *wire.LeaderAppendRequest) (*wire.LeaderAppendResponse, error) {
	args := m.Called(peer, req)
	resp, _ := args.Get(0).(*wire.LeaderAppendResponse)
	return resp, args.Error(1)
}

func (m *MockPeerClient) ReplicateEntry(ctx context.Context, peer server.NodeID, req *wire.ReplicateEntryRequest) (*wire.ReplicateEntryResponse, error) {
	args := m.Called(peer, req)
	resp, _ := args.Get(0).(*wire.ReplicateEntryResponse)
	return resp, args.Error(1)
}

var _ server.PeerClient = (*MockPeerClient)(nil)
