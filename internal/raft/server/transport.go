package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"blockraft/internal/raft/wire"
)

// GRPCTransport sends Consensus RPCs to peers over gRPC. It keeps one client connection per peer, dialled through a
// resolver backed by the peer directory.
type GRPCTransport struct {
	// A map to store the underlying grpc.ClientConn for each peer. It is a map[NodeID]*grpc.ClientConn.
	// sync.Map provides thread-safe access to the map, and is optimized for read operations, reducing the overhead of
	// manual locks
	clientsConnPool *sync.Map
	resolver        *peerResolverBuilder
	dialOpts        []grpc.DialOption
	logger          hclog.Logger
}

// NewGRPCTransport opens a channel to every peer except self. Extra dial options are appended to the defaults, tests
// use them to dial over bufconn.
func NewGRPCTransport(self NodeID, peers map[NodeID]NodeAddress, logger hclog.Logger, opts ...grpc.DialOption) *GRPCTransport {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	t := &GRPCTransport{
		clientsConnPool: &sync.Map{},
		resolver:        newPeerResolverBuilder(peers),
		logger:          logger.Named("transport"),
	}
	t.dialOpts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(t.resolver),
		grpc.WithChainUnaryInterceptor(t.logCalls),
	}, opts...)

	for id := range peers {
		if id == self {
			continue
		}
		if err := t.dial(id); err != nil {
			// Failing to establish a channel to a single node should not prevent channels to the others
			t.logger.Error("failed establishing a gRPC channel", "peer", id, "error", err)
		}
	}
	return t
}

func (t *GRPCTransport) dial(id NodeID) error {
	conn, err := grpc.NewClient(PeerTarget(id), t.dialOpts...)
	if err != nil {
		return err
	}
	t.clientsConnPool.Store(id, conn)
	return nil
}

// getClientConn retrieves the grpc.ClientConn for a peer from the connection pool
func (t *GRPCTransport) getClientConn(peer NodeID) (*grpc.ClientConn, error) {
	value, ok := t.clientsConnPool.Load(peer)
	if !ok {
		return nil, fmt.Errorf("%w: no channel to %s", ErrPeerUnreachable, peer)
	}
	conn, ok := value.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid clientConn type for peer %s: %T", peer, value)
	}
	return conn, nil
}

func (t *GRPCTransport) client(peer NodeID) (wire.ConsensusClient, error) {
	conn, err := t.getClientConn(peer)
	if err != nil {
		return nil, err
	}
	// The client is just a wrapper around the connection, creating one per call is cheap
	return wire.NewConsensusClient(conn), nil
}

// SetPeerAddress updates the address of a known peer. Open channels re-resolve to the new address.
func (t *GRPCTransport) SetPeerAddress(id NodeID, addr NodeAddress) {
	t.resolver.SetAddress(id, addr)
}

func (t *GRPCTransport) Heartbeat(ctx context.Context, peer NodeID, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	c, err := t.client(peer)
	if err != nil {
		return nil, err
	}
	resp, err := c.Heartbeat(WithPeerID(ctx, peer), req)
	return resp, wrapRPCError("Heartbeat", peer, err)
}

func (t *GRPCTransport) RequestVote(ctx context.Context, peer NodeID, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	c, err := t.client(peer)
	if err != nil {
		return nil, err
	}
	resp, err := c.RequestVote(WithPeerID(ctx, peer), req)
	return resp, wrapRPCError("RequestVote", peer, err)
}

func (t *GRPCTransport) LeaderAppend(ctx context.Context, peer NodeID, req *wire.LeaderAppendRequest) (*wire.LeaderAppendResponse, error) {
	c, err := t.client(peer)
	if err != nil {
		return nil, err
	}
	resp, err := c.LeaderAppend(WithPeerID(ctx, peer), req)
	return resp, wrapRPCError("LeaderAppend", peer, err)
}

func (t *GRPCTransport) ReplicateEntry(ctx context.Context, peer NodeID, req *wire.ReplicateEntryRequest) (*wire.ReplicateEntryResponse, error) {
	c, err := t.client(peer)
	if err != nil {
		return nil, err
	}
	resp, err := c.ReplicateEntry(WithPeerID(ctx, peer), req)
	return resp, wrapRPCError("ReplicateEntry", peer, err)
}

func (t *GRPCTransport) ReadLog(ctx context.Context, peer NodeID) (*wire.ReadLogResponse, error) {
	c, err := t.client(peer)
	if err != nil {
		return nil, err
	}
	resp, err := c.ReadLog(WithPeerID(ctx, peer), &wire.ReadLogRequest{})
	return resp, wrapRPCError("ReadLog", peer, err)
}

// wrapRPCError maps a gRPC failure onto the node's sentinels. A peer refusing an append because it is not the
// leader is not a transport problem; everything else is.
func wrapRPCError(method string, peer NodeID, err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.FailedPrecondition {
		return fmt.Errorf("%s to %s: %w: %s", method, peer, ErrNotLeader, status.Convert(err).Message())
	}
	return fmt.Errorf("%s to %s: %w: %w", method, peer, ErrPeerUnreachable, err)
}

// logCalls is a client interceptor tracing every outbound RPC.
func (t *GRPCTransport) logCalls(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	start := time.Now()
	err := invoker(ctx, method, req, reply, cc, opts...)

	peer, _ := PeerIDFromContext(ctx)
	caller, _ := CallerFromContext(ctx)
	if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		t.logger.Debug("rpc failed", "method", method, "peer", peer, "from", caller, "duration", time.Since(start),
			"code", status.Code(err))
		return err
	}
	t.logger.Trace("rpc", "method", method, "peer", peer, "from", caller, "duration", time.Since(start))
	return err
}

// Close closes every client connection opened by the transport.
func (t *GRPCTransport) Close() error {
	var errs []error
	// Range is a thread-safe way to iterate over a sync.Map.
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close channel to %s: %w", key, err))
			}
		}
		t.clientsConnPool.Delete(key)
		return true
	})
	t.logger.Debug("all gRPC client connections closed")
	return errors.Join(errs...)
}

var _ PeerClient = (*GRPCTransport)(nil)
