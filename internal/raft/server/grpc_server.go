package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"blockraft/internal/raft/wire"
)

// Server exposes a Node over the Consensus gRPC service.
type Server struct {
	node       *Node
	grpcServer *grpc.Server
	logger     hclog.Logger
}

// NewServer registers node on a fresh grpc.Server. Extra options are appended to the ones the service needs.
func NewServer(node *Node, opts ...grpc.ServerOption) *Server {
	s := &Server{
		node:   node,
		logger: node.cfg.Logger.Named("grpc").With("id", node.id),
	}
	serverOpts := append(wire.ServerOptions(),
		grpc.ConnectionTimeout(30*time.Second),
		grpc.ChainUnaryInterceptor(s.logRequests),
	)
	s.grpcServer = grpc.NewServer(append(serverOpts, opts...)...)
	wire.RegisterConsensusServer(s.grpcServer, &consensusService{node: node})
	return s
}

// Serve accepts connections on lis. It blocks until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("serving consensus rpc", "addr", lis.Addr().String())
	err := s.grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// GracefulShutdown stops accepting new RPCs and waits for the pending ones to finish.
func (s *Server) GracefulShutdown() {
	s.logger.Info("shutting down gracefully")
	s.grpcServer.GracefulStop()
}

func (s *Server) ForceShutdown() {
	s.logger.Info("force shutting down")
	s.grpcServer.Stop()
}

func (s *Server) logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug("rpc returned error", "method", info.FullMethod, "code", status.Code(err), "error", err)
	} else {
		s.logger.Trace("rpc served", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// consensusService adapts Node to wire.ConsensusServer.
type consensusService struct {
	node *Node
}

func (c *consensusService) Heartbeat(_ context.Context, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	return c.node.HandleHeartbeat(req), nil
}

func (c *consensusService) RequestVote(_ context.Context, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	return c.node.HandleRequestVote(req), nil
}

func (c *consensusService) ClientAppend(ctx context.Context, req *wire.ClientAppendRequest) (*wire.ClientAppendResponse, error) {
	resp, err := c.node.ClientAppend(ctx, req.Data)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (c *consensusService) LeaderAppend(_ context.Context, req *wire.LeaderAppendRequest) (*wire.LeaderAppendResponse, error) {
	resp, err := c.node.LeaderAppend(req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (c *consensusService) ReplicateEntry(_ context.Context, req *wire.ReplicateEntryRequest) (*wire.ReplicateEntryResponse, error) {
	return c.node.HandleReplicateEntry(req), nil
}

func (c *consensusService) ReadLog(_ context.Context, _ *wire.ReadLogRequest) (*wire.ReadLogResponse, error) {
	return &wire.ReadLogResponse{Blocks: c.node.ReadLog()}, nil
}

// toStatus maps node errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrNotLeader), errors.Is(err, ErrNoLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrPeerUnreachable):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
