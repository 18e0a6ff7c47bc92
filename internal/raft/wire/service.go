package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "blockraft.Consensus"

const (
	heartbeatMethod      = "/" + ServiceName + "/Heartbeat"
	requestVoteMethod    = "/" + ServiceName + "/RequestVote"
	clientAppendMethod   = "/" + ServiceName + "/ClientAppend"
	leaderAppendMethod   = "/" + ServiceName + "/LeaderAppend"
	replicateEntryMethod = "/" + ServiceName + "/ReplicateEntry"
	readLogMethod        = "/" + ServiceName + "/ReadLog"
)

// ConsensusServer is implemented by the node side of the Consensus service.
type ConsensusServer interface {
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)
	ClientAppend(context.Context, *ClientAppendRequest) (*ClientAppendResponse, error)
	LeaderAppend(context.Context, *LeaderAppendRequest) (*LeaderAppendResponse, error)
	ReplicateEntry(context.Context, *ReplicateEntryRequest) (*ReplicateEntryResponse, error)
	ReadLog(context.Context, *ReadLogRequest) (*ReadLogResponse, error)
}

// ConsensusClient calls the Consensus service on a single peer.
type ConsensusClient interface {
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error)
	ClientAppend(ctx context.Context, in *ClientAppendRequest, opts ...grpc.CallOption) (*ClientAppendResponse, error)
	LeaderAppend(ctx context.Context, in *LeaderAppendRequest, opts ...grpc.CallOption) (*LeaderAppendResponse, error)
	ReplicateEntry(ctx context.Context, in *ReplicateEntryRequest, opts ...grpc.CallOption) (*ReplicateEntryResponse, error)
	ReadLog(ctx context.Context, in *ReadLogRequest, opts ...grpc.CallOption) (*ReadLogResponse, error)
}

type consensusClient struct {
	cc grpc.ClientConnInterface
}

// NewConsensusClient wraps a connection. Every call is forced onto the blockraft codec.
func NewConsensusClient(cc grpc.ClientConnInterface) ConsensusClient {
	return &consensusClient{cc: cc}
}

func (c *consensusClient) invoke(ctx context.Context, method string, in, out Message, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *consensusClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.invoke(ctx, heartbeatMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *consensusClient) RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error) {
	out := new(RequestVoteResponse)
	if err := c.invoke(ctx, requestVoteMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *consensusClient) ClientAppend(ctx context.Context, in *ClientAppendRequest, opts ...grpc.CallOption) (*ClientAppendResponse, error) {
	out := new(ClientAppendResponse)
	if err := c.invoke(ctx, clientAppendMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *consensusClient) LeaderAppend(ctx context.Context, in *LeaderAppendRequest, opts ...grpc.CallOption) (*LeaderAppendResponse, error) {
	out := new(LeaderAppendResponse)
	if err := c.invoke(ctx, leaderAppendMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *consensusClient) ReplicateEntry(ctx context.Context, in *ReplicateEntryRequest, opts ...grpc.CallOption) (*ReplicateEntryResponse, error) {
	out := new(ReplicateEntryResponse)
	if err := c.invoke(ctx, replicateEntryMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *consensusClient) ReadLog(ctx context.Context, in *ReadLogRequest, opts ...grpc.CallOption) (*ReadLogResponse, error) {
	out := new(ReadLogResponse)
	if err := c.invoke(ctx, readLogMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterConsensusServer registers srv on s. The grpc.Server must be created with ServerOptions() so requests are
// decoded with the blockraft codec.
func RegisterConsensusServer(s grpc.ServiceRegistrar, srv ConsensusServer) {
	s.RegisterService(&consensusServiceDesc, srv)
}

// ServerOptions returns the options a grpc.Server needs to serve the Consensus service.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(Codec{})}
}

// unaryHandler adapts a typed method of ConsensusServer to a grpc.MethodDesc handler.
func unaryHandler[Req any, Resp any, PReq interface {
	*Req
	Message
}](fullMethod string, call func(ConsensusServer, context.Context, PReq) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ConsensusServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ConsensusServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var consensusServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConsensusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Heartbeat",
			Handler: unaryHandler(heartbeatMethod, func(s ConsensusServer, ctx context.Context, in *HeartbeatRequest) (*HeartbeatResponse, error) {
				return s.Heartbeat(ctx, in)
			}),
		},
		{
			MethodName: "RequestVote",
			Handler: unaryHandler(requestVoteMethod, func(s ConsensusServer, ctx context.Context, in *RequestVoteRequest) (*RequestVoteResponse, error) {
				return s.RequestVote(ctx, in)
			}),
		},
		{
			MethodName: "ClientAppend",
			Handler: unaryHandler(clientAppendMethod, func(s ConsensusServer, ctx context.Context, in *ClientAppendRequest) (*ClientAppendResponse, error) {
				return s.ClientAppend(ctx, in)
			}),
		},
		{
			MethodName: "LeaderAppend",
			Handler: unaryHandler(leaderAppendMethod, func(s ConsensusServer, ctx context.Context, in *LeaderAppendRequest) (*LeaderAppendResponse, error) {
				return s.LeaderAppend(ctx, in)
			}),
		},
		{
			MethodName: "ReplicateEntry",
			Handler: unaryHandler(replicateEntryMethod, func(s ConsensusServer, ctx context.Context, in *ReplicateEntryRequest) (*ReplicateEntryResponse, error) {
				return s.ReplicateEntry(ctx, in)
			}),
		},
		{
			MethodName: "ReadLog",
			Handler: unaryHandler(readLogMethod, func(s ConsensusServer, ctx context.Context, in *ReadLogRequest) (*ReadLogResponse, error) {
				return s.ReadLog(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "blockraft/consensus",
}
