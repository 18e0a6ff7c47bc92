package server

import (
	"context"

	"blockraft/internal"
)

var (
	peerIDKey = internal.NewCtxKey[NodeID]("peerID")
	callerKey = internal.NewCtxKey[NodeID]("caller")
)

// WithPeerID records which peer an outbound RPC is addressed to. The transport's interceptor reads it for logging.
func WithPeerID(ctx context.Context, id NodeID) context.Context {
	return internal.WithValue(ctx, peerIDKey, id)
}

func PeerIDFromContext(ctx context.Context) (NodeID, bool) {
	return internal.Value(ctx, peerIDKey)
}

// WithCaller records which node issued an RPC.
func WithCaller(ctx context.Context, id NodeID) context.Context {
	return internal.WithValue(ctx, callerKey, id)
}

func CallerFromContext(ctx context.Context) (NodeID, bool) {
	return internal.Value(ctx, callerKey)
}
