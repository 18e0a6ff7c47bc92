package main

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"blockraft/internal/chain"
	"blockraft/internal/pubsub"
	"blockraft/internal/raft/server"
)

// watchEvents writes a cluster event log: every role change, leader change and appended block of node, until ctx
// ends. The returned channel is closed once the watcher has unsubscribed.
func watchEvents(ctx context.Context, node *server.Node, logger hclog.Logger) <-chan struct{} {
	ps := node.PubSub()
	logger = logger.Named("events").With("id", node.ID())

	// Non-blocking subscriptions: a slow log must never stall the node's broker
	roles := make(chan *pubsub.Event[server.RoleChange], 16)
	leaders := make(chan *pubsub.Event[server.LeaderChange], 16)
	blocks := make(chan *pubsub.Event[chain.Block], 64)
	roleSub := pubsub.Subscribe(ps, server.RoleChanged, roles, pubsub.SubscriptionOptions{})
	leaderSub := pubsub.Subscribe(ps, server.LeaderChanged, leaders, pubsub.SubscriptionOptions{})
	blockSub := pubsub.Subscribe(ps, server.BlockAppended, blocks, pubsub.SubscriptionOptions{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if dropped := ps.Dropped(server.BlockAppended, blockSub); dropped > 0 {
				logger.Warn("block events were dropped", "count", dropped)
			}
			ps.Unsubscribe(server.RoleChanged, roleSub)
			ps.Unsubscribe(server.LeaderChanged, leaderSub)
			ps.Unsubscribe(server.BlockAppended, blockSub)
		}()

		for {
			select {
			case e := <-roles:
				logger.Info("role changed", "from", e.Payload.From, "to", e.Payload.To, "term", e.Payload.Term)
			case e := <-leaders:
				if e.Payload.Leader == "" {
					logger.Info("leader unknown", "term", e.Payload.Term)
					continue
				}
				logger.Info("leader changed", "leader", e.Payload.Leader, "term", e.Payload.Term)
			case e := <-blocks:
				logger.Info("block appended", "index", e.Payload.Index, "term", e.Payload.Term,
					"proposer", e.Payload.ProposerID, "hash", e.Payload.Hash)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
