package server

import (
	"context"
	"time"

	"blockraft/internal/pubsub"
)

// RunSchedulerJob is the node's only background job and owns its only ticker. Every tick either broadcasts heartbeats
// or checks the election timeout, see Node.Tick. The job ends on a NodeShutDown event or when ctx is done; Stop waits
// for it, so it must not block anywhere else. Call it as a goroutine.
func RunSchedulerJob(ctx context.Context, n *Node, interval time.Duration, stopJobCh <-chan *pubsub.Event[struct{}]) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.logger.Debug("started scheduler job", "interval", interval)
	for {
		select {
		case <-ticker.C:
			// The returned channel is not awaited: a slow peer must not delay the next tick.
			n.Tick()
		case <-stopJobCh:
			n.logger.Debug("stopping scheduler job")
			return
		case <-ctx.Done():
			n.logger.Debug("stopping scheduler job", "error", ctx.Err())
			return
		}
	}
}
