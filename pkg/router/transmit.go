package router

import (
	"context"
	"time"

	"github.com/ember-mesh/ember/pkg/network"
	"github.com/ember-mesh/ember/pkg/packet"
)

// withBestConnection runs action against candidate neighbors for dest,
// freshest route first, until one succeeds or the attempt times out.
// Connection-level failures move straight to the next candidate; when a
// whole pass fails the candidate list is re-fetched after a short delay,
// since topology may have changed underneath us.
//
// An unreachable destination fails immediately: correctness relies on the
// OGM cycle eventually producing a route, at which point the upper layer
// sends fresh, it does not replay.
func (r *Router) withBestConnection(ctx context.Context, dest packet.NodeID, action func(*network.Entry) error) error {
	if !r.table.IsReachable(dest) {
		return ErrNoRoute
	}

	attempt, cancel := context.WithTimeout(ctx, r.cfg.TransmitTimeout)
	defer cancel()

	for {
		for _, e := range r.table.BestConnectionsFor(dest) {
			if err := action(e); err != nil {
				r.log.WithField("conn", e.ID()).Debugf("candidate failed: %v", err)
				continue
			}
			return nil
		}

		select {
		case <-attempt.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrTimeout
		case <-time.After(r.cfg.RetryDelay):
		}
	}
}
