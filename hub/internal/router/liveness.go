package router

import (
	"context"
	"time"
)

// StartLivenessMonitor starts a background sweep that force-closes
// connections whose last inbound traffic is older than the heartbeat
// timeout. Closing the socket unblocks the connection's read loop, which
// then runs the same cleanup path every other disconnect uses; the monitor
// itself never mutates the registries.
func (r *Router) StartLivenessMonitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Router) sweep() {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	r.mu.RLock()
	var stale []*conn
	for _, c := range r.conns {
		if c.heartbeatBefore(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		r.logger.Info("evicting stale connection", "conn_id", c.id, "timeout", r.heartbeatTimeout)
		_ = c.ws.Close()
	}
}
