package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Heartbeat pings every connection on an interval and terminates those that
// showed no liveness since the previous ping.
type Heartbeat struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger
}

// NewHeartbeat creates a supervisor. Run starts it.
func NewHeartbeat(registry *Registry, interval time.Duration, logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{registry: registry, interval: interval, logger: logger}
}

// Run blocks until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep runs one ping round and returns the number of terminated connections.
// Termination closes the socket, and the connection's read loop deregisters it.
func (h *Heartbeat) Sweep() int {
	dead := 0
	for _, c := range h.registry.Connections() {
		if !c.IsOpen() {
			continue
		}
		if !c.ping() {
			h.logger.Info("terminating unresponsive connection",
				zap.String("user_id", c.UserID.String()),
				zap.String("connection_id", c.ID))
			c.Terminate()
			dead++
		}
	}
	return dead
}
