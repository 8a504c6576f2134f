package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentSends caps the sends in flight for one broadcast.
const maxConcurrentSends = 128

// Router delivers events to the connections held by a Registry.
type Router struct {
	registry    *Registry
	sendTimeout time.Duration
	logger      *slog.Logger
}

// NewRouter creates a Router over registry. Each individual send is bounded
// by sendTimeout; zero leaves sends bounded only by the caller's context.
func NewRouter(registry *Registry, sendTimeout time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:    registry,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Broadcast encodes ev once and sends it to every connection open at the
// time of the call. Sends run concurrently and a failing or slow peer only
// loses its own copy. It returns the number of successful deliveries.
func (r *Router) Broadcast(ctx context.Context, ev Event) int {
	frame, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("Failed to encode event", "type", ev.Type, "error", err)
		return 0
	}

	conns := r.registry.Conns()
	if len(conns) == 0 {
		return 0
	}

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(maxConcurrentSends)
	for _, c := range conns {
		g.Go(func() error {
			if err := r.send(ctx, c, frame); err != nil {
				r.logger.Debug("Dropped event for peer", "conn", c.ID(), "type", ev.Type, "error", err)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(delivered.Load())
	r.logger.Debug("Broadcast event", "type", ev.Type, "targets", len(conns), "delivered", n)
	return n
}

// Unicast sends ev to c alone.
func (r *Router) Unicast(ctx context.Context, c Conn, ev Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	if err := r.send(ctx, c, frame); err != nil {
		return fmt.Errorf("send %s event to %s: %w", ev.Type, c.ID(), err)
	}
	return nil
}

func (r *Router) send(ctx context.Context, c Conn, frame []byte) error {
	if r.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sendTimeout)
		defer cancel()
	}
	return c.Send(ctx, frame)
}
