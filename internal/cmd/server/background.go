package server

import (
	"context"
	"time"

	"github.com/passage-dev/passage/internal/tunnel"
)

// defaultSweepInterval is used when the configured interval is zero.
const defaultSweepInterval = 60 * time.Second

// sweeperListener adapts the registry idle sweep to the
// transport.Listener interface so it participates in the managed
// lifecycle alongside the HTTP server.
type sweeperListener struct {
	registry *tunnel.Registry
	clock    tunnel.Clock
	interval time.Duration
}

func (l *sweeperListener) Start(ctx context.Context) error {
	interval := l.interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			l.registry.Sweep(now)
		}
	}
}

func (l *sweeperListener) Stop(_ context.Context) error {
	return nil // sweeper stops when its context is cancelled
}
