package daemon

import (
	"context"
	"time"

	"github.com/harun/deskagent/internal/observability"
)

const maintenanceInterval = 30 * time.Second

// EventLoop refreshes gauges that no request path updates.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks publishes the memory size and provider cooldowns.
func (e *EventLoop) processTasks(ctx context.Context) {
	if e.daemon.memory != nil {
		observability.SetMemoryEntries(e.daemon.memory.Count(ctx))
	}

	if e.daemon.failover == nil {
		return
	}
	now := time.Now()
	for _, p := range e.daemon.failover.Profiles() {
		cooling := p.CooldownUntil.After(now)
		observability.SetProviderCooldown(p.ID, cooling)
		if cooling {
			e.daemon.logger.Debug().
				Str("profile", p.ID).
				Int("failures", p.FailureCount).
				Time("until", p.CooldownUntil).
				Msg("Provider cooling down")
		}
	}
}
