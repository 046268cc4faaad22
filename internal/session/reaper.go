package session

import (
	"context"
	"log"
	"time"

	"github.com/pindrop/signal-server/internal/events"
	"github.com/pindrop/signal-server/internal/metrics"
)

// ReaperConfig holds expiry tuning parameters.
type ReaperConfig struct {
	SweepInterval time.Duration // how often to scan for stale sessions
	MaxAge        time.Duration // sessions older than this are evicted
}

// DefaultReaperConfig returns the production defaults: sweep every five
// minutes, evict sessions older than one hour.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		SweepInterval: 5 * time.Minute,
		MaxAge:        1 * time.Hour,
	}
}

// StartReaper runs the background loop that evicts sessions past their
// maximum age. Evicted sessions are not announced to still-connected peers
// over the protocol; a subsequent message on an expired pin gets
// session-not-found. Lifecycle observers do see the eviction on the events
// bus. The loop exits when ctx is cancelled.
func StartReaper(ctx context.Context, registry *Registry, cfg ReaperConfig, ev *events.Client) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("[reaper] started interval=%s max_age=%s", cfg.SweepInterval, cfg.MaxAge)

	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] stopped")
			return
		case <-ticker.C:
			sweep(registry, cfg.MaxAge, ev)
		}
	}
}

// sweep runs a single expiry pass and reports the evictions.
func sweep(registry *Registry, maxAge time.Duration, ev *events.Client) {
	expired := registry.SweepExpired(maxAge, time.Now())
	if len(expired) == 0 {
		return
	}

	for _, pin := range expired {
		if ev != nil {
			ev.PublishSessionClosed(pin, events.ReasonExpired)
		}
		metrics.SessionsExpired.Inc()
	}
	metrics.ActiveSessions.Set(float64(registry.Count()))

	log.Printf("[reaper] evicted %d expired session(s)", len(expired))
}
