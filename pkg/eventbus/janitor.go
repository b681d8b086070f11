package eventbus

import (
	"context"

	"github.com/harun/relia/internal/observability"
	"github.com/harun/relia/pkg/delivery"
	"github.com/robfig/cron/v3"
)

// startJanitor schedules periodic idle-session sweeps
func (b *Bus) startJanitor() error {
	c := cron.New()
	if _, err := c.AddFunc(b.cfg.JanitorSchedule, func() { b.SweepNow() }); err != nil {
		return err
	}
	c.Start()

	b.janitorStop = func() {
		<-c.Stop().Done()
	}

	b.logger.Debug().
		Str("schedule", b.cfg.JanitorSchedule).
		Dur("idle_timeout", b.cfg.IdleTimeout).
		Msg("Session janitor started")
	return nil
}

// SweepNow destroys every session without a live connection whose idle
// timeout has elapsed and returns how many were destroyed. That covers
// DISCONNECTED sessions and sessions stuck in CONNECTING because no
// consumer ever attached. Pending envelopes of a destroyed session are
// reported as delivery failures, never dropped silently. A later reconnect
// for a destroyed session yields ErrSessionExpired.
func (b *Bus) SweepNow() int {
	now := b.clock.Now()

	b.mu.Lock()
	var expired []*session
	for id, s := range b.sessions {
		s.mu.Lock()
		idle := s.state != StateConnected && s.state != StateReconnecting &&
			now.Sub(s.lastActivity) >= b.cfg.IdleTimeout
		if idle {
			s.state = StateExpired
			expired = append(expired, s)
			delete(b.sessions, id)
		}
		s.mu.Unlock()
	}
	remaining := len(b.sessions)
	b.mu.Unlock()

	for _, s := range expired {
		dropped := b.tracker.DropSession(s.id, delivery.ErrSessionDestroyed)
		b.assigner.Drop(s.id)
		observability.RecordSessionExpired()
		observability.DropPendingQueueGauge(s.id)
		observability.RecordSessionAudit(context.Background(), "session_expired", s.id, "success", map[string]interface{}{
			"pending_dropped": dropped,
		})

		b.logger.Info().
			Str("session_id", s.id).
			Int("pending_dropped", dropped).
			Msg("Idle session destroyed")
	}

	if len(expired) > 0 {
		observability.SetActiveSessions(remaining)
	}
	return len(expired)
}
