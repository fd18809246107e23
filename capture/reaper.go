package capture

import (
	"context"
	"time"

	"github.com/hazyhaar/scrollstitch/framestore"
	"github.com/hazyhaar/scrollstitch/observability"
)

func (s *Service) reapLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Reap(ctx)
		}
	}
}

// Reap evicts open sessions idle for longer than the session TTL, closes
// them and deletes their frames. It returns the evicted ids.
func (s *Service) Reap(ctx context.Context) []string {
	cutoff := s.now().Add(-s.cfg.SessionTTL)
	var evicted []string
	for _, ls := range s.reg.snapshot() {
		ls.mu.Lock()
		stale := ls.lastActivity.Before(cutoff) && s.reg.remove(ls.id) == ls
		ls.mu.Unlock()
		if !stale {
			continue
		}
		evicted = append(evicted, ls.id)
		s.evict(ctx, ls.id)
	}
	if len(evicted) > 0 {
		s.logger.Info("capture: reaped idle sessions", "count", len(evicted), "ttl", s.cfg.SessionTTL)
	}
	return evicted
}

func (s *Service) evict(ctx context.Context, id string) {
	if err := s.store.CloseSession(ctx, id, framestore.CloseResult{Error: errExpired.Error()}); err != nil {
		s.logger.Error("capture: close expired session", "session_id", id, "error", err)
	}
	if err := s.store.RemoveFrames(ctx, id); err != nil {
		s.logger.Warn("capture: remove expired frames", "session_id", id, "error", err)
	}
	s.event(ctx, observability.SessionEvent{SessionID: id, EventType: observability.EventSessionExpired})
	if s.prom != nil {
		s.prom.SessionsFinished.WithLabelValues("expired").Inc()
		s.prom.LiveSessions.Dec()
	}
}
