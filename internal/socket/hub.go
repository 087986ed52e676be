package socket

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Hub tracks the sessions owned by this instance so shutdown can drain them.
// Sessions own their own state; the hub holds only the registry map.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      zerolog.Logger
}

// NewHub returns an empty session registry.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{sessions: make(map[string]*Session), log: log}
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	sessionsGauge.Set(float64(n))
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	n := len(h.sessions)
	h.mu.Unlock()
	sessionsGauge.Set(float64(n))
}

// Len reports the number of open sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Drain asks every session to close and waits until they are gone or ctx
// expires. Each session flushes its queued emits on the way out.
func (h *Hub) Drain(ctx context.Context) error {
	h.mu.RLock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.RUnlock()

	if len(open) == 0 {
		return nil
	}
	h.log.Info().Int("sessions", len(open)).Msg("draining sockets")
	for _, s := range open {
		s.shutdown("server shutting down")
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if h.Len() == 0 {
				return nil
			}
		}
	}
}
