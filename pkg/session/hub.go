package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccgate/ccgate/pkg/db"
	"github.com/ccgate/ccgate/pkg/engine"
	"github.com/ccgate/ccgate/pkg/models"
	"github.com/ccgate/ccgate/pkg/utils"
)

// ErrHubClosed is returned by GetOrCreate after Shutdown.
var ErrHubClosed = errors.New("hub shut down")

const defaultIdleGrace = 60 * time.Second

// HubConfig wires the hub's collaborators and policies.
type HubConfig struct {
	Store          *db.Store
	Engine         engine.Engine
	Logger         *slog.Logger
	QueueCapacity  int
	IdleGrace      time.Duration
	DefaultOptions engine.Options
}

// Hub is the process-wide registry of in-memory sessions.
type Hub struct {
	cfg HubConfig

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewHub creates a hub. Zero-valued policies fall back to defaults.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = defaultIdleGrace
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	return &Hub{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the in-memory session for id, creating and registering
// one when absent. An empty id generates a fresh unique one. A persisted row
// for id is rehydrated (resume token, counters) rather than recreated.
func (h *Hub) GetOrCreate(id string) (*Session, error) {
	if id != "" {
		h.mu.RLock()
		s, ok := h.sessions[id]
		h.mu.RUnlock()
		if ok {
			return s, nil
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if id == "" {
		id = uuid.New().String()
	} else if s, ok := h.sessions[id]; ok {
		return s, nil
	}

	row, err := h.cfg.Store.GetSession(id)
	switch {
	case err == nil:
	case errors.Is(err, db.ErrSessionNotFound):
		row, err = h.cfg.Store.CreateSession(id, time.Now().UnixMilli(), "{}")
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	s := newSession(id, row, h.cfg.Store, h.cfg.Engine, h.cfg.DefaultOptions, h.cfg.QueueCapacity, h.cfg.Logger)
	h.sessions[id] = s
	h.cfg.Logger.Info("Session registered", "sessionID", id)
	return s, nil
}

// Get looks a session up without creating it.
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// List snapshots every in-memory session.
func (h *Hub) List() []models.SessionInfo {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// RunningCount reports the number of sessions with a turn in flight.
func (h *Hub) RunningCount() int {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	n := 0
	for _, s := range sessions {
		if s.IsRunning() {
			n++
		}
	}
	return n
}

// OnClientDisconnect unsubscribes the client from its session (if any) and
// schedules an idle check.
func (h *Hub) OnClientDisconnect(clientID, sessionID string) {
	if sessionID == "" {
		return
	}
	if s, ok := h.Get(sessionID); ok {
		s.Unsubscribe(clientID)
	}
	h.ScheduleIdleCheck(sessionID)
}

// ScheduleIdleCheck arms a reclamation check after the grace period. The
// check re-validates subscriber count and running state when it fires, so a
// re-subscription during the window simply voids it.
func (h *Hub) ScheduleIdleCheck(sessionID string) {
	time.AfterFunc(h.cfg.IdleGrace, func() {
		h.idleCheck(sessionID)
	})
}

func (h *Hub) idleCheck(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok || h.closed {
		h.mu.Unlock()
		return
	}
	if s.SubscriberCount() > 0 {
		h.mu.Unlock()
		return
	}
	if s.IsRunning() || s.queue.Len() > 0 {
		h.mu.Unlock()
		// Busy with no audience; the turn ending won't schedule a check,
		// so keep re-arming until the session is actually idle.
		h.ScheduleIdleCheck(sessionID)
		return
	}
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	s.Cleanup()
	h.cfg.Logger.Info("Session reclaimed", "sessionID", sessionID)
}

// Shutdown cancels every running turn, closes queues, and waits for runners
// to drain within ctx's deadline.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Cleanup()
	}
	for _, s := range sessions {
		s.Wait(ctx)
	}
}
