// Package session owns the per-session state machines and the process-wide
// hub that registers them. Each session serializes user turns through a
// bounded prompt queue, interleaves streamed engine events into subscriber
// fan-out, and persists every event as it flows.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ccgate/ccgate/pkg/db"
	"github.com/ccgate/ccgate/pkg/engine"
	"github.com/ccgate/ccgate/pkg/models"
)

// ErrSessionGone is returned by Submit and Subscribe after the session has
// been reclaimed.
var ErrSessionGone = errors.New("session reclaimed")

// Subscriber is a send handle to one attached client. Send must not block;
// an error drops the subscriber from the session.
type Subscriber interface {
	ID() string
	Send(frame models.Frame) error
}

// Session is the state machine for one conversation. All turn-side mutations
// happen in the single runner goroutine; external callers only enqueue
// prompts, signal the abort handle, or mutate the subscriber set.
type Session struct {
	id       string
	store    *db.Store
	eng      engine.Engine
	baseOpts engine.Options
	logger   *slog.Logger

	queue *Queue

	mu              sync.Mutex
	subscribers     map[string]Subscriber
	engineSessionID string
	// gen invalidates a turn's captured resume state; EndConversation
	// bumps it so a stale init event can't restore the cleared token.
	gen             uint64
	messageCount    int64
	createdAt       int64
	lastActivity    int64
	running         bool
	cancelTurn      context.CancelFunc
	closed          bool

	runnerCtx    context.Context
	runnerCancel context.CancelFunc
	runnerDone   chan struct{}
}

// newSession builds a session and starts its runner. row, when non-nil, is
// the persisted record to rehydrate from (resume token, counters).
func newSession(id string, row *db.Session, store *db.Store, eng engine.Engine, baseOpts engine.Options, queueCapacity int, logger *slog.Logger) *Session {
	now := nowMillis()
	s := &Session{
		id:           id,
		store:        store,
		eng:          eng,
		baseOpts:     baseOpts,
		logger:       logger,
		queue:        NewQueue(queueCapacity),
		subscribers:  make(map[string]Subscriber),
		createdAt:    now,
		lastActivity: now,
		runnerDone:   make(chan struct{}),
	}
	if row != nil {
		s.engineSessionID = row.EngineSessionID
		s.messageCount = row.MessageCount
		s.createdAt = row.CreatedAt
		s.lastActivity = row.LastActivity
	}
	s.runnerCtx, s.runnerCancel = context.WithCancel(context.Background())
	go s.run()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Submit appends a prompt to the queue and persists the user message. The
// runner picks it up immediately when idle, or after the current turn.
func (s *Session) Submit(content string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionGone
	}
	if err := s.queue.Enqueue(content); err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrQueueClosed) {
			return ErrSessionGone
		}
		return err
	}

	now := nowMillis()
	s.lastActivity = now
	// Persist while holding the lock so the user row lands before the
	// turn's first engine event.
	s.persistLocked(&db.Message{
		SessionID: s.id,
		Type:      db.MessageTypeUser,
		Content:   content,
		Timestamp: now,
	})
	s.mu.Unlock()

	if err := s.store.UpdateSession(s.id, db.SessionPatch{IsActive: boolPtr(true), LastActivity: &now}); err != nil {
		s.logger.Warn("Failed to mark session active", "error", err, "sessionID", s.id)
	}
	return nil
}

// Subscribe adds a client to the subscriber set and sends it a session_info
// snapshot. Idempotent for an already-subscribed client.
func (s *Session) Subscribe(sub Subscriber) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionGone
	}
	s.subscribers[sub.ID()] = sub
	info := s.infoLocked()
	s.mu.Unlock()

	if err := sub.Send(models.Frame{Type: models.FrameSessionInfo, Data: info, SessionID: s.id}); err != nil {
		s.dropSubscriber(sub.ID(), err)
	}
	return nil
}

// Unsubscribe removes the client from the subscriber set.
func (s *Session) Unsubscribe(clientID string) {
	s.mu.Lock()
	delete(s.subscribers, clientID)
	s.mu.Unlock()
}

// SubscriberCount reports the number of attached clients.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// IsRunning reports whether a turn is in flight.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Info returns a snapshot of the session.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() models.SessionInfo {
	return models.SessionInfo{
		ID:           s.id,
		MessageCount: s.messageCount,
		IsActive:     s.running,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// Cancel signals the abort handle of a running turn and broadcasts a
// cancelling frame. No-op when idle.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelTurn
	running := s.running
	s.mu.Unlock()
	if !running || cancel == nil {
		return
	}

	s.broadcast(models.Frame{Type: models.FrameCancelling, SessionID: s.id, Message: "Cancelling current turn"})
	cancel()
}

// EndConversation aborts any running turn and clears the in-memory resume
// token and message counter. Persisted history survives.
func (s *Session) EndConversation() {
	s.Cancel()

	s.mu.Lock()
	s.engineSessionID = ""
	s.messageCount = 0
	s.gen++
	now := nowMillis()
	s.lastActivity = now
	s.mu.Unlock()

	if err := s.store.UpdateSession(s.id, db.SessionPatch{IsActive: boolPtr(false), LastActivity: &now}); err != nil && !errors.Is(err, db.ErrSessionNotFound) {
		s.logger.Warn("Failed to mark session inactive", "error", err, "sessionID", s.id)
	}
}

// Cleanup aborts a running turn, closes the queue, clears subscribers, and
// persists the idle state. Subsequent Submit fails with ErrSessionGone.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancelTurn
	s.subscribers = make(map[string]Subscriber)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.runnerCancel()
	s.queue.Close()

	now := nowMillis()
	if err := s.store.UpdateSession(s.id, db.SessionPatch{IsActive: boolPtr(false), LastActivity: &now}); err != nil && !errors.Is(err, db.ErrSessionNotFound) {
		s.logger.Warn("Failed to persist cleanup state", "error", err, "sessionID", s.id)
	}
}

// Wait blocks until the runner has exited or ctx ends.
func (s *Session) Wait(ctx context.Context) {
	select {
	case <-s.runnerDone:
	case <-ctx.Done():
	}
}

// ========== Turn runner ==========

func (s *Session) run() {
	defer close(s.runnerDone)
	for {
		prompt, err := s.queue.Dequeue(s.runnerCtx)
		if err != nil {
			return
		}
		s.runTurn(prompt)
	}
}

func (s *Session) runTurn(prompt string) {
	turnCtx, cancel := context.WithCancel(s.runnerCtx)

	s.mu.Lock()
	s.running = true
	s.cancelTurn = cancel
	opts := s.baseOpts
	opts.ResumeToken = s.engineSessionID
	gen := s.gen
	s.mu.Unlock()

	defer func() {
		cancel()
		now := nowMillis()
		s.mu.Lock()
		s.running = false
		s.cancelTurn = nil
		s.lastActivity = now
		s.mu.Unlock()
		if err := s.store.UpdateSession(s.id, db.SessionPatch{IsActive: boolPtr(false), LastActivity: &now}); err != nil && !errors.Is(err, db.ErrSessionNotFound) {
			s.logger.Warn("Failed to persist idle state", "error", err, "sessionID", s.id)
		}
	}()

	active := nowMillis()
	if err := s.store.UpdateSession(s.id, db.SessionPatch{IsActive: boolPtr(true), LastActivity: &active}); err != nil {
		s.logger.Warn("Failed to mark session active", "error", err, "sessionID", s.id)
	}

	st, err := s.eng.Stream(turnCtx, prompt, opts)
	if err != nil {
		s.finishTurn(err)
		return
	}

	for ev := range st.Events() {
		s.handleEvent(ev, gen)
	}
	s.finishTurn(st.Err())
}

// finishTurn emits the terminal cancelled/error frame when the stream did
// not end with a normal result.
func (s *Session) finishTurn(err error) {
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrCancelled) || errors.Is(err, context.Canceled):
		s.persist(&db.Message{
			SessionID: s.id,
			Type:      db.MessageTypeSystem,
			Subtype:   "cancelled",
			Content:   "Turn cancelled",
			Timestamp: nowMillis(),
		})
		s.broadcast(models.Frame{Type: models.FrameCancelled, SessionID: s.id, Message: "Turn cancelled"})
	default:
		s.logger.Error("Engine turn failed", "error", err, "sessionID", s.id)
		s.persist(&db.Message{
			SessionID: s.id,
			Type:      db.MessageTypeError,
			Content:   err.Error(),
			Timestamp: nowMillis(),
		})
		s.broadcast(models.ErrorFrame(err.Error(), s.id))
	}
}

// handleEvent maps one engine event to a wire frame and a persisted row,
// then fans it out. Persistence failures are logged and bypassed. gen is the
// generation the turn started under; an init event from a turn that
// EndConversation has since invalidated must not restore the resume token.
func (s *Session) handleEvent(ev engine.Event, gen uint64) {
	now := nowMillis()

	switch ev.Type {
	case engine.EventUser:
		// Prompt echo; already persisted at submit time.
		return

	case engine.EventSystem:
		if ev.Subtype == "init" && ev.EngineSessionID != "" {
			s.mu.Lock()
			stale := s.gen != gen
			if !stale {
				s.engineSessionID = ev.EngineSessionID
			}
			s.mu.Unlock()
			if !stale {
				if err := s.store.UpdateSession(s.id, db.SessionPatch{EngineSessionID: &ev.EngineSessionID}); err != nil {
					s.logger.Warn("Failed to persist engine session id", "error", err, "sessionID", s.id)
				}
			}
		}
		meta := systemMetadata(ev)
		s.persist(&db.Message{
			SessionID: s.id,
			Type:      db.MessageTypeSystem,
			Subtype:   ev.Subtype,
			Timestamp: now,
			Metadata:  string(meta),
		})
		s.broadcast(models.Frame{
			Type:      models.FrameSystem,
			Subtype:   ev.Subtype,
			SessionID: s.id,
			Data:      json.RawMessage(meta),
		})

	case engine.EventAssistant:
		s.persist(&db.Message{
			SessionID: s.id,
			Type:      db.MessageTypeAssistant,
			Subtype:   "text",
			Content:   ev.Text,
			Timestamp: now,
		})
		s.broadcast(models.Frame{Type: models.FrameAssistantMessage, Content: ev.Text, SessionID: s.id})

	case engine.EventToolUse:
		s.persist(&db.Message{
			SessionID: s.id,
			Type:      db.MessageTypeToolUse,
			Subtype:   ev.ToolName,
			Content:   string(ev.ToolInput),
			Timestamp: now,
		})
		s.broadcast(models.Frame{
			Type:      models.FrameToolUse,
			ToolName:  ev.ToolName,
			ToolID:    ev.ToolID,
			ToolInput: json.RawMessage(ev.ToolInput),
			SessionID: s.id,
		})

	case engine.EventToolResult:
		meta, _ := json.Marshal(map[string]any{"tool_use_id": ev.ToolUseID, "is_error": ev.IsError})
		s.persist(&db.Message{
			SessionID: s.id,
			Type:      db.MessageTypeToolResult,
			Content:   ev.Content,
			Timestamp: now,
			Metadata:  string(meta),
		})
		s.broadcast(models.Frame{
			Type:      models.FrameToolResult,
			ToolUseID: ev.ToolUseID,
			Content:   ev.Content,
			IsError:   models.Bool(ev.IsError),
			SessionID: s.id,
		})

	case engine.EventResult:
		cost := ev.CostUSD
		duration := ev.DurationMS
		s.persist(&db.Message{
			SessionID: s.id,
			Type:      db.MessageTypeResult,
			Subtype:   ev.Subtype,
			Content:   ev.ResultText,
			Timestamp: now,
			Cost:      &cost,
			Duration:  &duration,
		})
		frame := models.Frame{
			Type:      models.FrameResult,
			Success:   models.Bool(ev.Success),
			Result:    ev.ResultText,
			Cost:      &cost,
			Duration:  &duration,
			SessionID: s.id,
		}
		if !ev.Success {
			frame.Error = ev.Subtype
		}
		s.broadcast(frame)

	default:
		s.logger.Warn("Dropping unknown engine event", "type", string(ev.Type), "sessionID", s.id)
	}
}

// persist appends a message row, keeping the in-memory counter in step.
func (s *Session) persist(m *db.Message) {
	s.mu.Lock()
	s.persistLocked(m)
	s.mu.Unlock()
}

func (s *Session) persistLocked(m *db.Message) {
	if _, err := s.store.AppendMessage(m); err != nil {
		s.logger.Warn("Failed to persist message", "error", err, "sessionID", s.id, "type", m.Type)
		return
	}
	s.messageCount++
	if m.Timestamp > s.lastActivity {
		s.lastActivity = m.Timestamp
	}
}

// broadcast fans a frame out to every current subscriber. A failed send
// drops that subscriber only.
func (s *Session) broadcast(frame models.Frame) {
	s.mu.Lock()
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Send(frame); err != nil {
			s.dropSubscriber(sub.ID(), err)
		}
	}
}

func (s *Session) dropSubscriber(clientID string, err error) {
	s.mu.Lock()
	delete(s.subscribers, clientID)
	s.mu.Unlock()
	s.logger.Warn("Dropped subscriber", "error", err, "sessionID", s.id, "clientID", clientID)
}

func systemMetadata(ev engine.Event) []byte {
	meta, err := json.Marshal(map[string]any{
		"engine_session_id": ev.EngineSessionID,
		"model":             ev.Model,
		"cwd":               ev.Cwd,
		"tools":             ev.Tools,
		"mcp_servers":       ev.MCPServers,
		"permission_mode":   ev.PermissionMode,
	})
	if err != nil {
		return []byte("{}")
	}
	return meta
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func boolPtr(b bool) *bool { return &b }
