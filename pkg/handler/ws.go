// Package handler exposes the gateway's WebSocket and REST surfaces.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ccgate/ccgate/pkg/db"
	"github.com/ccgate/ccgate/pkg/models"
	"github.com/ccgate/ccgate/pkg/session"
)

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
)

var (
	errSlowClient   = errors.New("client send buffer full")
	errClientClosed = errors.New("client connection closed")
)

// WSHandler upgrades connections and runs the per-connection loop.
type WSHandler struct {
	hub         *session.Hub
	store       *db.Store
	logger      *slog.Logger
	idleTimeout time.Duration
	upgrader    websocket.Upgrader

	clientCount atomic.Int64
}

// NewWSHandler creates the WebSocket frontend. idleTimeout closes
// connections with no inbound traffic.
func NewWSHandler(hub *session.Hub, store *db.Store, idleTimeout time.Duration, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		hub:         hub,
		store:       store,
		logger:      logger,
		idleTimeout: idleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ClientCount reports the number of live connections.
func (h *WSHandler) ClientCount() int64 { return h.clientCount.Load() }

// wsClient is one attached connection. It implements session.Subscriber;
// Send never blocks and fails when the buffer is saturated, which drops the
// client from subscriber sets.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan models.Frame
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	sessionID string
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(frame models.Frame) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.close()
		return errSlowClient
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) currentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *wsClient) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Handle is the gin handler for /api/ccsdk/ws.
func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan models.Frame, sendBufferSize),
		done: make(chan struct{}),
	}

	h.clientCount.Add(1)
	if err := h.store.RegisterClient(client.id, time.Now().UnixMilli()); err != nil {
		h.logger.Warn("Failed to register client", "error", err, "clientID", client.id)
	}
	h.logger.Info("Client connected", "clientID", client.id)

	go h.writePump(client)

	_ = client.Send(models.Frame{
		Type:              models.FrameConnected,
		Message:           "Connected to gateway",
		AvailableSessions: h.hub.List(),
	})

	h.readLoop(client)
	h.disconnect(client)
}

// writePump drains the send channel to the socket, keeping the connection
// alive with pings.
func (h *WSHandler) writePump(c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

// readLoop decodes inbound frames until the connection closes or idles out.
func (h *WSHandler) readLoop(c *wsClient) {
	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		h.dispatch(c, data)
	}
}

func (h *WSHandler) disconnect(c *wsClient) {
	c.close()
	h.clientCount.Add(-1)

	sessionID := c.currentSession()
	h.hub.OnClientDisconnect(c.id, sessionID)

	if err := h.store.MarkClientDisconnected(c.id, time.Now().UnixMilli()); err != nil {
		h.logger.Warn("Failed to mark client disconnected", "error", err, "clientID", c.id)
	}
	h.logger.Info("Client disconnected", "clientID", c.id)
}

// dispatch routes one inbound frame. Decode errors surface as error frames;
// the connection stays open.
func (h *WSHandler) dispatch(c *wsClient, data []byte) {
	var frame models.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = c.Send(models.ErrorFrame("Invalid JSON", ""))
		return
	}

	switch frame.Type {
	case models.InboundChat:
		h.handleChat(c, frame)
	case models.InboundSubscribe:
		h.handleSubscribe(c, frame)
	case models.InboundUnsubscribe:
		h.handleUnsubscribe(c, frame)
	case models.InboundCancel:
		// NotFound no-ops by design.
		if s, ok := h.hub.Get(frame.SessionID); ok {
			s.Cancel()
		}
	case models.InboundSystemInfo:
		_ = c.Send(models.Frame{
			Type: models.FrameSystemInfo,
			Data: gin.H{
				"sessions": h.hub.List(),
				"clients":  h.ClientCount(),
			},
		})
	default:
		_ = c.Send(models.ErrorFrame("Unknown message type", ""))
	}
}

func (h *WSHandler) handleChat(c *wsClient, frame models.InboundFrame) {
	if frame.Content == "" {
		_ = c.Send(models.ErrorFrame("Missing content", frame.SessionID))
		return
	}

	s, err := h.hub.GetOrCreate(frame.SessionID)
	if err != nil {
		h.logger.Error("Failed to resolve session", "error", err, "sessionID", frame.SessionID)
		_ = c.Send(models.ErrorFrame("Failed to resolve session", frame.SessionID))
		return
	}

	if frame.NewConversation {
		s.EndConversation()
	}

	h.subscribeClient(c, s)

	if err := s.Submit(frame.Content); err != nil {
		switch {
		case errors.Is(err, session.ErrQueueFull):
			_ = c.Send(models.ErrorFrame("Too many queued prompts", s.ID()))
		case errors.Is(err, session.ErrSessionGone):
			_ = c.Send(models.ErrorFrame("Session no longer available", s.ID()))
		default:
			_ = c.Send(models.ErrorFrame("Failed to submit prompt", s.ID()))
		}
	}
}

func (h *WSHandler) handleSubscribe(c *wsClient, frame models.InboundFrame) {
	s, ok := h.hub.Get(frame.SessionID)
	if !ok {
		_ = c.Send(models.ErrorFrame("Session not found", frame.SessionID))
		return
	}
	h.subscribeClient(c, s)
	_ = c.Send(models.Frame{Type: models.FrameSubscribed, SessionID: s.ID()})
}

func (h *WSHandler) handleUnsubscribe(c *wsClient, frame models.InboundFrame) {
	if s, ok := h.hub.Get(frame.SessionID); ok {
		s.Unsubscribe(c.id)
		h.hub.ScheduleIdleCheck(s.ID())
	}
	if c.currentSession() == frame.SessionID {
		c.setSession("")
		if err := h.store.SetClientSession(c.id, nil); err != nil {
			h.logger.Warn("Failed to clear client session", "error", err, "clientID", c.id)
		}
	}
	_ = c.Send(models.Frame{Type: models.FrameUnsubscribed, SessionID: frame.SessionID})
}

// subscribeClient binds the client to s, implicitly leaving any prior
// session. Re-subscribing to the current session is a no-op beyond the
// snapshot resend inside Subscribe.
func (h *WSHandler) subscribeClient(c *wsClient, s *session.Session) {
	prior := c.currentSession()
	if prior != "" && prior != s.ID() {
		if old, ok := h.hub.Get(prior); ok {
			old.Unsubscribe(c.id)
			h.hub.ScheduleIdleCheck(prior)
		}
	}

	if err := s.Subscribe(c); err != nil {
		_ = c.Send(models.ErrorFrame("Session no longer available", s.ID()))
		return
	}
	c.setSession(s.ID())

	sid := s.ID()
	if err := h.store.SetClientSession(c.id, &sid); err != nil {
		h.logger.Warn("Failed to record client session", "error", err, "clientID", c.id)
	}
}
