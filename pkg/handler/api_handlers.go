package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ccgate/ccgate/pkg/config"
	"github.com/ccgate/ccgate/pkg/db"
	"github.com/ccgate/ccgate/pkg/engine"
	"github.com/ccgate/ccgate/pkg/session"
)

const queryTimeout = 5 * time.Minute

// APIHandler serves the REST surface under /api/ccsdk.
type APIHandler struct {
	store  *db.Store
	hub    *session.Hub
	eng    engine.Engine
	cfg    *config.Config
	logger *slog.Logger
}

// NewAPIHandler wires the REST handlers.
func NewAPIHandler(store *db.Store, hub *session.Hub, eng engine.Engine, cfg *config.Config, logger *slog.Logger) *APIHandler {
	return &APIHandler{store: store, hub: hub, eng: eng, cfg: cfg, logger: logger}
}

// ListSessions returns snapshots of the in-memory sessions.
func (h *APIHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.hub.List()})
}

// Query runs a one-shot, non-streaming prompt.
func (h *APIHandler) Query(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing prompt"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	res, err := engine.RunOnce(ctx, h.eng, req.Prompt, h.defaultOptions())
	if err != nil {
		h.logger.Error("One-shot query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetConfig returns the effective default engine options.
func (h *APIHandler) GetConfig(c *gin.Context) {
	opts := h.defaultOptions()
	c.JSON(http.StatusOK, gin.H{
		"model":          opts.Model,
		"maxTurns":       opts.MaxTurns,
		"cwd":            opts.Cwd,
		"permissionMode": opts.PermissionMode,
		"mcpServers":     opts.MCPServers,
	})
}

// Health reports liveness and the number of running sessions.
func (h *APIHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"activeSessions": h.hub.RunningCount(),
		"timestamp":      time.Now().UnixMilli(),
	})
}

// DBSessions lists persisted sessions with limit/offset paging.
func (h *APIHandler) DBSessions(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	sessions, err := h.store.ListSessions(limit, offset)
	if err != nil {
		h.logger.Error("Failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// DBActiveSessions lists persisted sessions with a turn in flight.
func (h *APIHandler) DBActiveSessions(c *gin.Context) {
	sessions, err := h.store.ListActiveSessions()
	if err != nil {
		h.logger.Error("Failed to list active sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list active sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// DBSession returns one persisted session.
func (h *APIHandler) DBSession(c *gin.Context) {
	sess, err := h.store.GetSession(c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Error("Failed to get session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DBSessionMessages returns a session's messages in chronological order.
func (h *APIHandler) DBSessionMessages(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetSession(id); err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Error("Failed to get session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session"})
		return
	}

	messages, err := h.store.ListMessages(id, intQuery(c, "limit", 200))
	if err != nil {
		h.logger.Error("Failed to list messages", "error", err, "sessionID", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}

// DeleteDBSession deletes a session row and cascades to its messages. The
// in-memory session, if present, is reclaimed first.
func (h *APIHandler) DeleteDBSession(c *gin.Context) {
	id := c.Param("id")

	if s, ok := h.hub.Get(id); ok {
		s.Cleanup()
	}

	if err := h.store.DeleteSession(id); err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Error("Failed to delete session", "error", err, "sessionID", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DBStats returns totals and the per-type message breakdown.
func (h *APIHandler) DBStats(c *gin.Context) {
	stats, err := h.store.Stats()
	if err != nil {
		h.logger.Error("Failed to compute stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// DBSearch performs a substring search across message content.
func (h *APIHandler) DBSearch(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing query parameter q"})
		return
	}

	hits, err := h.store.SearchMessages(query, intQuery(c, "limit", 50))
	if err != nil {
		h.logger.Error("Failed to search messages", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to search messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": hits, "count": len(hits)})
}

// DBCleanup deletes inactive sessions older than the given number of days.
func (h *APIHandler) DBCleanup(c *gin.Context) {
	var req struct {
		Days int `json:"days"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Days <= 0 {
		req.Days = 30
	}

	removed, err := h.store.CleanupOldSessions(req.Days)
	if err != nil {
		h.logger.Error("Failed to cleanup sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cleanup sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": removed})
}

// DBBackup snapshots the database to a file.
func (h *APIHandler) DBBackup(c *gin.Context) {
	var req struct {
		Path string `json:"path"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Path == "" {
		req.Path = h.cfg.DBPath + ".backup-" + time.Now().Format("20060102-150405")
	}

	if err := h.store.Backup(req.Path); err != nil {
		h.logger.Error("Failed to backup database", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to backup database"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "path": req.Path})
}

func (h *APIHandler) defaultOptions() engine.Options {
	servers, err := config.LoadMCPServers(h.cfg.MCPConfigPath)
	if err != nil {
		h.logger.Warn("Failed to load MCP servers", "error", err)
	}
	return engine.Options{
		Model:          h.cfg.Model,
		MaxTurns:       h.cfg.MaxTurns,
		Cwd:            h.cfg.Cwd,
		PermissionMode: h.cfg.PermissionMode,
		MCPServers:     servers,
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
