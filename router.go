package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ccgate/ccgate/pkg/config"
	"github.com/ccgate/ccgate/pkg/db"
	"github.com/ccgate/ccgate/pkg/engine"
	"github.com/ccgate/ccgate/pkg/handler"
	"github.com/ccgate/ccgate/pkg/session"
	"github.com/ccgate/ccgate/pkg/utils"
)

type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	cfg       *config.Config
	port      int
}

func NewServer(cfg *config.Config, store *db.Store, hub *session.Hub, eng engine.Engine) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS: echo localhost dev origins. No credentials are used, so
	// Allow-Credentials stays off.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			if strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1") {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
			}
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		logger:    utils.GetLogger(),
		cfg:       cfg,
	}

	server.setupRoutes(store, hub, eng)

	return server
}

func (s *Server) setupRoutes(store *db.Store, hub *session.Hub, eng engine.Engine) {
	wsHandler := handler.NewWSHandler(hub, store, s.cfg.WSIdleTimeout(), s.logger)
	apiHandler := handler.NewAPIHandler(store, hub, eng, s.cfg, s.logger)

	api := s.ginEngine.Group("/api/ccsdk")
	{
		api.GET("/ws", wsHandler.Handle)

		api.GET("/sessions", apiHandler.ListSessions)
		api.POST("/query", apiHandler.Query)
		api.GET("/config", apiHandler.GetConfig)
		api.GET("/health", apiHandler.Health)

		dbGroup := api.Group("/db")
		{
			dbGroup.GET("/sessions", apiHandler.DBSessions)
			dbGroup.GET("/sessions/active", apiHandler.DBActiveSessions)
			dbGroup.GET("/sessions/:id", apiHandler.DBSession)
			dbGroup.GET("/sessions/:id/messages", apiHandler.DBSessionMessages)
			dbGroup.DELETE("/sessions/:id", apiHandler.DeleteDBSession)
			dbGroup.GET("/stats", apiHandler.DBStats)
			dbGroup.GET("/search", apiHandler.DBSearch)
			dbGroup.POST("/cleanup", apiHandler.DBCleanup)
			dbGroup.POST("/backup", apiHandler.DBBackup)
		}
	}
}

// Start binds the listener first so port conflicts surface immediately, then
// serves in the background until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}

	s.logger.Info("Server listening", "port", s.port)
	return nil
}
