package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ccgate/ccgate/pkg/config"
	"github.com/ccgate/ccgate/pkg/db"
	"github.com/ccgate/ccgate/pkg/engine"
	"github.com/ccgate/ccgate/pkg/session"
	"github.com/ccgate/ccgate/pkg/utils"
)

func main() {
	utils.InitLogger()
	logger := utils.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	mcpServers, err := config.LoadMCPServers(cfg.MCPConfigPath)
	if err != nil {
		logger.Warn("Failed to load MCP servers; continuing without them", "error", err)
	}

	eng := engine.NewClaudeCLI()

	hub := session.NewHub(session.HubConfig{
		Store:         store,
		Engine:        eng,
		Logger:        logger,
		QueueCapacity: cfg.QueueCapacity,
		IdleGrace:     cfg.IdleGrace(),
		DefaultOptions: engine.Options{
			Model:          cfg.Model,
			MaxTurns:       cfg.MaxTurns,
			Cwd:            cfg.Cwd,
			PermissionMode: cfg.PermissionMode,
			MCPServers:     mcpServers,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(cfg, store, hub, eng)
	if err := server.Start(ctx); err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Shutdown(shutdownCtx)
}
