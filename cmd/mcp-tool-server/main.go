// Package main is the standalone binary for the embedded MCP Tool Server
// (C4): invoked by the Broker Orchestrator with --task-mcp-server plus the
// flags of spec.md §6, or run directly for local debugging against a mock
// ACP agent.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lareview/broker/internal/broker/mcpserver"
	"github.com/lareview/broker/internal/broker/store"
	"github.com/lareview/broker/internal/common/config"
	"github.com/lareview/broker/internal/common/database"
	"github.com/lareview/broker/internal/common/logger"
)

func main() {
	args := os.Args[1:]
	cfg := mcpserver.ParseArgs(args)

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "info",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	appCfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration, falling back to sqlite defaults", zap.Error(err))
		appCfg = &config.Config{}
		appCfg.Database.Driver = "sqlite"
	}

	taskStore := newTaskStore(cfg, appCfg, log)

	srv := mcpserver.New(cfg, taskStore, log)
	if err := srv.Run(); err != nil {
		log.Error("mcp-tool-server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// newTaskStore selects the persisted storage collaborator: Postgres via
// PgxStore when database.driver is "postgres", SQLite otherwise. --db-path
// (or DB_PATH) always wins for the SQLite path, matching §6's CLI/dev mode.
func newTaskStore(cfg mcpserver.ServerConfig, appCfg *config.Config, log *logger.Logger) store.TaskStore {
	if appCfg.Database.Driver == "postgres" {
		db, err := database.NewDB(context.Background(), appCfg.Database)
		if err != nil {
			log.Error("failed to connect to postgres, persistence disabled for this run", zap.Error(err))
			return nil
		}
		return store.NewPgxStore(db)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath == "" {
		dbPath = appCfg.Database.Path
	}
	if dbPath == "" {
		dbPath = "lareview-tasks.db"
	}

	sqliteStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		log.Error("failed to open task store, persistence disabled for this run", zap.Error(err), zap.String("db_path", dbPath))
		return nil
	}
	return sqliteStore
}
