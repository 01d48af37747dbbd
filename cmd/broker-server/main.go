// Package main exposes the Agent Session Broker over HTTP: a single
// POST /generate-tasks endpoint accepting a GenerateTasksInput-shaped JSON
// body and returning GenerateTasksOutput or a categorized BrokerError, in
// the same gin-based style as the teacher's other HTTP entry points.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lareview/broker/internal/broker/domain"
	brokererrors "github.com/lareview/broker/internal/broker/errors"
	"github.com/lareview/broker/internal/broker/orchestrator"
	"github.com/lareview/broker/internal/broker/progress"
	"github.com/lareview/broker/internal/common/config"
	"github.com/lareview/broker/internal/common/logger"
	"github.com/lareview/broker/internal/common/tracing"
)

type generateTasksRequest struct {
	PR                      domain.PullRequestContext `json:"pr"`
	DiffText                string                    `json:"diff_text"`
	RepoRoot                string                    `json:"repo_root,omitempty"`
	AgentCommand            []string                  `json:"agent_command,omitempty"`
	McpServerBinaryOverride string                    `json:"mcp_server_binary_override,omitempty"`
	DBPath                  string                    `json:"db_path,omitempty"`
	TimeoutSeconds          int                       `json:"timeout_seconds,omitempty"`
	Debug                   bool                      `json:"debug,omitempty"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	broker := orchestrator.New(log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/generate-tasks", handleGenerateTasks(broker, cfg, log))

	port := cfg.Server.Port
	if port == 0 {
		port = 8090
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("broker-server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down broker-server...")
	if err := server.Close(); err != nil {
		log.Error("error closing broker-server", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down tracer provider", zap.Error(err))
	}
}

func handleGenerateTasks(broker *orchestrator.Orchestrator, cfg *config.Config, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateTasksRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		agentCommand := req.AgentCommand
		if len(agentCommand) == 0 {
			agentCommand = cfg.ReviewBroker.AgentCommand
		}
		if len(agentCommand) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no agent_command configured"})
			return
		}

		timeout := req.TimeoutSeconds
		if timeout <= 0 {
			timeout = cfg.ReviewBroker.DefaultTimeoutSeconds
		}

		mcpOverride := req.McpServerBinaryOverride
		if mcpOverride == "" {
			mcpOverride = cfg.ReviewBroker.McpServerBinaryOverride
		}

		dbPath := req.DBPath
		if dbPath == "" && cfg.ReviewBroker.DBPathEnvVar != "" {
			dbPath = os.Getenv(cfg.ReviewBroker.DBPathEnvVar)
		}

		runID := uuid.NewString()

		sink, err := progress.NewNATSSink(cfg.NATS, runID, log)
		if err != nil {
			log.Warn("failed to connect progress sink to NATS, falling back to no-op", zap.Error(err))
			sink = progress.Noop{}
		}
		if closer, ok := sink.(interface{ Close() }); ok {
			defer closer.Close()
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(timeout+30)*time.Second)
		defer cancel()

		out, berr := broker.GenerateTasks(ctx, orchestrator.GenerateTasksInput{
			RunID:                   runID,
			PR:                      req.PR,
			DiffText:                req.DiffText,
			RepoRoot:                req.RepoRoot,
			Agent:                   orchestrator.AgentDescriptor{Command: agentCommand[0], Args: agentCommand[1:]},
			Progress:                sink,
			McpServerBinaryOverride: mcpOverride,
			DBPath:                  dbPath,
			TimeoutSeconds:          timeout,
			Debug:                   req.Debug,
		})
		if berr != nil {
			log.Error("generate_tasks failed", zap.String("kind", string(berr.Kind)), zap.Error(berr))
			c.JSON(statusForKind(berr.Kind), gin.H{
				"error":   berr.Message,
				"kind":    berr.Kind,
				"context": berr.Context,
			})
			return
		}

		c.JSON(http.StatusOK, out)
	}
}

func statusForKind(kind brokererrors.Kind) int {
	switch kind {
	case brokererrors.KindValidationFailed, brokererrors.KindNoTasksReturned:
		return http.StatusUnprocessableEntity
	case brokererrors.KindTimedOut:
		return http.StatusGatewayTimeout
	case brokererrors.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
