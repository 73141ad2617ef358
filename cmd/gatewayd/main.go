// Command gatewayd runs the control plane's gateway: the HTTP surface agent
// hosts connect back to and UIs subscribe against.
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
	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/gateway/agents"
	"github.com/ctrlplane/gateway/internal/gateway/api"
	"github.com/ctrlplane/gateway/internal/gateway/artifacts"
	"github.com/ctrlplane/gateway/internal/gateway/commandqueue"
	"github.com/ctrlplane/gateway/internal/gateway/eventlog"
	"github.com/ctrlplane/gateway/internal/gateway/hub"
	"github.com/ctrlplane/gateway/internal/gateway/runs"
	gwsigning "github.com/ctrlplane/gateway/internal/gateway/signing"
	"github.com/ctrlplane/gateway/internal/platform/bus"
	"github.com/ctrlplane/gateway/internal/platform/config"
	"github.com/ctrlplane/gateway/internal/platform/logger"
	"github.com/ctrlplane/gateway/internal/platform/redact"
	"github.com/ctrlplane/gateway/internal/store"
	"github.com/ctrlplane/gateway/internal/store/memstore"
	"github.com/ctrlplane/gateway/internal/store/sqlstore"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting gateway service...")

	// 3. The HMAC secret is required for the gateway to authenticate agent
	// connect-backs; config.validate() can't enforce this because the same
	// Config shape is also loaded by agentd, which derives its own client
	// token from the same env var. Fail fast here instead.
	if cfg.Gateway.HMACSecret == "" {
		log.Fatal("CTRLPLANE_HMAC_SECRET must be set")
	}

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Connect to the event bus (NATS-backed, or in-memory when cfg.NATS.URL is empty)
	eventBus, err := bus.NewBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect to event bus", zap.Error(err))
	}
	defer eventBus.Close()
	log.Info("connected to event bus", zap.Bool("connected", eventBus.IsConnected()))

	// 6. Open the durable store
	var st store.Store
	switch cfg.Database.Driver {
	case "memory":
		st = memstore.New()
	default:
		sqlSt, err := sqlstore.New(cfg.Database)
		if err != nil {
			log.Fatal("failed to open store", zap.Error(err))
		}
		st = sqlSt
	}
	defer st.Close()
	log.Info("opened durable store", zap.String("driver", cfg.Database.Driver))

	// 7. Build the redactor guarding the event log (C2)
	redactor, err := redact.New(cfg.Gateway.SecretPatterns)
	if err != nil {
		log.Fatal("failed to compile secret patterns", zap.Error(err))
	}

	// 8. Wire C1-C6
	runsMgr := runs.New(st, eventBus)
	eventLog := eventlog.New(st, redactor, eventBus)
	cmdQueue := commandqueue.New(st, st, eventBus, cfg.Gateway.AllowlistedCommands)
	agentRegistry := agents.New(st, eventBus, log,
		time.Duration(cfg.Gateway.DegradedThreshold)*time.Second,
		time.Duration(cfg.Gateway.OfflineThreshold)*time.Second,
	)
	agentRegistry.Start(ctx)
	verifier := gwsigning.New(cfg.Gateway.HMACSecret, cfg.Gateway.ClockSkew(), cfg.Gateway.NonceExpiry(), st)
	log.Info("initialized gateway core components")

	// 9. Local artifact storage stand-in
	artifactStore, err := artifacts.New(cfg.Gateway.ArtifactsDir)
	if err != nil {
		log.Fatal("failed to initialize artifact store", zap.Error(err))
	}

	// 10. Wire C5's subscription hub and bridge it to the internal bus
	subscriptionHub := hub.New(log)
	go subscriptionHub.Run(ctx)
	if err := hub.BridgeBus(ctx, eventBus, subscriptionHub); err != nil {
		log.Fatal("failed to bridge event bus to subscription hub", zap.Error(err))
	}
	log.Info("subscription hub running")

	// 11. Build the HTTP handler and router
	handler := api.NewHandler(runsMgr, eventLog, cmdQueue, agentRegistry, subscriptionHub, artifactStore, st, log)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.SetupRouter(handler, verifier, log)

	// 12. Start the HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down gateway service...")

	// 14. Graceful shutdown
	cancel()
	agentRegistry.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("gateway service stopped")
}
