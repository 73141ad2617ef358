// Command agentd is the agent host binary: its "listen" subcommand is the
// long-running dispatcher (register, heartbeat, claim, spawn workers); its
// remaining subcommands are thin signed-HTTP-client wrappers over the
// gateway's UI-facing surface. Subcommand dispatch is hand-rolled with the
// standard library's flag package, since no CLI framework appears anywhere
// in the pack this binary is grounded on.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/agent/cli"
	"github.com/ctrlplane/gateway/internal/agent/dispatch"
	"github.com/ctrlplane/gateway/internal/agent/dockerdriver"
	"github.com/ctrlplane/gateway/internal/agent/pool"
	"github.com/ctrlplane/gateway/internal/agent/registry"
	"github.com/ctrlplane/gateway/internal/agent/state"
	"github.com/ctrlplane/gateway/internal/agentclient"
	"github.com/ctrlplane/gateway/internal/platform/config"
	"github.com/ctrlplane/gateway/internal/platform/logger"
	"github.com/ctrlplane/gateway/internal/platform/redact"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agentd <listen|login|logout|whoami|list|show|stop|halt|escape|input|restart|resume> [flags]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(cli.ExitConfig)
	}

	sub, args := os.Args[1], os.Args[2:]
	switch sub {
	case "listen":
		runListen(args)
	case "login":
		os.Exit(cli.Login(args, os.Stdout))
	case "logout":
		os.Exit(cli.Logout(os.Stdout))
	case "whoami":
		os.Exit(cli.Whoami(os.Stdout))
	case "list":
		os.Exit(cli.List(args, os.Stdout))
	case "show":
		os.Exit(cli.Show(args, os.Stdout))
	case "stop":
		os.Exit(cli.Stop(args, os.Stdout))
	case "halt":
		os.Exit(cli.Halt(args, os.Stdout))
	case "escape":
		os.Exit(cli.Escape(args, os.Stdout))
	case "input":
		os.Exit(cli.Input(args, os.Stdout))
	case "restart":
		os.Exit(cli.Restart(args, os.Stdout))
	case "resume":
		os.Exit(cli.Resume(args, os.Stdout))
	default:
		usage()
		os.Exit(cli.ExitConfig)
	}
}

// runListen runs the long-running dispatcher: register, heartbeat, claim,
// spawn workers, drain on SIGINT/SIGTERM. Flags override config file/env
// values where given.
func runListen(args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	agentID := fs.String("agent-id", "", "override agent.agentId")
	agentLabel := fs.String("agent-label", "", "override agent.agentLabel")
	maxConcurrent := fs.Int("max-concurrent", 0, "override agent.maxConcurrent")
	pollInterval := fs.Int("poll-interval", 0, "override agent.claimPollIntervalMs")
	clientToken := fs.String("client-token", "", "override agent.clientToken")
	_ = fs.Parse(args)

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(cli.ExitConfig)
	}
	if *agentID != "" {
		cfg.Agent.AgentID = *agentID
	}
	if *agentLabel != "" {
		cfg.Agent.AgentLabel = *agentLabel
	}
	if *maxConcurrent > 0 {
		cfg.Agent.MaxConcurrent = *maxConcurrent
	}
	if *pollInterval > 0 {
		cfg.Agent.ClaimPollInterval = *pollInterval
	}
	if *clientToken != "" {
		cfg.Agent.ClientToken = *clientToken
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(cli.ExitConfig)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agent host...")

	if cfg.Agent.ClientToken == "" {
		log.Fatal("CTRLPLANE_HMAC_SECRET (or --client-token) must be set")
	}
	if cfg.Agent.GatewayURL == "" {
		log.Fatal("agent.gatewayUrl must be set")
	}
	if cfg.Agent.AgentID == "" {
		log.Fatal("agent.agentId (or --agent-id) must be set")
	}

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Resolve and create the sandbox root
	sandboxRoot, err := filepath.Abs(expandHome(cfg.Agent.RunsDir))
	if err != nil {
		log.Fatal("failed to resolve runs directory", zap.Error(err))
	}
	if err := os.MkdirAll(sandboxRoot, 0o755); err != nil {
		log.Fatal("failed to create runs directory", zap.Error(err))
	}

	// 5. Build the worker-type registry
	reg := registry.NewRegistry(log)
	reg.LoadDefaults()
	log.Info("loaded worker registry", zap.Int("worker_types", len(reg.List())))

	// 6. Build the secret redactor applied to every outbound event chunk
	redactor, err := redact.New(cfg.Gateway.SecretPatterns)
	if err != nil {
		log.Fatal("failed to compile secret patterns", zap.Error(err))
	}

	// 7. Build the local run-state store used to resume after a restart
	stateDir := filepath.Join(sandboxRoot, ".state")
	stateStore, err := state.New(stateDir)
	if err != nil {
		log.Fatal("failed to initialize state store", zap.Error(err))
	}

	// 8. Optionally initialize the Docker driver
	var docker *dockerdriver.Driver
	if cfg.Agent.Isolation == "docker" {
		docker, err = dockerdriver.New(log)
		if err != nil {
			log.Fatal("failed to initialize docker driver", zap.Error(err))
		}
		defer docker.Close()
		log.Info("docker isolation enabled")
	}

	// 9. Build the signed gateway client and worker pool
	gwClient := agentclient.New(cfg.Agent.GatewayURL, cfg.Agent.ClientToken)
	workerPool := pool.New(cfg.Agent.MaxConcurrent, log)

	// 10. Build and register the dispatcher
	dispatcher := dispatch.New(dispatch.Config{
		AgentID:             cfg.Agent.AgentID,
		AgentLabel:          cfg.Agent.AgentLabel,
		SandboxRoot:         sandboxRoot,
		Isolation:           cfg.Agent.Isolation,
		DockerImage:         cfg.Agent.DockerImage,
		HeartbeatInterval:   cfg.Agent.HeartbeatIntervalDuration(),
		ClaimPollInterval:   cfg.Agent.ClaimPollIntervalDuration(),
		CommandPollInterval: cfg.Agent.CommandPollIntervalDuration(),
		Allowlist:           cfg.Gateway.AllowlistedCommands,
	}, gwClient, reg, workerPool, stateStore, redactor, docker, log)

	if err := dispatcher.Register(ctx); err != nil {
		log.Fatal("failed to register with gateway", zap.Error(err))
	}
	log.Info("agent host ready", zap.String("agent_id", cfg.Agent.AgentID), zap.String("gateway_url", cfg.Agent.GatewayURL))

	// 11. Cancel on SIGINT/SIGTERM, then block until the dispatcher has
	// fully drained its workers.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutting down agent host...")
		cancel()
	}()

	dispatcher.Run(ctx)
	log.Info("agent host stopped")
}

// expandHome resolves a leading "~" to the user's home directory, since
// RunsDir's default ("~/.ctrlplane/runs") is not otherwise expanded by viper.
func expandHome(path string) string {
	if path == "~" || len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
