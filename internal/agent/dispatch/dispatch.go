// Package dispatch is the agent host's top-level loop: it registers with
// the gateway, heartbeats on a ticker, and polls claim() on a second ticker,
// handing each claimed run to C8's worker pool. Grounded on the teacher's
// internal/agent/lifecycle.Manager's ticker-driven cleanupLoop shape, with a
// second ticker added for the claim cycle per §4.8's "single periodic
// ticker drives claim polling; another drives heartbeat" concurrency model.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/agent/dockerdriver"
	"github.com/ctrlplane/gateway/internal/agent/pool"
	"github.com/ctrlplane/gateway/internal/agent/registry"
	"github.com/ctrlplane/gateway/internal/agent/state"
	"github.com/ctrlplane/gateway/internal/agent/worker"
	"github.com/ctrlplane/gateway/internal/agentclient"
	"github.com/ctrlplane/gateway/internal/platform/logger"
	"github.com/ctrlplane/gateway/internal/platform/redact"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// Config carries everything the dispatcher needs for one agent host process.
type Config struct {
	AgentID             string
	AgentLabel          string
	SandboxRoot         string
	Isolation           string // "subprocess" | "docker"
	DockerImage         string
	HeartbeatInterval   time.Duration
	ClaimPollInterval   time.Duration
	CommandPollInterval time.Duration
	Allowlist           []string
}

// Dispatcher owns the claim/heartbeat loops and the worker pool they feed.
type Dispatcher struct {
	cfg      Config
	client   *agentclient.Client
	registry *registry.Registry
	pool     *pool.Pool
	states   *state.Store
	redactor *redact.Redactor
	docker   *dockerdriver.Driver
	logger   *logger.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Dispatcher. docker may be nil when cfg.Isolation != "docker".
func New(cfg Config, client *agentclient.Client, reg *registry.Registry, p *pool.Pool, states *state.Store, redactor *redact.Redactor, docker *dockerdriver.Driver, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		client:   client,
		registry: reg,
		pool:     p,
		states:   states,
		redactor: redactor,
		docker:   docker,
		logger:   log.WithFields(zap.String("component", "dispatcher"), zap.String("agent_id", cfg.AgentID)),
		stopCh:   make(chan struct{}),
	}
}

// Register announces this agent host to the gateway (§6: POST /api/clients/register).
func (d *Dispatcher) Register(ctx context.Context) error {
	body := map[string]interface{}{
		"agentId":      d.cfg.AgentID,
		"label":        d.cfg.AgentLabel,
		"version":      "1",
		"capabilities": d.registry.Capabilities(),
	}
	if err := d.client.Do(ctx, "POST", "/api/clients/register", body, nil, nil); err != nil {
		return fmt.Errorf("failed to register with gateway: %w", err)
	}
	d.logger.Info("registered with gateway", zap.Strings("capabilities", d.registry.Capabilities()))
	return nil
}

// Run drives the heartbeat and claim-poll loops until ctx is cancelled,
// then drains outstanding workers before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	d.wg.Add(2)
	go d.heartbeatLoop(ctx)
	go d.claimLoop(ctx)

	<-ctx.Done()
	d.wg.Wait()
	d.pool.TerminateAll(30 * time.Second)
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("heartbeat loop stopped")
			return
		case <-ticker.C:
			d.heartbeat(ctx)
		}
	}
}

func (d *Dispatcher) heartbeat(ctx context.Context) {
	body := map[string]string{"agentId": d.cfg.AgentID}
	if err := d.client.Do(ctx, "POST", "/api/clients/heartbeat", body, nil, nil); err != nil {
		d.logger.Warn("heartbeat failed, resuming next tick", zap.Error(err))
	}
}

func (d *Dispatcher) claimLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.ClaimPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("claim loop stopped")
			return
		case <-ticker.C:
			d.claimAndSpawn(ctx)
		}
	}
}

// claimAndSpawn polls claim() once. Per §7's resource.exhausted handling, a
// full pool is not an error — the agent just skips this cycle.
func (d *Dispatcher) claimAndSpawn(ctx context.Context) {
	if !d.pool.CanSpawn() {
		return
	}

	specs := d.registry.List()
	supported := make([]v1.WorkerType, 0, len(specs))
	for _, s := range specs {
		supported = append(supported, s.WorkerType)
	}

	var resp struct {
		Run *v1.Run `json:"run"`
	}
	body := map[string]interface{}{"agentId": d.cfg.AgentID, "supportedTypes": supported}
	if err := d.client.Do(ctx, "POST", "/api/runs/claim", body, nil, &resp); err != nil {
		d.logger.Warn("claim poll failed, resuming next tick", zap.Error(err))
		return
	}
	if resp.Run == nil {
		return
	}

	d.logger.Info("claimed run", zap.String("run_id", resp.Run.ID), zap.String("worker_type", string(resp.Run.WorkerType)))
	go d.spawnRun(resp.Run)
}

func (d *Dispatcher) spawnRun(run *v1.Run) {
	spec, err := d.registry.Get(run.WorkerType)
	if err != nil {
		d.logger.Error("no worker spec for claimed run, abandoning", zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	w := worker.New(worker.Config{
		Run:          run,
		Prompt:       run.Command,
		SandboxRoot:  d.cfg.SandboxRoot,
		Isolation:    d.cfg.Isolation,
		DockerImage:  d.cfg.DockerImage,
		PollInterval: d.cfg.CommandPollInterval,
		Allowlist:    d.cfg.Allowlist,
	}, spec, d.client, d.redactor, d.states, d.docker, d.logger)

	if err := d.pool.Spawn(context.Background(), run, w); err != nil {
		d.logger.Warn("worker pool rejected run", zap.String("run_id", run.ID), zap.Error(err))
	}
}
