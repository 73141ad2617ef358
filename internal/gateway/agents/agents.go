// Package agents implements C6's agent host registry; claim assignment
// lives in internal/gateway/runs. It tracks every self-registered agent host (id, advertised
// capabilities, last-seen heartbeat) and derives an online/degraded/offline
// liveness classification from heartbeat age on a background ticker, the
// same shape as the teacher's lifecycle.Manager cleanup loop but applied to
// connect-back hosts instead of Docker container instances.
package agents

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/platform/apierr"
	"github.com/ctrlplane/gateway/internal/platform/bus"
	"github.com/ctrlplane/gateway/internal/platform/logger"
	"github.com/ctrlplane/gateway/internal/store"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// Registry owns every known agent host's liveness state.
type Registry struct {
	agents store.AgentRepository
	bus    bus.Bus
	logger *logger.Logger

	offlineAfter  time.Duration
	degradedAfter time.Duration

	mu        sync.RWMutex
	lastSeen  map[string]time.Time
	liveness  map[string]v1.Liveness

	tickInterval time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// New builds a Registry. offlineAfter/degradedAfter are read from
// GatewayConfig.OfflineThreshold/DegradedThreshold (seconds).
func New(agentStore store.AgentRepository, b bus.Bus, log *logger.Logger, degradedAfter, offlineAfter time.Duration) *Registry {
	return &Registry{
		agents:        agentStore,
		bus:           b,
		logger:        log.WithFields(zap.String("component", "agent-registry")),
		offlineAfter:  offlineAfter,
		degradedAfter: degradedAfter,
		lastSeen:      make(map[string]time.Time),
		liveness:      make(map[string]v1.Liveness),
		tickInterval:  5 * time.Second,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background liveness sweep.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

// Stop halts the background sweep.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Register upserts an agent host's self-reported identity and capabilities,
// marking it online immediately.
func (r *Registry) Register(ctx context.Context, agent *v1.Agent) error {
	now := time.Now().UTC()
	agent.RegisteredAt = now
	agent.LastSeenAt = now
	agent.Liveness = v1.LivenessOnline

	if err := r.agents.UpsertAgent(ctx, agent); err != nil {
		return apierr.Internal("failed to register agent", err)
	}

	r.mu.Lock()
	r.lastSeen[agent.ID] = now
	r.liveness[agent.ID] = v1.LivenessOnline
	r.mu.Unlock()

	r.publish(ctx, bus.SubjectAgentRegistered, agent.ID, v1.LivenessOnline)
	return nil
}

// Heartbeat records a liveness ping from agentID, restoring it to online
// if it had degraded or gone offline.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	now := time.Now().UTC()
	if err := r.agents.Heartbeat(ctx, agentID, now); err != nil {
		if err == store.ErrNotFound {
			return apierr.NotFound("agent", agentID)
		}
		return apierr.Internal("failed to record heartbeat", err)
	}

	r.mu.Lock()
	r.lastSeen[agentID] = now
	changed := r.liveness[agentID] != v1.LivenessOnline
	r.liveness[agentID] = v1.LivenessOnline
	r.mu.Unlock()

	if changed {
		_ = r.agents.SetLiveness(ctx, agentID, v1.LivenessOnline)
		r.publish(ctx, bus.SubjectAgentLiveness, agentID, v1.LivenessOnline)
	}
	return nil
}

// Get returns a single agent host record.
func (r *Registry) Get(ctx context.Context, agentID string) (*v1.Agent, error) {
	agent, err := r.agents.GetAgent(ctx, agentID)
	if err == store.ErrNotFound {
		return nil, apierr.NotFound("agent", agentID)
	}
	if err != nil {
		return nil, apierr.Internal("failed to get agent", err)
	}
	return agent, nil
}

// List returns every known agent host.
func (r *Registry) List(ctx context.Context) ([]*v1.Agent, error) {
	list, err := r.agents.ListAgents(ctx)
	if err != nil {
		return nil, apierr.Internal("failed to list agents", err)
	}
	return list, nil
}

// sweepLoop periodically reclassifies every tracked agent's liveness from
// heartbeat age, logging and publishing on every transition.
func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	now := time.Now().UTC()

	r.mu.Lock()
	transitions := make(map[string]v1.Liveness)
	for id, seen := range r.lastSeen {
		age := now.Sub(seen)
		next := v1.LivenessOnline
		switch {
		case age >= r.offlineAfter:
			next = v1.LivenessOffline
		case age >= r.degradedAfter:
			next = v1.LivenessDegraded
		}
		if r.liveness[id] != next {
			r.liveness[id] = next
			transitions[id] = next
		}
	}
	r.mu.Unlock()

	for id, next := range transitions {
		if err := r.agents.SetLiveness(ctx, id, next); err != nil {
			r.logger.Warn("failed to persist liveness transition", zap.String("agent_id", id), zap.Error(err))
			continue
		}
		r.logger.Info("agent liveness changed", zap.String("agent_id", id), zap.String("liveness", string(next)))
		r.publish(ctx, bus.SubjectAgentLiveness, id, next)
	}
}

func (r *Registry) publish(ctx context.Context, subject, agentID string, liveness v1.Liveness) {
	event := bus.NewEvent(subject, "agents", map[string]interface{}{
		"agentId":  agentID,
		"liveness": string(liveness),
	})
	_ = r.bus.Publish(ctx, subject, event)
}
