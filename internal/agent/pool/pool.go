// Package pool implements C8: the agent-local worker pool that bounds
// concurrent C7 workers by maxConcurrent and tracks per-worker state.
// Grounded on the teacher's orchestrator/executor.Executor (maxConcurrent
// check, RWMutex-guarded tracking map, CanExecute/ActiveCount shape),
// adapted from per-task Docker-agent executions to per-run worker.Worker
// instances driven in-process.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/agent/worker"
	"github.com/ctrlplane/gateway/internal/platform/logger"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// ErrPoolFull is returned by Spawn when activeCount == maxConcurrent,
// surfaced to the dispatcher as resource.exhausted (no UI-visible error;
// the agent simply skips the claim cycle per §7).
var ErrPoolFull = errors.New("pool: max concurrent workers reached")

// WorkerState is a tracked worker's lifecycle stage.
type WorkerState string

const (
	StatePending   WorkerState = "pending"
	StateStarting  WorkerState = "starting"
	StateActive    WorkerState = "active"
	StateStopping  WorkerState = "stopping"
	StateCompleted WorkerState = "completed"
	StateFailed    WorkerState = "failed"
)

// tracked is one worker's bookkeeping entry.
type tracked struct {
	runID     string
	state     WorkerState
	startedAt time.Time
	cancel    context.CancelFunc
}

// Pool bounds and tracks the agent's live C7 workers.
type Pool struct {
	logger *logger.Logger

	mu            sync.RWMutex
	workers       map[string]*tracked
	maxConcurrent int

	completed int
	failed    int
}

// New builds a Pool capped at maxConcurrent live workers.
func New(maxConcurrent int, log *logger.Logger) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Pool{
		logger:        log.WithFields(zap.String("component", "worker-pool")),
		workers:       make(map[string]*tracked),
		maxConcurrent: maxConcurrent,
	}
}

// CanSpawn reports whether the pool has capacity for another worker.
func (p *Pool) CanSpawn() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers) < p.maxConcurrent
}

// ActiveCount returns the number of tracked (not-yet-removed) workers.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Spawn starts w for run under the pool's concurrency cap, blocking until
// the worker exits, and removes it from tracking on return. Call this in
// its own goroutine per run — Spawn itself blocks for the worker's lifetime.
func (p *Pool) Spawn(ctx context.Context, run *v1.Run, w *worker.Worker) error {
	p.mu.Lock()
	if len(p.workers) >= p.maxConcurrent {
		p.mu.Unlock()
		return ErrPoolFull
	}
	workerCtx, cancel := context.WithCancel(ctx)
	p.workers[run.ID] = &tracked{runID: run.ID, state: StateStarting, startedAt: time.Now(), cancel: cancel}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.workers, run.ID)
		p.mu.Unlock()
	}()

	if err := w.Spawn(workerCtx); err != nil {
		p.setState(run.ID, StateFailed)
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		p.logger.Error("worker spawn failed", zap.String("run_id", run.ID), zap.Error(err))
		return err
	}
	p.setState(run.ID, StateActive)

	exitCode, err := w.Run(workerCtx)

	p.mu.Lock()
	if exitCode == 0 && err == nil {
		p.completed++
	} else {
		p.failed++
	}
	p.mu.Unlock()

	if err != nil {
		p.setState(run.ID, StateFailed)
		p.logger.Warn("worker exited with error", zap.String("run_id", run.ID), zap.Error(err))
		return err
	}

	p.logger.Info("worker finished", zap.String("run_id", run.ID), zap.Int("exit_code", exitCode))
	return nil
}

func (p *Pool) setState(runID string, state WorkerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.workers[runID]; ok {
		t.state = state
	}
}

// TerminateAll cancels every tracked worker's context, asking it to stop,
// and waits up to drainTimeout for them to drain.
func (p *Pool) TerminateAll(drainTimeout time.Duration) {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.workers))
	for _, t := range p.workers {
		cancels = append(cancels, t.cancel)
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if p.ActiveCount() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Totals returns (completed, failed, active) counters for observability.
func (p *Pool) Totals() (completed, failed, active int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.completed, p.failed, len(p.workers)
}
