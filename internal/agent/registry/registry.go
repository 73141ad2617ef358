// Package registry holds the per-worker-type argv/env recipe table C7 uses
// to spawn subprocesses. Adapted from the teacher's agent-type registry
// (Docker image/mount table, RWMutex-guarded map, Get/List/Register) into a
// capability-interface table of WorkerSpec, one row per v1.WorkerType, since
// this control plane spawns subprocesses directly rather than containers.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/platform/logger"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// WorkerSpec describes how to compose argv/env for one worker type, per
// §4.7.1's table. ShellMode is off for every spec but may be opted into by
// a platform-specific override at registration time.
type WorkerSpec struct {
	WorkerType v1.WorkerType
	Binary     string
	BuildArgv  func(run *v1.Run, prompt string) []string
	BuildEnv   func(run *v1.Run) map[string]string
	ShellMode  bool
}

// Registry holds every known WorkerSpec, keyed by worker type.
type Registry struct {
	specs  map[v1.WorkerType]*WorkerSpec
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		specs:  make(map[v1.WorkerType]*WorkerSpec),
		logger: log.WithFields(zap.String("component", "worker-registry")),
	}
}

// LoadDefaults registers the built-in worker specs (§4.7.1).
func (r *Registry) LoadDefaults() {
	for _, spec := range DefaultWorkerSpecs() {
		r.mu.Lock()
		r.specs[spec.WorkerType] = spec
		r.mu.Unlock()
		r.logger.Info("loaded worker spec", zap.String("worker_type", string(spec.WorkerType)))
	}
}

// Register adds or overrides a WorkerSpec, e.g. for a platform-specific
// shell-mode override.
func (r *Registry) Register(spec *WorkerSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.WorkerType] = spec
	r.logger.Info("registered worker spec", zap.String("worker_type", string(spec.WorkerType)))
}

// Get returns the spec for workerType.
func (r *Registry) Get(workerType v1.WorkerType) (*WorkerSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[workerType]
	if !ok {
		return nil, fmt.Errorf("worker type %q not registered", workerType)
	}
	return spec, nil
}

// List returns every registered spec.
func (r *Registry) List() []*WorkerSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*WorkerSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	return out
}

// Capabilities returns the worker types this registry can spawn, in the
// shape a C6 registration/claim call advertises.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.specs))
	for wt := range r.specs {
		out = append(out, string(wt))
	}
	return out
}
