// Package runs implements C4: the run lifecycle state machine
// (pending -> running -> done/failed), claim dispatch, and restart/resume
// semantics. Grounded on the teacher's lifecycle.Manager (tracking-by-id via
// an RWMutex map with copy-out accessors) and executor.Executor (the
// claim/assignment half), generalized from Docker-container instances to
// gateway-owned Run records.
package runs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlplane/gateway/internal/platform/apierr"
	"github.com/ctrlplane/gateway/internal/platform/bus"
	"github.com/ctrlplane/gateway/internal/store"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// CreateRequest carries the UI-supplied fields for a new run.
type CreateRequest struct {
	WorkerType    v1.WorkerType
	Command       string
	Model         string
	Integration   string
	Provider      string
	Autonomous    bool
	WorkingDir    string
	RestartedFrom string
	ResumedFrom   string
}

// RestartRequest optionally overrides fields on restart; empty fields carry
// the original run's values forward.
type RestartRequest struct {
	Command    string
	WorkingDir string
	Resume     bool // Resume additionally seeds the working directory from saved state
}

// Manager owns run lifecycle transitions. Claim holds claimMu across its
// whole select-and-assign step so two agents racing a claim poll never both
// receive the same pending run; run records live only in the durable store.
type Manager struct {
	store store.RunRepository
	bus   bus.Bus

	claimMu sync.Mutex
}

// New builds a Manager over the given RunRepository and bus.
func New(runStore store.RunRepository, b bus.Bus) *Manager {
	return &Manager{store: runStore, bus: b}
}

// Create inserts a new pending run with a fresh id and capability token.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*v1.Run, error) {
	token, err := newCapabilityToken()
	if err != nil {
		return nil, apierr.Internal("failed to generate capability token", err)
	}

	run := &v1.Run{
		ID:              uuid.New().String(),
		WorkerType:      req.WorkerType,
		Command:         req.Command,
		Model:           req.Model,
		Integration:     req.Integration,
		Provider:        req.Provider,
		Autonomous:      req.Autonomous,
		WorkingDir:      req.WorkingDir,
		CapabilityToken: token,
		Status:          v1.RunStatusPending,
		CreatedAt:       time.Now().UTC(),
		RestartedFrom:   req.RestartedFrom,
		ResumedFrom:     req.ResumedFrom,
	}

	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, apierr.Internal("failed to create run", err)
	}

	m.publish(ctx, bus.SubjectRunCreated, run)
	return run, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*v1.Run, error) {
	run, err := m.store.GetRun(ctx, id)
	if err == store.ErrNotFound {
		return nil, apierr.NotFound("run", id)
	}
	if err != nil {
		return nil, apierr.Internal("failed to get run", err)
	}
	return run, nil
}

func (m *Manager) List(ctx context.Context, filter v1.RunFilter) ([]*v1.Run, error) {
	runs, err := m.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, apierr.Internal("failed to list runs", err)
	}
	return runs, nil
}

// Claim finds the oldest unassigned pending run whose worker type is in
// supportedTypes, assigns it to agentID, and returns it (including its
// capability token). Returns (nil, nil) when there is nothing to claim.
func (m *Manager) Claim(ctx context.Context, agentID string, supportedTypes []v1.WorkerType) (*v1.Run, error) {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()

	candidates, err := m.store.ListRuns(ctx, v1.RunFilter{Status: v1.RunStatusPending})
	if err != nil {
		return nil, apierr.Internal("failed to list pending runs", err)
	}

	var chosen *v1.Run
	for _, r := range candidates {
		if r.AssignedAgentID != "" {
			continue
		}
		if len(supportedTypes) > 0 && !supports(supportedTypes, r.WorkerType) {
			continue
		}
		if chosen == nil || r.CreatedAt.Before(chosen.CreatedAt) {
			chosen = r
		}
	}
	if chosen == nil {
		return nil, nil
	}

	if err := m.store.UpdateRunAssignment(ctx, chosen.ID, agentID); err != nil {
		return nil, apierr.Internal("failed to assign run", err)
	}
	chosen.AssignedAgentID = agentID

	m.publish(ctx, bus.SubjectRunClaimed, chosen)
	return chosen, nil
}

func supports(types []v1.WorkerType, t v1.WorkerType) bool {
	for _, s := range types {
		if s == t {
			return true
		}
	}
	return false
}

// MarkStarted transitions a claimed run to running, per the "marker:started"
// scenario — claim alone assigns the agent but does not flip status.
func (m *Manager) MarkStarted(ctx context.Context, runID string) error {
	if err := m.store.UpdateRunStatus(ctx, runID, v1.RunStatusRunning, nil); err != nil {
		if err == store.ErrNotFound {
			return apierr.NotFound("run", runID)
		}
		return apierr.Internal("failed to mark run started", err)
	}
	run, _ := m.Get(ctx, runID)
	m.publish(ctx, bus.SubjectRunStarted, run)
	return nil
}

// MarkFinished transitions a running run to done or failed by exit code sign.
func (m *Manager) MarkFinished(ctx context.Context, runID string, exitCode int) error {
	status := v1.RunStatusDone
	if exitCode != 0 {
		status = v1.RunStatusFailed
	}
	if err := m.store.UpdateRunStatus(ctx, runID, status, &exitCode); err != nil {
		if err == store.ErrNotFound {
			return apierr.NotFound("run", runID)
		}
		return apierr.Internal("failed to mark run finished", err)
	}
	run, _ := m.Get(ctx, runID)
	m.publish(ctx, bus.SubjectRunFinished, run)
	return nil
}

// Restart creates a NEW run copying the original's metadata fields — never
// its event log — per the Open Question decision in §9.
func (m *Manager) Restart(ctx context.Context, runID string, req RestartRequest) (*v1.Run, error) {
	original, err := m.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	if req.Resume && original.Status != v1.RunStatusDone && original.Status != v1.RunStatusFailed {
		return nil, apierr.Conflict(fmt.Sprintf("run %s is not in a terminal state, cannot resume", runID))
	}

	command := original.Command
	if req.Command != "" {
		command = req.Command
	}
	workingDir := original.WorkingDir
	if req.WorkingDir != "" {
		workingDir = req.WorkingDir
	}

	create := CreateRequest{
		WorkerType:  original.WorkerType,
		Command:     command,
		Model:       original.Model,
		Integration: original.Integration,
		Provider:    original.Provider,
		Autonomous:  original.Autonomous,
		WorkingDir:  workingDir,
	}
	if req.Resume {
		create.ResumedFrom = runID
	} else {
		create.RestartedFrom = runID
	}

	return m.Create(ctx, create)
}

func (m *Manager) Delete(ctx context.Context, runID string) error {
	if err := m.store.DeleteRun(ctx, runID); err != nil {
		if err == store.ErrNotFound {
			return apierr.NotFound("run", runID)
		}
		return apierr.Internal("failed to delete run", err)
	}
	m.publish(ctx, bus.SubjectRunDeleted, &v1.Run{ID: runID})
	return nil
}

func (m *Manager) publish(ctx context.Context, subject string, run *v1.Run) {
	if run == nil {
		return
	}
	event := bus.NewEvent(subject, "runs", map[string]interface{}{
		"runId":  run.ID,
		"status": string(run.Status),
	})
	_ = m.bus.Publish(ctx, subject, event)
}

func newCapabilityToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
