// Package memstore is the in-memory store.Store used for unit tests and
// single-process dev deployments (database.driver = "memory").
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ctrlplane/gateway/internal/store"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// MemStore implements store.Store with in-process maps guarded by a mutex.
type MemStore struct {
	mu sync.RWMutex

	runs     map[string]*v1.Run
	events   map[string][]*v1.Event // runID -> ordered log
	nextEvID map[string]int64
	commands map[string][]*v1.Command // runID -> FIFO order
	agents   map[string]*v1.Agent
	runState map[string]*v1.RunState
	nonces   map[string]time.Time
}

var _ store.Store = (*MemStore)(nil)

// New constructs an empty MemStore.
func New() *MemStore {
	return &MemStore{
		runs:     make(map[string]*v1.Run),
		events:   make(map[string][]*v1.Event),
		nextEvID: make(map[string]int64),
		commands: make(map[string][]*v1.Command),
		agents:   make(map[string]*v1.Agent),
		runState: make(map[string]*v1.RunState),
		nonces:   make(map[string]time.Time),
	}
}

func (m *MemStore) Close() error { return nil }

// Run operations

func (m *MemStore) CreateRun(ctx context.Context, run *v1.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemStore) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemStore) ListRuns(ctx context.Context, filter v1.RunFilter) ([]*v1.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.Run
	for _, r := range m.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.WorkerType != "" && r.WorkerType != filter.WorkerType {
			continue
		}
		if filter.ClientID != "" && r.AssignedAgentID != filter.ClientID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemStore) UpdateRunStatus(ctx context.Context, id string, status v1.RunStatus, exitCode *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = status
	switch status {
	case v1.RunStatusRunning:
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	case v1.RunStatusDone, v1.RunStatusFailed:
		if r.FinishedAt == nil {
			r.FinishedAt = &now
		}
		r.ExitCode = exitCode
	}
	return nil
}

func (m *MemStore) UpdateRunAssignment(ctx context.Context, id, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	r.AssignedAgentID = agentID
	return nil
}

func (m *MemStore) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.runs, id)
	delete(m.events, id)
	delete(m.nextEvID, id)
	delete(m.commands, id)
	delete(m.runState, id)
	return nil
}

// Event operations

func (m *MemStore) AppendEvent(ctx context.Context, runID string, eventType v1.EventType, data string, senderSeq *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEvID[runID]++
	id := m.nextEvID[runID]

	ev := &v1.Event{
		ID:        id,
		RunID:     runID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		SenderSeq: senderSeq,
	}
	m.events[runID] = append(m.events[runID], ev)
	return id, nil
}

func (m *MemStore) ReadEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*v1.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.Event
	for _, ev := range m.events[runID] {
		if ev.ID <= afterID {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Command operations

func (m *MemStore) EnqueueCommand(ctx context.Context, cmd *v1.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cmd
	m.commands[cmd.RunID] = append(m.commands[cmd.RunID], &cp)
	return nil
}

func (m *MemStore) PollCommands(ctx context.Context, runID string) ([]*v1.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.Command
	for _, c := range m.commands[runID] {
		if c.Status == v1.CommandPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) AckCommand(ctx context.Context, runID, cmdID, result, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.commands[runID] {
		if c.ID != cmdID {
			continue
		}
		if c.Status == v1.CommandCompleted {
			return nil // idempotent re-ack
		}
		now := time.Now().UTC()
		c.Status = v1.CommandCompleted
		c.Result = result
		c.Error = errText
		c.AckedAt = &now
		return nil
	}
	return store.ErrNotFound
}

// Agent operations

func (m *MemStore) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agent
	if existing, ok := m.agents[agent.ID]; ok {
		cp.RegisteredAt = existing.RegisteredAt
	} else {
		cp.RegisteredAt = time.Now().UTC()
	}
	m.agents[agent.ID] = &cp
	return nil
}

func (m *MemStore) Heartbeat(ctx context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return store.ErrNotFound
	}
	a.LastSeenAt = at
	return nil
}

func (m *MemStore) GetAgent(ctx context.Context, agentID string) (*v1.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*v1.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) SetLiveness(ctx context.Context, agentID string, liveness v1.Liveness) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return store.ErrNotFound
	}
	a.Liveness = liveness
	return nil
}

// Run state operations

func (m *MemStore) PutRunState(ctx context.Context, state *v1.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	m.runState[state.RunID] = &cp
	return nil
}

func (m *MemStore) GetRunState(ctx context.Context, runID string) (*v1.RunState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.runState[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// Nonce operations

func (m *MemStore) RecordNonce(ctx context.Context, nonce string, ts time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.nonces[nonce]; seen {
		return false, nil
	}
	m.nonces[nonce] = ts
	return true, nil
}

func (m *MemStore) PurgeExpired(ctx context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, ts := range m.nonces {
		if ts.Before(before) {
			delete(m.nonces, n)
		}
	}
	return nil
}
