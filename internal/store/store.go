// Package store defines the repository interfaces the gateway's components
// (C2/C3/C4/C6) use to persist runs, events, commands, and agents, and the
// nonce ledger C1 uses for replay protection. Two implementations satisfy
// it: memstore (in-memory, tests and single-process dev) and sqlstore (SQLite
// or Postgres, selected by config.DatabaseConfig.Driver).
package store

import (
	"context"
	"errors"
	"time"

	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// ErrNotFound is returned by Get-style methods when the row does not exist.
var ErrNotFound = errors.New("store: not found")

// RunRepository persists Run rows and cascades to events/commands on delete.
type RunRepository interface {
	CreateRun(ctx context.Context, run *v1.Run) error
	GetRun(ctx context.Context, id string) (*v1.Run, error)
	ListRuns(ctx context.Context, filter v1.RunFilter) ([]*v1.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status v1.RunStatus, exitCode *int) error
	UpdateRunAssignment(ctx context.Context, id, agentID string) error
	DeleteRun(ctx context.Context, id string) error
}

// EventRepository persists a run's append-only event log.
type EventRepository interface {
	// AppendEvent assigns the next monotonic id for runID and stores the record.
	AppendEvent(ctx context.Context, runID string, eventType v1.EventType, data string, senderSeq *int64) (int64, error)
	// ReadEvents returns events with id > afterID, oldest first, bounded by limit (0 = no bound).
	ReadEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*v1.Event, error)
}

// CommandRepository persists a run's FIFO command queue.
type CommandRepository interface {
	EnqueueCommand(ctx context.Context, cmd *v1.Command) error
	// PollCommands returns pending commands for runID in FIFO order.
	PollCommands(ctx context.Context, runID string) ([]*v1.Command, error)
	// AckCommand marks a command completed. Re-acking an already-completed
	// command is a no-op that keeps the original result and error (idempotent).
	AckCommand(ctx context.Context, runID, cmdID, result, errText string) error
}

// AgentRepository persists agent-host registration and liveness bookkeeping.
type AgentRepository interface {
	UpsertAgent(ctx context.Context, agent *v1.Agent) error
	Heartbeat(ctx context.Context, agentID string, at time.Time) error
	GetAgent(ctx context.Context, agentID string) (*v1.Agent, error)
	ListAgents(ctx context.Context) ([]*v1.Agent, error)
	SetLiveness(ctx context.Context, agentID string, liveness v1.Liveness) error
}

// RunStateRepository persists the gateway's mirror of each run's
// agent-reported working state (§6: POST/GET /api/runs/:id/state).
type RunStateRepository interface {
	PutRunState(ctx context.Context, state *v1.RunState) error
	GetRunState(ctx context.Context, runID string) (*v1.RunState, error)
}

// NonceRepository backs C1's replay protection.
type NonceRepository interface {
	// RecordNonce returns true if nonce was not previously seen (accept),
	// false if it was (reject as replay).
	RecordNonce(ctx context.Context, nonce string, ts time.Time) (bool, error)
	PurgeExpired(ctx context.Context, before time.Time) error
}

// Store bundles every repository the gateway needs behind one handle so
// cmd/gatewayd can construct and close a single object.
type Store interface {
	RunRepository
	EventRepository
	CommandRepository
	AgentRepository
	RunStateRepository
	NonceRepository

	Close() error
}
