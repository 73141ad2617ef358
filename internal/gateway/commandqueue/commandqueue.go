// Package commandqueue implements C3: a per-run FIFO command queue. It is
// restructured from the teacher's global container/heap-based priority
// queue (orchestrator/queue.TaskQueue) into a per-run container/list FIFO,
// since commands have no cross-run priority — only per-run insertion order
// (§5's ordering guarantee #2) and O(1) ack-by-id matter here.
package commandqueue

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlplane/gateway/internal/platform/apierr"
	"github.com/ctrlplane/gateway/internal/platform/bus"
	"github.com/ctrlplane/gateway/internal/store"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// magicVerbs are dispatched straight to the agent driver, bypassing the
// allowlist entirely.
var magicVerbs = []string{
	v1.VerbStop, v1.VerbHalt, v1.VerbEscape, v1.VerbStartVNCStream,
}

// Queue is the gateway's handle onto every run's command FIFO. The
// container/list queues are an in-memory fast path mirroring the durable
// store so PollCommands doesn't need a round-trip on every agent poll tick;
// the store remains authoritative.
type Queue struct {
	mu          sync.Mutex
	perRun      map[string]*list.List // runID -> *list.List of *v1.Command
	byID        map[string]*list.Element
	commands    store.CommandRepository
	runs        store.RunRepository
	bus         bus.Bus
	allowlisted []string
}

// New builds a Queue. allowlisted is the operator-configured list of
// exact-or-prefix-matched shell commands enforced here in addition to the
// agent's own enforcement (defense-in-depth per §9's open-question decision).
func New(commands store.CommandRepository, runs store.RunRepository, b bus.Bus, allowlisted []string) *Queue {
	return &Queue{
		perRun:      make(map[string]*list.List),
		byID:        make(map[string]*list.Element),
		commands:    commands,
		runs:        runs,
		bus:         b,
		allowlisted: allowlisted,
	}
}

func isMagicVerb(cmd string) bool {
	for _, v := range magicVerbs {
		if cmd == v || strings.HasPrefix(cmd, v1.VerbInputPrefix) {
			return true
		}
	}
	return false
}

func (q *Queue) allowed(cmd string) bool {
	if isMagicVerb(cmd) {
		return true
	}
	for _, a := range q.allowlisted {
		if cmd == a || strings.HasPrefix(cmd, a+" ") {
			return true
		}
	}
	return false
}

// Enqueue validates cmd against the allowlist, persists it, and pushes it
// onto the run's in-memory FIFO, publishing command_queued on the bus.
func (q *Queue) Enqueue(ctx context.Context, runID, cmdText string) (*v1.Command, error) {
	if !q.allowed(cmdText) {
		return nil, apierr.Validation("command not in allowlist")
	}

	run, err := q.runs.GetRun(ctx, runID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("run", runID)
		}
		return nil, apierr.Internal("failed to load run", err)
	}
	if run.Status != v1.RunStatusRunning {
		return nil, apierr.Conflict(fmt.Sprintf("run %s is not running, cannot enqueue command", runID))
	}

	cmd := &v1.Command{
		ID:        uuid.New().String(),
		RunID:     runID,
		Command:   cmdText,
		Status:    v1.CommandPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := q.commands.EnqueueCommand(ctx, cmd); err != nil {
		return nil, apierr.Internal("failed to enqueue command", err)
	}

	q.mu.Lock()
	l, ok := q.perRun[runID]
	if !ok {
		l = list.New()
		q.perRun[runID] = l
	}
	elem := l.PushBack(cmd)
	q.byID[cmd.ID] = elem
	q.mu.Unlock()

	q.publish(ctx, runID, bus.SubjectCommandQueued, cmd)
	return cmd, nil
}

// Poll returns pending commands for runID in FIFO order, falling back to the
// durable store if the in-memory queue was never primed (gateway restart).
func (q *Queue) Poll(ctx context.Context, runID string) ([]*v1.Command, error) {
	q.mu.Lock()
	l, ok := q.perRun[runID]
	var pending []*v1.Command
	if ok {
		for e := l.Front(); e != nil; e = e.Next() {
			cmd := e.Value.(*v1.Command)
			if cmd.Status == v1.CommandPending {
				pending = append(pending, cmd)
			}
		}
	}
	q.mu.Unlock()

	if !ok {
		stored, err := q.commands.PollCommands(ctx, runID)
		if err != nil {
			return nil, apierr.Internal("failed to poll commands", err)
		}
		return stored, nil
	}
	return pending, nil
}

// Ack marks cmdID completed. Idempotent: re-acking an already-completed
// command is a no-op that does not change the observable result.
func (q *Queue) Ack(ctx context.Context, runID, cmdID, result, errText string) error {
	if err := q.commands.AckCommand(ctx, runID, cmdID, result, errText); err != nil {
		return apierr.Internal("failed to ack command", err)
	}

	q.mu.Lock()
	if elem, ok := q.byID[cmdID]; ok {
		cmd := elem.Value.(*v1.Command)
		if cmd.Status != v1.CommandCompleted {
			now := time.Now().UTC()
			cmd.Status = v1.CommandCompleted
			cmd.Result = result
			cmd.Error = errText
			cmd.AckedAt = &now
		}
	}
	q.mu.Unlock()

	q.publish(ctx, runID, bus.SubjectCommandCompleted, &v1.Command{ID: cmdID, RunID: runID, Result: result, Error: errText})
	return nil
}

func (q *Queue) publish(ctx context.Context, runID, subject string, cmd *v1.Command) {
	event := bus.NewEvent(subject, "commandqueue", map[string]interface{}{
		"runId":     runID,
		"commandId": cmd.ID,
		"command":   cmd.Command,
	})
	_ = q.bus.Publish(ctx, subject, event)
}
