package commandqueue

import (
	"context"
	"testing"

	"github.com/ctrlplane/gateway/internal/platform/apierr"
	"github.com/ctrlplane/gateway/internal/platform/bus"
	"github.com/ctrlplane/gateway/internal/store/memstore"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

func newTestQueue(t *testing.T, allowlisted []string) (*Queue, *memstore.MemStore) {
	t.Helper()
	st := memstore.New()
	return New(st, st, bus.NewMemoryBus(), allowlisted), st
}

func createRun(t *testing.T, st *memstore.MemStore, id string, status v1.RunStatus) {
	t.Helper()
	ctx := context.Background()
	run := &v1.Run{ID: id, WorkerType: v1.WorkerType("claude-code"), Status: v1.RunStatusPending}
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if status != v1.RunStatusPending {
		if err := st.UpdateRunStatus(ctx, id, status, nil); err != nil {
			t.Fatalf("UpdateRunStatus failed: %v", err)
		}
	}
}

func TestEnqueueRejectsNonRunningRun(t *testing.T) {
	q, st := newTestQueue(t, []string{"git status"})
	createRun(t, st, "run-1", v1.RunStatusPending)

	_, err := q.Enqueue(context.Background(), "run-1", "git status")
	if err == nil {
		t.Fatal("expected enqueue against a pending run to fail")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Code != apierr.CodeConflict {
		t.Fatalf("expected a conflict error, got %v", err)
	}
}

func TestEnqueueRejectsTerminalRun(t *testing.T) {
	q, st := newTestQueue(t, []string{"git status"})
	createRun(t, st, "run-1", v1.RunStatusDone)

	_, err := q.Enqueue(context.Background(), "run-1", "git status")
	if err == nil {
		t.Fatal("expected enqueue against a done run to fail")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Code != apierr.CodeConflict {
		t.Fatalf("expected a conflict error, got %v", err)
	}
}

func TestEnqueueSucceedsAgainstRunningRun(t *testing.T) {
	q, st := newTestQueue(t, []string{"git status"})
	createRun(t, st, "run-1", v1.RunStatusRunning)

	cmd, err := q.Enqueue(context.Background(), "run-1", "git status")
	if err != nil {
		t.Fatalf("expected enqueue against a running run to succeed, got %v", err)
	}
	if cmd.Status != v1.CommandPending {
		t.Errorf("expected new command to be pending, got %s", cmd.Status)
	}
}

func TestEnqueueRejectsCommandNotInAllowlist(t *testing.T) {
	q, st := newTestQueue(t, []string{"git status"})
	createRun(t, st, "run-1", v1.RunStatusRunning)

	_, err := q.Enqueue(context.Background(), "run-1", "rm -rf /")
	if err == nil {
		t.Fatal("expected enqueue of a disallowed command to fail")
	}
}

func TestPollReturnsCommandsInFIFOOrder(t *testing.T) {
	q, st := newTestQueue(t, []string{"git status", "git diff", "git log"})
	createRun(t, st, "run-1", v1.RunStatusRunning)
	ctx := context.Background()

	for _, cmdText := range []string{"git status", "git diff", "git log"} {
		if _, err := q.Enqueue(ctx, "run-1", cmdText); err != nil {
			t.Fatalf("Enqueue(%q) failed: %v", cmdText, err)
		}
	}

	pending, err := q.Poll(ctx, "run-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	want := []string{"git status", "git diff", "git log"}
	if len(pending) != len(want) {
		t.Fatalf("expected %d pending commands, got %d", len(want), len(pending))
	}
	for i, cmd := range pending {
		if cmd.Command != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], cmd.Command)
		}
	}
}

func TestAckIsIdempotent(t *testing.T) {
	q, st := newTestQueue(t, []string{"git status"})
	createRun(t, st, "run-1", v1.RunStatusRunning)
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, "run-1", "git status")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := q.Ack(ctx, "run-1", cmd.ID, "clean", ""); err != nil {
		t.Fatalf("first Ack failed: %v", err)
	}
	if err := q.Ack(ctx, "run-1", cmd.ID, "different-result", "boom"); err != nil {
		t.Fatalf("re-ack should be a no-op, not an error: %v", err)
	}

	pending, err := q.Poll(ctx, "run-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected acked command to no longer be pending, got %d pending", len(pending))
	}
}
