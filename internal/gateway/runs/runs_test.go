package runs

import (
	"context"
	"testing"

	"github.com/ctrlplane/gateway/internal/platform/apierr"
	"github.com/ctrlplane/gateway/internal/platform/bus"
	"github.com/ctrlplane/gateway/internal/store/memstore"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

func newTestManager() *Manager {
	return New(memstore.New(), bus.NewMemoryBus())
}

func TestResumeRejectsNonTerminalRun(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	run, err := m.Create(ctx, CreateRequest{WorkerType: v1.WorkerType("claude-code"), Command: "fix bug"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = m.Restart(ctx, run.ID, RestartRequest{Resume: true})
	if err == nil {
		t.Fatal("expected resume against a pending run to fail")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Code != apierr.CodeConflict {
		t.Fatalf("expected a conflict error, got %v", err)
	}

	if err := m.MarkStarted(ctx, run.ID); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}
	_, err = m.Restart(ctx, run.ID, RestartRequest{Resume: true})
	if err == nil {
		t.Fatal("expected resume against a running run to fail")
	}
	ae, ok = apierr.As(err)
	if !ok || ae.Code != apierr.CodeConflict {
		t.Fatalf("expected a conflict error, got %v", err)
	}
}

func TestResumeSucceedsAgainstTerminalRun(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	run, err := m.Create(ctx, CreateRequest{WorkerType: v1.WorkerType("claude-code"), Command: "fix bug"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.MarkStarted(ctx, run.ID); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}
	if err := m.MarkFinished(ctx, run.ID, 0); err != nil {
		t.Fatalf("MarkFinished failed: %v", err)
	}

	resumed, err := m.Restart(ctx, run.ID, RestartRequest{Resume: true})
	if err != nil {
		t.Fatalf("expected resume against a done run to succeed, got %v", err)
	}
	if resumed.ResumedFrom != run.ID {
		t.Errorf("expected ResumedFrom to point at the original run, got %q", resumed.ResumedFrom)
	}
}

func TestRestartWithoutResumeAllowsAnyStatus(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	run, err := m.Create(ctx, CreateRequest{WorkerType: v1.WorkerType("claude-code"), Command: "fix bug"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	restarted, err := m.Restart(ctx, run.ID, RestartRequest{Resume: false})
	if err != nil {
		t.Fatalf("expected plain restart against a pending run to succeed, got %v", err)
	}
	if restarted.RestartedFrom != run.ID {
		t.Errorf("expected RestartedFrom to point at the original run, got %q", restarted.RestartedFrom)
	}
}
