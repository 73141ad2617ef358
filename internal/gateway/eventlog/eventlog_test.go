package eventlog

import (
	"context"
	"strings"
	"testing"

	"github.com/ctrlplane/gateway/internal/platform/bus"
	"github.com/ctrlplane/gateway/internal/platform/redact"
	"github.com/ctrlplane/gateway/internal/store/memstore"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	redactor, err := redact.New(nil)
	if err != nil {
		t.Fatalf("redact.New failed: %v", err)
	}
	return New(memstore.New(), redactor, bus.NewMemoryBus())
}

func TestAppendAssignsStrictlyMonotonicIDsPerRun(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	var lastID int64
	for i := 0; i < 5; i++ {
		ev, err := log.Append(ctx, "run-1", v1.EventStdout, "chunk", nil)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if ev.ID <= lastID {
			t.Fatalf("expected strictly increasing event ids, got %d after %d", ev.ID, lastID)
		}
		lastID = ev.ID
	}
}

func TestAppendIDsAreIndependentPerRun(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	evA, err := log.Append(ctx, "run-a", v1.EventStdout, "a1", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	evB, err := log.Append(ctx, "run-b", v1.EventStdout, "b1", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if evA.ID != 1 || evB.ID != 1 {
		t.Fatalf("expected both runs to start their own sequence at 1, got run-a=%d run-b=%d", evA.ID, evB.ID)
	}
}

func TestReadReturnsOnlyEventsAfterGivenID(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, "run-1", v1.EventStdout, "chunk", nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	events, err := log.Read(ctx, "run-1", 1, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after id 1, got %d", len(events))
	}
	for _, ev := range events {
		if ev.ID <= 1 {
			t.Errorf("expected only events with id > 1, got id %d", ev.ID)
		}
	}
}

func TestAppendRedactsSecretsBeforePersisting(t *testing.T) {
	redactor, err := redact.New([]string{`sk-[a-zA-Z0-9]{10,}`})
	if err != nil {
		t.Fatalf("redact.New failed: %v", err)
	}
	log := New(memstore.New(), redactor, bus.NewMemoryBus())

	ev, err := log.Append(context.Background(), "run-1", v1.EventStdout, "token is sk-abcdefghijklmnop", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if strings.Contains(ev.Data, "sk-abcdefghijklmnop") {
		t.Errorf("expected secret to be redacted from persisted event, got %q", ev.Data)
	}
}
