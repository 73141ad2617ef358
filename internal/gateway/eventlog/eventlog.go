// Package eventlog implements C2: the append-only per-run event log. It
// wraps a store.EventRepository, redacting every chunk before persisting it
// (C9) and publishing an internal bus event after each append so C5 can fan
// it out — "publish after persist" per §5's ordering guarantee.
package eventlog

import (
	"context"
	"fmt"

	"github.com/ctrlplane/gateway/internal/platform/apierr"
	"github.com/ctrlplane/gateway/internal/platform/bus"
	"github.com/ctrlplane/gateway/internal/platform/redact"
	"github.com/ctrlplane/gateway/internal/store"
	v1 "github.com/ctrlplane/gateway/pkg/api/v1"
)

// Log is the gateway's handle onto a run's event log.
type Log struct {
	events   store.EventRepository
	redactor *redact.Redactor
	bus      bus.Bus
}

// New builds a Log over the given repository, redactor, and bus.
func New(events store.EventRepository, redactor *redact.Redactor, b bus.Bus) *Log {
	return &Log{events: events, redactor: redactor, bus: b}
}

// Append redacts data, persists it as the next monotonic event for runID,
// and publishes the resulting event on the bus. Redaction failure is fatal
// for the chunk per §7 (redactor.error) — it is dropped and an info event
// noting the failure is appended instead, never the raw data.
func (l *Log) Append(ctx context.Context, runID string, eventType v1.EventType, data string, senderSeq *int64) (*v1.Event, error) {
	clean, err := l.safeRedact(data)
	if err != nil {
		clean = "[redaction failed, chunk dropped]"
		eventType = v1.EventInfo
	}

	id, err := l.events.AppendEvent(ctx, runID, eventType, clean, senderSeq)
	if err != nil {
		return nil, apierr.Internal("failed to append event", err)
	}

	ev := &v1.Event{ID: id, RunID: runID, Type: eventType, Data: clean}
	l.publish(ctx, runID, ev)
	return ev, nil
}

func (l *Log) safeRedact(data string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apierr.RedactorError("redaction panicked", fmt.Errorf("%v", r))
		}
	}()
	if l.redactor == nil {
		return data, nil
	}
	return l.redactor.Apply(data), nil
}

func (l *Log) publish(ctx context.Context, runID string, ev *v1.Event) {
	event := bus.NewEvent(bus.SubjectEventAppended, "eventlog", map[string]interface{}{
		"runId":     runID,
		"eventId":   ev.ID,
		"eventType": string(ev.Type),
		"data":      ev.Data,
	})
	_ = l.bus.Publish(ctx, bus.SubjectEventAppended, event)
}

// Read returns events with id > afterID, oldest first.
func (l *Log) Read(ctx context.Context, runID string, afterID int64, limit int) ([]*v1.Event, error) {
	events, err := l.events.ReadEvents(ctx, runID, afterID, limit)
	if err != nil {
		return nil, apierr.Internal("failed to read events", err)
	}
	return events, nil
}
