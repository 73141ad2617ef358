package hub

import (
	"context"

	"github.com/ctrlplane/gateway/internal/platform/bus"
)

// BridgeBus subscribes the hub to every internal bus subject relevant to UIs
// and rebroadcasts each event to the run-scoped topic (when the event
// carries a runId) and always to the "all" topic, satisfying the "event
// stream published via C5 is a subsequence of the events readable via C2"
// property without C2/C3/C4 needing to know about WebSockets at all.
func BridgeBus(ctx context.Context, b bus.Bus, h *Hub) error {
	subjects := []string{
		bus.SubjectRunCreated, bus.SubjectRunClaimed, bus.SubjectRunStarted,
		bus.SubjectRunFinished, bus.SubjectRunDeleted,
		bus.SubjectCommandQueued, bus.SubjectCommandCompleted,
		bus.SubjectAgentRegistered, bus.SubjectAgentLiveness,
		bus.SubjectEventAppended,
	}

	for _, subject := range subjects {
		subject := subject
		if _, err := b.Subscribe(subject, func(ctx context.Context, ev *bus.Event) error {
			h.Broadcast(AllTopic(), ev.Type, ev.Data)
			if runID, ok := ev.Data["runId"].(string); ok && runID != "" {
				h.Broadcast(RunTopic(runID), ev.Type, ev.Data)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}
