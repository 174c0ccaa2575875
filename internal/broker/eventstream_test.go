package broker

import (
	"testing"

	"github.com/runwire-dev/runwire/internal/protocol"
)

func testEvent(t *testing.T, eventType, commandID string) *protocol.Event {
	t.Helper()
	evt, err := protocol.NewEvent(eventType, protocol.BuildProgressPayload{Message: "working"})
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	evt.CommandID = commandID
	return evt
}

func TestEventStreamDeliversByCommandID(t *testing.T) {
	es := NewEventStream(testLogger())

	var got []string
	unsubscribe := es.AddSubscriber("c1", func(evt *protocol.Event) {
		got = append(got, evt.Type)
	})
	defer unsubscribe()

	es.Dispatch(testEvent(t, protocol.EventBuildProgress, "c1"))
	es.Dispatch(testEvent(t, protocol.EventBuildStream, "c1"))
	es.Dispatch(testEvent(t, protocol.EventBuildProgress, "other"))

	if len(got) != 2 || got[0] != protocol.EventBuildProgress || got[1] != protocol.EventBuildStream {
		t.Errorf("handler saw %v, want the two c1 events in order", got)
	}
}

func TestEventStreamUnsubscribeStopsDelivery(t *testing.T) {
	es := NewEventStream(testLogger())

	calls := 0
	unsubscribe := es.AddSubscriber("c1", func(*protocol.Event) { calls++ })

	es.Dispatch(testEvent(t, protocol.EventBuildProgress, "c1"))
	unsubscribe()
	es.Dispatch(testEvent(t, protocol.EventBuildProgress, "c1"))

	if calls != 1 {
		t.Errorf("handler called %d times, want 1 (no delivery after unsubscribe)", calls)
	}
	if got := es.SubscriberCount("c1"); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0 after unsubscribe", got)
	}

	// A second unsubscribe call is harmless.
	unsubscribe()
}

func TestEventStreamMultipleSubscribers(t *testing.T) {
	es := NewEventStream(testLogger())

	first, second := 0, 0
	defer es.AddSubscriber("c1", func(*protocol.Event) { first++ })()
	defer es.AddSubscriber("c1", func(*protocol.Event) { second++ })()

	es.Dispatch(testEvent(t, protocol.EventLogChunk, "c1"))

	if first != 1 || second != 1 {
		t.Errorf("handlers called (%d, %d), want (1, 1)", first, second)
	}
}

func TestEventStreamIgnoresUncorrelatedEvents(t *testing.T) {
	es := NewEventStream(testLogger())

	calls := 0
	defer es.AddSubscriber("c1", func(*protocol.Event) { calls++ })()

	es.Dispatch(testEvent(t, protocol.EventBuildProgress, ""))

	if calls != 0 {
		t.Errorf("handler called %d times for an event without commandId, want 0", calls)
	}
}

func TestEventStreamSurvivesPanickingHandler(t *testing.T) {
	es := NewEventStream(testLogger())

	healthy := 0
	defer es.AddSubscriber("c1", func(*protocol.Event) { panic("boom") })()
	defer es.AddSubscriber("c1", func(*protocol.Event) { healthy++ })()

	es.Dispatch(testEvent(t, protocol.EventBuildProgress, "c1"))

	if healthy != 1 {
		t.Errorf("healthy handler called %d times, want 1 despite sibling panic", healthy)
	}
}
