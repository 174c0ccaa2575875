package broker

import (
	"sync"

	"github.com/runwire-dev/runwire/internal/protocol"
	"github.com/rs/zerolog"
)

// EventHandler observes events correlated to one command.
type EventHandler func(evt *protocol.Event)

// EventStream is the per-command pub/sub table. Request-scoped handlers
// (for example a build-stream HTTP response) subscribe to the events of
// a single in-flight command without touching socket internals.
type EventStream struct {
	log zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]map[int]EventHandler // command id → handler set
	nextID int
}

// NewEventStream creates an empty stream table.
func NewEventStream(log zerolog.Logger) *EventStream {
	return &EventStream{
		log:  log.With().Str("component", "eventstream").Logger(),
		subs: make(map[string]map[int]EventHandler),
	}
}

// AddSubscriber registers a handler for one command's events. The
// returned function removes it; after that call no further events are
// delivered to the handler.
func (s *EventStream) AddSubscriber(commandID string, handler EventHandler) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	set, ok := s.subs[commandID]
	if !ok {
		set = make(map[int]EventHandler)
		s.subs[commandID] = set
	}
	set[id] = handler
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if set, ok := s.subs[commandID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.subs, commandID)
			}
		}
		s.mu.Unlock()
	}
}

// Dispatch delivers an event to every subscriber of its command id.
// Handler panics are recovered and logged; one bad handler never stops
// delivery to the rest.
func (s *EventStream) Dispatch(evt *protocol.Event) {
	if evt.CommandID == "" {
		return
	}

	s.mu.RLock()
	set := s.subs[evt.CommandID]
	handlers := make([]EventHandler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		s.invoke(h, evt)
	}
}

func (s *EventStream) invoke(h EventHandler, evt *protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("command_id", evt.CommandID).
				Str("type", evt.Type).
				Msg("event subscriber panicked")
		}
	}()
	h(evt)
}

// SubscriberCount returns the number of handlers for a command id.
func (s *EventStream) SubscriberCount(commandID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[commandID])
}
