package store

import (
	"sync"

	"hookrelay/internal/model"
)

// eventStore keeps the append-ordered webhook event log per endpoint.
type eventStore struct {
	mu     sync.RWMutex
	data   map[string][]model.WebhookEvent
	byID   map[string]model.WebhookEvent
	perSeq map[string]int64
}

func newEventStore() *eventStore {
	return &eventStore{
		data:   make(map[string][]model.WebhookEvent),
		byID:   make(map[string]model.WebhookEvent),
		perSeq: make(map[string]int64),
	}
}

func (e *eventStore) append(ev model.WebhookEvent) model.WebhookEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.perSeq[ev.EndpointID]++
	ev.Seq = e.perSeq[ev.EndpointID]
	e.data[ev.EndpointID] = append(e.data[ev.EndpointID], ev)
	e.byID[ev.ID] = ev
	return ev
}

func (e *eventStore) get(eventID string) (model.WebhookEvent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ev, ok := e.byID[eventID]
	return ev, ok
}

func (e *eventStore) listAfter(endpointID string, after int64, limit int) []model.WebhookEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	events := e.data[endpointID]
	if len(events) == 0 {
		return nil
	}

	result := make([]model.WebhookEvent, 0, limit)
	for _, ev := range events {
		if ev.Seq > after {
			result = append(result, ev)
			if len(result) >= limit {
				break
			}
		}
	}
	return result
}

// InsertEvent records a captured webhook and assigns its per-endpoint
// sequence number.
func (s *Store) InsertEvent(ev model.WebhookEvent) model.WebhookEvent {
	return s.events.append(ev)
}

func (s *Store) GetEvent(eventID string) (model.WebhookEvent, bool) {
	return s.events.get(eventID)
}

func (s *Store) ListEvents(endpointID string, after int64, limit int) []model.WebhookEvent {
	if limit <= 0 {
		limit = 100
	}
	return s.events.listAfter(endpointID, after, limit)
}
