package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"freightline/internal/domain"
)

// Sink receives lifecycle events. Publish is called inside the unit of work
// of the transition it describes; a failing Publish aborts the transition.
type Sink interface {
	Publish(ctx context.Context, evt domain.Event) error
}

type SinkFunc func(ctx context.Context, evt domain.Event) error

func (f SinkFunc) Publish(ctx context.Context, evt domain.Event) error { return f(ctx, evt) }

// New builds an event with a fresh id.
func New(category string, topic domain.Topic, id domain.ContractID, party domain.Party, payload domain.EventPayload) domain.Event {
	if category == "" {
		category = domain.DefaultCategory
	}
	if payload == nil {
		payload = domain.EventPayload{}
	}
	return domain.Event{
		ID:         uuid.NewString(),
		Category:   category,
		Topic:      topic,
		ContractID: id,
		Party:      party,
		Payload:    payload,
	}
}

// Fanout publishes to every sink in order and stops at the first failure.
func Fanout(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, evt domain.Event) error {
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Publish(ctx, evt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Memory keeps published events in process. It does not take part in store
// transactions, so it is meant for tests and the in-memory ledger.
type Memory struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *Memory) Publish(_ context.Context, evt domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt.Seq = int64(len(m.events) + 1)
	m.events = append(m.events, evt)
	return nil
}

func (m *Memory) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}

// After implements Source over the in-memory log.
func (m *Memory) After(_ context.Context, cursor int64, limit int, contractID string) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, evt := range m.events {
		if evt.Seq <= cursor {
			continue
		}
		if contractID != "" && evt.ContractID.String() != contractID {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Latest(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}
