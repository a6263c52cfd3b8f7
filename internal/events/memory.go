package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Memory is an in-process bus with per-group queues and bounded retries.
type Memory struct {
	MaxRetries int
	Backoff    time.Duration

	mu     sync.Mutex
	groups map[string]map[string]chan Event // topic -> group -> queue
	buffer int
	log    zerolog.Logger
}

func NewMemory(log zerolog.Logger) *Memory {
	return &Memory{
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
		groups:     make(map[string]map[string]chan Event),
		buffer:     256,
		log:        log.With().Str("component", "bus.memory").Logger(),
	}
}

// Publish enqueues ev for every group subscribed to topic.
func (m *Memory) Publish(ctx context.Context, topic string, ev Event) error {
	m.mu.Lock()
	queues := make([]chan Event, 0, len(m.groups[topic]))
	for _, q := range m.groups[topic] {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	if len(queues) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}
	for _, q := range queues {
		select {
		case q <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe consumes the group's queue. Several subscribers of one group share its events.
func (m *Memory) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	q := m.queue(topic, group)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-q:
			m.process(ctx, h, ev)
		}
	}
}

// Declare creates the group's queue ahead of its first subscriber, so events published before the
// consumer starts are buffered instead of rejected.
func (m *Memory) Declare(topic, group string) {
	m.queue(topic, group)
}

func (m *Memory) queue(topic, group string) chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups[topic] == nil {
		m.groups[topic] = make(map[string]chan Event)
	}
	q, ok := m.groups[topic][group]
	if !ok {
		q = make(chan Event, m.buffer)
		m.groups[topic][group] = q
	}
	return q
}

func (m *Memory) process(ctx context.Context, h Handler, ev Event) {
	for attempt := 0; ; attempt++ {
		err := h(ctx, ev)
		if err == nil {
			return
		}
		if attempt >= m.MaxRetries || ctx.Err() != nil {
			m.log.Error().Err(err).Str("event_id", ev.ID).Int("attempts", attempt+1).Msg("event dropped")
			return
		}
		m.log.Warn().Err(err).Str("event_id", ev.ID).Int("attempt", attempt+1).Msg("event handler failed; retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * m.Backoff):
		}
	}
}

func (m *Memory) Close() error { return nil }
