// Package events provides a small in-process pub/sub bus for engine
// lifecycle events (analysis started/completed, optimizer runs, cache
// invalidations). The HTTP layer streams these to websocket clients.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types published by the engine.
const (
	TypeAnalysisStarted    = "analysis.started"
	TypeAnalysisCompleted  = "analysis.completed"
	TypeAnalysisFailed     = "analysis.failed"
	TypeOptimizerStarted   = "optimizer.started"
	TypeOptimizerCompleted = "optimizer.completed"
	TypeCacheInvalidated   = "cache.invalidated"
)

// Event is one bus message.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than blocking publishers.
type Bus struct {
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log.With().Str("component", "events").Logger(),
		subs: make(map[int]chan Event),
	}
}

// Publish sends an event to all current subscribers.
func (b *Bus) Publish(eventType string, payload map[string]any) {
	event := Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		At:      time.Now().UTC(),
		Payload: payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.log.Debug().Int("subscriber", id).Str("type", eventType).Msg("Dropped event for slow subscriber")
		}
	}
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
