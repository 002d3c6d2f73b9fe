package events

import (
	"context"
	"sync"

	"github.com/pitabwire/stagetrack/model"
)

// Collector keeps published events in memory. Used when no broker is
// configured and in tests.
type Collector struct {
	mu     sync.Mutex
	events []model.ItemMovedEvent
	limit  int
}

// NewCollector keeps at most limit recent events; zero keeps all.
func NewCollector(limit int) *Collector {
	return &Collector{limit: limit}
}

// PublishItemMoved records event.
func (c *Collector) PublishItemMoved(_ context.Context, event model.ItemMovedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	if c.limit > 0 && len(c.events) > c.limit {
		c.events = c.events[len(c.events)-c.limit:]
	}
	return nil
}

// Events returns a copy of the recorded events, oldest first.
func (c *Collector) Events() []model.ItemMovedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ItemMovedEvent, len(c.events))
	copy(out, c.events)
	return out
}

// HealthCheck always succeeds.
func (c *Collector) HealthCheck(context.Context) error { return nil }
