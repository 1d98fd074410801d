// Package memory contains an in-memory visit event publisher for tests and
// dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/cookiescope/consent-crawler/internal/publisher"
)

// Publisher stores published visit events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []publisher.VisitEvent
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, event publisher.VisitEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns the recorded events.
func (p *Publisher) Events() []publisher.VisitEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.VisitEvent, len(p.events))
	copy(out, p.events)
	return out
}
