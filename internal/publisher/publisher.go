// Package publisher defines the event boundary for completed visits.
package publisher

import (
	"context"
	"time"

	"github.com/cookiescope/consent-crawler/internal/consent"
)

// VisitEvent is the message emitted after each visit attempt completes,
// successful or not.
type VisitEvent struct {
	VisitID     string    `json:"visit_id"`
	TargetURL   string    `json:"target_url"`
	CMP         string    `json:"cmp"`
	State       string    `json:"state"`
	RecordCount int       `json:"record_count"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publisher emits one VisitEvent and returns the broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, event VisitEvent) (string, error)
}

// EventSink adapts a Publisher to the orchestrator's result sink so every
// recorded result also produces an event.
type EventSink struct {
	pub Publisher
}

// NewEventSink wraps pub as a result sink.
func NewEventSink(pub Publisher) *EventSink {
	return &EventSink{pub: pub}
}

// Append publishes an event derived from the visit result.
func (s *EventSink) Append(ctx context.Context, result consent.VisitResult) error {
	_, err := s.pub.Publish(ctx, VisitEvent{
		VisitID:     result.VisitID,
		TargetURL:   result.TargetURL,
		CMP:         string(result.CMPType),
		State:       string(result.CrawlState),
		RecordCount: len(result.ConsentRecords),
		CompletedAt: time.Now().UTC(),
	})
	return err
}
