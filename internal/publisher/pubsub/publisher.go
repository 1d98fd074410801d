// Package pubsub implements a Google Cloud Pub/Sub visit event publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	gpubsub "cloud.google.com/go/pubsub/v2"

	"github.com/cookiescope/consent-crawler/internal/publisher"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *gpubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(pub *gpubsub.Publisher) *Publisher {
	return &Publisher{publisher: pub}
}

// Publish marshals the event to JSON and publishes it. The CMP, state, and
// record count ride along as attributes so subscribers can filter without
// decoding the payload.
func (p *Publisher) Publish(ctx context.Context, event publisher.VisitEvent) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	msg := &gpubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"cmp":          event.CMP,
			"state":        event.State,
			"record_count": strconv.Itoa(event.RecordCount),
		},
	}

	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish event: %w", err)
	}
	return id, nil
}
