package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/cookiescope/consent-crawler/internal/consent"
)

// ResultSink accepts completed visit results. Append must be safe for
// concurrent use from all workers.
type ResultSink interface {
	Append(ctx context.Context, result consent.VisitResult) error
}

// MemorySink is an append-only in-memory result collection.
type MemorySink struct {
	mu      sync.Mutex
	results []consent.VisitResult
}

// NewMemorySink builds an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append records one result.
func (s *MemorySink) Append(_ context.Context, result consent.VisitResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

// Results returns a copy of everything appended so far.
func (s *MemorySink) Results() []consent.VisitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]consent.VisitResult, len(s.results))
	copy(out, s.results)
	return out
}

// FanoutSink forwards each result to every underlying sink. All sinks see
// every result even when one of them fails.
type FanoutSink struct {
	sinks []ResultSink
}

// NewFanoutSink builds a fanout over the given sinks.
func NewFanoutSink(sinks ...ResultSink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

// Append forwards the result, joining any errors.
func (s *FanoutSink) Append(ctx context.Context, result consent.VisitResult) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Append(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
