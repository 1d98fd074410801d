package publisher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cookiescope/consent-crawler/internal/consent"
	"github.com/cookiescope/consent-crawler/internal/publisher"
	"github.com/cookiescope/consent-crawler/internal/publisher/memory"
)

func TestEventSinkPublishesCompletedVisit(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := publisher.NewEventSink(pub)

	err := sink.Append(context.Background(), consent.VisitResult{
		VisitID:    "visit-1",
		TargetURL:  "https://example.com",
		CMPType:    consent.CMPOneTrust,
		CrawlState: consent.StateSuccess,
		ConsentRecords: []consent.ConsentRecord{
			{Name: "_ga"},
			{Name: "sid"},
		},
	})
	require.NoError(t, err)

	events := pub.Events()
	require.Len(t, events, 1)
	require.Equal(t, "visit-1", events[0].VisitID)
	require.Equal(t, "https://example.com", events[0].TargetURL)
	require.Equal(t, "onetrust", events[0].CMP)
	require.Equal(t, "success", events[0].State)
	require.Equal(t, 2, events[0].RecordCount)
	require.False(t, events[0].CompletedAt.IsZero())
}
