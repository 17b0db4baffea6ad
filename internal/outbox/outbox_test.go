package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
)

func newStores(t *testing.T) (*events.Store[events.Contraction], *events.Store[events.FeedingSession], *events.Store[events.DiaperEntry]) {
	t.Helper()
	return events.NewContractionStore(events.StoreConfig{}),
		events.NewFeedingStore(events.StoreConfig{}),
		events.NewDiaperStore(events.StoreConfig{})
}

func TestItemsOrderedByStoreThenInsertion(t *testing.T) {
	contractions, feedings, diapers := newStores(t)
	box := New(contractions, feedings, diapers)

	_, err := diapers.Create(events.DiaperEntry{ID: "d1", Timestamp: 1, Type: events.DiaperWet})
	require.NoError(t, err)
	_, err = contractions.Create(events.Contraction{ID: "c1", StartTime: 2})
	require.NoError(t, err)
	_, err = contractions.Create(events.Contraction{ID: "c2", StartTime: 3})
	require.NoError(t, err)
	_, err = feedings.Merge(events.FeedingSession{ID: "f-remote", StartTime: 4, Method: events.FeedingBottle})
	require.NoError(t, err)

	items := box.Items()
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "d1"}, ids)
	assert.Equal(t, 3, box.Count())

	contractions.MarkSynced("c1")
	assert.Equal(t, 2, box.Count())
}

func TestEnvelopesCarryRoutingMetadata(t *testing.T) {
	contractions, feedings, diapers := newStores(t)
	box := New(contractions, feedings, diapers)
	_, err := contractions.Create(events.Contraction{ID: "c1", StartTime: 1000, Duration: 60})
	require.NoError(t, err)

	now := time.UnixMilli(5000)
	batches, failures := box.Envelopes("h1", "dev-a", now)
	require.Empty(t, failures)
	require.Len(t, batches, 1)

	envelope := batches[0].Envelope
	assert.Equal(t, events.KindContraction, envelope.Kind)
	assert.Equal(t, "h1", envelope.HouseholdID)
	assert.Equal(t, "dev-a", envelope.OriginDeviceID)
	assert.Equal(t, int64(5000), envelope.Timestamp)
	assert.JSONEq(t, `{"id":"c1","startTime":1000,"duration":60}`, string(envelope.Data))
}

func TestCollectionLookup(t *testing.T) {
	contractions, _, _ := newStores(t)
	box := New(contractions, nil)

	found, ok := box.Collection(events.KindContraction)
	require.True(t, ok)
	assert.Equal(t, events.KindContraction, found.Kind())
	_, ok = box.Collection(events.KindDiaper)
	assert.False(t, ok)
	assert.Len(t, box.Collections(), 1)
}
