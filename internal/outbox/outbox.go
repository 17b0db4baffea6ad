// Package outbox derives the set of unacknowledged records across every Event Store.
package outbox

import (
	"time"

	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
)

// Item is a single unacknowledged record.
type Item struct {
	Kind     events.Kind
	ID       string
	Revision int64
	Data     any
}

// Outbox aggregates pending records. It keeps no state of its own.
type Outbox struct {
	collections []events.Collection
}

// New constructs an Outbox over collections in the order they should be flushed.
func New(collections ...events.Collection) *Outbox {
	filtered := make([]events.Collection, 0, len(collections))
	for _, collection := range collections {
		if collection != nil {
			filtered = append(filtered, collection)
		}
	}
	return &Outbox{collections: filtered}
}

// Items returns pending records grouped by collection, each group in insertion order.
func (o *Outbox) Items() []Item {
	items := make([]Item, 0)
	for _, collection := range o.collections {
		for _, pending := range collection.PendingItems() {
			items = append(items, Item{
				Kind:     pending.Kind,
				ID:       pending.ID,
				Revision: pending.Revision,
				Data:     pending.Record,
			})
		}
	}
	return items
}

// Count returns the number of pending records.
func (o *Outbox) Count() int {
	count := 0
	for _, collection := range o.collections {
		count += len(collection.PendingItems())
	}
	return count
}

// Batch pairs an outbox item with the envelope that carries it.
type Batch struct {
	Item     Item
	Envelope protocol.Envelope
}

// Envelopes builds one envelope per pending record. Items that fail to encode are returned separately.
func (o *Outbox) Envelopes(householdID, deviceID string, now time.Time) ([]Batch, []error) {
	items := o.Items()
	batches := make([]Batch, 0, len(items))
	var failures []error
	for _, item := range items {
		envelope, err := protocol.NewEnvelope(item.Kind, item.Data, householdID, deviceID, now)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		batches = append(batches, Batch{Item: item, Envelope: envelope})
	}
	return batches, failures
}

// Collection returns the registered collection for kind.
func (o *Outbox) Collection(kind events.Kind) (events.Collection, bool) {
	for _, collection := range o.collections {
		if collection.Kind() == kind {
			return collection, true
		}
	}
	return nil, false
}

// Collections returns the registered collections in flush order.
func (o *Outbox) Collections() []events.Collection {
	result := make([]events.Collection, len(o.collections))
	copy(result, o.collections)
	return result
}
