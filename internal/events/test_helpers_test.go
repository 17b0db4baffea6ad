package events

import (
	"fmt"
	"testing"
)

type sequenceIDProvider struct {
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

func newTestContractionStore(t *testing.T) *Store[Contraction] {
	t.Helper()
	return NewContractionStore(StoreConfig{IDProvider: &sequenceIDProvider{prefix: "c"}})
}

func mustCreate[T any](t *testing.T, store *Store[T], record T) string {
	t.Helper()
	id, err := store.Create(record)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return id
}

func mustMerge[T any](t *testing.T, store *Store[T], record T) bool {
	t.Helper()
	inserted, err := store.Merge(record)
	if err != nil {
		t.Fatalf("unexpected merge error: %v", err)
	}
	return inserted
}
