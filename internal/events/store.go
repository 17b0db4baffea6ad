package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Schema binds a record type to its kind, id accessors, and validation rules.
type Schema[T any] struct {
	Kind     Kind
	ID       func(T) string
	SetID    func(*T, string)
	Validate func(T) error
}

// ChangeOp describes what happened to a stored record.
type ChangeOp string

const (
	ChangeCreated ChangeOp = "created"
	ChangeMutated ChangeOp = "mutated"
	ChangeMerged  ChangeOp = "merged"
	ChangeSynced  ChangeOp = "synced"
	ChangeRemoved ChangeOp = "removed"
	// ChangeStatus reports a status-only transition between pending, offline and error.
	ChangeStatus ChangeOp = "status"
)

// Change is delivered to store subscribers after every state transition.
type Change struct {
	Kind     Kind
	ID       string
	Op       ChangeOp
	Status   SyncStatus
	Position int64
	Revision int64
	Record   any
}

// Entry is a stored record with its local-only metadata.
type Entry[T any] struct {
	Record   T
	Status   SyncStatus
	Position int64
	Revision int64
}

// PendingItem is a type-erased unacknowledged record ready for the outbox.
type PendingItem struct {
	Kind     Kind
	ID       string
	Revision int64
	Record   any
}

// StoredRecord is the persisted form of an entry used to rebuild a store on startup.
type StoredRecord struct {
	ID       string
	Position int64
	Status   SyncStatus
	Payload  []byte
}

// Collection is the kind-agnostic view of an Event Store used by the sync layer.
type Collection interface {
	Kind() Kind
	MergeJSON(data []byte) (bool, error)
	PendingItems() []PendingItem
	Acknowledge(id string, revision int64) bool
	MarkFailed(id string, revision int64) bool
	MarkAll(status SyncStatus) int
	Restore(records []StoredRecord) error
	Subscribe(listener func(Change)) func()
	Len() int
}

// StoreConfig carries optional collaborators for an Event Store.
type StoreConfig struct {
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is an ordered, id-keyed collection of one record kind with per-record sync status.
type Store[T any] struct {
	schema     Schema[T]
	idProvider IDProvider
	logger     *zap.Logger

	mu           sync.RWMutex
	entries      []*Entry[T]
	index        map[string]*Entry[T]
	nextPosition int64
	listeners    map[int64]func(Change)
	nextListener int64
}

// NewStore constructs an empty store for the schema. A nil IDProvider defaults to UUIDv7.
func NewStore[T any](schema Schema[T], cfg StoreConfig) *Store[T] {
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store[T]{
		schema:     schema,
		idProvider: idProvider,
		logger:     logger.With(zap.String("kind", schema.Kind.String())),
		index:      make(map[string]*Entry[T]),
		listeners:  make(map[int64]func(Change)),
	}
}

// Kind returns the record kind held by the store.
func (s *Store[T]) Kind() Kind {
	return s.schema.Kind
}

// Create appends a locally authored record as pending. An empty id is filled with a fresh one.
func (s *Store[T]) Create(record T) (string, error) {
	if s.idProvider == nil {
		return "", errMissingIDProvider
	}
	rawID := s.schema.ID(record)
	if rawID == "" {
		minted, err := s.idProvider.NewID()
		if err != nil {
			return "", fmt.Errorf("mint record id: %w", err)
		}
		rawID = minted
	}
	recordID, err := NewRecordID(rawID)
	if err != nil {
		return "", err
	}
	s.schema.SetID(&record, recordID.String())
	if err := s.schema.Validate(record); err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, exists := s.index[recordID.String()]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateRecord, recordID)
	}
	entry := s.appendLocked(record, SyncStatusPending)
	change := s.changeFor(entry, ChangeCreated)
	s.mu.Unlock()

	s.notify(change)
	return recordID.String(), nil
}

// Mutate applies fn to the record and marks it pending again. Unknown ids report false without error.
// The id cannot be changed by fn.
func (s *Store[T]) Mutate(id string, fn func(*T)) (bool, error) {
	s.mu.Lock()
	entry, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	updated := entry.Record
	fn(&updated)
	s.schema.SetID(&updated, id)
	if err := s.schema.Validate(updated); err != nil {
		s.mu.Unlock()
		return false, err
	}
	entry.Record = updated
	entry.Status = SyncStatusPending
	entry.Revision++
	change := s.changeFor(entry, ChangeMutated)
	s.mu.Unlock()

	s.notify(change)
	return true, nil
}

// Remove drops a record locally. Removal is never propagated to peers.
func (s *Store[T]) Remove(id string) bool {
	s.mu.Lock()
	entry, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.index, id)
	for i, candidate := range s.entries {
		if candidate == entry {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	change := s.changeFor(entry, ChangeRemoved)
	s.mu.Unlock()

	s.notify(change)
	return true
}

// Merge inserts a remote record as synced unless its id is already present.
// The first copy seen wins; later copies with the same id are discarded.
func (s *Store[T]) Merge(record T) (bool, error) {
	recordID, err := NewRecordID(s.schema.ID(record))
	if err != nil {
		return false, err
	}
	s.schema.SetID(&record, recordID.String())
	if err := s.schema.Validate(record); err != nil {
		return false, err
	}

	s.mu.Lock()
	if _, exists := s.index[recordID.String()]; exists {
		s.mu.Unlock()
		return false, nil
	}
	entry := s.appendLocked(record, SyncStatusSynced)
	change := s.changeFor(entry, ChangeMerged)
	s.mu.Unlock()

	s.notify(change)
	return true, nil
}

// MergeJSON decodes a wire payload and merges it.
func (s *Store[T]) MergeJSON(data []byte) (bool, error) {
	var record T
	if err := json.Unmarshal(data, &record); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return s.Merge(record)
}

// Pending returns unacknowledged entries in insertion order. Offline and error entries are included
// because neither has been acknowledged.
func (s *Store[T]) Pending() []Entry[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make([]Entry[T], 0)
	for _, entry := range s.entries {
		if entry.Status.Unacknowledged() {
			pending = append(pending, *entry)
		}
	}
	return pending
}

// PendingItems returns unacknowledged records in insertion order without their concrete type.
func (s *Store[T]) PendingItems() []PendingItem {
	pending := s.Pending()
	items := make([]PendingItem, 0, len(pending))
	for _, entry := range pending {
		items = append(items, PendingItem{
			Kind:     s.schema.Kind,
			ID:       s.schema.ID(entry.Record),
			Revision: entry.Revision,
			Record:   entry.Record,
		})
	}
	return items
}

// MarkSynced flips a record to synced regardless of its revision.
func (s *Store[T]) MarkSynced(id string) bool {
	return s.markSynced(id, -1)
}

// Acknowledge flips a record to synced only if it has not been mutated since revision was read.
func (s *Store[T]) Acknowledge(id string, revision int64) bool {
	return s.markSynced(id, revision)
}

func (s *Store[T]) markSynced(id string, revision int64) bool {
	s.mu.Lock()
	entry, ok := s.index[id]
	if !ok || (revision >= 0 && entry.Revision != revision) {
		s.mu.Unlock()
		return false
	}
	if entry.Status == SyncStatusSynced {
		s.mu.Unlock()
		return true
	}
	entry.Status = SyncStatusSynced
	change := s.changeFor(entry, ChangeSynced)
	s.mu.Unlock()

	s.notify(change)
	return true
}

// MarkFailed flags an unacknowledged record as error after its push attempts were exhausted. The record
// stays in the outbox; a mutation since revision was read leaves it pending instead.
func (s *Store[T]) MarkFailed(id string, revision int64) bool {
	s.mu.Lock()
	entry, ok := s.index[id]
	if !ok || entry.Revision != revision || !entry.Status.Unacknowledged() {
		s.mu.Unlock()
		return false
	}
	if entry.Status == SyncStatusError {
		s.mu.Unlock()
		return true
	}
	entry.Status = SyncStatusError
	change := s.changeFor(entry, ChangeStatus)
	s.mu.Unlock()

	s.notify(change)
	return true
}

// MarkAll sets the status of every unacknowledged record. It is used to surface offline or error states.
func (s *Store[T]) MarkAll(status SyncStatus) int {
	s.mu.Lock()
	changes := make([]Change, 0)
	for _, entry := range s.entries {
		if !entry.Status.Unacknowledged() || entry.Status == status {
			continue
		}
		entry.Status = status
		changes = append(changes, s.changeFor(entry, ChangeStatus))
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.notify(change)
	}
	return len(changes)
}

// All returns every entry in insertion order.
func (s *Store[T]) All() []Entry[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]Entry[T], 0, len(s.entries))
	for _, entry := range s.entries {
		all = append(all, *entry)
	}
	return all
}

// Get returns a copy of the entry for id.
func (s *Store[T]) Get(id string) (Entry[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.index[id]
	if !ok {
		return Entry[T]{}, false
	}
	return *entry, true
}

// Len returns the number of stored records.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Restore replaces the store contents with persisted records. Offline and error statuses come back as pending.
// Subscribers are not notified.
func (s *Store[T]) Restore(records []StoredRecord) error {
	ordered := make([]StoredRecord, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})

	entries := make([]*Entry[T], 0, len(ordered))
	index := make(map[string]*Entry[T], len(ordered))
	var nextPosition int64
	for _, stored := range ordered {
		var record T
		if err := json.Unmarshal(stored.Payload, &record); err != nil {
			return fmt.Errorf("%w: restore %s: %v", ErrInvalidRecord, stored.ID, err)
		}
		recordID, err := NewRecordID(stored.ID)
		if err != nil {
			return err
		}
		if _, exists := index[recordID.String()]; exists {
			s.logger.Warn("duplicate persisted record skipped", zap.String("record_id", recordID.String()))
			continue
		}
		s.schema.SetID(&record, recordID.String())
		status := stored.Status
		if status != SyncStatusSynced {
			status = SyncStatusPending
		}
		entry := &Entry[T]{Record: record, Status: status, Position: stored.Position}
		entries = append(entries, entry)
		index[recordID.String()] = entry
		if stored.Position >= nextPosition {
			nextPosition = stored.Position + 1
		}
	}

	s.mu.Lock()
	s.entries = entries
	s.index = index
	s.nextPosition = nextPosition
	s.mu.Unlock()
	return nil
}

// Subscribe registers a listener invoked after every change. The returned func unsubscribes.
func (s *Store[T]) Subscribe(listener func(Change)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store[T]) appendLocked(record T, status SyncStatus) *Entry[T] {
	entry := &Entry[T]{Record: record, Status: status, Position: s.nextPosition}
	s.nextPosition++
	s.entries = append(s.entries, entry)
	s.index[s.schema.ID(record)] = entry
	return entry
}

func (s *Store[T]) changeFor(entry *Entry[T], op ChangeOp) Change {
	return Change{
		Kind:     s.schema.Kind,
		ID:       s.schema.ID(entry.Record),
		Op:       op,
		Status:   entry.Status,
		Position: entry.Position,
		Revision: entry.Revision,
		Record:   entry.Record,
	}
}

func (s *Store[T]) notify(change Change) {
	s.mu.RLock()
	listeners := make([]func(Change), 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(change)
	}
}

var (
	_ Collection = (*Store[Contraction])(nil)
	_ Collection = (*Store[FeedingSession])(nil)
	_ Collection = (*Store[DiaperEntry])(nil)
)
