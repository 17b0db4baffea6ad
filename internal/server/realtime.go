package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
)

const defaultSubscriberBuffer = 64

// Hub fans envelopes out to every socket of the same household except the one that sent them.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*hubSubscriber
	nextID      int64
	bufferSize  int
}

type hubSubscriber struct {
	id       int64
	deviceID string
	stream   chan protocol.Envelope
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*hubSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a device socket for a household. The subscription ends when ctx is done or the
// returned cleanup is called.
func (h *Hub) Subscribe(ctx context.Context, householdID, deviceID string) (<-chan protocol.Envelope, func()) {
	if householdID == "" {
		ch := make(chan protocol.Envelope)
		close(ch)
		return ch, func() {}
	}
	subscriber := &hubSubscriber{
		id:       h.nextSequence(),
		deviceID: deviceID,
		stream:   make(chan protocol.Envelope, h.bufferSize),
	}
	h.registerSubscriber(householdID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unregisterSubscriber(householdID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the envelope without blocking. A subscriber with a full buffer misses it; its
// writer reads the log from its last seq on the next envelope it does receive.
func (h *Hub) Publish(envelope protocol.Envelope) int {
	if envelope.HouseholdID == "" {
		return 0
	}
	h.mu.RLock()
	subscribers := h.subscribers[envelope.HouseholdID]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return 0
	}
	copies := make([]*hubSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if subscriber.deviceID != "" && subscriber.deviceID == envelope.OriginDeviceID {
			continue
		}
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- envelope:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of sockets registered for a household.
func (h *Hub) Subscribers(householdID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[householdID])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) registerSubscriber(householdID string, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[householdID]; !ok {
		h.subscribers[householdID] = make(map[int64]*hubSubscriber)
	}
	h.subscribers[householdID][subscriber.id] = subscriber
}

func (h *Hub) unregisterSubscriber(householdID string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[householdID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, householdID)
		}
	}
	h.mu.Unlock()
}
