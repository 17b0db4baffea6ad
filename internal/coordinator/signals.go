package coordinator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
)

// SignalSnapshot is the latest value of every household signal.
type SignalSnapshot struct {
	Phase             string
	PhaseUpdatedAt    time.Time
	BabyInfo          *protocol.BabyInfo
	BabyInfoUpdatedAt time.Time
}

// SignalState holds non-collection signals. Every apply overwrites; the last message wins.
type SignalState struct {
	mu        sync.RWMutex
	snapshot  SignalSnapshot
	listeners map[int64]func(events.Kind, SignalSnapshot)
	next      int64
}

// NewSignalState constructs an empty SignalState.
func NewSignalState() *SignalState {
	return &SignalState{listeners: make(map[int64]func(events.Kind, SignalSnapshot))}
}

// Apply overwrites the signal carried by envelope.
func (s *SignalState) Apply(envelope protocol.Envelope) error {
	return s.applyRaw(envelope.Kind, envelope.Data, envelope.Time())
}

func (s *SignalState) applyRaw(kind events.Kind, data json.RawMessage, at time.Time) error {
	switch kind {
	case events.KindPhaseChange:
		var payload protocol.PhaseChange
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("%w: phase_change: %v", protocol.ErrInvalidEnvelope, err)
		}
		s.mu.Lock()
		s.snapshot.Phase = payload.Phase
		s.snapshot.PhaseUpdatedAt = at
		snapshot := s.snapshot
		s.mu.Unlock()
		s.notify(kind, snapshot)
	case events.KindBabyInfo:
		var payload protocol.BabyInfo
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("%w: baby_info: %v", protocol.ErrInvalidEnvelope, err)
		}
		s.mu.Lock()
		s.snapshot.BabyInfo = &payload
		s.snapshot.BabyInfoUpdatedAt = at
		snapshot := s.snapshot
		s.mu.Unlock()
		s.notify(kind, snapshot)
	default:
		return fmt.Errorf("%w: %s is not a signal", events.ErrUnknownKind, kind)
	}
	return nil
}

// Snapshot returns a copy of the current signals.
func (s *SignalState) Snapshot() SignalSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := s.snapshot
	if snapshot.BabyInfo != nil {
		info := *snapshot.BabyInfo
		snapshot.BabyInfo = &info
	}
	return snapshot
}

// Subscribe registers a listener for signal overwrites.
func (s *SignalState) Subscribe(listener func(events.Kind, SignalSnapshot)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = listener
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *SignalState) notify(kind events.Kind, snapshot SignalSnapshot) {
	s.mu.RLock()
	listeners := make([]func(events.Kind, SignalSnapshot), 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.RUnlock()
	for _, listener := range listeners {
		listener(kind, snapshot)
	}
}
