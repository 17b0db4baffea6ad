// Package household tracks the membership that gates synchronization on a device.
package household

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidHouseholdID indicates an empty or oversized household identifier.
	ErrInvalidHouseholdID = errors.New("household: invalid household id")
	errMissingStore       = errors.New("session store is required")
	noOpLogger            = zap.NewNop()
)

// HouseholdID is a validated household identifier.
type HouseholdID string

// NewHouseholdID validates raw input and returns a HouseholdID.
func NewHouseholdID(raw string) (HouseholdID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHouseholdID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidHouseholdID, maxIdentifierLength)
	}
	return HouseholdID(trimmed), nil
}

func (id HouseholdID) String() string {
	return string(id)
}

// State is the persisted part of a session. RelayCursor is the highest relay sequence applied
// from the current household and resets whenever the household changes.
type State struct {
	DeviceID     string
	HouseholdID  string
	LastSyncTime time.Time
	RelayCursor  int64
}

// SessionStore persists session state between runs.
type SessionStore interface {
	LoadSession(ctx context.Context) (State, bool, error)
	SaveSession(ctx context.Context, state State) error
}

// IDGenerator mints device and household identifiers.
type IDGenerator func() (string, error)

// Config wires a Session.
type Config struct {
	Store    SessionStore
	DeviceID string
	NewID    IDGenerator
	Logger   *zap.Logger
}

// Session holds the household id, device id, last sync time, and socket state.
type Session struct {
	store  SessionStore
	newID  IDGenerator
	logger *zap.Logger

	mu        sync.RWMutex
	state     State
	connected bool
}

// NewSession loads persisted state, minting and persisting a device id when none exists.
// A configured DeviceID overrides the persisted one.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	newID := cfg.NewID
	if newID == nil {
		newID = newUUIDv7
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	state, found, err := cfg.Store.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	dirty := !found
	if configured := strings.TrimSpace(cfg.DeviceID); configured != "" && configured != state.DeviceID {
		state.DeviceID = configured
		dirty = true
	}
	if state.DeviceID == "" {
		minted, err := newID()
		if err != nil {
			return nil, fmt.Errorf("mint device id: %w", err)
		}
		state.DeviceID = minted
		dirty = true
	}
	if dirty {
		if err := cfg.Store.SaveSession(ctx, state); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
	}

	return &Session{
		store:  cfg.Store,
		newID:  newID,
		logger: logger,
		state:  state,
	}, nil
}

// Create mints a fresh household id and stores it.
func (s *Session) Create(ctx context.Context) (string, error) {
	minted, err := s.newID()
	if err != nil {
		return "", fmt.Errorf("mint household id: %w", err)
	}
	if err := s.Join(ctx, minted); err != nil {
		return "", err
	}
	return minted, nil
}

// Join validates and stores the household id.
func (s *Session) Join(ctx context.Context, rawID string) error {
	householdID, err := NewHouseholdID(rawID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state.HouseholdID != householdID.String() {
		s.state.RelayCursor = 0
	}
	s.state.HouseholdID = householdID.String()
	snapshot := s.state
	s.mu.Unlock()
	return s.persist(ctx, snapshot)
}

// Leave clears the household id. Records are not touched.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	s.state.HouseholdID = ""
	s.state.RelayCursor = 0
	s.connected = false
	snapshot := s.state
	s.mu.Unlock()
	return s.persist(ctx, snapshot)
}

// RecordSync stores the time of the last completed flush.
func (s *Session) RecordSync(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	s.state.LastSyncTime = at.UTC()
	snapshot := s.state
	s.mu.Unlock()
	return s.persist(ctx, snapshot)
}

// AdvanceCursor records that relay envelopes up to seq were applied for householdID. It never moves
// the cursor backwards and ignores envelopes from a household this device has since left.
func (s *Session) AdvanceCursor(ctx context.Context, householdID string, seq int64) error {
	s.mu.Lock()
	if seq <= s.state.RelayCursor || householdID == "" || householdID != s.state.HouseholdID {
		s.mu.Unlock()
		return nil
	}
	s.state.RelayCursor = seq
	snapshot := s.state
	s.mu.Unlock()
	return s.persist(ctx, snapshot)
}

// Cursor returns the relay sequence to resume replay from.
func (s *Session) Cursor() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.RelayCursor
}

// SetConnected mirrors the Transport Client socket state. It is not persisted.
func (s *Session) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

// HouseholdID returns the current household id or an empty string.
func (s *Session) HouseholdID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.HouseholdID
}

// DeviceID returns this device's id.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.DeviceID
}

// LastSyncTime returns the last flush time and whether one happened.
func (s *Session) LastSyncTime() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastSyncTime, !s.state.LastSyncTime.IsZero()
}

// IsConnected reports the mirrored socket state.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Snapshot returns a copy of the persisted state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) persist(ctx context.Context, state State) error {
	if err := s.store.SaveSession(ctx, state); err != nil {
		s.logger.Error("session persist failed",
			zap.String("device_id", state.DeviceID),
			zap.String("household_id", state.HouseholdID),
			zap.Error(err))
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func newUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// MemoryStore is an in-process SessionStore.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	saved bool
}

// LoadSession implements SessionStore.
func (m *MemoryStore) LoadSession(context.Context) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.saved, nil
}

// SaveSession implements SessionStore.
func (m *MemoryStore) SaveSession(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.saved = true
	return nil
}
