// Package coordinator drives synchronization: when to flush the outbox, how inbound envelopes are
// applied, and how household and connectivity changes start or stop the transport.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/nestlog/internal/connectivity"
	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
	"github.com/MarcoPoloResearchLab/nestlog/internal/outbox"
	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
	"github.com/MarcoPoloResearchLab/nestlog/internal/timer"
	"github.com/MarcoPoloResearchLab/nestlog/internal/transport"
)

// DefaultDebounceWindow batches bursts of local writes into one flush.
const DefaultDebounceWindow = 2 * time.Second

var (
	errMissingTransport    = errors.New("transport is required")
	errMissingSession      = errors.New("session is required")
	errMissingConnectivity = errors.New("connectivity observer is required")
	noOpLogger             = zap.NewNop()
)

// Mode is derived from the session and connectivity; it is never stored.
type Mode int

const (
	ModeIdle Mode = iota
	ModeLocalOnly
	ModeActive
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "Idle"
	case ModeLocalOnly:
		return "LocalOnly"
	case ModeActive:
		return "Active"
	default:
		return "InvalidMode"
	}
}

// Transport is the subset of the Transport Client the coordinator drives.
type Transport interface {
	Connect(householdID string) error
	Disconnect()
	Send(envelope protocol.Envelope) bool
	Push(ctx context.Context, envelope protocol.Envelope) bool
	OnMessage(handler func(protocol.Envelope))
	OnStateChange(handler func(transport.State))
}

// Session is the household membership the coordinator consults and updates.
type Session interface {
	HouseholdID() string
	DeviceID() string
	Create(ctx context.Context) (string, error)
	Join(ctx context.Context, householdID string) error
	Leave(ctx context.Context) error
	RecordSync(ctx context.Context, at time.Time) error
	AdvanceCursor(ctx context.Context, householdID string, seq int64) error
	SetConnected(connected bool)
	IsConnected() bool
	LastSyncTime() (time.Time, bool)
}

// FlushReport summarises one pass over the outbox.
type FlushReport struct {
	HouseholdID string
	Attempted   int
	Succeeded   int
	Failed      int
	At          time.Time
}

// Status is the UI-facing view of synchronization.
type Status struct {
	Mode         Mode
	HouseholdID  string
	DeviceID     string
	IsConnected  bool
	IsOnline     bool
	LastSyncTime time.Time
	HasSynced    bool
	PendingCount int
}

// Config wires a Coordinator.
type Config struct {
	Stores         []events.Collection
	Transport      Transport
	Session        Session
	Connectivity   connectivity.Observer
	Signals        *SignalState
	Scheduler      timer.Scheduler
	Clock          func() time.Time
	DebounceWindow time.Duration
	OnFlush        func(FlushReport)
	Logger         *zap.Logger
}

// Coordinator is the sync state machine.
type Coordinator struct {
	outbox       *outbox.Outbox
	transport    Transport
	session      Session
	connectivity connectivity.Observer
	signals      *SignalState
	scheduler    timer.Scheduler
	clock        func() time.Time
	window       time.Duration
	onFlush      func(FlushReport)
	logger       *zap.Logger

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	debounce      timer.Timer
	debounceSeq   uint64
	flushing      bool
	rerun         bool
	started       bool
	closed        bool
	unsubscribers []func()
}

// New validates the configuration and returns a Coordinator. Call Start to begin reacting to changes.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Connectivity == nil {
		return nil, errMissingConnectivity
	}
	signals := cfg.Signals
	if signals == nil {
		signals = NewSignalState()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		outbox:       outbox.New(cfg.Stores...),
		transport:    cfg.Transport,
		session:      cfg.Session,
		connectivity: cfg.Connectivity,
		signals:      signals,
		scheduler:    timer.OrReal(cfg.Scheduler),
		clock:        clock,
		window:       window,
		onFlush:      cfg.OnFlush,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start subscribes to stores, connectivity and the transport. With a household already joined and
// the device online it connects and schedules a lazy flush.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	unsubscribers := make([]func(), 0, len(c.outbox.Collections())+1)
	for _, collection := range c.outbox.Collections() {
		unsubscribers = append(unsubscribers, collection.Subscribe(c.onStoreChange))
	}
	unsubscribers = append(unsubscribers, c.connectivity.Subscribe(c.onConnectivity))
	c.transport.OnMessage(c.HandleInbound)
	c.transport.OnStateChange(c.onTransportState)

	c.mu.Lock()
	c.unsubscribers = unsubscribers
	c.mu.Unlock()

	householdID := c.session.HouseholdID()
	if householdID == "" {
		c.logger.Info("sync idle", zap.String("device_id", c.session.DeviceID()))
		return nil
	}
	if !c.connectivity.Online() {
		c.markAll(events.SyncStatusOffline)
		c.logger.Info("sync local only", zap.String("household_id", householdID))
		return nil
	}
	c.connect(householdID)
	c.scheduleFlush()
	return nil
}

// Mode derives the current state from the session and connectivity.
func (c *Coordinator) Mode() Mode {
	if c.session.HouseholdID() == "" {
		return ModeIdle
	}
	if !c.connectivity.Online() {
		return ModeLocalOnly
	}
	return ModeActive
}

// Status returns the UI-facing snapshot.
func (c *Coordinator) Status() Status {
	lastSync, hasSynced := c.session.LastSyncTime()
	return Status{
		Mode:         c.Mode(),
		HouseholdID:  c.session.HouseholdID(),
		DeviceID:     c.session.DeviceID(),
		IsConnected:  c.session.IsConnected(),
		IsOnline:     c.connectivity.Online(),
		LastSyncTime: lastSync,
		HasSynced:    hasSynced,
		PendingCount: c.outbox.Count(),
	}
}

// PendingCount returns the outbox size.
func (c *Coordinator) PendingCount() int {
	return c.outbox.Count()
}

// Signals returns the signal state shared with the UI.
func (c *Coordinator) Signals() *SignalState {
	return c.signals
}

// SyncNow pushes every pending record once. It is a no-op outside Active mode. A call made while a
// flush is running makes that flush run again instead of starting a second one. Only cancellation of
// ctx is reported; push failures leave records pending.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	if c.Mode() != ModeActive {
		return nil
	}

	c.mu.Lock()
	if c.flushing {
		c.rerun = true
		c.mu.Unlock()
		return nil
	}
	c.flushing = true
	c.mu.Unlock()

	for {
		c.flush(ctx)
		c.mu.Lock()
		if c.rerun && ctx.Err() == nil && !c.closed {
			c.rerun = false
			c.mu.Unlock()
			continue
		}
		c.rerun = false
		c.flushing = false
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Coordinator) flush(ctx context.Context) {
	householdID := c.session.HouseholdID()
	if householdID == "" {
		return
	}
	report := FlushReport{HouseholdID: householdID}
	batches, failures := c.outbox.Envelopes(householdID, c.session.DeviceID(), c.clock())
	for _, err := range failures {
		c.logger.Error("outbox item skipped", zap.Error(err))
	}

	for _, batch := range batches {
		if ctx.Err() != nil || c.session.HouseholdID() != householdID {
			break
		}
		report.Attempted++
		collection, known := c.outbox.Collection(batch.Item.Kind)
		if !c.transport.Push(ctx, batch.Envelope) {
			report.Failed++
			if known && ctx.Err() == nil {
				collection.MarkFailed(batch.Item.ID, batch.Item.Revision)
			}
			continue
		}
		report.Succeeded++
		if known {
			collection.Acknowledge(batch.Item.ID, batch.Item.Revision)
		}
	}

	report.At = c.clock().UTC()
	if c.session.HouseholdID() == householdID {
		if err := c.session.RecordSync(context.WithoutCancel(ctx), report.At); err != nil {
			c.logger.Error("last sync time not persisted", zap.String("household_id", householdID), zap.Error(err))
		}
	}
	c.logger.Info("outbox flushed",
		zap.String("household_id", householdID),
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed))
	if c.onFlush != nil {
		c.onFlush(report)
	}
}

// HandleInbound applies an envelope from the relay. Envelopes for another household or sent by this
// device are ignored; record kinds merge, signals overwrite. Bad payloads are logged and dropped.
func (c *Coordinator) HandleInbound(envelope protocol.Envelope) {
	householdID := c.session.HouseholdID()
	if householdID == "" || envelope.HouseholdID != householdID {
		c.logger.Debug("envelope for other household dropped",
			zap.String("household_id", envelope.HouseholdID),
			zap.String("kind", envelope.Kind.String()))
		return
	}
	if envelope.Seq > 0 {
		if err := c.session.AdvanceCursor(context.WithoutCancel(c.baseContext()), householdID, envelope.Seq); err != nil {
			c.logger.Warn("relay cursor not persisted", zap.String("household_id", householdID), zap.Error(err))
		}
	}
	if envelope.OriginDeviceID == c.session.DeviceID() {
		return
	}

	if envelope.Kind.IsRecord() {
		collection, ok := c.outbox.Collection(envelope.Kind)
		if !ok {
			c.logger.Warn("no store for kind", zap.String("kind", envelope.Kind.String()))
			return
		}
		inserted, err := collection.MergeJSON(envelope.Data)
		if err != nil {
			c.logger.Warn("inbound record dropped",
				zap.String("kind", envelope.Kind.String()),
				zap.String("device_id", envelope.OriginDeviceID),
				zap.Error(err))
			return
		}
		if inserted {
			c.logger.Debug("inbound record merged",
				zap.String("kind", envelope.Kind.String()),
				zap.String("device_id", envelope.OriginDeviceID))
		}
		return
	}

	if err := c.signals.Apply(envelope); err != nil {
		c.logger.Warn("inbound signal dropped", zap.String("kind", envelope.Kind.String()), zap.Error(err))
	}
}

// CreateHousehold mints a household, activates sync, and flushes any local backlog.
func (c *Coordinator) CreateHousehold(ctx context.Context) (string, error) {
	if c.session.HouseholdID() != "" {
		c.transport.Disconnect()
	}
	householdID, err := c.session.Create(ctx)
	if err != nil {
		return "", err
	}
	c.logger.Info("household created", zap.String("household_id", householdID))
	c.activate(ctx, householdID)
	return householdID, nil
}

// JoinHousehold stores the household, activates sync, and flushes immediately so this device's
// backlog reaches the other members.
func (c *Coordinator) JoinHousehold(ctx context.Context, householdID string) error {
	if current := c.session.HouseholdID(); current != "" && current != householdID {
		c.transport.Disconnect()
	}
	if err := c.session.Join(ctx, householdID); err != nil {
		return err
	}
	c.logger.Info("household joined", zap.String("household_id", c.session.HouseholdID()))
	c.activate(ctx, c.session.HouseholdID())
	return nil
}

// LeaveHousehold disconnects and clears the household. Records and their statuses are untouched.
func (c *Coordinator) LeaveHousehold(ctx context.Context) error {
	c.cancelDebounce()
	c.transport.Disconnect()
	previous := c.session.HouseholdID()
	if err := c.session.Leave(ctx); err != nil {
		return err
	}
	c.logger.Info("household left", zap.String("household_id", previous))
	return nil
}

// PublishSignal overwrites a signal locally and shares it: over the socket when open, otherwise
// through a push. Delivery is best-effort.
func (c *Coordinator) PublishSignal(ctx context.Context, kind events.Kind, data any) error {
	if kind.IsRecord() {
		return events.ErrUnknownKind
	}
	householdID := c.session.HouseholdID()
	if householdID == "" {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("%w: encode data: %v", protocol.ErrInvalidEnvelope, err)
		}
		return c.signals.applyRaw(kind, encoded, time.UnixMilli(c.clock().UnixMilli()).UTC())
	}
	envelope, err := protocol.NewEnvelope(kind, data, householdID, c.session.DeviceID(), c.clock())
	if err != nil {
		return err
	}
	if err := c.signals.Apply(envelope); err != nil {
		return err
	}
	if c.Mode() != ModeActive {
		return nil
	}
	if c.transport.Send(envelope) {
		return nil
	}
	if !c.transport.Push(ctx, envelope) {
		c.logger.Warn("signal not delivered", zap.String("kind", kind.String()), zap.String("household_id", householdID))
	}
	return nil
}

// Close stops timers, unsubscribes from every source, and disconnects.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribers := c.unsubscribers
	c.unsubscribers = nil
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
	c.transport.OnMessage(nil)
	c.transport.OnStateChange(nil)
	cancel()
	c.transport.Disconnect()
	c.session.SetConnected(false)
}

func (c *Coordinator) activate(ctx context.Context, householdID string) {
	if !c.connectivity.Online() {
		c.markAll(events.SyncStatusOffline)
		return
	}
	c.connect(householdID)
	_ = c.SyncNow(ctx)
}

func (c *Coordinator) connect(householdID string) {
	if err := c.transport.Connect(householdID); err != nil {
		c.logger.Warn("transport connect rejected", zap.String("household_id", householdID), zap.Error(err))
	}
}

func (c *Coordinator) onConnectivity(online bool) {
	householdID := c.session.HouseholdID()
	if !online {
		c.cancelDebounce()
		c.transport.Disconnect()
		c.session.SetConnected(false)
		c.markAll(events.SyncStatusOffline)
		c.logger.Info("device offline", zap.String("household_id", householdID))
		return
	}
	c.markAll(events.SyncStatusPending)
	c.logger.Info("device online", zap.String("household_id", householdID))
	if householdID == "" {
		return
	}
	c.connect(householdID)
	_ = c.SyncNow(c.baseContext())
}

func (c *Coordinator) onStoreChange(change events.Change) {
	if change.Status != events.SyncStatusPending {
		return
	}
	if change.Op != events.ChangeCreated && change.Op != events.ChangeMutated {
		return
	}
	if c.Mode() != ModeActive {
		return
	}
	c.scheduleFlush()
}

func (c *Coordinator) onTransportState(state transport.State) {
	c.session.SetConnected(state == transport.StateConnected)
}

// scheduleFlush (re)starts the debounce window.
func (c *Coordinator) scheduleFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounceSeq++
	seq := c.debounceSeq
	c.debounce = c.scheduler.AfterFunc(c.window, func() {
		c.mu.Lock()
		if seq != c.debounceSeq || c.debounce == nil {
			c.mu.Unlock()
			return
		}
		c.debounce = nil
		ctx := c.ctx
		c.mu.Unlock()
		_ = c.SyncNow(ctx)
	})
}

func (c *Coordinator) cancelDebounce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

func (c *Coordinator) markAll(status events.SyncStatus) {
	for _, collection := range c.outbox.Collections() {
		collection.MarkAll(status)
	}
}

func (c *Coordinator) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}
