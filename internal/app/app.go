// Package app owns every sync component of one device and exposes the UI-facing API.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/nestlog/internal/config"
	"github.com/MarcoPoloResearchLab/nestlog/internal/connectivity"
	"github.com/MarcoPoloResearchLab/nestlog/internal/coordinator"
	"github.com/MarcoPoloResearchLab/nestlog/internal/database"
	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
	"github.com/MarcoPoloResearchLab/nestlog/internal/household"
	"github.com/MarcoPoloResearchLab/nestlog/internal/protocol"
	"github.com/MarcoPoloResearchLab/nestlog/internal/storage"
	"github.com/MarcoPoloResearchLab/nestlog/internal/timer"
	"github.com/MarcoPoloResearchLab/nestlog/internal/transport"
)

var (
	// ErrNoRunningContraction is returned when stopping a contraction that is not running.
	ErrNoRunningContraction = errors.New("no running contraction")
	errClosed               = errors.New("app is closed")
)

// Config wires an App. Only Device is required; the rest override defaults for tests and embedding.
type Config struct {
	Device config.DeviceConfig
	// Database replaces opening Device.DatabasePath. The caller keeps ownership.
	Database *gorm.DB
	// Connectivity replaces the default health prober (or a fixed offline observer when Device.Offline).
	Connectivity connectivity.Observer
	HTTPClient   transport.HTTPDoer
	Dialer       transport.WebSocketDialer
	Scheduler    timer.Scheduler
	Clock        func() time.Time
	IDProvider   events.IDProvider
	OnFlush      func(coordinator.FlushReport)
	Logger       *zap.Logger
}

// App is the application context: stores, local persistence, session, transport and coordinator.
type App struct {
	contractions *events.Store[events.Contraction]
	feedings     *events.Store[events.FeedingSession]
	diapers      *events.Store[events.DiaperEntry]

	repository   *storage.Repository
	session      *household.Session
	transport    *transport.Client
	connectivity connectivity.Observer
	prober       *connectivity.Prober
	coordinator  *coordinator.Coordinator
	clock        func() time.Time
	logger       *zap.Logger

	db     *gorm.DB
	ownsDB bool

	mu      sync.Mutex
	detach  []func()
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// New opens local storage, restores the stores and session, and wires the sync engine. Nothing
// touches the network until Start.
func New(ctx context.Context, cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Device.DeviceName != "" {
		logger = logger.With(zap.String("device_name", cfg.Device.DeviceName))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = events.NewUUIDProvider()
	}

	a := &App{clock: clock, logger: logger, db: cfg.Database}
	if a.db == nil {
		db, err := database.OpenSQLite(cfg.Device.DatabasePath, logger, storage.Models()...)
		if err != nil {
			return nil, fmt.Errorf("open local database: %w", err)
		}
		a.db = db
		a.ownsDB = true
	}

	built := false
	defer func() {
		if !built {
			a.release()
		}
	}()

	repository, err := storage.NewRepository(storage.RepositoryConfig{Database: a.db, Clock: clock, Logger: logger})
	if err != nil {
		return nil, err
	}
	a.repository = repository

	storeConfig := events.StoreConfig{IDProvider: idProvider, Logger: logger}
	a.contractions = events.NewContractionStore(storeConfig)
	a.feedings = events.NewFeedingStore(storeConfig)
	a.diapers = events.NewDiaperStore(storeConfig)
	for _, collection := range a.collections() {
		detach, err := repository.Attach(ctx, collection)
		if err != nil {
			return nil, err
		}
		a.detach = append(a.detach, detach)
	}

	session, err := household.NewSession(ctx, household.Config{
		Store:    repository,
		DeviceID: cfg.Device.DeviceID,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	a.session = session
	a.logger = logger.With(zap.String("device_id", session.DeviceID()))

	a.connectivity = cfg.Connectivity
	if a.connectivity == nil {
		if cfg.Device.Offline {
			a.connectivity = connectivity.NewManual(false)
		} else {
			prober, err := connectivity.NewProber(connectivity.ProberConfig{
				BaseURL:  cfg.Device.RelayHTTPURL,
				Interval: cfg.Device.ProbeInterval,
				Initial:  true,
				Logger:   a.logger,
			})
			if err != nil {
				return nil, err
			}
			a.prober = prober
			a.connectivity = prober
		}
	}

	client, err := transport.NewClient(transport.Config{
		HTTPBaseURL:    cfg.Device.RelayHTTPURL,
		WSBaseURL:      cfg.Device.RelayWSURL,
		DeviceID:       session.DeviceID(),
		MaxAttempts:    cfg.Device.PushMaxRetries,
		RetryDelay:     cfg.Device.PushRetryDelay,
		ReconnectDelay: cfg.Device.ReconnectDelay,
		HTTPClient:     cfg.HTTPClient,
		Dialer:         cfg.Dialer,
		Scheduler:      cfg.Scheduler,
		Online:         a.connectivity.Online,
		Cursor:         session.Cursor,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.transport = client

	engine, err := coordinator.New(coordinator.Config{
		Stores:         a.collections(),
		Transport:      client,
		Session:        session,
		Connectivity:   a.connectivity,
		Scheduler:      cfg.Scheduler,
		Clock:          clock,
		DebounceWindow: cfg.Device.Debounce,
		OnFlush:        cfg.OnFlush,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.coordinator = engine

	built = true
	return a, nil
}

// Start begins connectivity probing and lets the coordinator connect when a household is joined.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errClosed
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.mu.Unlock()

	if a.prober != nil {
		a.prober.Probe(ctx)
		go a.prober.Run(runCtx)
	}
	return a.coordinator.Start(runCtx)
}

// Close stops the engine, detaches persistence and releases the database when the App opened it.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	a.mu.Unlock()

	a.coordinator.Close()
	a.transport.Close()
	if cancel != nil {
		cancel()
	}
	return a.release()
}

func (a *App) release() error {
	for _, detach := range a.detach {
		detach()
	}
	a.detach = nil
	if !a.ownsDB || a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *App) collections() []events.Collection {
	return []events.Collection{a.contractions, a.feedings, a.diapers}
}

func (a *App) Contractions() *events.Store[events.Contraction] { return a.contractions }

func (a *App) Feedings() *events.Store[events.FeedingSession] { return a.feedings }

func (a *App) Diapers() *events.Store[events.DiaperEntry] { return a.diapers }

func (a *App) Signals() *coordinator.SignalState { return a.coordinator.Signals() }

// Connectivity exposes the observer, e.g. to flip a Manual observer from the CLI.
func (a *App) Connectivity() connectivity.Observer { return a.connectivity }

func (a *App) Status() coordinator.Status { return a.coordinator.Status() }

func (a *App) Mode() coordinator.Mode { return a.coordinator.Mode() }

func (a *App) IsConnected() bool { return a.session.IsConnected() }

func (a *App) IsOnline() bool { return a.connectivity.Online() }

func (a *App) LastSyncTime() (time.Time, bool) { return a.session.LastSyncTime() }

func (a *App) PendingCount() int { return a.coordinator.PendingCount() }

func (a *App) HouseholdID() string { return a.session.HouseholdID() }

func (a *App) DeviceID() string { return a.session.DeviceID() }

// SyncNow flushes the outbox once; a no-op unless a household is joined and the device is online.
func (a *App) SyncNow(ctx context.Context) error {
	return a.coordinator.SyncNow(ctx)
}

func (a *App) CreateHousehold(ctx context.Context) (string, error) {
	return a.coordinator.CreateHousehold(ctx)
}

func (a *App) JoinHousehold(ctx context.Context, householdID string) error {
	return a.coordinator.JoinHousehold(ctx, householdID)
}

func (a *App) LeaveHousehold(ctx context.Context) error {
	return a.coordinator.LeaveHousehold(ctx)
}

// SetPhase shares the labor phase with the household.
func (a *App) SetPhase(ctx context.Context, phase string) error {
	return a.coordinator.PublishSignal(ctx, events.KindPhaseChange, protocol.PhaseChange{Phase: phase})
}

// SetBabyInfo shares the baby details with the household.
func (a *App) SetBabyInfo(ctx context.Context, info protocol.BabyInfo) error {
	return a.coordinator.PublishSignal(ctx, events.KindBabyInfo, info)
}

// StartContraction records a running contraction beginning now.
func (a *App) StartContraction(intensity int, notes string) (string, error) {
	return a.contractions.Create(events.Contraction{
		StartTime: a.clock().UnixMilli(),
		Intensity: intensity,
		Notes:     notes,
	})
}

// StopContraction ends the given contraction, or the most recent running one when id is empty.
func (a *App) StopContraction(id string) (events.Contraction, error) {
	if id == "" {
		entries := a.contractions.All()
		for index := len(entries) - 1; index >= 0; index-- {
			if entries[index].Record.Running() {
				id = entries[index].Record.ID
				break
			}
		}
	}
	if id == "" {
		return events.Contraction{}, ErrNoRunningContraction
	}
	if entry, ok := a.contractions.Get(id); !ok || !entry.Record.Running() {
		return events.Contraction{}, fmt.Errorf("%w: %s", ErrNoRunningContraction, id)
	}

	now := a.clock().UnixMilli()
	ok, err := a.contractions.Mutate(id, func(record *events.Contraction) {
		record.EndTime = now
		if now > record.StartTime {
			record.Duration = (now - record.StartTime) / 1000
		}
	})
	if err != nil {
		return events.Contraction{}, err
	}
	if !ok {
		return events.Contraction{}, fmt.Errorf("%w: %s", ErrNoRunningContraction, id)
	}
	entry, _ := a.contractions.Get(id)
	return entry.Record, nil
}

// LogFeeding stores a feeding, stamping the start time when unset.
func (a *App) LogFeeding(record events.FeedingSession) (string, error) {
	if record.StartTime == 0 {
		record.StartTime = a.clock().UnixMilli()
	}
	return a.feedings.Create(record)
}

// LogDiaper stores a diaper change, stamping the time when unset.
func (a *App) LogDiaper(record events.DiaperEntry) (string, error) {
	if record.Timestamp == 0 {
		record.Timestamp = a.clock().UnixMilli()
	}
	return a.diapers.Create(record)
}
