package events

import "fmt"

// Contraction is a single timed labor contraction. Times are unix milliseconds, Duration is seconds.
type Contraction struct {
	ID        string `json:"id"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime,omitempty"`
	Duration  int64  `json:"duration"`
	Intensity int    `json:"intensity,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Running reports whether the contraction has not been stopped yet.
func (c Contraction) Running() bool {
	return c.EndTime == 0
}

// FeedingMethod enumerates feeding session types.
type FeedingMethod string

const (
	FeedingBreastLeft  FeedingMethod = "breast_left"
	FeedingBreastRight FeedingMethod = "breast_right"
	FeedingBottle      FeedingMethod = "bottle"
	FeedingSolid       FeedingMethod = "solid"
)

// FeedingSession is a single feeding.
type FeedingSession struct {
	ID        string        `json:"id"`
	StartTime int64         `json:"startTime"`
	EndTime   int64         `json:"endTime,omitempty"`
	Method    FeedingMethod `json:"method"`
	AmountML  int           `json:"amountMl,omitempty"`
	Notes     string        `json:"notes,omitempty"`
}

// DiaperType enumerates diaper change categories.
type DiaperType string

const (
	DiaperWet   DiaperType = "wet"
	DiaperDirty DiaperType = "dirty"
	DiaperMixed DiaperType = "mixed"
	DiaperDry   DiaperType = "dry"
)

// DiaperEntry is a single diaper change.
type DiaperEntry struct {
	ID        string     `json:"id"`
	Timestamp int64      `json:"timestamp"`
	Type      DiaperType `json:"type"`
	Notes     string     `json:"notes,omitempty"`
}

const maxContractionIntensity = 10

func validateContraction(record Contraction) error {
	if record.StartTime < 0 {
		return fmt.Errorf("%w: contraction start time %d", ErrInvalidRecord, record.StartTime)
	}
	if record.EndTime != 0 && record.EndTime < record.StartTime {
		return fmt.Errorf("%w: contraction ends before it starts", ErrInvalidRecord)
	}
	if record.Duration < 0 {
		return fmt.Errorf("%w: contraction duration %d", ErrInvalidRecord, record.Duration)
	}
	if record.Intensity < 0 || record.Intensity > maxContractionIntensity {
		return fmt.Errorf("%w: contraction intensity %d", ErrInvalidRecord, record.Intensity)
	}
	return nil
}

func validateFeeding(record FeedingSession) error {
	if record.StartTime < 0 {
		return fmt.Errorf("%w: feeding start time %d", ErrInvalidRecord, record.StartTime)
	}
	if record.EndTime != 0 && record.EndTime < record.StartTime {
		return fmt.Errorf("%w: feeding ends before it starts", ErrInvalidRecord)
	}
	switch record.Method {
	case FeedingBreastLeft, FeedingBreastRight, FeedingBottle, FeedingSolid:
	default:
		return fmt.Errorf("%w: feeding method %q", ErrInvalidRecord, record.Method)
	}
	if record.AmountML < 0 {
		return fmt.Errorf("%w: feeding amount %d", ErrInvalidRecord, record.AmountML)
	}
	return nil
}

func validateDiaper(record DiaperEntry) error {
	if record.Timestamp < 0 {
		return fmt.Errorf("%w: diaper timestamp %d", ErrInvalidRecord, record.Timestamp)
	}
	switch record.Type {
	case DiaperWet, DiaperDirty, DiaperMixed, DiaperDry:
	default:
		return fmt.Errorf("%w: diaper type %q", ErrInvalidRecord, record.Type)
	}
	return nil
}

// ContractionSchema binds Contraction to the generic store.
var ContractionSchema = Schema[Contraction]{
	Kind:     KindContraction,
	ID:       func(record Contraction) string { return record.ID },
	SetID:    func(record *Contraction, id string) { record.ID = id },
	Validate: validateContraction,
}

// FeedingSchema binds FeedingSession to the generic store.
var FeedingSchema = Schema[FeedingSession]{
	Kind:     KindFeeding,
	ID:       func(record FeedingSession) string { return record.ID },
	SetID:    func(record *FeedingSession, id string) { record.ID = id },
	Validate: validateFeeding,
}

// DiaperSchema binds DiaperEntry to the generic store.
var DiaperSchema = Schema[DiaperEntry]{
	Kind:     KindDiaper,
	ID:       func(record DiaperEntry) string { return record.ID },
	SetID:    func(record *DiaperEntry, id string) { record.ID = id },
	Validate: validateDiaper,
}

// NewContractionStore constructs the contraction Event Store.
func NewContractionStore(cfg StoreConfig) *Store[Contraction] {
	return NewStore(ContractionSchema, cfg)
}

// NewFeedingStore constructs the feeding Event Store.
func NewFeedingStore(cfg StoreConfig) *Store[FeedingSession] {
	return NewStore(FeedingSchema, cfg)
}

// NewDiaperStore constructs the diaper Event Store.
func NewDiaperStore(cfg StoreConfig) *Store[DiaperEntry] {
	return NewStore(DiaperSchema, cfg)
}
