// Package protocol defines the JSON envelope exchanged between devices and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nestlog/internal/events"
)

var (
	// ErrInvalidEnvelope indicates a frame that cannot be dispatched.
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	// ErrMissingRecordID indicates a record envelope whose data lacks an id.
	ErrMissingRecordID = errors.New("protocol: record data missing id")
)

// Envelope is the unit of sync traffic. Timestamp is unix milliseconds. Seq is the relay log
// position, set only on frames the relay delivers; devices never send it.
type Envelope struct {
	Kind           events.Kind     `json:"kind"`
	Timestamp      int64           `json:"timestamp"`
	Data           json.RawMessage `json:"data"`
	OriginDeviceID string          `json:"originDeviceId"`
	HouseholdID    string          `json:"householdId"`
	Seq            int64           `json:"seq,omitempty"`
}

// NewEnvelope stamps and serialises a payload.
func NewEnvelope(kind events.Kind, data any, householdID, deviceID string, at time.Time) (Envelope, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: encode data: %v", ErrInvalidEnvelope, err)
	}
	envelope := Envelope{
		Kind:           kind,
		Timestamp:      at.UnixMilli(),
		Data:           encoded,
		OriginDeviceID: deviceID,
		HouseholdID:    householdID,
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// Decode parses and validates a wire frame.
func Decode(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// Encode serialises the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Validate checks the fields every receiver relies on.
func (e Envelope) Validate() error {
	if _, err := events.ParseKind(string(e.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(e.HouseholdID) == "" {
		return fmt.Errorf("%w: missing household id", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.OriginDeviceID) == "" {
		return fmt.Errorf("%w: missing origin device id", ErrInvalidEnvelope)
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return fmt.Errorf("%w: missing data", ErrInvalidEnvelope)
	}
	return nil
}

// RecordID extracts data.id from a record envelope.
func (e Envelope) RecordID() (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Data, &probe); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(probe.ID) == "" {
		return "", ErrMissingRecordID
	}
	return probe.ID, nil
}

// Time returns the envelope timestamp as a UTC time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}
