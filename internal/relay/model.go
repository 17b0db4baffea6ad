package relay

// EnvelopeRow stores one accepted envelope for replay. Devices page through a household by seq.
type EnvelopeRow struct {
	Seq               int64  `gorm:"column:seq;primaryKey;autoIncrement;index:idx_relay_envelopes_household_seq,priority:2"`
	HouseholdID       string `gorm:"column:household_id;size:190;not null;index:idx_relay_envelopes_household_seq,priority:1;uniqueIndex:idx_relay_envelope_dedupe,priority:1"`
	Kind              string `gorm:"column:kind;size:32;not null;uniqueIndex:idx_relay_envelope_dedupe,priority:2"`
	RecordKey         string `gorm:"column:record_key;size:190;not null;uniqueIndex:idx_relay_envelope_dedupe,priority:3"`
	OriginDeviceID    string `gorm:"column:origin_device_id;size:190;not null"`
	TimestampMillis   int64  `gorm:"column:timestamp_ms;not null"`
	DataJSON          string `gorm:"column:data_json;type:text;not null"`
	ReceivedAtSeconds int64  `gorm:"column:received_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EnvelopeRow) TableName() string {
	return "relay_envelopes"
}

// Models lists the schema owned by this package, for database.OpenSQLite.
func Models() []any {
	return []any{&EnvelopeRow{}}
}
