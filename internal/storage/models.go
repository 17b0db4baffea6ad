package storage

// RecordRow persists one Event Store entry.
type RecordRow struct {
	Kind            string `gorm:"column:kind;primaryKey;size:32;not null;index:idx_event_records_kind_position,priority:1"`
	RecordID        string `gorm:"column:record_id;primaryKey;size:190;not null"`
	Position        int64  `gorm:"column:position;not null;index:idx_event_records_kind_position,priority:2"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	SyncStatus      string `gorm:"column:sync_status;size:16;not null;index"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordRow) TableName() string {
	return "event_records"
}

// SessionRow persists the single household session of this device.
type SessionRow struct {
	Slot           string `gorm:"column:slot;primaryKey;size:32;not null"`
	DeviceID       string `gorm:"column:device_id;size:190;not null"`
	HouseholdID    string `gorm:"column:household_id;size:190"`
	LastSyncMillis int64  `gorm:"column:last_sync_ms;not null;default:0"`
	RelayCursor    int64  `gorm:"column:relay_cursor;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SessionRow) TableName() string {
	return "device_session"
}

// Models lists the schema owned by this package, for database.OpenSQLite.
func Models() []any {
	return []any{&RecordRow{}, &SessionRow{}}
}
