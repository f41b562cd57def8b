package schema

import (
	"fmt"
	"time"
)

// Mode selects which replica serves reads and writes.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeHybrid Mode = "hybrid"
	ModeRemote Mode = "remote"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeLocal, ModeHybrid, ModeRemote:
		return m, nil
	}
	return "", &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown storage mode %q", s)}
}

// ConflictPolicy decides what happens to conflicts found by a migration.
type ConflictPolicy string

const (
	ConflictManual ConflictPolicy = "manual"
	ConflictLocal  ConflictPolicy = "local"
	ConflictRemote ConflictPolicy = "remote"
)

// DefaultSyncInterval is how often the background loop drains and reconciles.
const DefaultSyncInterval = 5 * time.Minute

// StorageConfig is the persisted user-level storage preference.
type StorageConfig struct {
	Mode               Mode           `json:"mode"`
	AutoSync           bool           `json:"autoSync"`
	SyncInterval       int64          `json:"syncInterval"` // milliseconds
	OfflineMode        bool           `json:"offlineMode"`
	ConflictResolution ConflictPolicy `json:"conflictResolution"`
}

// DefaultStorageConfig returns the configuration used on first run.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Mode:               ModeHybrid,
		AutoSync:           true,
		SyncInterval:       DefaultSyncInterval.Milliseconds(),
		ConflictResolution: ConflictManual,
	}
}

// Interval returns SyncInterval as a duration, falling back to the default.
func (c StorageConfig) Interval() time.Duration {
	if c.SyncInterval <= 0 {
		return DefaultSyncInterval
	}
	return time.Duration(c.SyncInterval) * time.Millisecond
}

// RuntimeState is the persisted offline-state record.
type RuntimeState struct {
	IsOfflineMode     bool       `json:"isOfflineMode"`
	PendingOperations int        `json:"pendingOperations"`
	AutoSyncEnabled   bool       `json:"autoSyncEnabled"`
	LastSyncAttempt   *time.Time `json:"lastSyncAttempt,omitempty"`
}
