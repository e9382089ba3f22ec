package config

import "time"

// SyncConfig holds sync engine configuration
type SyncConfig struct {
	PageDelay         time.Duration
	DefaultPageSize   int
	MaxDuration       time.Duration
	LockTimeout       time.Duration
	LockSweepInterval time.Duration
	OrphanAge         time.Duration
	LookupChunkSize   int
	StorageRetries    int
	StorageBackoff    time.Duration
	MappingCacheTTL   time.Duration
}

// DefaultSyncConfig returns the default sync configuration
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		PageDelay:         10 * time.Second,
		DefaultPageSize:   50,
		MaxDuration:       2 * time.Hour,
		LockTimeout:       30 * time.Minute,
		LockSweepInterval: time.Minute,
		OrphanAge:         time.Hour,
		LookupChunkSize:   500,
		StorageRetries:    3,
		StorageBackoff:    time.Second,
		MappingCacheTTL:   5 * time.Minute,
	}
}
