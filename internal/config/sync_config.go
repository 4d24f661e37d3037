package config

import (
	"time"
)

// SyncConfig holds synchronization tunables for the catalog engine and
// the mutation outbox.
type SyncConfig struct {
	// ============ SCHEDULING ============
	SyncOnStartup bool
	SyncInterval  time.Duration // incremental pass interval
	FullSyncAge   time.Duration // age of lastFullSync that forces a full refresh

	// ============ LIMITS ============
	BatchSize      int // catalog records per fetch
	QueueBatchSize int // mutations claimed per replay batch
	MaxRetries     int // attempts before a mutation is parked as failed

	// ============ CONNECTIVITY ============
	HealthCheckInterval time.Duration

	// ============ ENTITIES ============
	Entities map[string]bool // entity name -> enabled
}

// LoadSyncConfig builds the sync configuration from environment
// variables with production defaults.
func LoadSyncConfig() *SyncConfig {
	cfg := &SyncConfig{
		SyncOnStartup:       getEnv("SYNC_ON_STARTUP", "true") == "true",
		SyncInterval:        time.Duration(getEnvInt("SYNC_INTERVAL_SECONDS", 300)) * time.Second,
		FullSyncAge:         time.Duration(getEnvInt("FULL_SYNC_AGE_HOURS", 24)) * time.Hour,
		BatchSize:           getEnvInt("SYNC_BATCH_SIZE", 100),
		QueueBatchSize:      getEnvInt("QUEUE_BATCH_SIZE", 25),
		MaxRetries:          getEnvInt("QUEUE_MAX_RETRIES", 3),
		HealthCheckInterval: time.Duration(getEnvInt("HEALTH_CHECK_SECONDS", 30)) * time.Second,
		Entities: map[string]bool{
			"products":   true,
			"categories": true,
			"packages":   true,
			"tables":     true,
			"sessions":   true,
			"orders":     true,
		},
	}

	return cfg
}
