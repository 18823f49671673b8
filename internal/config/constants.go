package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Relay buffering
const (
	// FlushThreshold is the local buffer size that triggers an immediate
	// flush to the durable buffer.
	FlushThreshold = 100

	// PreviewLimit caps the number of initial events persisted on the
	// session record for UI preview.
	PreviewLimit = 10

	// DrainBatchSize bounds a single destructive read from the durable
	// buffer during archival.
	DrainBatchSize = 500
)

// WebSocket connection settings
const (
	WSWriteWait      = 10 * time.Second
	WSPongWait       = 60 * time.Second
	WSPingPeriod     = 54 * time.Second
	WSMaxMessageSize = 64 * 1024
	WSSendBufferSize = 100
)

// Background job intervals
const RecoveryJobInterval = 5 * time.Minute

// RecoveryConcurrency bounds how many orphaned queues are re-archived in
// parallel per recovery pass.
const RecoveryConcurrency = 4
