package config

import "time"

var Version string

// Used so that tests can generate fixed timestamps instead of time.Now().
var Clock TimestampGenerator = RealTimestampGenerator{}

// Protection lease parameters (spec.md §4.1).
const (
	DefaultLeaseExtensionIntervalSecs = 900
	DefaultLeaseBufferSecs            = 300
	DefaultLeaseCheckIntervalSecs     = 30
	DefaultMaxProtectionDurationSecs  = 2 * 60 * 60
	DefaultMinProtectionHoldSecs      = 120
)

// Queue consumer parameters (spec.md §4.2, §6).
const (
	DefaultSQSWaitTimeSeconds           = 20
	DefaultSQSVisibilityTimeoutSeconds  = 14400
	DefaultRequeueDelaySeconds          = 180
	DefaultNotReadyEscalationThreshold  = 3
	DefaultEmptyPollBackoffInitialSecs  = 1
	DefaultEmptyPollBackoffMaxSecs      = 20
	MinHeartbeatIntervalSecs            = 60
	MaxHeartbeatIntervalSecs            = 300
)

// Transcoder parameters (spec.md §4.4).
const (
	MinQuoteClipDurationMs = 100
	MinShortClipDuration   = 1 * time.Second
)

// Repository parameters (spec.md §4.5, §6).
const (
	DefaultDBUpdateBatchSize  = 20
	DBStatementTimeout        = 120 * time.Second
	DBLockTimeout             = 1 * time.Second
	DefaultDBMaxWriteAttempts = 5
	DefaultFlagAdvanceRetries = 3
	FlagAdvanceRetryPause     = 500 * time.Millisecond
)

// ArtifactStore parameters (spec.md §4.6, §6).
const (
	DefaultSinglePutMaxBytes = 128 * 1024 * 1024
	MultipartPartSizeBytes   = 64 * 1024 * 1024
	DefaultMinUploadConcurrency = 2
	DefaultMaxUploadConcurrency = 16
)

// Supervisor drain parameters (spec.md §4.7, §6).
const (
	DefaultDrainTimeout     = 30 * time.Second
	DefaultSpotDrainTimeout = 95 * time.Second
)
