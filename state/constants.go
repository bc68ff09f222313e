package state

import "time"

var (
	// hard upper bound on a single link read, whatever the caller asks for
	MaxReadWait  = time.Second * 10
	MaxWriteWait = time.Second * 5
	MaxFrameSize = 512

	// health defaults
	HealthCheckInterval     = time.Second * 30
	SilenceTimeout          = time.Second * 180
	ForcedReconnectInterval = time.Duration(0) // disabled
	SilenceIntervalRatio    = 4

	// reconnect
	TeardownCooldown    = time.Second * 2
	ReconnectBackoffMin = time.Second * 1
	ReconnectBackoffMax = time.Second * 60
	OpenTimeout         = time.Second * 10
	ShutdownJoinTimeout = time.Second * 5

	// dedup window, tuned for radios that repeat packets a few seconds apart
	DedupWindow   = time.Second * 20
	DedupCapacity = uint64(8192)
	DedupBucket   = time.Minute

	// maintenance
	SyncInterval      = time.Minute * 5
	SyncDeferredDelay = time.Second * 20
	SyncTimeout       = time.Second * 30

	// a target whose fingerprint still matches is synced anyway once this old
	SyncMaxAge = time.Hour * 24

	// traffic store
	StoreRetention       = time.Hour * 24 * 30
	StoreCleanupInterval = time.Hour
	StoreQueueSize       = 1024
	StoreErrorThreshold  = 10
	StoreErrorWindow     = time.Minute * 5
	StoreOpTimeout       = time.Second * 5

	TraceBufferSize = 256

	// rotated log file
	LogMaxSizeMB  = 20
	LogMaxBackups = 5

	DefaultConfigPath = "meshbridge.yaml"
	DefaultStorePath  = "traffic.db"
	DefaultBaudRate   = 115200
)
