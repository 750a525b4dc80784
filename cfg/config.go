package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// DeadLetterBackendType selects the dead letter store backend
type DeadLetterBackendType string

const (
	DeadLetterJetStream DeadLetterBackendType = "jetstream" // NATS JetStream streams
	DeadLetterPebble    DeadLetterBackendType = "pebble"    // Embedded PebbleDB
	DeadLetterMemory    DeadLetterBackendType = "memory"    // In-process, for tests
)

// CaptureTransportType selects how change events reach the runtime
type CaptureTransportType string

const (
	CaptureNATS  CaptureTransportType = "nats"
	CaptureKafka CaptureTransportType = "kafka"
)

// StateStoreConfiguration for the external config & state database
type StateStoreConfiguration struct {
	Driver             string `toml:"driver"` // "mysql" or "sqlite3"
	DSN                string `toml:"dsn"`
	PoolSize           int    `toml:"pool_size"`
	MaxIdleTimeSeconds int    `toml:"max_idle_time_seconds"`
	MaxLifetimeSeconds int    `toml:"max_lifetime_seconds"`
}

// CaptureConfiguration controls the change stream consumer
type CaptureConfiguration struct {
	Transport     CaptureTransportType `toml:"transport"`
	NatsURL       string               `toml:"nats_url"`
	KafkaBrokers  []string             `toml:"kafka_brokers"`
	SubjectPrefix string               `toml:"subject_prefix"` // e.g. "cdc"
	Tables        []string             `toml:"tables"`         // Glob allow-list; empty = all tables
	BatchSize     int                  `toml:"batch_size"`
	QueueDepth    int                  `toml:"queue_depth"` // Bounded internal buffer
}

// DeadLetterConfiguration controls the durable failed-write queue
type DeadLetterConfiguration struct {
	Backend        DeadLetterBackendType `toml:"backend"`
	NatsURL        string                `toml:"nats_url"`
	AckWaitSeconds int                   `toml:"ack_wait_seconds"` // Unacked entries become reclaimable after this
	MaxRetryCount  int                   `toml:"max_retry_count"`
	MaxAgeDays     int                   `toml:"max_age_days"`
}

// RecoveryConfiguration controls the per-pipeline replay worker
type RecoveryConfiguration struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	BatchSize           int `toml:"batch_size"`
	PurgeEveryCycles    int `toml:"purge_every_cycles"`
}

// BackfillConfiguration controls the bulk load job engine
type BackfillConfiguration struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	PageSize            int `toml:"page_size"`
	MaxConcurrentJobs   int `toml:"max_concurrent_jobs"`
	MaxResumeAttempts   int `toml:"max_resume_attempts"`
}

// SupervisorConfiguration controls pipeline reconciliation
type SupervisorConfiguration struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	StopTimeoutSeconds  int `toml:"stop_timeout_seconds"`
}

// StreamingConfiguration for streaming-ingest destinations
type StreamingConfiguration struct {
	MaxPayloadBytes  int `toml:"max_payload_bytes"` // Hard wire ceiling per call
	RequestTimeoutMS int `toml:"request_timeout_ms"`
}

// NotifyConfiguration controls rate-limited error notifications
type NotifyConfiguration struct {
	WindowSeconds int    `toml:"window_seconds"` // Dedup window per (pipeline, destination, table, category)
	WebhookURL    string `toml:"webhook_url"`    // Optional; log delivery is always on
}

// OpsConfiguration for the read-only status HTTP API
type OpsConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	WorkerID uint64 `toml:"worker_id"` // Competing-consumer identity, 0 = auto
	DataDir  string `toml:"data_dir"`

	StateStore StateStoreConfiguration `toml:"state_store"`
	Capture    CaptureConfiguration    `toml:"capture"`
	DeadLetter DeadLetterConfiguration `toml:"dead_letter"`
	Recovery   RecoveryConfiguration   `toml:"recovery"`
	Backfill   BackfillConfiguration   `toml:"backfill"`
	Supervisor SupervisorConfiguration `toml:"supervisor"`
	Streaming  StreamingConfiguration  `toml:"streaming"`
	Notify     NotifyConfiguration     `toml:"notify"`
	Ops        OpsConfiguration        `toml:"ops"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	WorkerIDFlag   = flag.Uint64("worker-id", 0, "Worker ID (overrides config, 0=auto)")
	StateDSNFlag   = flag.String("state-dsn", "", "State store DSN (overrides config)")
)

// Default configuration
var Config = &Configuration{
	WorkerID: 0, // Auto-generate
	DataDir:  "./sluice-data",

	StateStore: StateStoreConfiguration{
		Driver:             "mysql",
		DSN:                "",
		PoolSize:           8,
		MaxIdleTimeSeconds: 60,
		MaxLifetimeSeconds: 300,
	},

	Capture: CaptureConfiguration{
		Transport:     CaptureNATS,
		NatsURL:       "nats://127.0.0.1:4222",
		KafkaBrokers:  []string{},
		SubjectPrefix: "cdc",
		Tables:        []string{},
		BatchSize:     500,
		QueueDepth:    32,
	},

	DeadLetter: DeadLetterConfiguration{
		Backend:        DeadLetterJetStream,
		NatsURL:        "nats://127.0.0.1:4222",
		AckWaitSeconds: 120,
		MaxRetryCount:  10,
		MaxAgeDays:     14,
	},

	Recovery: RecoveryConfiguration{
		PollIntervalSeconds: 30,
		BatchSize:           200,
		PurgeEveryCycles:    20,
	},

	Backfill: BackfillConfiguration{
		PollIntervalSeconds: 10,
		PageSize:            10000,
		MaxConcurrentJobs:   4,
		MaxResumeAttempts:   5,
	},

	Supervisor: SupervisorConfiguration{
		PollIntervalSeconds: 15,
		StopTimeoutSeconds:  30,
	},

	Streaming: StreamingConfiguration{
		MaxPayloadBytes:  3_500_000, // Streaming ingest rejects larger calls
		RequestTimeoutMS: 30000,
	},

	Notify: NotifyConfiguration{
		WindowSeconds: 300,
		WebhookURL:    "",
	},

	Ops: OpsConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8610,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *WorkerIDFlag != 0 {
		Config.WorkerID = *WorkerIDFlag
	}
	if *StateDSNFlag != "" {
		Config.StateStore.DSN = *StateDSNFlag
	}

	// Auto-generate worker ID if not set
	if Config.WorkerID == 0 {
		var err error
		Config.WorkerID, err = generateWorkerID()
		if err != nil {
			return fmt.Errorf("failed to generate worker ID: %w", err)
		}
		log.Info().Uint64("worker_id", Config.WorkerID).Msg("Auto-generated worker ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateWorkerID creates a stable worker ID based on machine ID. The ID
// names this process's durable consumers, so it must survive restarts.
func generateWorkerID() (uint64, error) {
	id, err := machineid.ProtectedID("sluice")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.StateStore.Driver {
	case "mysql", "sqlite3":
	default:
		return fmt.Errorf("invalid state store driver: %s", Config.StateStore.Driver)
	}

	if Config.StateStore.PoolSize < 1 {
		return fmt.Errorf("state store pool size must be >= 1")
	}

	switch Config.Capture.Transport {
	case CaptureNATS:
		if Config.Capture.NatsURL == "" {
			return fmt.Errorf("capture transport nats requires nats_url")
		}
	case CaptureKafka:
		if len(Config.Capture.KafkaBrokers) == 0 {
			return fmt.Errorf("capture transport kafka requires kafka_brokers")
		}
	default:
		return fmt.Errorf("invalid capture transport: %s", Config.Capture.Transport)
	}

	if Config.Capture.BatchSize < 1 {
		return fmt.Errorf("capture batch size must be >= 1")
	}

	if Config.Capture.QueueDepth < 1 {
		return fmt.Errorf("capture queue depth must be >= 1")
	}

	switch Config.DeadLetter.Backend {
	case DeadLetterJetStream:
		if Config.DeadLetter.NatsURL == "" {
			return fmt.Errorf("dead letter backend jetstream requires nats_url")
		}
	case DeadLetterPebble, DeadLetterMemory:
	default:
		return fmt.Errorf("invalid dead letter backend: %s", Config.DeadLetter.Backend)
	}

	if Config.DeadLetter.AckWaitSeconds < 1 {
		return fmt.Errorf("dead letter ack wait must be >= 1 second")
	}

	if Config.DeadLetter.MaxRetryCount < 1 {
		return fmt.Errorf("dead letter max retry count must be >= 1")
	}

	if Config.DeadLetter.MaxAgeDays < 1 {
		return fmt.Errorf("dead letter max age must be >= 1 day")
	}

	if Config.Recovery.PollIntervalSeconds < 1 {
		return fmt.Errorf("recovery poll interval must be >= 1 second")
	}

	if Config.Recovery.BatchSize < 1 {
		return fmt.Errorf("recovery batch size must be >= 1")
	}

	if Config.Recovery.PurgeEveryCycles < 1 {
		return fmt.Errorf("recovery purge cycle count must be >= 1")
	}

	if Config.Backfill.PollIntervalSeconds < 1 {
		return fmt.Errorf("backfill poll interval must be >= 1 second")
	}

	if Config.Backfill.PageSize < 1 {
		return fmt.Errorf("backfill page size must be >= 1")
	}

	if Config.Backfill.MaxConcurrentJobs < 1 {
		return fmt.Errorf("backfill max concurrent jobs must be >= 1")
	}

	if Config.Backfill.MaxResumeAttempts < 1 {
		return fmt.Errorf("backfill max resume attempts must be >= 1")
	}

	if Config.Supervisor.PollIntervalSeconds < 1 {
		return fmt.Errorf("supervisor poll interval must be >= 1 second")
	}

	if Config.Supervisor.StopTimeoutSeconds < 1 {
		return fmt.Errorf("supervisor stop timeout must be >= 1 second")
	}

	// The ingest service rejects calls past its wire ceiling, so an
	// oversized chunk limit only produces hard 413 failures.
	if Config.Streaming.MaxPayloadBytes < 1024 || Config.Streaming.MaxPayloadBytes > 4_000_000 {
		return fmt.Errorf("streaming max payload must be between 1024 and 4000000 bytes")
	}

	if Config.Notify.WindowSeconds < 1 {
		return fmt.Errorf("notify window must be >= 1 second")
	}

	if Config.Ops.Enabled && (Config.Ops.Port < 1 || Config.Ops.Port > 65535) {
		return fmt.Errorf("invalid ops port: %d", Config.Ops.Port)
	}

	return nil
}
