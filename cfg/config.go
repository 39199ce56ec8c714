package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// PublisherSinkType defines where committed-transaction events are shipped
type PublisherSinkType string

const (
	SinkNATS  PublisherSinkType = "nats"  // NATS JetStream stream
	SinkKafka PublisherSinkType = "kafka" // Kafka topic
	SinkNone  PublisherSinkType = "none"  // Hub only, no external sink
)

// JournalConfiguration controls the rank journal store
type JournalConfiguration struct {
	BatchSize          int  `toml:"batch_size"`           // Max entries per group-commit batch
	BatchIntervalMS    int  `toml:"batch_interval_ms"`    // Max wait before flushing a partial batch
	CompressThreshold  int  `toml:"compress_threshold"`   // Payload bytes above which zstd kicks in
	SyncWrites         bool `toml:"sync_writes"`          // fsync each batch (off only for tests)
	PrepareGCHours     int  `toml:"prepare_gc_hours"`     // Age after which orphaned prepares are reported
	WaitQueueSizeLimit int  `toml:"waitqueue_size_limit"` // Max durability waiters before backpressure
}

// TransportConfiguration controls rank-to-rank messaging
type TransportConfiguration struct {
	NATSURLs          []string `toml:"nats_urls"`
	RequestTimeoutMS  int      `toml:"request_timeout_ms"` // Prepare / remote-lock request timeout
	ReconnectWaitMS   int      `toml:"reconnect_wait_ms"`
	CompressThreshold int      `toml:"compress_threshold"` // Message bytes above which zstd kicks in
}

// ClusterConfiguration controls membership, liveness and placement
type ClusterConfiguration struct {
	Name                string `toml:"name"` // Cluster name, part of rank id derivation
	HeartbeatIntervalMS int    `toml:"heartbeat_interval_ms"`
	SuspectTimeoutMS    int    `toml:"suspect_timeout_ms"`
	DeadTimeoutMS       int    `toml:"dead_timeout_ms"`
	VirtualNodes        int    `toml:"virtual_nodes"` // Ring vnodes per rank
	PlacementReplicas   int    `toml:"placement_replicas"`
}

// TxnConfiguration controls the distributed transaction driver
type TxnConfiguration struct {
	PrepareTimeoutMS int `toml:"prepare_timeout_ms"` // Per-participant prepare phase timeout
	MaxRetries       int `toml:"max_retries"`        // Recoverable-failure retry budget
	RetryBackoffMS   int `toml:"retry_backoff_ms"`   // Base backoff between retries
	CommittedLRUSize int `toml:"committed_lru_size"` // Recently committed txn ids kept for dedup
}

// LockCacheConfiguration controls per-client lock caching
type LockCacheConfiguration struct {
	Enabled        bool `toml:"enabled"`
	MaxPerClient   int  `toml:"max_per_client"`  // Caches held per client capability
	FilterCapacity uint `toml:"filter_capacity"` // Cuckoo filter size for contention checks
}

// KafkaConfiguration for the Kafka event sink
type KafkaConfiguration struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// NATSSinkConfiguration for the JetStream event sink
type NATSSinkConfiguration struct {
	URLs   []string `toml:"urls"`   // Defaults to transport URLs when empty
	Stream string   `toml:"stream"` // JetStream stream name
}

// PublisherConfiguration controls the committed-transaction event publisher
type PublisherConfiguration struct {
	Enabled         bool                  `toml:"enabled"`
	Sink            PublisherSinkType     `toml:"sink"`
	IncludePaths    []string              `toml:"include_paths"` // Glob patterns, empty = all
	ExcludePaths    []string              `toml:"exclude_paths"`
	BatchSize       int                   `toml:"batch_size"`
	FlushIntervalMS int                   `toml:"flush_interval_ms"`
	Kafka           KafkaConfiguration    `toml:"kafka"`
	NATS            NATSSinkConfiguration `toml:"nats"`
}

// AdminConfiguration for the introspection HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"` // Empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	RankID      uint64 `toml:"rank_id"` // 0 = derive from machine id
	DataDir     string `toml:"data_dir"`
	DebugChecks bool   `toml:"debug_checks"` // Fatal on resource-leak invariants

	Journal    JournalConfiguration    `toml:"journal"`
	Transport  TransportConfiguration  `toml:"transport"`
	Cluster    ClusterConfiguration    `toml:"cluster"`
	Txn        TxnConfiguration        `toml:"txn"`
	LockCache  LockCacheConfiguration  `toml:"lock_cache"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "sett.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	RankIDFlag     = flag.Uint64("rank-id", 0, "Rank ID (overrides config, 0=auto)")
	NATSURLFlag    = flag.String("nats-url", "", "NATS URL (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	RankID:      0, // Auto-generate
	DataDir:     "./sett-data",
	DebugChecks: false,

	Journal: JournalConfiguration{
		BatchSize:          256,
		BatchIntervalMS:    5,
		CompressThreshold:  1024,
		SyncWrites:         true,
		PrepareGCHours:     24,
		WaitQueueSizeLimit: 4096,
	},

	Transport: TransportConfiguration{
		NATSURLs:          []string{"nats://localhost:4222"},
		RequestTimeoutMS:  2000,
		ReconnectWaitMS:   500,
		CompressThreshold: 1024,
	},

	Cluster: ClusterConfiguration{
		Name:                "sett",
		HeartbeatIntervalMS: 1000,
		SuspectTimeoutMS:    3000,
		DeadTimeoutMS:       10000,
		VirtualNodes:        150,
		PlacementReplicas:   3,
	},

	Txn: TxnConfiguration{
		PrepareTimeoutMS: 2000, // 2 second timeout for prepare phase
		MaxRetries:       8,
		RetryBackoffMS:   50,
		CommittedLRUSize: 8192,
	},

	LockCache: LockCacheConfiguration{
		Enabled:        true,
		MaxPerClient:   16,
		FilterCapacity: 1 << 16,
	},

	Publisher: PublisherConfiguration{
		Enabled:         false,
		Sink:            SinkNone,
		IncludePaths:    []string{},
		ExcludePaths:    []string{},
		BatchSize:       64,
		FlushIntervalMS: 100,
		Kafka:           KafkaConfiguration{Topic: "sett-commits"},
		NATS:            NATSSinkConfiguration{Stream: "SETT_COMMITS"},
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8070,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
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
	if *RankIDFlag != 0 {
		Config.RankID = *RankIDFlag
	}
	if *NATSURLFlag != "" {
		Config.Transport.NATSURLs = []string{*NATSURLFlag}
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate rank ID if not set
	if Config.RankID == 0 {
		var err error
		Config.RankID, err = generateRankID()
		if err != nil {
			return fmt.Errorf("failed to generate rank ID: %w", err)
		}
		log.Info().Uint64("rank_id", Config.RankID).Msg("Auto-generated rank ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateRankID creates a unique rank ID based on machine ID.
//
// Request ids keep only the low six bits of the rank, so two ranks whose
// ids collide modulo 64 could mint the same id in the same millisecond.
// Validation cannot see the other ranks' ids; clusters pinning rank_id by
// hand must keep the low six bits distinct. Engine state is always keyed
// by the full 64-bit rank, never by the truncated field.
func generateRankID() (uint64, error) {
	id, err := machineid.ProtectedID(Config.Cluster.Name)
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// JournalPath returns the pebble directory for the rank journal
func JournalPath() string {
	return path.Join(Config.DataDir, "journal")
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if len(Config.Transport.NATSURLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}

	if Config.Transport.RequestTimeoutMS < 1 {
		return fmt.Errorf("transport request timeout must be >= 1ms")
	}

	if Config.Transport.CompressThreshold < 0 {
		return fmt.Errorf("transport compress threshold must be >= 0")
	}

	if Config.Journal.BatchSize < 1 {
		return fmt.Errorf("journal batch size must be >= 1")
	}

	if Config.Journal.BatchIntervalMS < 1 {
		return fmt.Errorf("journal batch interval must be >= 1ms")
	}

	if Config.Journal.CompressThreshold < 0 {
		return fmt.Errorf("journal compress threshold must be >= 0")
	}

	if Config.Cluster.HeartbeatIntervalMS < 1 {
		return fmt.Errorf("heartbeat interval must be >= 1ms")
	}

	if Config.Cluster.SuspectTimeoutMS <= Config.Cluster.HeartbeatIntervalMS {
		return fmt.Errorf("suspect timeout must exceed heartbeat interval")
	}

	if Config.Cluster.DeadTimeoutMS <= Config.Cluster.SuspectTimeoutMS {
		return fmt.Errorf("dead timeout must exceed suspect timeout")
	}

	if Config.Cluster.VirtualNodes < 1 {
		return fmt.Errorf("virtual nodes must be >= 1")
	}

	if Config.Cluster.PlacementReplicas < 1 {
		return fmt.Errorf("placement replicas must be >= 1")
	}

	if Config.Txn.PrepareTimeoutMS < 1 {
		return fmt.Errorf("txn prepare timeout must be >= 1ms")
	}

	if Config.Txn.MaxRetries < 0 {
		return fmt.Errorf("txn max retries must be >= 0")
	}

	if Config.Txn.RetryBackoffMS < 0 {
		return fmt.Errorf("txn retry backoff must be >= 0")
	}

	if Config.Txn.CommittedLRUSize < 1 {
		return fmt.Errorf("committed LRU size must be >= 1")
	}

	if Config.LockCache.Enabled && Config.LockCache.MaxPerClient < 1 {
		return fmt.Errorf("lock cache max per client must be >= 1")
	}

	if Config.Publisher.Enabled {
		switch Config.Publisher.Sink {
		case SinkNATS, SinkKafka, SinkNone:
		default:
			return fmt.Errorf("invalid publisher sink: %s", Config.Publisher.Sink)
		}
		if Config.Publisher.Sink == SinkKafka && len(Config.Publisher.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka sink requires at least one broker")
		}
		if Config.Publisher.BatchSize < 1 {
			return fmt.Errorf("publisher batch size must be >= 1")
		}
	}

	return nil
}
