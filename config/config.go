// Package config defines the node's externally supplied configuration
// (spec.md §6 "Node configuration (selected)"), loaded from a TOML file
// the same way the teacher loads node/eth configuration.
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
)

// Config is the full set of externally configured node parameters.
type Config struct {
	// Identity & listening.
	DataDir      string `toml:"data_dir"`
	ListenAddr   string `toml:"listen_addr"`
	ListenPort   uint16 `toml:"listen_port"`
	ExternalPort uint16 `toml:"external_port"`
	Kind         string `toml:"kind"` // "node" | "bootstrapper"
	Networks     []uint16 `toml:"networks"`

	// Peer management.
	DesiredNodesCount  uint16   `toml:"desired_nodes_count"`
	MaxAllowedNodes    uint16   `toml:"max_allowed_nodes"`
	HardConnectionLimit uint16  `toml:"hard_connection_limit"`
	MinimumPerBucket   int      `toml:"minimum_per_bucket"`

	// Timing.
	PollIntervalMillis      uint64 `toml:"poll_interval_ms"`
	HousekeepingIntervalSec uint64 `toml:"housekeeping_interval_s"`
	BootstrappingIntervalSec uint64 `toml:"bootstrapping_interval_s"`
	BucketCleanupIntervalMillis uint64 `toml:"bucket_cleanup_interval_ms"`
	TimeoutBucketEntryPeriodSec uint64 `toml:"timeout_bucket_entry_period_s"`

	// Dedup / sockets.
	DedupSizeShort   int `toml:"dedup_size_short"`
	DedupSizeLong    int `toml:"dedup_size_long"`
	SocketReadSize   int `toml:"socket_read_size"`
	SocketWriteSize  int `toml:"socket_write_size"`

	// Router / catch-up.
	MaxResendAttempts        uint8   `toml:"max_resend_attempts"`
	RelayBroadcastPercentage float64 `toml:"relay_broadcast_percentage"`
	CatchUpBatchLimit        uint64  `toml:"catch_up_batch_limit"`
	MaxLatencyMillis         *uint64 `toml:"max_latency_ms"`
	InboundQueueCapacity     int     `toml:"inbound_queue_capacity"`

	// Bootstrap.
	BootstrapServer string   `toml:"bootstrap_server"`
	BootstrapNodes  []string `toml:"bootstrap_nodes"`
	NoBootstrapDNS  bool     `toml:"no_bootstrap_dns"`

	// Compatibility.
	Version               string   `toml:"version"`
	CompatibleVersions     []string `toml:"compatible_versions"`

	// Ambient.
	LogLevel      string `toml:"log_level"`
	DumpDir       string `toml:"dump_dir"`
	MetricsEnable bool   `toml:"metrics_enable"`
}

// DefaultConfig mirrors the teacher's DefaultConfig var literal pattern
// (node.DefaultConfig / eth.DefaultConfig).
var DefaultConfig = Config{
	DataDir:                     "./data",
	ListenAddr:                  "0.0.0.0",
	ListenPort:                  8888,
	Kind:                        "node",
	DesiredNodesCount:           10,
	MaxAllowedNodes:             50,
	MinimumPerBucket:            1,
	PollIntervalMillis:          100,
	HousekeepingIntervalSec:     30,
	BootstrappingIntervalSec:    300,
	BucketCleanupIntervalMillis: 60_000,
	TimeoutBucketEntryPeriodSec: 7 * 24 * 3600,
	DedupSizeShort:              1024,
	DedupSizeLong:               65536,
	SocketReadSize:              16 * 1024,
	SocketWriteSize:             16 * 1024,
	MaxResendAttempts:           5,
	RelayBroadcastPercentage:    1.0,
	CatchUpBatchLimit:           40,
	InboundQueueCapacity:        4096,
	Version:                     "1.0.0",
	CompatibleVersions:          []string{"1.0.0"},
	LogLevel:                    "info",
}

// PollInterval returns PollIntervalMillis as a time.Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// HousekeepingInterval returns HousekeepingIntervalSec as a time.Duration.
func (c Config) HousekeepingInterval() time.Duration {
	return time.Duration(c.HousekeepingIntervalSec) * time.Second
}

// BootstrappingInterval returns BootstrappingIntervalSec as a time.Duration.
func (c Config) BootstrappingInterval() time.Duration {
	return time.Duration(c.BootstrappingIntervalSec) * time.Second
}

// BucketCleanupInterval returns BucketCleanupIntervalMillis as a time.Duration.
func (c Config) BucketCleanupInterval() time.Duration {
	return time.Duration(c.BucketCleanupIntervalMillis) * time.Millisecond
}

// IsBootstrapper reports whether this node's Kind is "bootstrapper".
func (c Config) IsBootstrapper() bool { return c.Kind == "bootstrapper" }

// Load reads and parses a TOML config file at path.
func Load(path string) (Config, error) {
	cfg := DefaultConfig
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: open %s", path)
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}
