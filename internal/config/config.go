// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the memkeep daemon.
package config

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ArchiveScheme selects the compression codec for archived shards.
type ArchiveScheme string

const (
	// ArchiveZstd is the preferred scheme; falls back to gzip when the
	// encoder is unavailable.
	ArchiveZstd ArchiveScheme = "zstd"

	// ArchiveGzip forces the stdlib fallback codec.
	ArchiveGzip ArchiveScheme = "gzip"
)

// IsValid reports whether a is a recognised archive scheme.
func (a ArchiveScheme) IsValid() bool {
	return a == ArchiveZstd || a == ArchiveGzip
}

// Config is the root configuration structure for memkeep.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Memory     MemoryConfig     `yaml:"memory"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Rerank     RerankConfig     `yaml:"rerank"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
}

// ServerConfig holds logging and observability settings for the daemon.
type ServerConfig struct {
	// MetricsAddr is the TCP address the Prometheus /metrics endpoint
	// listens on (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// StorageConfig locates the engine's on-disk state.
type StorageConfig struct {
	// Root is the storage root directory holding turns/, external/ and
	// episodes/. Created if missing.
	Root string `yaml:"root"`

	// Session names the conversation whose graph snapshot is loaded at
	// startup, stored as turns/recent/<session>.json.
	Session string `yaml:"session"`
}

// MemoryConfig holds the tier-lifecycle and codec knobs.
type MemoryConfig struct {
	// HotMaxTurns bounds the hot tier; demotion moves the oldest excess
	// turns to compressed storage.
	HotMaxTurns int `yaml:"hot_max_turns"`

	// FlushEvery snapshots the graph to disk after this many appends.
	FlushEvery int `yaml:"flush_every"`

	// ArchiveAfterHours is the age past which compressed shards are moved
	// to archived storage.
	ArchiveAfterHours int `yaml:"archive_after_hours"`

	// WALRetentionDays is the age past which resolved WAL entries are
	// dropped by compaction.
	WALRetentionDays int `yaml:"wal_retention_days"`

	// ArchiveCodec selects the shard compression scheme.
	ArchiveCodec ArchiveScheme `yaml:"archive_codec"`

	// MaxContentLen truncates turn bodies above this many runes when they
	// are encoded for tier storage.
	MaxContentLen int `yaml:"max_content_len"`
}

// EmbeddingsConfig configures the embedding provider and the background
// worker that drains the enrichment queue. An empty Provider disables
// embeddings entirely; retrieval then scores lexically.
type EmbeddingsConfig struct {
	// Provider selects the registered embeddings implementation
	// (e.g., "openai"). Looked up in the [Registry].
	Provider string `yaml:"provider"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model (e.g., "text-embedding-3-small").
	Model string `yaml:"model"`

	// Dimensions overrides the model's native vector width. 0 keeps it.
	Dimensions int `yaml:"dimensions"`

	// QueueSize bounds the pending-embedding queue.
	QueueSize int `yaml:"queue_size"`

	// BatchSize is how many learnings are embedded per provider call.
	BatchSize int `yaml:"batch_size"`

	// PollIntervalSeconds is the worker's sleep when the queue is empty.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// RetryBackoffSeconds is the worker's sleep after a provider failure.
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`
}

// RerankConfig configures the optional cross-encoder second stage.
type RerankConfig struct {
	// Enabled turns the second retrieval stage on. Off, retrieval returns
	// first-stage order.
	Enabled bool `yaml:"enabled"`

	// ModelPath is the ONNX cross-encoder model file.
	ModelPath string `yaml:"model_path"`

	// TokenizerPath is the tokenizer.json exported with the model.
	TokenizerPath string `yaml:"tokenizer_path"`

	// MinCandidates skips reranking below this candidate count.
	MinCandidates int `yaml:"min_candidates"`

	// CacheTTLSeconds bounds how long a reranked ordering stays cached.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	// CacheSizeBytes is the rerank cache cost budget.
	CacheSizeBytes int64 `yaml:"cache_size_bytes"`
}

// ScheduleConfig holds cron expressions (standard five-field syntax) for the
// periodic maintenance jobs. An empty expression disables that job.
type ScheduleConfig struct {
	// Demote runs the hot-tier demotion pass.
	Demote string `yaml:"demote"`

	// Archive moves aged compressed shards to archived storage.
	Archive string `yaml:"archive"`

	// CompactWAL drops resolved WAL entries past retention.
	CompactWAL string `yaml:"compact_wal"`
}

// Default returns a config with every knob at its documented default.
// Loading merges the file over these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Storage: StorageConfig{
			Root:    "memkeep-data",
			Session: "default",
		},
		Memory: MemoryConfig{
			HotMaxTurns:       50,
			FlushEvery:        10,
			ArchiveAfterHours: 7 * 24,
			WALRetentionDays:  30,
			ArchiveCodec:      ArchiveZstd,
			MaxContentLen:     4096,
		},
		Embeddings: EmbeddingsConfig{
			QueueSize:           256,
			BatchSize:           16,
			PollIntervalSeconds: 2,
			RetryBackoffSeconds: 5,
		},
		Rerank: RerankConfig{
			MinCandidates:   3,
			CacheTTLSeconds: 300,
			CacheSizeBytes:  1 << 20,
		},
		Schedule: ScheduleConfig{
			Demote:     "*/5 * * * *",
			Archive:    "30 3 * * *",
			CompactWAL: "0 4 * * 0",
		},
	}
}
