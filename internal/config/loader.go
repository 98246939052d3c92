package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] values and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file: pure defaults.
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Storage
	if cfg.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if cfg.Storage.Session == "" {
		errs = append(errs, errors.New("storage.session is required"))
	}

	// Memory
	if cfg.Memory.HotMaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("memory.hot_max_turns %d must be positive", cfg.Memory.HotMaxTurns))
	}
	if cfg.Memory.FlushEvery <= 0 {
		errs = append(errs, fmt.Errorf("memory.flush_every %d must be positive", cfg.Memory.FlushEvery))
	}
	if cfg.Memory.ArchiveAfterHours <= 0 {
		errs = append(errs, fmt.Errorf("memory.archive_after_hours %d must be positive", cfg.Memory.ArchiveAfterHours))
	}
	if cfg.Memory.WALRetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("memory.wal_retention_days %d must be positive", cfg.Memory.WALRetentionDays))
	}
	if cfg.Memory.ArchiveCodec != "" && !cfg.Memory.ArchiveCodec.IsValid() {
		errs = append(errs, fmt.Errorf("memory.archive_codec %q is invalid; valid values: zstd, gzip", cfg.Memory.ArchiveCodec))
	}
	if cfg.Memory.MaxContentLen <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_content_len %d must be positive", cfg.Memory.MaxContentLen))
	}

	// Embeddings
	if cfg.Embeddings.Provider != "" {
		if cfg.Embeddings.QueueSize <= 0 {
			errs = append(errs, fmt.Errorf("embeddings.queue_size %d must be positive", cfg.Embeddings.QueueSize))
		}
		if cfg.Embeddings.BatchSize <= 0 {
			errs = append(errs, fmt.Errorf("embeddings.batch_size %d must be positive", cfg.Embeddings.BatchSize))
		}
	}

	// Rerank
	if cfg.Rerank.Enabled {
		if cfg.Rerank.ModelPath == "" {
			errs = append(errs, errors.New("rerank.model_path is required when rerank.enabled is true"))
		}
		if cfg.Rerank.MinCandidates <= 0 {
			errs = append(errs, fmt.Errorf("rerank.min_candidates %d must be positive", cfg.Rerank.MinCandidates))
		}
	}

	// Schedules
	validateSchedule(&errs, "schedule.demote", cfg.Schedule.Demote)
	validateSchedule(&errs, "schedule.archive", cfg.Schedule.Archive)
	validateSchedule(&errs, "schedule.compact_wal", cfg.Schedule.CompactWAL)

	return errors.Join(errs...)
}

// validateSchedule parses expr with the standard five-field cron syntax.
// Empty expressions are valid and mean "job disabled".
func validateSchedule(errs *[]error, field, expr string) {
	if expr == "" {
		return
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		*errs = append(*errs, fmt.Errorf("%s %q is not a valid cron expression: %w", field, expr, err))
	}
}
