package config

import (
	"strings"
	"testing"
)

const validYAML = `
server:
  metrics_addr: ":9090"
  log_level: debug
storage:
  root: /var/lib/memkeep
  session: support-bot
memory:
  hot_max_turns: 100
  flush_every: 5
  archive_after_hours: 48
  wal_retention_days: 14
  archive_codec: gzip
  max_content_len: 2048
embeddings:
  provider: openai
  api_key: sk-test
  model: text-embedding-3-small
  queue_size: 512
  batch_size: 32
rerank:
  enabled: true
  model_path: /models/xenc.onnx
  tokenizer_path: /models/tokenizer.json
schedule:
  demote: "*/10 * * * *"
  archive: "0 2 * * *"
  compact_wal: ""
`

func TestLoadFromReaderValid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Storage.Root != "/var/lib/memkeep" || cfg.Storage.Session != "support-bot" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Memory.HotMaxTurns != 100 || cfg.Memory.ArchiveCodec != ArchiveGzip {
		t.Errorf("memory = %+v", cfg.Memory)
	}
	if cfg.Embeddings.Provider != "openai" || cfg.Embeddings.QueueSize != 512 {
		t.Errorf("embeddings = %+v", cfg.Embeddings)
	}
	if !cfg.Rerank.Enabled || cfg.Rerank.ModelPath != "/models/xenc.onnx" {
		t.Errorf("rerank = %+v", cfg.Rerank)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Memory.FlushEvery != 5 {
		t.Errorf("flush_every = %d", cfg.Memory.FlushEvery)
	}
	if cfg.Embeddings.PollIntervalSeconds != 2 {
		t.Errorf("default poll_interval_seconds = %d, want 2", cfg.Embeddings.PollIntervalSeconds)
	}
}

func TestLoadFromReaderEmptyGivesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Memory != def.Memory {
		t.Errorf("memory defaults = %+v, want %+v", cfg.Memory, def.Memory)
	}
	if cfg.Schedule != def.Schedule {
		t.Errorf("schedule defaults = %+v, want %+v", cfg.Schedule, def.Schedule)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_addr: ':8080'\n"))
	if err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestValidateJoinsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "loud"
	cfg.Storage.Root = ""
	cfg.Memory.HotMaxTurns = 0
	cfg.Schedule.Demote = "every five minutes"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate should fail")
	}
	for _, want := range []string{"server.log_level", "storage.root", "memory.hot_max_turns", "schedule.demote"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidateRerankRequiresModelPath(t *testing.T) {
	cfg := Default()
	cfg.Rerank.Enabled = true
	cfg.Rerank.ModelPath = ""
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "rerank.model_path") {
		t.Errorf("err = %v, want rerank.model_path failure", err)
	}
}

func TestValidateEmptyScheduleIsDisabled(t *testing.T) {
	cfg := Default()
	cfg.Schedule = ScheduleConfig{}
	if err := Validate(cfg); err != nil {
		t.Errorf("empty schedules should validate, got %v", err)
	}
}

func TestArchiveSchemeIsValid(t *testing.T) {
	if !ArchiveZstd.IsValid() || !ArchiveGzip.IsValid() {
		t.Error("known schemes reported invalid")
	}
	if ArchiveScheme("lz4").IsValid() {
		t.Error("unknown scheme reported valid")
	}
}

func TestLogLevelIsValid(t *testing.T) {
	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("%q reported invalid", l)
		}
	}
	if LogLevel("trace").IsValid() {
		t.Error("unknown level reported valid")
	}
}
