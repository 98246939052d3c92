// Command memkeepd is the memkeep memory daemon: it owns a session's
// conversation graph on disk, runs the tier-lifecycle maintenance schedules,
// and keeps the embedding enrichment worker fed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/memkeep/memkeep/internal/config"
	"github.com/memkeep/memkeep/internal/health"
	"github.com/memkeep/memkeep/internal/observe"
	"github.com/memkeep/memkeep/internal/resilience"
	"github.com/memkeep/memkeep/pkg/engine"
	"github.com/memkeep/memkeep/pkg/memory/retrieval"
	"github.com/memkeep/memkeep/pkg/provider/embeddings"
	oaembed "github.com/memkeep/memkeep/pkg/provider/embeddings/openai"
	"github.com/memkeep/memkeep/pkg/provider/score"
	onnxscore "github.com/memkeep/memkeep/pkg/provider/score/onnx"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "memkeepd: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "memkeepd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("memkeepd starting",
		"version", version,
		"config", *configPath,
		"session", cfg.Storage.Session,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "memkeep",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New([]health.Checker{health.DirWritable("storage", cfg.Storage.Root)}).Register(mux)
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
		slog.Info("metrics endpoint up", "addr", cfg.Server.MetricsAddr)
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Memory engine ─────────────────────────────────────────────────────────
	engCfg, err := buildEngineConfig(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	eng, err := engine.Open(engCfg)
	if err != nil {
		slog.Error("failed to open memory engine", "err", err)
		return 1
	}

	// ── Crash recovery ────────────────────────────────────────────────────────
	unresolved, err := eng.Events().RecoverFromCrash()
	if err != nil {
		slog.Error("wal recovery failed", "err", err)
		return 1
	}
	if len(unresolved) > 0 {
		slog.Warn("events interrupted mid-processing in a previous run", "count", len(unresolved))
		for _, id := range unresolved {
			slog.Warn("unresolved event", "event_id", id)
		}
	}

	// ── Maintenance schedules ─────────────────────────────────────────────────
	var schedMu sync.Mutex
	sched := startSchedules(cfg.Schedule, cfg.Memory, eng)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		d := config.Diff(old, updated)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.ScheduleChanged {
			schedMu.Lock()
			sched.Stop()
			sched = startSchedules(d.NewSchedule, updated.Memory, eng)
			schedMu.Unlock()
			slog.Info("maintenance schedules reloaded")
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable, hot reload disabled", "err", err)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("daemon ready, press Ctrl+C to shut down")

	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if watcher != nil {
		watcher.Stop()
	}
	schedMu.Lock()
	jobs := sched.Stop()
	schedMu.Unlock()
	select {
	case <-jobs.Done():
	case <-shutdownCtx.Done():
		slog.Warn("maintenance job still running at shutdown deadline")
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}

	exitCode := 0
	if err := eng.Close(shutdownCtx); err != nil {
		slog.Error("engine close error", "err", err)
		exitCode = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// memkeepd into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterEmbeddings("openai", func(ec config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if ec.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(ec.BaseURL))
		}
		if ec.Dimensions > 0 {
			opts = append(opts, oaembed.WithDimensions(ec.Dimensions))
		}
		return oaembed.New(ec.APIKey, ec.Model, opts...)
	})

	reg.RegisterScorer("onnx", func(rc config.RerankConfig) (score.Provider, error) {
		return onnxscore.New(onnxscore.Config{
			ModelPath:     rc.ModelPath,
			TokenizerPath: rc.TokenizerPath,
		})
	})
}

// buildEngineConfig maps the file config onto [engine.Config], instantiating
// the optional providers through the registry.
func buildEngineConfig(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (engine.Config, error) {
	ec := engine.Config{
		Root:          cfg.Storage.Root,
		Session:       cfg.Storage.Session,
		HotMaxTurns:   cfg.Memory.HotMaxTurns,
		FlushEvery:    cfg.Memory.FlushEvery,
		MaxContentLen: cfg.Memory.MaxContentLen,
		ArchiveScheme: string(cfg.Memory.ArchiveCodec),

		EmbedQueueSize:    cfg.Embeddings.QueueSize,
		EmbedBatchSize:    cfg.Embeddings.BatchSize,
		EmbedPollInterval: time.Duration(cfg.Embeddings.PollIntervalSeconds) * time.Second,
		EmbedRetryBackoff: time.Duration(cfg.Embeddings.RetryBackoffSeconds) * time.Second,

		RerankMinCandidates: cfg.Rerank.MinCandidates,
		RerankCacheTTL:      time.Duration(cfg.Rerank.CacheTTLSeconds) * time.Second,
		RerankCacheSize:     cfg.Rerank.CacheSizeBytes,

		Logger: logger,
	}

	if cfg.Embeddings.Provider == "" {
		slog.Warn("no embeddings provider configured; retrieval will score lexically only")
	}
	if name := cfg.Embeddings.Provider; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented, skipping", "kind", "embeddings", "name", name)
		} else if err != nil {
			return engine.Config{}, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			// Wrapped in a circuit breaker so a failing embeddings API is
			// backed off instead of retried on every worker tick.
			ec.Embedder = resilience.NewEmbeddingsFallback(p, name, resilience.CircuitBreakerConfig{})
			slog.Info("provider created", "kind", "embeddings", "name", name, "model", cfg.Embeddings.Model)
		}
	}

	if cfg.Rerank.Enabled {
		// The cross-encoder is loaded lazily on first use; a failed load
		// degrades reranking to first-stage ordering rather than failing
		// startup.
		rerankCfg := cfg.Rerank
		ec.RerankLoader = retrieval.ScorerLoader(func() (score.Provider, error) {
			return reg.CreateScorer("onnx", rerankCfg)
		})
	}

	return ec, nil
}

// ── Maintenance schedules ─────────────────────────────────────────────────────

// startSchedules builds and starts the cron runner for the periodic
// maintenance jobs. An empty expression disables that job.
func startSchedules(sc config.ScheduleConfig, mem config.MemoryConfig, eng *engine.Engine) *cron.Cron {
	c := cron.New()

	if sc.Demote != "" {
		addJob(c, sc.Demote, "demote", func() {
			if n, err := eng.Tiers().MaybeDemote(); err != nil {
				slog.Warn("scheduled demotion failed", "err", err)
			} else if n > 0 {
				slog.Info("scheduled demotion", "turns", n)
			}
		})
	}

	if sc.Archive != "" {
		olderThan := time.Duration(mem.ArchiveAfterHours) * time.Hour
		addJob(c, sc.Archive, "archive", func() {
			n, err := eng.Tiers().MoveToArchived(olderThan)
			if err != nil {
				slog.Warn("scheduled archival failed", "err", err)
				return
			}
			if n > 0 {
				observe.DefaultMetrics().ShardsArchived.Add(context.Background(), int64(n))
				slog.Info("shards archived", "count", n)
			}
		})
	}

	if sc.CompactWAL != "" {
		addJob(c, sc.CompactWAL, "compact_wal", func() {
			if n, err := eng.Events().CompactWAL(mem.WALRetentionDays); err != nil {
				slog.Warn("scheduled wal compaction failed", "err", err)
			} else if n > 0 {
				slog.Info("wal compacted", "dropped", n)
			}
		})
	}

	c.Start()
	return c
}

// addJob registers a cron job, logging rather than failing on a bad
// expression since config validation already vetted them.
func addJob(c *cron.Cron, spec, name string, job func()) {
	if _, err := c.AddFunc(spec, job); err != nil {
		slog.Error("failed to schedule job", "job", name, "spec", spec, "err", err)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║          memkeep startup summary          ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printField("Session", cfg.Storage.Session)
	printField("Storage root", cfg.Storage.Root)
	printField("Hot max turns", fmt.Sprintf("%d", cfg.Memory.HotMaxTurns))
	printField("Archive codec", string(cfg.Memory.ArchiveCodec))
	if cfg.Embeddings.Provider != "" {
		printField("Embeddings", cfg.Embeddings.Provider+" / "+cfg.Embeddings.Model)
	} else {
		printField("Embeddings", "(disabled)")
	}
	if cfg.Rerank.Enabled {
		printField("Rerank", "enabled")
	} else {
		printField("Rerank", "(disabled)")
	}
	if cfg.Server.MetricsAddr != "" {
		printField("Metrics", cfg.Server.MetricsAddr)
	} else {
		printField("Metrics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printField(name, value string) {
	if len(value) > 23 {
		value = value[:20] + "…"
	}
	fmt.Printf("║  %-14s : %-23s ║\n", name, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
