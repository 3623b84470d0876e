// Package config exposes the host-facing configuration surface: which
// journal backend(s) to use, which entry kinds to record, and whether to
// compact. These are plain values; the journal never inspects configuration
// itself.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/wasmkeel/keel/pkg/journal"
	"github.com/wasmkeel/keel/pkg/observability"
	"github.com/wasmkeel/keel/pkg/store"
)

// Backend names accepted by Config.Backend and BackendSpec.Type.
const (
	BackendMemory  = "memory"
	BackendLogFile = "logfile"
	BackendSQLite  = "sqlite"
	BackendRedis   = "redis"
	BackendNull    = "null"
)

// BackendSpec selects one concrete backend.
type BackendSpec struct {
	Type   string `yaml:"type"`
	Path   string `yaml:"path,omitempty"`   // logfile, sqlite
	Addr   string `yaml:"addr,omitempty"`   // redis
	DB     int    `yaml:"db,omitempty"`     // redis
	Stream string `yaml:"stream,omitempty"` // sqlite, redis
}

// Config holds runtime configuration.
type Config struct {
	LogLevel string

	// Backend selects the primary journal backend.
	Backend BackendSpec

	// Broadcast adds secondary backends every write fans out to.
	Broadcast []BackendSpec

	// Filter is a CEL expression over entry kind/fd/size deciding what is
	// recorded. Empty records everything.
	Filter string

	// Compact collapses redundant entries before they reach the backends.
	Compact bool

	// MemoryLimitBytes and CPUTimeLimitMs bound sandboxed execution.
	MemoryLimitBytes int64
	CPUTimeLimitMs   int64

	// TelemetryEnabled turns on OTLP export; OTLPEndpoint is the collector
	// address.
	TelemetryEnabled bool
	OTLPEndpoint     string
}

// Load builds configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		LogLevel: envOr("KEEL_LOG_LEVEL", "INFO"),
		Backend: BackendSpec{
			Type:   envOr("KEEL_JOURNAL_BACKEND", BackendMemory),
			Path:   os.Getenv("KEEL_JOURNAL_PATH"),
			Addr:   os.Getenv("KEEL_REDIS_ADDR"),
			Stream: envOr("KEEL_JOURNAL_STREAM", "default"),
		},
		Filter:           os.Getenv("KEEL_JOURNAL_FILTER"),
		Compact:          os.Getenv("KEEL_JOURNAL_COMPACT") == "true",
		TelemetryEnabled: os.Getenv("KEEL_TELEMETRY_ENABLED") == "true",
		OTLPEndpoint:     envOr("KEEL_OTLP_ENDPOINT", "localhost:4317"),
	}

	if v := os.Getenv("KEEL_MEMORY_LIMIT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MemoryLimitBytes = n
		}
	}
	if v := os.Getenv("KEEL_CPU_LIMIT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.CPUTimeLimitMs = n
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// BuildJournal assembles the configured backend stack: primary backend,
// optional broadcast fan-out, optional compaction, optional filter, and
// metering when a provider is supplied. The result is handed out behind the
// capability interfaces, so call sites never learn which concrete backends
// are in play.
func BuildJournal(cfg *Config, obs *observability.Provider) (journal.Journal, error) {
	primary, err := buildBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	var w journal.Writable = primary

	if len(cfg.Broadcast) > 0 {
		b := journal.NewBroadcast()
		if err := b.Add("primary", primary); err != nil {
			return nil, err
		}
		for i, spec := range cfg.Broadcast {
			target, err := buildBackend(spec)
			if err != nil {
				return nil, err
			}
			name := fmt.Sprintf("%s-%d", spec.Type, i)
			if err := b.Add(name, target); err != nil {
				return nil, err
			}
		}
		w = b
	}

	if cfg.Compact {
		w = journal.NewCompactor(w)
	}

	if cfg.Filter != "" {
		keep, err := CompileFilter(cfg.Filter)
		if err != nil {
			return nil, fmt.Errorf("config: filter: %w", err)
		}
		w = journal.NewFiltered(w, keep)
	}

	// Metering sits outermost so every producer write is measured, including
	// ones the filter goes on to drop.
	if obs != nil {
		w = observability.NewMetered(context.Background(), w, obs)
	}

	return journal.Recombine(primary, w), nil
}

func buildBackend(spec BackendSpec) (journal.Journal, error) {
	switch spec.Type {
	case BackendMemory, "":
		return journal.NewBuffer(), nil
	case BackendLogFile:
		if spec.Path == "" {
			return nil, fmt.Errorf("config: logfile backend requires a path")
		}
		return journal.OpenLogFile(spec.Path)
	case BackendSQLite:
		if spec.Path == "" {
			return nil, fmt.Errorf("config: sqlite backend requires a path")
		}
		return store.OpenSQLiteJournal(spec.Path, streamOr(spec.Stream))
	case BackendRedis:
		if spec.Addr == "" {
			return nil, fmt.Errorf("config: redis backend requires an address")
		}
		return store.NewRedisJournal(spec.Addr, "", spec.DB, streamOr(spec.Stream)), nil
	case BackendNull:
		return journal.NewNull(), nil
	}
	return nil, fmt.Errorf("config: unknown backend %q", spec.Type)
}

func streamOr(s string) string {
	if s == "" {
		return "default"
	}
	return s
}
