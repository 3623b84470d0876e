package config

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmkeel/keel/pkg/journal"
	"github.com/wasmkeel/keel/pkg/observability"
	"github.com/wasmkeel/keel/pkg/wasi"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, "INFO", cfg.LogLevel)
	require.Equal(t, BackendMemory, cfg.Backend.Type)
	require.Equal(t, "default", cfg.Backend.Stream)
	require.False(t, cfg.Compact)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("KEEL_LOG_LEVEL", "DEBUG")
	t.Setenv("KEEL_JOURNAL_BACKEND", BackendLogFile)
	t.Setenv("KEEL_JOURNAL_PATH", "/var/lib/keel/run.jnl")
	t.Setenv("KEEL_JOURNAL_COMPACT", "true")
	t.Setenv("KEEL_JOURNAL_FILTER", `kind != "clock_read"`)
	t.Setenv("KEEL_MEMORY_LIMIT_BYTES", "67108864")
	t.Setenv("KEEL_TELEMETRY_ENABLED", "true")
	t.Setenv("KEEL_OTLP_ENDPOINT", "otel:4317")

	cfg := Load()
	require.Equal(t, "DEBUG", cfg.LogLevel)
	require.Equal(t, BackendLogFile, cfg.Backend.Type)
	require.Equal(t, "/var/lib/keel/run.jnl", cfg.Backend.Path)
	require.True(t, cfg.Compact)
	require.Equal(t, `kind != "clock_read"`, cfg.Filter)
	require.Equal(t, int64(67108864), cfg.MemoryLimitBytes)
	require.True(t, cfg.TelemetryEnabled)
	require.Equal(t, "otel:4317", cfg.OTLPEndpoint)
}

func TestBuildJournal_Memory(t *testing.T) {
	j, err := BuildJournal(&Config{Backend: BackendSpec{Type: BackendMemory}}, nil)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Write(&journal.Entry{Seq: 1, Payload: journal.FdClose{Fd: 3}}))
	e, err := j.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Seq)
}

func TestBuildJournal_LogFileRequiresPath(t *testing.T) {
	_, err := BuildJournal(&Config{Backend: BackendSpec{Type: BackendLogFile}}, nil)
	require.Error(t, err)
}

func TestBuildJournal_UnknownBackend(t *testing.T) {
	_, err := BuildJournal(&Config{Backend: BackendSpec{Type: "castle"}}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "castle")
}

func TestBuildJournal_FullStack(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Backend: BackendSpec{Type: BackendLogFile, Path: filepath.Join(dir, "primary.jnl")},
		Broadcast: []BackendSpec{
			{Type: BackendMemory},
		},
		Filter:  `kind != "clock_read"`,
		Compact: true,
	}

	j, err := BuildJournal(cfg, nil)
	require.NoError(t, err)
	defer j.Close()

	// The filter drops clock reads before they reach any backend.
	require.NoError(t, j.Write(&journal.Entry{Seq: 1, Payload: journal.ClockRead{Clock: wasi.ClockMonotonic, Time: 1}}))
	require.NoError(t, j.Write(&journal.Entry{Seq: 2, Payload: journal.FdClose{Fd: 3}}))

	e, err := j.Read()
	require.NoError(t, err)
	require.Equal(t, journal.KindFdClose, e.Payload.Kind())
	_, err = j.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestBuildJournal_MeteredStack(t *testing.T) {
	ctx := context.Background()
	obs, err := observability.New(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)

	j, err := BuildJournal(&Config{Backend: BackendSpec{Type: BackendMemory}}, obs)
	require.NoError(t, err)
	defer j.Close()

	// The metering wrapper is transparent to journal semantics.
	require.NoError(t, j.Write(&journal.Entry{Seq: 1, Payload: journal.FdClose{Fd: 3}}))
	e, err := j.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Seq)
}

func TestBuildJournal_SQLite(t *testing.T) {
	cfg := &Config{Backend: BackendSpec{
		Type: BackendSQLite,
		Path: filepath.Join(t.TempDir(), "journal.db"),
	}}
	j, err := BuildJournal(cfg, nil)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Write(&journal.Entry{Seq: 1, Payload: journal.FdClose{Fd: 3}}))
	e, err := j.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Seq)
}
