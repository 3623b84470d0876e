package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/wasmkeel/keel/pkg/config"
	"github.com/wasmkeel/keel/pkg/observability"
	"github.com/wasmkeel/keel/pkg/runtime/budget"
	"github.com/wasmkeel/keel/pkg/runtime/sandbox"
)

// runRunCmd implements `keel run`.
//
// Executes a WASM module inside the sandbox with every observable effect
// appended to the configured journal. The journal backend comes from the
// KEEL_* environment, with flag overrides for the common cases.
//
// Exit codes:
//
//	0 = guest exited zero
//	1 = guest exited non-zero or runtime failure
//	2 = bad invocation
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		wasmPath    string
		journalPath string
		workdir     string
		input       string
		checkpoint  bool
		timeout     time.Duration
	)

	cmd.StringVar(&wasmPath, "wasm", "", "Path to the WASM module (REQUIRED)")
	cmd.StringVar(&journalPath, "journal", "", "Journal file to append to (overrides env backend)")
	cmd.StringVar(&workdir, "workdir", "", "Host directory guest paths resolve under")
	cmd.StringVar(&input, "input", "", "Stdin for the guest")
	cmd.BoolVar(&checkpoint, "checkpoint", false, "Write a checkpoint after the guest exits")
	cmd.DurationVar(&timeout, "timeout", 0, "CPU time limit (0 = unlimited)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if wasmPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --wasm is required")
		return 2
	}

	cfg := config.Load()
	setupLogging(stderr, cfg.LogLevel)
	if journalPath != "" {
		cfg.Backend = config.BackendSpec{Type: config.BackendLogFile, Path: journalPath}
	}
	if timeout > 0 {
		cfg.CPUTimeLimitMs = timeout.Milliseconds()
	}

	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read module: %v\n", err)
		return 2
	}

	ctx := context.Background()
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.TelemetryEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry setup: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	jnl, err := config.BuildJournal(cfg, obs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: journal setup: %v\n", err)
		return 1
	}
	defer jnl.Close()

	if workdir == "" {
		workdir, err = os.MkdirTemp("", "keel-run-*")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: workdir: %v\n", err)
			return 1
		}
		defer os.RemoveAll(workdir)
	}

	box, err := sandbox.NewSandbox(ctx, budget.Budget{
		TimeLimitMs:      cfg.CPUTimeLimitMs,
		MemoryLimitBytes: cfg.MemoryLimitBytes,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: sandbox: %v\n", err)
		return 1
	}
	defer box.Close()

	proc := sandbox.NewProcess(sandbox.ProcessOptions{
		Journal: jnl,
		Workdir: workdir,
		Args:    append([]string{wasmPath}, cmd.Args()...),
	})

	runCtx, finish := obs.TrackOperation(ctx, "keel.run")
	output, runErr := box.Run(runCtx, wasmBytes, proc, []byte(input))
	finish(runErr)
	if len(output) > 0 {
		_, _ = stdout.Write(output)
	}

	if checkpoint {
		if id, cerr := proc.Checkpoint(); cerr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: checkpoint: %v\n", cerr)
			return 1
		} else {
			_, _ = fmt.Fprintf(stderr, "checkpoint %s written\n", id)
		}
	}

	if runErr != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return 1
	}
	if code, exited := proc.ExitStatus(); exited && code != 0 {
		return 1
	}
	return 0
}

func setupLogging(stderr io.Writer, level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl})))
}
