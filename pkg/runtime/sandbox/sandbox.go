// Package sandbox executes WebAssembly guests under wazero with
// deny-by-default capabilities and journals every observable effect the
// guest produces, so a run can be checkpointed, restored, or migrated.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wasmkeel/keel/pkg/runtime/budget"
	"github.com/wasmkeel/keel/pkg/wasi"
)

// Sandbox runs WASM modules in a wazero runtime with no filesystem mounts,
// no network, and no ambient environment. Observable effects flow through
// the attached Process into its journal. Execution is bounded by a compute
// budget.
type Sandbox struct {
	runtime wazero.Runtime
	limits  budget.Budget
	log     *slog.Logger
}

// NewSandbox creates a sandbox with deny-by-default capabilities.
func NewSandbox(ctx context.Context, b budget.Budget) (*Sandbox, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if b.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KB pages.
		pages := uint32(b.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &Sandbox{
		runtime: r,
		limits:  b,
		log:     slog.Default().With("component", "sandbox"),
	}, nil
}

// Run compiles and executes a WASM module, attaching its linear memory to
// proc so checkpoints can snapshot it. The guest reads input from stdin;
// stdout is returned. The guest exit code is journaled through proc.
func (s *Sandbox) Run(ctx context.Context, wasmBytes []byte, proc *Process, input []byte) ([]byte, error) {
	started := time.Now()
	if limit := s.limits.TimeLimit(); limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	// Standard streams route through proc so guest stdio lands in the
	// journal; a recorded run replays with the same input and output.
	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("keel-guest").
		WithStartFunctions(). // instantiate first, attach memory, then start
		WithStdin(&guestStdin{proc: proc, src: bytes.NewReader(input)}).
		WithStdout(&guestStream{proc: proc, fd: wasi.FdStdout, dst: &stdout}).
		WithStderr(&guestStream{proc: proc, fd: wasi.FdStderr, dst: &stderr}).
		WithArgs(append([]string{"guest"}, proc.Args()...)...)

	compiled, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compilation failed: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := s.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: instantiation failed: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if mem := mod.Memory(); mem != nil {
		proc.AttachMemory(mem)
	}

	start := mod.ExportedFunction("_start")
	if start == nil {
		return nil, errors.New("sandbox: module has no _start export")
	}

	_, runErr := start.Call(ctx)
	if runErr != nil {
		var exitErr *sys.ExitError
		if errors.As(runErr, &exitErr) {
			if err := proc.Exit(wasi.ExitCode(exitErr.ExitCode())); err != nil {
				return stdout.Bytes(), err
			}
			if exitErr.ExitCode() != 0 {
				return stdout.Bytes(), fmt.Errorf("sandbox: guest exited with code %d", exitErr.ExitCode())
			}
			return stdout.Bytes(), nil
		}
		if ctx.Err() != nil {
			return stdout.Bytes(), budget.TimeExceeded(s.limits, time.Since(started))
		}
		return stdout.Bytes(), fmt.Errorf("sandbox: execution failed: %w", runErr)
	}

	if err := proc.Exit(0); err != nil {
		return stdout.Bytes(), err
	}

	if stderr.Len() > 0 {
		s.log.Warn("guest stderr output", "bytes", stderr.Len())
	}
	return stdout.Bytes(), nil
}

// guestStream mirrors guest writes to a standard stream into the journal
// while the bytes flow on to the host buffer.
type guestStream struct {
	proc *Process
	fd   wasi.Fd
	dst  io.Writer
}

func (w *guestStream) Write(b []byte) (int, error) {
	n, err := w.dst.Write(b)
	if err != nil {
		return n, err
	}
	if _, jerr := w.proc.WriteFd(w.fd, append([]byte(nil), b[:n]...)); jerr != nil {
		return n, jerr
	}
	return n, nil
}

// guestStdin journals the bytes the guest actually consumed from stdin.
type guestStdin struct {
	proc *Process
	src  io.Reader
}

func (r *guestStdin) Read(b []byte) (int, error) {
	n, err := r.src.Read(b)
	if n > 0 {
		if jerr := r.proc.ConsumeInput(wasi.FdStdin, append([]byte(nil), b[:n]...)); jerr != nil {
			return n, jerr
		}
	}
	return n, err
}

// Close shuts down the wazero runtime, freeing all resources.
func (s *Sandbox) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.runtime.Close(ctx)
}
