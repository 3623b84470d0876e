package config

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/wasmkeel/keel/pkg/journal"
	"github.com/wasmkeel/keel/pkg/wasi"
)

// CompileFilter compiles a CEL expression into a journal filter predicate.
// The expression sees three variables:
//
//	kind: the entry kind name, e.g. "fd_write"
//	fd:   the descriptor the entry refers to, or -1
//	size: the bulk payload size in bytes
//
// Example: `kind != "clock_read" && size < 1048576`.
//
// An evaluation error keeps the entry: recording too much is recoverable,
// recording too little is not.
func CompileFilter(expr string) (journal.FilterFunc, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("fd", cel.IntType),
		cel.Variable("size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}

	log := slog.Default().With("component", "config")
	return func(e *journal.Entry) bool {
		out, _, err := prg.Eval(map[string]any{
			"kind": e.Kind().String(),
			"fd":   entryFd(e),
			"size": int64(e.DataLen()),
		})
		if err != nil {
			log.Warn("filter evaluation failed, keeping entry", "kind", e.Kind().String(), "error", err)
			return true
		}
		keep, ok := out.Value().(bool)
		if !ok {
			return true
		}
		return keep
	}, nil
}

// entryFd extracts the descriptor an entry refers to, or -1.
func entryFd(e *journal.Entry) int64 {
	var fd wasi.Fd
	switch p := e.Payload.(type) {
	case journal.FdOpen:
		fd = p.Fd
	case journal.FdClose:
		fd = p.Fd
	case journal.FdSeek:
		fd = p.Fd
	case journal.FdSetRights:
		fd = p.Fd
	case journal.FdSetFlags:
		fd = p.Fd
	case journal.FdRead:
		fd = p.Fd
	case journal.FdWrite:
		fd = p.Fd
	case journal.SockBind:
		fd = p.Fd
	case journal.SockConnect:
		fd = p.Fd
	case journal.SockListen:
		fd = p.Fd
	case journal.SockAccept:
		fd = p.Fd
	case journal.SockSend:
		fd = p.Fd
	case journal.SockRecv:
		fd = p.Fd
	case journal.SockShutdown:
		fd = p.Fd
	default:
		return -1
	}
	return int64(fd)
}
