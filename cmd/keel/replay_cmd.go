package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wasmkeel/keel/pkg/config"
	"github.com/wasmkeel/keel/pkg/journal"
	"github.com/wasmkeel/keel/pkg/replay"
	"github.com/wasmkeel/keel/pkg/runtime/sandbox"
)

// runReplayCmd implements `keel replay`.
//
// Rebuilds process state from a journal: opens the stream, finds the last
// complete checkpoint, and applies entries into a fresh Process without
// re-emitting them.
//
// Exit codes:
//
//	0 = restore completed
//	1 = restore failed
//	2 = bad invocation
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		journalPath string
		workdir     string
		jsonOutput  bool
	)

	cmd.StringVar(&journalPath, "journal", "", "Journal file to restore from (REQUIRED)")
	cmd.StringVar(&workdir, "workdir", "", "Host directory the restored descriptors resolve under")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the session record as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if journalPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --journal is required")
		return 2
	}

	cfg := config.Load()
	setupLogging(stderr, cfg.LogLevel)

	src, err := journal.OpenLogFile(journalPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open journal: %v\n", err)
		return 2
	}
	defer src.Close()

	if workdir == "" {
		workdir, err = os.MkdirTemp("", "keel-replay-*")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: workdir: %v\n", err)
			return 1
		}
		defer os.RemoveAll(workdir)
	}

	proc := sandbox.NewProcess(sandbox.ProcessOptions{
		Journal: journal.NewNull(),
		Workdir: workdir,
	})

	session, restoreErr := replay.NewDriver().Restore(context.Background(), src, proc)

	if jsonOutput {
		data, _ := json.MarshalIndent(session, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if session != nil {
		_, _ = fmt.Fprintf(stdout, "session:  %s\n", session.SessionID)
		_, _ = fmt.Fprintf(stdout, "state:    %s\n", session.State)
		_, _ = fmt.Fprintf(stdout, "scanned:  %d\n", session.Scanned)
		_, _ = fmt.Fprintf(stdout, "applied:  %d\n", session.Applied)
		_, _ = fmt.Fprintf(stdout, "skipped:  %d\n", session.Skipped)
		if session.Failure != "" {
			_, _ = fmt.Fprintf(stdout, "failure:  %s\n", session.Failure)
		}
	}

	if restoreErr != nil {
		_, _ = fmt.Fprintf(stderr, "Error: restore: %v\n", restoreErr)
		return 1
	}
	return 0
}
