package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/wasmkeel/keel/pkg/journal"
)

// runCompactCmd implements `keel compact`.
//
// Reads a journal file and writes a compacted copy to a new file. The
// source is never modified; compaction is always a rewrite to a fresh
// stream.
func runCompactCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compact", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		inPath  string
		outPath string
	)

	cmd.StringVar(&inPath, "in", "", "Journal file to compact (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Destination journal file (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if inPath == "" || outPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --in and --out are required")
		return 2
	}
	if inPath == outPath {
		_, _ = fmt.Fprintln(stderr, "Error: --out must differ from --in")
		return 2
	}

	src, err := journal.OpenLogFile(inPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open source: %v\n", err)
		return 2
	}
	defer src.Close()

	dst, err := journal.OpenLogFile(outPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open destination: %v\n", err)
		return 2
	}
	defer dst.Close()

	kept, dropped, err := journal.Compact(dst, src)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: compact: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "kept %d entries, dropped %d\n", kept, dropped)
	return 0
}
