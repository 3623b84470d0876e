package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/wasmkeel/keel/pkg/journal"
)

// runManifestCmd implements `keel manifest`.
//
// build: scans a journal and writes a content-addressed manifest next to it.
// verify: rescans the journal and reports drift against a saved manifest.
//
// Exit codes:
//
//	0 = manifest built, or verification passed
//	1 = verification failed
//	2 = bad invocation or runtime error
func runManifestCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: keel manifest <build|verify> [flags]")
		return 2
	}

	switch args[0] {
	case "build":
		return runManifestBuild(args[1:], stdout, stderr)
	case "verify":
		return runManifestVerify(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown manifest subcommand: %s\n", args[0])
		return 2
	}
}

func runManifestBuild(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("manifest build", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		journalPath string
		outPath     string
		runID       string
		jsonOutput  bool
	)

	cmd.StringVar(&journalPath, "journal", "", "Journal file to scan (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Manifest output path (REQUIRED)")
	cmd.StringVar(&runID, "run-id", "", "Run identifier (default: random UUID)")
	cmd.BoolVar(&jsonOutput, "json", false, "Also print the manifest to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if journalPath == "" || outPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --journal and --out are required")
		return 2
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	src, err := journal.OpenLogFile(journalPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open journal: %v\n", err)
		return 2
	}
	defer src.Close()

	m, err := journal.BuildManifest(runID, src)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: build manifest: %v\n", err)
		return 2
	}
	if err := journal.WriteManifest(outPath, m); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write manifest: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(m, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "manifest written to %s (%d entries, hash %s)\n",
			outPath, m.Entries, m.ContentHash)
	}
	return 0
}

func runManifestVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("manifest verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		journalPath  string
		manifestPath string
	)

	cmd.StringVar(&journalPath, "journal", "", "Journal file to verify (REQUIRED)")
	cmd.StringVar(&manifestPath, "manifest", "", "Manifest to verify against (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if journalPath == "" || manifestPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --journal and --manifest are required")
		return 2
	}

	m, err := journal.ReadManifest(manifestPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read manifest: %v\n", err)
		return 2
	}

	src, err := journal.OpenLogFile(journalPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open journal: %v\n", err)
		return 2
	}
	defer src.Close()

	issues, err := journal.VerifyManifest(src, m)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verify: %v\n", err)
		return 2
	}

	if len(issues) == 0 {
		_, _ = fmt.Fprintln(stdout, "manifest verification PASSED")
		return 0
	}
	_, _ = fmt.Fprintln(stdout, "manifest verification FAILED")
	for _, issue := range issues {
		_, _ = fmt.Fprintf(stdout, "  - %s\n", issue)
	}
	return 1
}
