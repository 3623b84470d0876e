package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmkeel/keel/pkg/journal"
)

func writeJournalFile(t *testing.T, path string, payloads ...journal.Payload) {
	t.Helper()
	l, err := journal.OpenLogFile(path)
	require.NoError(t, err)
	for i, p := range payloads {
		require.NoError(t, l.Write(&journal.Entry{Seq: uint64(i + 1), Payload: p}))
	}
	require.NoError(t, l.Close())
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "help"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "USAGE")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "bogus"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "Unknown command")
}

func TestInspectCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jnl")
	writeJournalFile(t, path,
		journal.FdOpen{Fd: 3, Path: "/f"},
		journal.FdWrite{Fd: 3, Data: []byte("hi")},
		journal.FdClose{Fd: 3},
	)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "inspect", "--journal", path}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "fd_write")
	require.Contains(t, stdout.String(), "3 entries")
}

func TestInspectCmd_MissingFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "inspect"}, &stdout, &stderr)
	require.Equal(t, 2, code)
}

func TestCompactCmd(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.jnl")
	out := filepath.Join(dir, "out.jnl")
	page := []byte{1, 2, 3}
	writeJournalFile(t, in,
		journal.MemorySnapshot{Start: 0, Data: page},
		journal.MemorySnapshot{Start: 0, Data: page},
		journal.FdClose{Fd: 3},
	)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "compact", "--in", in, "--out", out}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "kept 2 entries, dropped 1")

	l, err := journal.OpenLogFile(out)
	require.NoError(t, err)
	defer l.Close()
	entries, err := journal.ReadAll(l)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestManifestCmd_BuildAndVerify(t *testing.T) {
	dir := t.TempDir()
	jnl := filepath.Join(dir, "run.jnl")
	manifest := filepath.Join(dir, "manifest.json")
	writeJournalFile(t, jnl,
		journal.CheckpointBegin{ID: "cp"},
		journal.EnvSnapshot{Env: map[string]string{"A": "1"}},
		journal.CheckpointEnd{ID: "cp"},
	)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "manifest", "build", "--journal", jnl, "--out", manifest, "--run-id", "run-1"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	stdout.Reset()
	code = Run([]string{"keel", "manifest", "verify", "--journal", jnl, "--manifest", manifest}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "PASSED")

	// Appending after the manifest was built makes verification fail.
	l, err := journal.OpenLogFile(jnl)
	require.NoError(t, err)
	require.NoError(t, l.Write(&journal.Entry{Seq: 4, Payload: journal.FdClose{Fd: 3}}))
	require.NoError(t, l.Close())

	stdout.Reset()
	code = Run([]string{"keel", "manifest", "verify", "--journal", jnl, "--manifest", manifest}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stdout.String(), "FAILED")
}

func TestReplayCmd(t *testing.T) {
	dir := t.TempDir()
	jnl := filepath.Join(dir, "run.jnl")
	writeJournalFile(t, jnl,
		journal.ThreadSpawn{Tid: 1},
		journal.ProcessExit{Code: 0},
	)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"keel", "replay", "--journal", jnl}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Contains(t, stdout.String(), "DONE")
}
