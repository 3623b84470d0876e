package sandbox

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmkeel/keel/pkg/journal"
	"github.com/wasmkeel/keel/pkg/runtime/budget"
	"github.com/wasmkeel/keel/pkg/wasi"
)

func TestNewSandbox_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := NewSandbox(ctx, budget.Budget{
		TimeLimitMs:      5000,
		MemoryLimitBytes: 16 * 1024 * 1024,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestGuestStdio_IsJournaled(t *testing.T) {
	buf := journal.NewBuffer()
	proc := NewProcess(ProcessOptions{Journal: buf, Workdir: t.TempDir()})
	defer proc.Close()

	var captured bytes.Buffer
	out := &guestStream{proc: proc, fd: wasi.FdStdout, dst: &captured}
	n, err := out.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, "hello\n", captured.String())

	in := &guestStdin{proc: proc, src: strings.NewReader("42\n")}
	read := make([]byte, 8)
	n, err = in.Read(read)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	entries, err := journal.ReadAll(buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	w := entries[0].Payload.(journal.FdWrite)
	require.Equal(t, wasi.FdStdout, w.Fd)
	require.Equal(t, []byte("hello\n"), w.Data)

	r := entries[1].Payload.(journal.FdRead)
	require.Equal(t, wasi.FdStdin, r.Fd)
	require.Equal(t, []byte("42\n"), r.Data)
}

func TestSandbox_RejectsInvalidModule(t *testing.T) {
	ctx := context.Background()
	s, err := NewSandbox(ctx, budget.Budget{})
	require.NoError(t, err)
	defer s.Close()

	proc := NewProcess(ProcessOptions{Workdir: t.TempDir()})
	defer proc.Close()

	_, err = s.Run(ctx, []byte("not a wasm module"), proc, nil)
	require.Error(t, err)
}
