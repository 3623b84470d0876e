package journal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmkeel/keel/pkg/wasi"
)

func TestLogFile_WriteReopenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jnl")

	l, err := OpenLogFile(path)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Write(&Entry{Seq: uint64(i), Payload: FdClose{Fd: wasi.Fd(i)}}))
	}
	require.NoError(t, l.Close())

	// Reopening appends; existing entries survive.
	l, err = OpenLogFile(path)
	require.NoError(t, err)
	require.NoError(t, l.Write(&Entry{Seq: 4, Payload: FdClose{Fd: 4}}))

	entries, err := ReadAll(l)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		require.Equal(t, uint64(i), e.Seq)
	}
	require.NoError(t, l.Close())
}

func TestLogFile_IndependentCursors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jnl")
	l, err := OpenLogFile(path)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Write(&Entry{Seq: uint64(i), Payload: ThreadSpawn{Tid: wasi.Tid(i)}}))
	}

	c1, err := l.AsRestarted()
	require.NoError(t, err)
	defer c1.Close()
	c2, err := l.AsRestarted()
	require.NoError(t, err)
	defer c2.Close()

	e1, err := c1.Read()
	require.NoError(t, err)
	e2, err := c2.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(0), e1.Seq)
	require.Equal(t, uint64(0), e2.Seq)

	// Advancing one cursor leaves the other in place.
	_, err = c1.Read()
	require.NoError(t, err)
	e2, err = c2.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(1), e2.Seq)
}

func TestLogFile_TornTailIsEndOfStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jnl")
	l, err := OpenLogFile(path)
	require.NoError(t, err)
	require.NoError(t, l.Write(&Entry{Seq: 0, Payload: FdWrite{Fd: 1, Data: []byte("complete")}}))
	require.NoError(t, l.Write(&Entry{Seq: 1, Payload: FdWrite{Fd: 1, Data: []byte("to be torn")}}))
	require.NoError(t, l.Close())

	// Chop bytes off the tail, simulating a crash mid-append.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	l, err = OpenLogFile(path)
	require.NoError(t, err)
	defer l.Close()

	e, err := l.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(0), e.Seq)

	// The torn frame reads as a clean end of stream, not an error.
	_, err = l.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestLogFile_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-journal")
	require.NoError(t, os.WriteFile(path, []byte("some other format"), 0o644))

	_, err := OpenLogFile(path)
	require.ErrorIs(t, err, ErrInvalidLog)
}

func TestLogFile_ClosedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jnl")
	l, err := OpenLogFile(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	err = l.Write(&Entry{Seq: 0, Payload: FdClose{Fd: 3}})
	require.ErrorIs(t, err, ErrClosed)
}
