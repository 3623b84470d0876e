package journal

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmkeel/keel/pkg/wasi"
)

func TestBuffer_WriteRead(t *testing.T) {
	b := NewBuffer()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Write(&Entry{Seq: uint64(i), Payload: ThreadSpawn{Tid: wasi.Tid(i)}}))
	}
	require.Equal(t, 5, b.Len())

	for i := 0; i < 5; i++ {
		e, err := b.Read()
		require.NoError(t, err)
		require.Equal(t, uint64(i), e.Seq)
	}
	_, err := b.Read()
	require.ErrorIs(t, err, io.EOF)

	// EOF is not terminal: a later append becomes readable.
	require.NoError(t, b.Write(&Entry{Seq: 5, Payload: ThreadExit{Tid: 5}}))
	e, err := b.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(5), e.Seq)
}

func TestBuffer_IndependentCursors(t *testing.T) {
	b := NewBuffer()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Write(&Entry{Seq: uint64(i), Payload: FdClose{Fd: wasi.Fd(i)}}))
	}

	// Drain the buffer's own cursor.
	_, err := ReadAll(b)
	require.NoError(t, err)

	// A restarted cursor begins at the start, undisturbed by the drain.
	c1, err := b.AsRestarted()
	require.NoError(t, err)
	e, err := c1.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(0), e.Seq)

	// A second cursor does not share position with the first.
	c2, err := b.AsRestarted()
	require.NoError(t, err)
	e, err = c2.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(0), e.Seq)

	e, err = c1.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Seq)
}

func TestBuffer_ConcurrentWriters(t *testing.T) {
	const writers = 8
	const perWriter = 50

	b := NewBuffer()
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = b.Write(&Entry{Payload: ThreadSpawn{Tid: wasi.Tid(w)}})
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, writers*perWriter, b.Len())
	entries, err := ReadAll(b)
	require.NoError(t, err)
	require.Len(t, entries, writers*perWriter)
}

func TestBuffer_EntryCapacity(t *testing.T) {
	b := NewBufferWithOptions(BufferOptions{MaxEntries: 2})
	require.NoError(t, b.Write(&Entry{Payload: FdClose{Fd: 3}}))
	require.NoError(t, b.Write(&Entry{Payload: FdClose{Fd: 4}}))

	err := b.Write(&Entry{Payload: FdClose{Fd: 5}})
	require.ErrorIs(t, err, ErrCapacity)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "buffer", serr.Backend)
	require.Equal(t, 2, b.Len())
}

func TestBuffer_ByteCapacity(t *testing.T) {
	b := NewBufferWithOptions(BufferOptions{MaxBytes: 10})
	require.NoError(t, b.Write(&Entry{Payload: FdWrite{Fd: 1, Data: make([]byte, 8)}}))
	require.ErrorIs(t, b.Write(&Entry{Payload: FdWrite{Fd: 1, Data: make([]byte, 4)}}), ErrCapacity)
}

func TestBuffer_ClosedWrite(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.Write(&Entry{Payload: FdClose{Fd: 3}}))
	require.NoError(t, b.Close())

	err := b.Write(&Entry{Payload: FdClose{Fd: 4}})
	require.ErrorIs(t, err, ErrClosed)

	// Entries stay readable after close.
	e, err := b.Read()
	require.NoError(t, err)
	require.Equal(t, KindFdClose, e.Payload.Kind())
}

func TestBuffer_NilEntryRejected(t *testing.T) {
	b := NewBuffer()
	err := b.Write(nil)
	var serr *SerializationError
	require.True(t, errors.As(err, &serr))
}
