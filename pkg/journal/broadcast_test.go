package journal

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type failingWriter struct {
	err    error
	closed bool
}

func (w *failingWriter) Write(*Entry) error { return w.err }
func (w *failingWriter) Close() error       { w.closed = true; return nil }

func TestBroadcast_FanOut(t *testing.T) {
	a := NewBuffer()
	b := NewBuffer()

	bc := NewBroadcast()
	require.NoError(t, bc.Add("a", a))
	require.NoError(t, bc.Add("b", b))

	require.NoError(t, bc.Write(&Entry{Payload: FdClose{Fd: 3}}))
	require.Equal(t, 1, a.Len())
	require.Equal(t, 1, b.Len())
}

func TestBroadcast_ConcurrentWritersKeepTargetsAligned(t *testing.T) {
	a := NewBuffer()
	b := NewBuffer()

	bc := NewBroadcast()
	require.NoError(t, bc.Add("a", a))
	require.NoError(t, bc.Add("b", b))

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq := uint64(w*perWriter + i)
				require.NoError(t, bc.Write(&Entry{Seq: seq, Payload: ThreadSpawn{Tid: 1}}))
			}
		}(w)
	}
	wg.Wait()

	// Every replica of the stream holds the same total order.
	ea, err := ReadAll(a)
	require.NoError(t, err)
	eb, err := ReadAll(b)
	require.NoError(t, err)
	require.Len(t, ea, writers*perWriter)
	require.Len(t, eb, writers*perWriter)
	for i := range ea {
		require.Equal(t, ea[i].Seq, eb[i].Seq)
	}
}

func TestBroadcast_DuplicateName(t *testing.T) {
	bc := NewBroadcast()
	require.NoError(t, bc.Add("a", NewBuffer()))
	require.Error(t, bc.Add("a", NewBuffer()))
}

func TestBroadcast_FailureIdentifiesTarget(t *testing.T) {
	healthy := NewBuffer()
	boom := errors.New("disk full")

	bc := NewBroadcast()
	require.NoError(t, bc.Add("healthy", healthy))
	require.NoError(t, bc.Add("broken", &failingWriter{err: boom}))

	err := bc.Write(&Entry{Payload: FdClose{Fd: 3}})
	require.Error(t, err)

	var berr *BroadcastError
	require.ErrorAs(t, err, &berr)
	require.True(t, berr.Failed("broken"))
	require.False(t, berr.Failed("healthy"))
	require.Contains(t, err.Error(), "broken")

	// Every target is attempted even when one fails.
	require.Equal(t, 1, healthy.Len())
}

func TestBroadcast_DropContinuesWithRest(t *testing.T) {
	healthy := NewBuffer()
	bc := NewBroadcast()
	require.NoError(t, bc.Add("healthy", healthy))
	require.NoError(t, bc.Add("broken", &failingWriter{err: errors.New("gone")}))

	w, ok := bc.Drop("broken")
	require.True(t, ok)
	require.NotNil(t, w)
	require.Equal(t, []string{"healthy"}, bc.Targets())

	require.NoError(t, bc.Write(&Entry{Payload: FdClose{Fd: 3}}))
	require.Equal(t, 1, healthy.Len())

	_, ok = bc.Drop("missing")
	require.False(t, ok)
}

func TestBroadcast_CloseClosesAll(t *testing.T) {
	fw := &failingWriter{}
	bc := NewBroadcast()
	require.NoError(t, bc.Add("a", fw))
	require.NoError(t, bc.Close())
	require.True(t, fw.closed)
}
