package journal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmkeel/keel/pkg/wasi"
)

func TestFiltered_KeepKinds(t *testing.T) {
	sink := NewBuffer()
	f := NewFiltered(sink, KeepKinds(KindFdWrite))

	require.NoError(t, f.Write(&Entry{Payload: FdWrite{Fd: 1, Data: []byte("kept")}}))
	require.NoError(t, f.Write(&Entry{Payload: FdClose{Fd: 1}}))
	require.NoError(t, f.Write(&Entry{Payload: ThreadSpawn{Tid: 2}}))

	entries, err := ReadAll(sink)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, KindFdWrite, entries[0].Payload.Kind())
}

func TestFiltered_DropKinds(t *testing.T) {
	sink := NewBuffer()
	f := NewFiltered(sink, DropKinds(KindClockRead, KindRandomSeed))

	require.NoError(t, f.Write(&Entry{Payload: ClockRead{Clock: wasi.ClockMonotonic, Time: 1}}))
	require.NoError(t, f.Write(&Entry{Payload: RandomSeed{Seed: []byte{1}}}))
	require.NoError(t, f.Write(&Entry{Payload: FdClose{Fd: 3}}))

	entries, err := ReadAll(sink)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, KindFdClose, entries[0].Payload.Kind())
}

func TestFiltered_CheckpointMarkersAlwaysSurvive(t *testing.T) {
	sink := NewBuffer()
	// A keep-list that names no kinds would otherwise drop everything.
	f := NewFiltered(sink, KeepKinds())

	require.NoError(t, f.Write(&Entry{Payload: CheckpointBegin{ID: "cp"}}))
	require.NoError(t, f.Write(&Entry{Payload: FdWrite{Fd: 1, Data: []byte("x")}}))
	require.NoError(t, f.Write(&Entry{Payload: CheckpointEnd{ID: "cp"}}))

	entries, err := ReadAll(sink)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, KindCheckpointBegin, entries[0].Payload.Kind())
	require.Equal(t, KindCheckpointEnd, entries[1].Payload.Kind())

	drop := NewFiltered(NewBuffer(), DropKinds(KindCheckpointBegin, KindCheckpointEnd))
	inner := drop.inner.(*Buffer)
	require.NoError(t, drop.Write(&Entry{Payload: CheckpointBegin{ID: "cp"}}))
	require.Equal(t, 1, inner.Len())
}

func TestFiltered_NilPredicateKeepsEverything(t *testing.T) {
	sink := NewBuffer()
	f := NewFiltered(sink, nil)
	require.NoError(t, f.Write(&Entry{Payload: FdClose{Fd: 1}}))
	require.Equal(t, 1, sink.Len())
}
