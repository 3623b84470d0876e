package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmkeel/keel/pkg/journal"
)

func TestNew_Disabled(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// All hooks are safe no-ops when telemetry is off.
	p.RecordWrite(ctx)
	p.RecordError(ctx, errors.New("x"))
	_, finish := p.TrackOperation(ctx, "op")
	finish(nil)
	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "keel", cfg.ServiceName)
	require.True(t, cfg.Enabled)
	require.False(t, cfg.Insecure)
	require.InDelta(t, 1.0, cfg.SampleRate, 0.0001)
}

func TestMetered_ForwardsWrites(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	sink := journal.NewBuffer()
	m := NewMetered(ctx, sink, p)

	require.NoError(t, m.Write(&journal.Entry{Seq: 1, Payload: journal.FdClose{Fd: 3}}))
	require.Equal(t, 1, sink.Len())
	require.NoError(t, m.Close())

	// A closed sink propagates the error through the wrapper.
	err = m.Write(&journal.Entry{Seq: 2, Payload: journal.FdClose{Fd: 4}})
	require.ErrorIs(t, err, journal.ErrClosed)
}
