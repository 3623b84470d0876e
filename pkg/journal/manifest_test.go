package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmkeel/keel/pkg/wasi"
)

func manifestFixture(t *testing.T) *Buffer {
	t.Helper()
	b := NewBuffer()
	require.NoError(t, b.Write(&Entry{Seq: 0, Payload: FdOpen{Fd: 3, Path: "/f", Rights: wasi.RightFdWrite}}))
	require.NoError(t, b.Write(&Entry{Seq: 1, Payload: CheckpointBegin{ID: "cp-1"}}))
	require.NoError(t, b.Write(&Entry{Seq: 2, Payload: EnvSnapshot{Env: map[string]string{"A": "1"}}}))
	require.NoError(t, b.Write(&Entry{Seq: 3, Payload: CheckpointEnd{ID: "cp-1"}}))
	require.NoError(t, b.Write(&Entry{Seq: 4, Payload: CheckpointBegin{ID: "cp-2"}}))
	// cp-2 never closes: it must not count as a checkpoint.
	return b
}

func TestBuildManifest(t *testing.T) {
	b := manifestFixture(t)

	m, err := BuildManifest("run-1", b)
	require.NoError(t, err)
	require.Equal(t, "run-1", m.RunID)
	require.Equal(t, 5, m.Entries)
	require.Equal(t, []string{"cp-1"}, m.Checkpoints)
	require.Equal(t, 2, m.Kinds[KindCheckpointBegin.String()])
	require.NotEmpty(t, m.ContentHash)
	require.NotEmpty(t, m.ManifestHash)

	// Scanning must not disturb the caller's cursor.
	e, err := b.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(0), e.Seq)
}

func TestManifest_WriteReadVerify(t *testing.T) {
	b := manifestFixture(t)
	m, err := BuildManifest("run-1", b)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, WriteManifest(path, m))

	loaded, err := ReadManifest(path)
	require.NoError(t, err)
	require.Equal(t, m.ManifestHash, loaded.ManifestHash)

	issues, err := VerifyManifest(b, loaded)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestVerifyManifest_DetectsDrift(t *testing.T) {
	b := manifestFixture(t)
	m, err := BuildManifest("run-1", b)
	require.NoError(t, err)

	// Append after the manifest was built.
	require.NoError(t, b.Write(&Entry{Seq: 5, Payload: FdClose{Fd: 3}}))

	issues, err := VerifyManifest(b, m)
	require.NoError(t, err)
	require.NotEmpty(t, issues)
}

func TestVerifyManifest_DetectsTampering(t *testing.T) {
	b := manifestFixture(t)
	m, err := BuildManifest("run-1", b)
	require.NoError(t, err)

	m.Entries = 999

	issues, err := VerifyManifest(b, m)
	require.NoError(t, err)
	require.NotEmpty(t, issues)
}
