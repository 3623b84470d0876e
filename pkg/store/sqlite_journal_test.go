package store

import (
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/wasmkeel/keel/pkg/journal"
	"github.com/wasmkeel/keel/pkg/wasi"
)

func openTestSQLite(t *testing.T, stream string) *SQLiteJournal {
	t.Helper()
	j, err := OpenSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"), stream)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSQLiteJournal_WriteRead(t *testing.T) {
	j := openTestSQLite(t, "run-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, j.Write(&journal.Entry{Seq: uint64(i), Payload: journal.FdClose{Fd: wasi.Fd(i)}}))
	}

	entries, err := journal.ReadAll(j)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, uint64(i), e.Seq)
	}

	// EOF is not terminal; a later append becomes readable.
	require.NoError(t, j.Write(&journal.Entry{Seq: 3, Payload: journal.FdClose{Fd: 3}}))
	e, err := j.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(3), e.Seq)
}

func TestSQLiteJournal_IndependentCursors(t *testing.T) {
	j := openTestSQLite(t, "run-1")
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Write(&journal.Entry{Seq: uint64(i), Payload: journal.ThreadSpawn{Tid: wasi.Tid(i)}}))
	}

	c1, err := j.AsRestarted()
	require.NoError(t, err)
	defer c1.Close()
	c2, err := j.AsRestarted()
	require.NoError(t, err)
	defer c2.Close()

	e, err := c1.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(0), e.Seq)
	_, err = c1.Read()
	require.NoError(t, err)

	// The second cursor still starts from the beginning.
	e, err = c2.Read()
	require.NoError(t, err)
	require.Equal(t, uint64(0), e.Seq)
}

func TestSQLiteJournal_StoredFrameDecodesDirectly(t *testing.T) {
	j := openTestSQLite(t, "run-1")
	require.NoError(t, j.Write(&journal.Entry{Seq: 7, Payload: journal.FdClose{Fd: 3}}))

	var frame []byte
	row := j.db.QueryRow(`SELECT frame FROM journal_entries LIMIT 1`)
	require.NoError(t, row.Scan(&frame))

	// The stored blob carries no length prefix; it is exactly the frame
	// Decode takes.
	e, err := journal.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(7), e.Seq)
	require.Equal(t, journal.KindFdClose, e.Payload.Kind())
}

func TestSQLiteJournal_StreamsAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	a, err := OpenSQLiteJournal(path, "stream-a")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Write(&journal.Entry{Seq: 1, Payload: journal.FdClose{Fd: 3}}))

	b, err := OpenSQLiteJournal(path, "stream-b")
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestSQLiteJournal_ClosedWrite(t *testing.T) {
	j := openTestSQLite(t, "run-1")
	require.NoError(t, j.Close())

	err := j.Write(&journal.Entry{Seq: 1, Payload: journal.FdClose{Fd: 3}})
	require.ErrorIs(t, err, journal.ErrClosed)
}

func TestSQLiteJournal_InsertFailureSurfacesAsStorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS journal_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	j, err := NewSQLiteJournal(db, "run-1")
	require.NoError(t, err)

	boom := errors.New("database is locked")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO journal_entries")).
		WillReturnError(boom)

	err = j.Write(&journal.Entry{Seq: 1, Payload: journal.FdClose{Fd: 3}})
	require.ErrorIs(t, err, boom)
	var serr *journal.StorageError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "sqlite", serr.Backend)

	require.NoError(t, mock.ExpectationsWereMet())
}
