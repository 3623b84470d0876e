// Package store provides durable journal backends behind the same
// capability interfaces as the in-process ones, selectable at runtime.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/wasmkeel/keel/pkg/journal"
)

// SQLiteJournal persists encoded journal frames in a SQLite table, one row
// per entry in append order. Multiple named streams share one database.
// Writes are durable when they return: each insert commits before success is
// reported. Independent cursors are independent row-id positions; they never
// interfere with each other or with an appending writer.
type SQLiteJournal struct {
	db     *sql.DB
	stream string

	mu     sync.Mutex
	reader journal.Readable
	closed bool
	ownsDB bool
}

// OpenSQLiteJournal opens or creates the journal database at path.
func OpenSQLiteJournal(path, stream string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &journal.StorageError{Backend: "sqlite", Op: "open", Err: err}
	}
	j, err := NewSQLiteJournal(db, stream)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.ownsDB = true
	return j, nil
}

// NewSQLiteJournal wraps an existing database handle. The caller keeps
// ownership of db.
func NewSQLiteJournal(db *sql.DB, stream string) (*SQLiteJournal, error) {
	j := &SQLiteJournal{db: db, stream: stream}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS journal_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stream TEXT NOT NULL,
		kind INTEGER NOT NULL,
		frame BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS journal_entries_stream ON journal_entries(stream, id);`
	if _, err := j.db.ExecContext(context.Background(), query); err != nil {
		return &journal.StorageError{Backend: "sqlite", Op: "migrate", Err: err}
	}
	return nil
}

// Write appends one entry. Concurrent producers serialize through the
// database's single-writer append.
func (j *SQLiteJournal) Write(e *journal.Entry) error {
	frame, err := journal.Encode(e)
	if err != nil {
		return err
	}
	// The blob column is self-delimiting; store the frame without the stream
	// length prefix so rows hold exactly what Decode expects.
	frame = frame[4:]

	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return &journal.StorageError{Backend: "sqlite", Op: "write", Err: journal.ErrClosed}
	}

	_, err = j.db.ExecContext(context.Background(),
		`INSERT INTO journal_entries (stream, kind, frame) VALUES (?, ?, ?)`,
		j.stream, int64(e.Kind()), frame,
	)
	if err != nil {
		return &journal.StorageError{Backend: "sqlite", Op: "write", Err: err}
	}
	return nil
}

// Read advances the journal's own cursor.
func (j *SQLiteJournal) Read() (*journal.Entry, error) {
	j.mu.Lock()
	if j.reader == nil {
		j.reader = &sqliteCursor{db: j.db, stream: j.stream}
	}
	r := j.reader
	j.mu.Unlock()

	return r.Read()
}

// AsRestarted returns an independent cursor at the start of the stream.
func (j *SQLiteJournal) AsRestarted() (journal.Readable, error) {
	return &sqliteCursor{db: j.db, stream: j.stream}, nil
}

// Close releases the database handle if this journal owns it.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if j.ownsDB {
		return j.db.Close()
	}
	return nil
}

type sqliteCursor struct {
	db     *sql.DB
	stream string
	lastID int64
}

func (c *sqliteCursor) Read() (*journal.Entry, error) {
	row := c.db.QueryRowContext(context.Background(),
		`SELECT id, frame FROM journal_entries WHERE stream = ? AND id > ? ORDER BY id LIMIT 1`,
		c.stream, c.lastID,
	)

	var id int64
	var frame []byte
	if err := row.Scan(&id, &frame); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, io.EOF
		}
		return nil, &journal.StorageError{Backend: "sqlite", Op: "read", Err: err}
	}

	e, err := journal.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("sqlite row %d: %w", id, err)
	}
	c.lastID = id
	return e, nil
}

func (c *sqliteCursor) AsRestarted() (journal.Readable, error) {
	return &sqliteCursor{db: c.db, stream: c.stream}, nil
}

func (c *sqliteCursor) Close() error { return nil }
