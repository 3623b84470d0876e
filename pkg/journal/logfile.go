package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// On-disk format: magic header followed by a sequence of codec frames.
const (
	logMagic     = "KEELJNL\x01"
	logMagicSize = 8

	logFilePerm = 0o600
)

// ErrInvalidLog reports a file that is not a journal log.
var ErrInvalidLog = errors.New("journal: invalid log file")

// LogFile is a persistent append-only journal backed by a single file. Every
// Write is fsynced before it returns, so a successfully reported write
// survives a crash immediately after. A torn final frame left by a crash
// mid-write is detected on read and treated as end of stream: the log is
// truncated logically at the last complete, valid entry.
//
// Writes block on disk durability; producers that cannot tolerate fsync
// latency should buffer in front of this backend.
type LogFile struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	closed bool

	reader Readable // lazily created cursor backing the Journal Read side
}

// OpenLogFile opens or creates a persistent journal at path. An existing
// file must carry the log magic; appends resume after its current contents.
func OpenLogFile(path string) (*LogFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, logFilePerm)
	if err != nil {
		return nil, &StorageError{Backend: "logfile", Op: "open", Err: err}
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &StorageError{Backend: "logfile", Op: "stat", Err: err}
	}

	if stat.Size() == 0 {
		if _, err := f.Write([]byte(logMagic)); err != nil {
			f.Close()
			return nil, &StorageError{Backend: "logfile", Op: "write header", Err: err}
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, &StorageError{Backend: "logfile", Op: "sync header", Err: err}
		}
	} else {
		magic := make([]byte, logMagicSize)
		if _, err := io.ReadFull(f, magic); err != nil || string(magic) != logMagic {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrInvalidLog, path)
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, &StorageError{Backend: "logfile", Op: "seek", Err: err}
		}
	}

	return &LogFile{path: path, file: f}, nil
}

// Write appends one entry and flushes it to durable storage before
// returning. Concurrent producers are serialized into write order.
func (l *LogFile) Write(e *Entry) error {
	frame, err := Encode(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return &StorageError{Backend: "logfile", Op: "write", Err: ErrClosed}
	}
	if _, err := l.file.Write(frame); err != nil {
		return &StorageError{Backend: "logfile", Op: "write", Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return &StorageError{Backend: "logfile", Op: "sync", Err: err}
	}
	return nil
}

// Read advances the LogFile's own cursor over the stream.
func (l *LogFile) Read() (*Entry, error) {
	l.mu.Lock()
	if l.reader == nil {
		r, err := newLogReader(l.path)
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		l.reader = r
	}
	r := l.reader
	l.mu.Unlock()

	return r.Read()
}

// AsRestarted opens an independent read handle positioned at the start of
// the log. It observes entries durable at open time; the append side is
// unaffected.
func (l *LogFile) AsRestarted() (Readable, error) {
	return newLogReader(l.path)
}

// Path returns the backing file path.
func (l *LogFile) Path() string { return l.path }

// Close flushes and releases the file handle.
func (l *LogFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.reader != nil {
		_ = l.reader.Close()
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return &StorageError{Backend: "logfile", Op: "sync", Err: err}
	}
	return l.file.Close()
}

type logReader struct {
	path string
	file *os.File
	br   *bufio.Reader
	done bool
}

func newLogReader(path string) (*logReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &StorageError{Backend: "logfile", Op: "open reader", Err: err}
	}

	br := bufio.NewReader(f)
	magic := make([]byte, logMagicSize)
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != logMagic {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrInvalidLog, path)
	}

	return &logReader{path: path, file: f, br: br}, nil
}

func (r *logReader) Read() (*Entry, error) {
	if r.done {
		return nil, io.EOF
	}

	e, err := ReadFrame(r.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.done = true
			return nil, io.EOF
		}
		// A short or corrupt frame at the tail is what a crash mid-write
		// leaves behind. The stream logically ends at the last valid entry.
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorruptFrame) || errors.Is(err, ErrFrameTooLarge) {
			r.done = true
			return nil, io.EOF
		}
		return nil, err
	}
	return e, nil
}

func (r *logReader) AsRestarted() (Readable, error) {
	return newLogReader(r.path)
}

func (r *logReader) Close() error {
	r.done = true
	return r.file.Close()
}
