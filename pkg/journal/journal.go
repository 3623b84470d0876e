package journal

import (
	"errors"
	"io"
)

// Readable is a cursor over a journal stream. Implementations own their
// position; the underlying storage is never mutated by reads.
type Readable interface {
	// Read returns the next entry in log order. io.EOF signals the end of
	// the stream and is a normal terminal result, not a failure. Read never
	// blocks indefinitely; backends that wait on external resources document
	// their finite-wait contract.
	Read() (*Entry, error)

	// AsRestarted returns a new independent Readable positioned at the
	// beginning of the same logical stream, leaving this cursor and every
	// other existing cursor undisturbed.
	AsRestarted() (Readable, error)

	// Close releases resources held by this cursor.
	Close() error
}

// Writable is append-only access to a journal stream. Write is safe for
// concurrent producers; the implementation serializes them into a single
// total order.
type Writable interface {
	// Write appends one entry. Failures are StorageError or
	// SerializationError values describing why.
	Write(*Entry) error

	// Close flushes buffered entries and releases the underlying resource.
	Close() error
}

// Journal is a backend that is simultaneously a log and a replay source.
type Journal interface {
	Readable
	Writable
}

// Recombine composes an independent reader and writer into one Journal.
// Forwarding is transparent: each call has identical semantics to calling
// the underlying value directly.
func Recombine(r Readable, w Writable) Journal {
	return &recombined{r: r, w: w}
}

type recombined struct {
	r Readable
	w Writable
}

func (j *recombined) Read() (*Entry, error)        { return j.r.Read() }
func (j *recombined) AsRestarted() (Readable, error) { return j.r.AsRestarted() }
func (j *recombined) Write(e *Entry) error         { return j.w.Write(e) }

func (j *recombined) Close() error {
	rerr := j.r.Close()
	werr := j.w.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// ReadAll drains a Readable into a slice, stopping at end of stream.
func ReadAll(r Readable) ([]*Entry, error) {
	var out []*Entry
	for {
		e, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, e)
	}
}

// Copy reads src to end of stream and appends every entry to dst. It returns
// the number of entries copied. Used for stream rewrites: compaction produces
// a new stream, never an in-place mutation.
func Copy(dst Writable, src Readable) (int, error) {
	n := 0
	for {
		e, err := src.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		if err := dst.Write(e); err != nil {
			return n, err
		}
		n++
	}
}
