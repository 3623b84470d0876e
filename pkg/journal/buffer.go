package journal

import (
	"io"
	"sync"
)

// BufferOptions bound an in-memory journal. Zero values mean unbounded.
type BufferOptions struct {
	// MaxEntries caps the number of entries held.
	MaxEntries int
	// MaxBytes caps the cumulative bulk-payload bytes held.
	MaxBytes int64
}

// Buffer is an in-memory journal: an append-only, growable sequence of
// entries held for the lifetime of the owning object. Appends and independent
// reads are safe concurrently; every cursor is an index into the shared
// sequence and observes entries in write order.
type Buffer struct {
	mu      sync.RWMutex
	opts    BufferOptions
	entries []*Entry
	bytes   int64
	closed  bool

	cursor int // position of the Buffer's own Readable cursor
}

// NewBuffer creates an unbounded in-memory journal.
func NewBuffer() *Buffer { return NewBufferWithOptions(BufferOptions{}) }

// NewBufferWithOptions creates an in-memory journal with capacity bounds.
func NewBufferWithOptions(opts BufferOptions) *Buffer {
	return &Buffer{opts: opts}
}

// Write appends one entry, serializing concurrent producers into a single
// total order. Exceeding a configured bound fails with a capacity
// StorageError; the entry is not retained.
func (b *Buffer) Write(e *Entry) error {
	if e == nil || e.Payload == nil {
		return &SerializationError{Reason: "nil entry"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &StorageError{Backend: "buffer", Op: "write", Err: ErrClosed}
	}

	size := int64(e.DataLen())
	if b.opts.MaxEntries > 0 && len(b.entries) >= b.opts.MaxEntries {
		return &StorageError{Backend: "buffer", Op: "write", Err: ErrCapacity}
	}
	if b.opts.MaxBytes > 0 && b.bytes+size > b.opts.MaxBytes {
		return &StorageError{Backend: "buffer", Op: "write", Err: ErrCapacity}
	}

	b.entries = append(b.entries, e)
	b.bytes += size
	return nil
}

// Read advances the Buffer's own cursor. io.EOF means no further entries at
// this moment; a later Read may succeed once a producer appends more.
func (b *Buffer) Read() (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cursor >= len(b.entries) {
		return nil, io.EOF
	}
	e := b.entries[b.cursor]
	b.cursor++
	return e, nil
}

// AsRestarted returns an independent cursor positioned at the start of the
// sequence. Existing cursors, including the Buffer's own, are undisturbed.
func (b *Buffer) AsRestarted() (Readable, error) {
	return &bufferCursor{buf: b}, nil
}

// Len returns the number of entries currently held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Close stops further writes. Entries remain readable.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type bufferCursor struct {
	buf *Buffer
	idx int
}

func (c *bufferCursor) Read() (*Entry, error) {
	c.buf.mu.RLock()
	defer c.buf.mu.RUnlock()

	if c.idx >= len(c.buf.entries) {
		return nil, io.EOF
	}
	e := c.buf.entries[c.idx]
	c.idx++
	return e, nil
}

func (c *bufferCursor) AsRestarted() (Readable, error) {
	return &bufferCursor{buf: c.buf}, nil
}

func (c *bufferCursor) Close() error { return nil }
