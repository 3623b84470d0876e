package journal

import (
	"errors"
	"hash/crc32"
	"io"
	"sync"
)

// Compactor wraps a Writable and collapses entries that would not change
// previously observed state: repeated identical memory-region writes,
// identical environment/argv snapshots, and repeated identical descriptor
// rights/flags. Entries establishing initial state are always forwarded, as
// are checkpoint markers, so a compacted stream stays independently
// replayable from scratch.
//
// Tracking state is bounded by the number of distinct resources seen and is
// private to this wrapper; the wrapped backend never observes it. The state
// resets at every checkpoint-begin because a restore may start there and
// must see the full bracket contents.
type Compactor struct {
	mu    sync.Mutex
	inner Writable

	regions map[memRegion]uint32 // content checksum per exact region
	rights  map[uint32]uint64    // last rights per fd
	flags   map[uint32]uint16    // last fdflags per fd
	envSum  uint32
	envSeen bool
	argSum  uint32
	argSeen bool
}

type memRegion struct {
	start  uint64
	length int
}

// NewCompactor wraps w with redundant-entry collapsing.
func NewCompactor(w Writable) *Compactor {
	c := &Compactor{inner: w}
	c.resetLocked()
	return c
}

func (c *Compactor) resetLocked() {
	c.regions = make(map[memRegion]uint32)
	c.rights = make(map[uint32]uint64)
	c.flags = make(map[uint32]uint16)
	c.envSeen = false
	c.argSeen = false
}

func (c *Compactor) Write(e *Entry) error {
	c.mu.Lock()
	forward := c.observeLocked(e)
	c.mu.Unlock()

	if !forward {
		return nil
	}
	return c.inner.Write(e)
}

// observeLocked updates tracking state and reports whether the entry changes
// previously observed state.
func (c *Compactor) observeLocked(e *Entry) bool {
	switch p := e.Payload.(type) {
	case CheckpointBegin:
		// A restore may begin here; nothing before the bracket is assumed.
		c.resetLocked()
		return true
	case CheckpointEnd:
		return true
	case MemorySnapshot:
		return c.observeRegionLocked(p.Start, p.Data)
	case MemoryDiff:
		return c.observeRegionLocked(p.Start, p.Data)
	case EnvSnapshot:
		sum := envChecksum(p.Env)
		if c.envSeen && c.envSum == sum {
			return false
		}
		c.envSeen = true
		c.envSum = sum
		return true
	case ArgvSnapshot:
		sum := argChecksum(p.Args)
		if c.argSeen && c.argSum == sum {
			return false
		}
		c.argSeen = true
		c.argSum = sum
		return true
	case FdSetRights:
		fd := uint32(p.Fd)
		if last, ok := c.rights[fd]; ok && last == uint64(p.Rights) {
			return false
		}
		c.rights[fd] = uint64(p.Rights)
		return true
	case FdSetFlags:
		fd := uint32(p.Fd)
		if last, ok := c.flags[fd]; ok && last == uint16(p.Fdflags) {
			return false
		}
		c.flags[fd] = uint16(p.Fdflags)
		return true
	case FdClose:
		// The descriptor may be reopened with different rights later.
		delete(c.rights, uint32(p.Fd))
		delete(c.flags, uint32(p.Fd))
		return true
	}
	return true
}

func (c *Compactor) observeRegionLocked(start uint64, data []byte) bool {
	key := memRegion{start: start, length: len(data)}
	sum := crc32.ChecksumIEEE(data)
	if last, ok := c.regions[key]; ok && last == sum {
		return false
	}
	c.regions[key] = sum
	return true
}

func (c *Compactor) Close() error { return c.inner.Close() }

func envChecksum(env map[string]string) uint32 {
	// Order-independent: xor of per-pair checksums.
	var sum uint32
	for k, v := range env {
		sum ^= crc32.ChecksumIEEE([]byte(k + "=" + v))
	}
	return sum
}

func argChecksum(args []string) uint32 {
	h := crc32.NewIEEE()
	for _, a := range args {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

// Compact rewrites src into dst through a Compactor, producing a new
// compacted stream. The source is never mutated; callers swap the streams
// atomically once dst is fully written.
func Compact(dst Writable, src Readable) (kept int, dropped int, err error) {
	counter := &countingWriter{inner: dst}
	c := NewCompactor(counter)
	total := 0
	for {
		e, rerr := src.Read()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return counter.n, total - counter.n, nil
			}
			return counter.n, total - counter.n, rerr
		}
		total++
		if werr := c.Write(e); werr != nil {
			return counter.n, total - counter.n, werr
		}
	}
}

type countingWriter struct {
	inner Writable
	n     int
}

func (w *countingWriter) Write(e *Entry) error {
	if err := w.inner.Write(e); err != nil {
		return err
	}
	w.n++
	return nil
}

func (w *countingWriter) Close() error { return w.inner.Close() }
