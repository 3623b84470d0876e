package sandbox

import (
	"sort"

	"github.com/google/uuid"

	"github.com/wasmkeel/keel/pkg/journal"
	"github.com/wasmkeel/keel/pkg/wasi"
)

// Checkpoint writes a complete restore point into the journal: a
// checkpoint-begin marker, the environment, the argument vector, every open
// descriptor with its cursor position, non-zero linear memory pages, and the
// closing marker. A replay can reconstruct the process from the bracket
// alone; nothing before the bracket is required.
//
// The guest must be paused while a checkpoint is taken.
func (p *Process) Checkpoint() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.NewString()
	if err := p.recordLocked(journal.CheckpointBegin{ID: id}); err != nil {
		return "", err
	}

	if err := p.recordLocked(journal.EnvSnapshot{Env: p.env}); err != nil {
		return "", err
	}
	if err := p.recordLocked(journal.ArgvSnapshot{Args: p.args}); err != nil {
		return "", err
	}

	if err := p.checkpointFdsLocked(); err != nil {
		return "", err
	}
	if err := p.checkpointThreadsLocked(); err != nil {
		return "", err
	}
	if err := p.checkpointMemoryLocked(); err != nil {
		return "", err
	}

	if err := p.recordLocked(journal.CheckpointEnd{ID: id}); err != nil {
		return "", err
	}

	p.log.Info("checkpoint written", "process", p.id, "checkpoint", id)
	return id, nil
}

func (p *Process) checkpointFdsLocked() error {
	fds := make([]wasi.Fd, 0, len(p.fds))
	for fd := range p.fds {
		if fd <= wasi.FdStderr {
			continue // standard streams are pre-opened on every instance
		}
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })

	for _, fd := range fds {
		d := p.fds[fd]

		// Re-establishing opens must never truncate existing data.
		oflags := wasi.Oflags(0)
		if !d.socket {
			oflags = wasi.OflagCreat
		}
		if err := p.recordLocked(journal.FdOpen{
			Fd:      fd,
			Path:    d.path,
			Oflags:  oflags,
			Fdflags: d.fdflags,
			Rights:  d.rights,
		}); err != nil {
			return err
		}

		if d.socket {
			if d.bound.Family != wasi.AddressFamilyUnspec {
				if err := p.recordLocked(journal.SockBind{Fd: fd, Addr: d.bound}); err != nil {
					return err
				}
			}
			if d.listening {
				if err := p.recordLocked(journal.SockListen{Fd: fd, Backlog: d.backlog}); err != nil {
					return err
				}
			}
			if d.peer.Family != wasi.AddressFamilyUnspec {
				if err := p.recordLocked(journal.SockConnect{Fd: fd, Addr: d.peer}); err != nil {
					return err
				}
			}
			if d.shut != 0 {
				if err := p.recordLocked(journal.SockShutdown{Fd: fd, How: d.shut}); err != nil {
					return err
				}
			}
			continue
		}

		if d.offset != 0 {
			if err := p.recordLocked(journal.FdSeek{Fd: fd, Offset: d.offset, Whence: wasi.WhenceSet}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Process) checkpointThreadsLocked() error {
	tids := make([]wasi.Tid, 0, len(p.threads))
	for tid := range p.threads {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	for _, tid := range tids {
		if err := p.recordLocked(journal.ThreadSpawn{Tid: tid}); err != nil {
			return err
		}
	}
	return nil
}

// checkpointMemoryLocked snapshots non-zero linear memory pages. Zero pages
// are implicit: a fresh instance starts zeroed.
func (p *Process) checkpointMemoryLocked() error {
	if p.mem == nil {
		return nil
	}

	size := p.mem.Size()
	for off := uint32(0); off < size; off += memoryPageSize {
		count := uint32(memoryPageSize)
		if off+count > size {
			count = size - off
		}
		page, ok := p.mem.Read(off, count)
		if !ok {
			continue
		}
		if allZero(page) {
			continue
		}
		data := make([]byte, len(page))
		copy(data, page)
		if err := p.recordLocked(journal.MemorySnapshot{Start: uint64(off), Data: data}); err != nil {
			return err
		}
	}
	return nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
