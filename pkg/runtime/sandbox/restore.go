package sandbox

import (
	"context"
	"fmt"

	"github.com/wasmkeel/keel/pkg/journal"
	"github.com/wasmkeel/keel/pkg/wasi"
)

// Apply re-applies one journal entry to this process during restore,
// implementing replay.Applier. Emission into the active journal is
// suppressed for the duration of the call, so replaying a log never
// duplicates its own history.
//
// A failure leaves the process not ready: it must not be resumed, and the
// caller decides between aborting instantiation and falling back to a clean
// start.
func (p *Process) Apply(ctx context.Context, e *journal.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.restoring = true
	defer func() { p.restoring = false }()

	if err := p.applyLocked(e); err != nil {
		p.ready = false
		return err
	}

	if e.Seq > p.seq {
		p.seq = e.Seq
	}
	return nil
}

func (p *Process) applyLocked(e *journal.Entry) error {
	switch payload := e.Payload.(type) {
	case journal.FdOpen:
		return p.applyOpenLocked(e.Seq, payload)

	case journal.FdClose:
		if !p.fdExistsLocked(payload.Fd) {
			return p.orderingLocked(e.Seq, "close of unopened fd %d", payload.Fd)
		}
		return p.replayErr(e, p.closeLocked(payload.Fd))

	case journal.FdSeek:
		if !p.fdExistsLocked(payload.Fd) {
			return p.orderingLocked(e.Seq, "seek on unopened fd %d", payload.Fd)
		}
		_, err := p.seekLocked(payload.Fd, payload.Offset, payload.Whence)
		return p.replayErr(e, err)

	case journal.FdSetRights:
		if !p.fdExistsLocked(payload.Fd) {
			return p.orderingLocked(e.Seq, "set-rights on unopened fd %d", payload.Fd)
		}
		return p.replayErr(e, p.setRightsLocked(payload.Fd, payload.Rights))

	case journal.FdSetFlags:
		if !p.fdExistsLocked(payload.Fd) {
			return p.orderingLocked(e.Seq, "set-flags on unopened fd %d", payload.Fd)
		}
		return p.replayErr(e, p.setFlagsLocked(payload.Fd, payload.Fdflags))

	case journal.FdRead:
		// The recorded bytes were already consumed in the original run; the
		// replayed effect is the cursor advancing past them.
		d, ok := p.fds[payload.Fd]
		if !ok {
			return p.orderingLocked(e.Seq, "read on unopened fd %d", payload.Fd)
		}
		d.offset += int64(len(payload.Data))
		return nil

	case journal.FdWrite:
		if !p.fdExistsLocked(payload.Fd) {
			return p.orderingLocked(e.Seq, "write to unopened fd %d", payload.Fd)
		}
		_, err := p.writeLocked(payload.Fd, payload.Data)
		return p.replayErr(e, err)

	case journal.SockBind:
		return p.replaySockLocked(e, payload.Fd, func() error { return p.bindLocked(payload.Fd, payload.Addr) })
	case journal.SockConnect:
		return p.replaySockLocked(e, payload.Fd, func() error { return p.connectLocked(payload.Fd, payload.Addr) })
	case journal.SockListen:
		return p.replaySockLocked(e, payload.Fd, func() error { return p.listenLocked(payload.Fd, payload.Backlog) })
	case journal.SockAccept:
		if !p.fdExistsLocked(payload.ListenFd) {
			return p.orderingLocked(e.Seq, "accept on unopened fd %d", payload.ListenFd)
		}
		if p.fdExistsLocked(payload.Fd) {
			return &journal.ReplayError{Seq: e.Seq, Kind: e.Kind(), Reason: fmt.Sprintf("fd %d collision", payload.Fd)}
		}
		if err := p.replayErr(e, p.acceptLocked(payload.ListenFd, payload.Fd, payload.Peer)); err != nil {
			return err
		}
		p.bumpNextFdLocked(payload.Fd)
		return nil
	case journal.SockSend:
		return p.replaySockLocked(e, payload.Fd, func() error { return p.sendLocked(payload.Fd, payload.Data) })
	case journal.SockRecv:
		return p.replaySockLocked(e, payload.Fd, func() error { return p.recvLocked(payload.Fd, payload.Data) })
	case journal.SockShutdown:
		return p.replaySockLocked(e, payload.Fd, func() error { return p.shutdownLocked(payload.Fd, payload.How) })

	case journal.ThreadSpawn:
		// Checkpoint brackets restate running threads; tolerate restating.
		p.threads[payload.Tid] = true
		return nil
	case journal.ThreadExit:
		if !p.threads[payload.Tid] {
			return p.orderingLocked(e.Seq, "exit of unknown thread %d", payload.Tid)
		}
		delete(p.threads, payload.Tid)
		return nil
	case journal.ProcessExit:
		p.exited = true
		p.exitCode = payload.Code
		return nil
	case journal.SignalDelivered:
		p.signals = append(p.signals, payload.Signal)
		return nil

	case journal.MemorySnapshot:
		return p.applyMemoryLocked(e, payload.Start, payload.Data)
	case journal.MemoryDiff:
		return p.applyMemoryLocked(e, payload.Start, payload.Data)

	case journal.ClockRead:
		p.lastClock[payload.Clock] = payload.Time
		return nil
	case journal.RandomSeed:
		p.seeds = append(p.seeds, payload.Seed)
		return nil
	case journal.EnvSnapshot:
		p.env = make(map[string]string, len(payload.Env))
		for k, v := range payload.Env {
			p.env[k] = v
		}
		return nil
	case journal.ArgvSnapshot:
		p.args = append([]string(nil), payload.Args...)
		return nil

	case journal.CheckpointBegin, journal.CheckpointEnd:
		return nil

	default:
		return &journal.ReplayError{Seq: e.Seq, Kind: e.Kind(), Reason: "entry kind cannot be applied"}
	}
}

func (p *Process) applyOpenLocked(seq uint64, payload journal.FdOpen) error {
	if p.fdExistsLocked(payload.Fd) {
		return &journal.ReplayError{
			Seq:    seq,
			Kind:   journal.KindFdOpen,
			Reason: fmt.Sprintf("fd %d collision", payload.Fd),
		}
	}

	if isSocketPath(payload.Path) {
		p.fds[payload.Fd] = &descriptor{path: payload.Path, rights: payload.Rights, socket: true}
	} else {
		if err := p.openLocked(payload.Fd, payload.Path, payload.Oflags, payload.Fdflags, payload.Rights); err != nil {
			return &journal.ReplayError{Seq: seq, Kind: journal.KindFdOpen, Reason: "reopen failed", Err: err}
		}
	}
	p.bumpNextFdLocked(payload.Fd)
	return nil
}

func (p *Process) applyMemoryLocked(e *journal.Entry, start uint64, data []byte) error {
	if p.mem == nil {
		return &journal.ReplayError{Seq: e.Seq, Kind: e.Kind(), Reason: "no linear memory attached"}
	}

	end := start + uint64(len(data))
	if end > uint64(p.mem.Size()) || start > end {
		return &journal.ReplayError{
			Seq:    e.Seq,
			Kind:   e.Kind(),
			Reason: fmt.Sprintf("region [%d,%d) outside memory of %d bytes", start, end, p.mem.Size()),
		}
	}
	if !p.mem.Write(uint32(start), data) {
		return &journal.ReplayError{Seq: e.Seq, Kind: e.Kind(), Reason: "memory write rejected"}
	}
	return nil
}

func (p *Process) replaySockLocked(e *journal.Entry, fd wasi.Fd, op func() error) error {
	if !p.fdExistsLocked(fd) {
		return p.orderingLocked(e.Seq, "socket op on unopened fd %d", fd)
	}
	return p.replayErr(e, op())
}

func (p *Process) fdExistsLocked(fd wasi.Fd) bool {
	_, ok := p.fds[fd]
	return ok
}

func (p *Process) bumpNextFdLocked(fd wasi.Fd) {
	if fd >= p.nextFd {
		p.nextFd = fd + 1
	}
}

func (p *Process) orderingLocked(seq uint64, format string, args ...any) error {
	return &journal.OrderingViolation{Seq: seq, Reason: fmt.Sprintf(format, args...)}
}

func (p *Process) replayErr(e *journal.Entry, err error) error {
	if err == nil {
		return nil
	}
	return &journal.ReplayError{Seq: e.Seq, Kind: e.Kind(), Reason: "apply failed", Err: err}
}
