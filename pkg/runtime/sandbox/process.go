package sandbox

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wasmkeel/keel/pkg/journal"
	"github.com/wasmkeel/keel/pkg/wasi"
)

// Memory is the view of guest linear memory the journal integration needs.
// wazero's api.Memory satisfies it directly.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	Size() uint32
}

// memoryPageSize is the granularity of checkpoint memory snapshots.
const memoryPageSize = 64 * 1024

// descriptor is the host-side state behind one guest descriptor.
type descriptor struct {
	file      *os.File
	path      string
	rights    wasi.Rights
	fdflags   wasi.Fdflags
	offset    int64
	socket    bool
	listening bool
	backlog   int
	bound     wasi.SockAddr
	peer      wasi.SockAddr
	shut      wasi.SdFlags
}

// ProcessOptions configure a guest process.
type ProcessOptions struct {
	// Journal receives every observable effect. Nil means the null sink.
	Journal journal.Writable
	// Workdir is the host directory guest paths resolve under.
	Workdir string
	// Env and Args are the guest environment and argument vector.
	Env  map[string]string
	Args []string
}

// Process is the effect layer between a sandboxed guest and the journal.
// Every observable effect (descriptor I/O, socket operations, thread
// lifecycle, determinism inputs) is performed and then recorded as one
// journal entry. During restore the same operations are applied from the
// journal without re-emitting (see restore.go).
type Process struct {
	mu  sync.Mutex
	id  string
	log *slog.Logger

	jw    journal.Writable
	seq   uint64
	clock func() time.Time

	workdir string
	mem     Memory
	fds     map[wasi.Fd]*descriptor
	nextFd  wasi.Fd
	env     map[string]string
	args    []string
	threads map[wasi.Tid]bool

	lastClock map[wasi.ClockID]wasi.Timestamp
	seeds     [][]byte
	signals   []wasi.Signal

	exited   bool
	exitCode wasi.ExitCode

	// restoring suppresses entry emission while the replay driver applies
	// history; replaying a log must not duplicate its own history.
	restoring bool
	ready     bool
}

// NewProcess creates a guest process whose effects flow into opts.Journal.
func NewProcess(opts ProcessOptions) *Process {
	jw := opts.Journal
	if jw == nil {
		jw = journal.NewNull()
	}

	env := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = v
	}

	p := &Process{
		id:        uuid.NewString(),
		log:       slog.Default().With("component", "sandbox"),
		jw:        jw,
		clock:     time.Now,
		workdir:   opts.Workdir,
		fds:       make(map[wasi.Fd]*descriptor),
		nextFd:    3, // 0-2 are the standard streams
		env:       env,
		args:      append([]string(nil), opts.Args...),
		threads:   make(map[wasi.Tid]bool),
		lastClock: make(map[wasi.ClockID]wasi.Timestamp),
		ready:     true,
	}

	for fd := wasi.FdStdin; fd <= wasi.FdStderr; fd++ {
		p.fds[fd] = &descriptor{path: "", rights: wasi.RightsAll}
	}
	return p
}

// WithClock overrides the clock for testing.
func (p *Process) WithClock(clock func() time.Time) *Process {
	p.clock = clock
	return p
}

// ID returns the process identifier.
func (p *Process) ID() string { return p.id }

// Ready reports whether the process is in a consistent, runnable state. It
// is false after a failed restore.
func (p *Process) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// AttachMemory binds the guest linear memory. Called by the sandbox once a
// module is instantiated.
func (p *Process) AttachMemory(mem Memory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mem = mem
}

// record assigns the next sequence number and writes the entry, unless the
// process is restoring. A failed journal write is surfaced to the producing
// call site, which decides whether it is fatal to the guest operation.
func (p *Process) recordLocked(payload journal.Payload) error {
	if p.restoring {
		return nil
	}
	p.seq++
	e := &journal.Entry{
		Seq:     p.seq,
		Time:    wasi.Timestamp(p.clock().UnixNano()),
		Payload: payload,
	}
	return p.jw.Write(e)
}

// OpenPath opens a guest path and returns the new descriptor.
func (p *Process) OpenPath(path string, oflags wasi.Oflags, fdflags wasi.Fdflags, rights wasi.Rights) (wasi.Fd, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fd := p.nextFd
	p.nextFd++
	if err := p.openLocked(fd, path, oflags, fdflags, rights); err != nil {
		return 0, err
	}
	if err := p.recordLocked(journal.FdOpen{Fd: fd, Path: path, Oflags: oflags, Fdflags: fdflags, Rights: rights}); err != nil {
		return fd, err
	}
	return fd, nil
}

func (p *Process) openLocked(fd wasi.Fd, path string, oflags wasi.Oflags, fdflags wasi.Fdflags, rights wasi.Rights) error {
	if _, exists := p.fds[fd]; exists {
		return fmt.Errorf("sandbox: fd %d already open", fd)
	}

	flags := os.O_RDWR
	if oflags&wasi.OflagCreat != 0 {
		flags |= os.O_CREATE
	}
	if oflags&wasi.OflagExcl != 0 {
		flags |= os.O_EXCL
	}
	if oflags&wasi.OflagTrunc != 0 {
		flags |= os.O_TRUNC
	}
	if fdflags&wasi.FdflagAppend != 0 {
		flags |= os.O_APPEND
	}

	f, err := os.OpenFile(p.hostPath(path), flags, 0o600)
	if err != nil {
		return fmt.Errorf("sandbox: open %q: %w", path, err)
	}

	p.fds[fd] = &descriptor{file: f, path: path, rights: rights, fdflags: fdflags}
	return nil
}

// CloseFd releases a descriptor.
func (p *Process) CloseFd(fd wasi.Fd) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.closeLocked(fd); err != nil {
		return err
	}
	return p.recordLocked(journal.FdClose{Fd: fd})
}

func (p *Process) closeLocked(fd wasi.Fd) error {
	d, ok := p.fds[fd]
	if !ok {
		return fmt.Errorf("sandbox: fd %d not open", fd)
	}
	if d.file != nil {
		if err := d.file.Close(); err != nil {
			return fmt.Errorf("sandbox: close fd %d: %w", fd, err)
		}
	}
	delete(p.fds, fd)
	return nil
}

// WriteFd writes guest bytes to a descriptor.
func (p *Process) WriteFd(fd wasi.Fd, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.writeLocked(fd, data)
	if err != nil {
		return n, err
	}
	if err := p.recordLocked(journal.FdWrite{Fd: fd, Data: data}); err != nil {
		return n, err
	}
	return n, nil
}

func (p *Process) writeLocked(fd wasi.Fd, data []byte) (int, error) {
	d, ok := p.fds[fd]
	if !ok {
		return 0, fmt.Errorf("sandbox: fd %d not open", fd)
	}
	if !d.rights.Has(wasi.RightFdWrite) {
		return 0, fmt.Errorf("sandbox: fd %d lacks write right", fd)
	}
	if d.file == nil {
		// Standard streams and sockets advance their cursor only.
		d.offset += int64(len(data))
		return len(data), nil
	}

	n, err := d.file.WriteAt(data, d.offset)
	if err != nil {
		return n, fmt.Errorf("sandbox: write fd %d: %w", fd, err)
	}
	d.offset += int64(n)
	return n, nil
}

// ReadFd reads up to count bytes from a descriptor and journals the bytes
// actually consumed, so replay is deterministic even if the data source
// would differ on re-execution.
func (p *Process) ReadFd(fd wasi.Fd, count int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.fds[fd]
	if !ok {
		return nil, fmt.Errorf("sandbox: fd %d not open", fd)
	}
	if !d.rights.Has(wasi.RightFdRead) {
		return nil, fmt.Errorf("sandbox: fd %d lacks read right", fd)
	}
	if d.file == nil {
		return nil, fmt.Errorf("sandbox: fd %d not readable", fd)
	}

	buf := make([]byte, count)
	n, err := d.file.ReadAt(buf, d.offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("sandbox: read fd %d: %w", fd, err)
	}
	data := buf[:n]
	d.offset += int64(n)

	if err := p.recordLocked(journal.FdRead{Fd: fd, Data: data}); err != nil {
		return data, err
	}
	return data, nil
}

// ConsumeInput journals bytes the host delivered to the guest on a stream
// descriptor. The transfer itself already happened on the host side;
// recording the bytes actually consumed keeps replay fed with the same
// input.
func (p *Process) ConsumeInput(fd wasi.Fd, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.fds[fd]
	if !ok {
		return fmt.Errorf("sandbox: fd %d not open", fd)
	}
	d.offset += int64(len(data))
	return p.recordLocked(journal.FdRead{Fd: fd, Data: data})
}

// SeekFd moves a descriptor cursor and returns the new offset.
func (p *Process) SeekFd(fd wasi.Fd, offset int64, whence wasi.Whence) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, err := p.seekLocked(fd, offset, whence)
	if err != nil {
		return 0, err
	}
	if err := p.recordLocked(journal.FdSeek{Fd: fd, Offset: offset, Whence: whence}); err != nil {
		return pos, err
	}
	return pos, nil
}

func (p *Process) seekLocked(fd wasi.Fd, offset int64, whence wasi.Whence) (int64, error) {
	d, ok := p.fds[fd]
	if !ok {
		return 0, fmt.Errorf("sandbox: fd %d not open", fd)
	}
	if !d.rights.Has(wasi.RightFdSeek) {
		return 0, fmt.Errorf("sandbox: fd %d lacks seek right", fd)
	}

	var base int64
	switch whence {
	case wasi.WhenceSet:
		base = 0
	case wasi.WhenceCur:
		base = d.offset
	case wasi.WhenceEnd:
		if d.file == nil {
			return 0, fmt.Errorf("sandbox: fd %d has no size", fd)
		}
		stat, err := d.file.Stat()
		if err != nil {
			return 0, fmt.Errorf("sandbox: stat fd %d: %w", fd, err)
		}
		base = stat.Size()
	default:
		return 0, fmt.Errorf("sandbox: invalid whence %d", whence)
	}

	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("sandbox: seek fd %d to negative offset", fd)
	}
	d.offset = pos
	return pos, nil
}

// SetRights narrows a descriptor's rights. Rights can never widen.
func (p *Process) SetRights(fd wasi.Fd, rights wasi.Rights) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.setRightsLocked(fd, rights); err != nil {
		return err
	}
	return p.recordLocked(journal.FdSetRights{Fd: fd, Rights: rights})
}

func (p *Process) setRightsLocked(fd wasi.Fd, rights wasi.Rights) error {
	d, ok := p.fds[fd]
	if !ok {
		return fmt.Errorf("sandbox: fd %d not open", fd)
	}
	if !d.rights.Has(rights) {
		return fmt.Errorf("sandbox: fd %d rights cannot widen", fd)
	}
	d.rights = rights
	return nil
}

// SetFlags updates a descriptor's status flags.
func (p *Process) SetFlags(fd wasi.Fd, fdflags wasi.Fdflags) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.setFlagsLocked(fd, fdflags); err != nil {
		return err
	}
	return p.recordLocked(journal.FdSetFlags{Fd: fd, Fdflags: fdflags})
}

func (p *Process) setFlagsLocked(fd wasi.Fd, fdflags wasi.Fdflags) error {
	d, ok := p.fds[fd]
	if !ok {
		return fmt.Errorf("sandbox: fd %d not open", fd)
	}
	d.fdflags = fdflags
	return nil
}

// hostPath resolves a guest path under the workdir.
func (p *Process) hostPath(path string) string {
	if p.workdir == "" {
		return path
	}
	return filepath.Join(p.workdir, filepath.Clean("/"+path))
}

// SpawnThread records a guest thread starting.
func (p *Process) SpawnThread(tid wasi.Tid) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.spawnThreadLocked(tid); err != nil {
		return err
	}
	return p.recordLocked(journal.ThreadSpawn{Tid: tid})
}

func (p *Process) spawnThreadLocked(tid wasi.Tid) error {
	if p.threads[tid] {
		return fmt.Errorf("sandbox: thread %d already running", tid)
	}
	p.threads[tid] = true
	return nil
}

// ExitThread records a guest thread terminating.
func (p *Process) ExitThread(tid wasi.Tid) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.exitThreadLocked(tid); err != nil {
		return err
	}
	return p.recordLocked(journal.ThreadExit{Tid: tid})
}

func (p *Process) exitThreadLocked(tid wasi.Tid) error {
	if !p.threads[tid] {
		return fmt.Errorf("sandbox: thread %d not running", tid)
	}
	delete(p.threads, tid)
	return nil
}

// Exit records the guest exit code.
func (p *Process) Exit(code wasi.ExitCode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.exited = true
	p.exitCode = code
	return p.recordLocked(journal.ProcessExit{Code: code})
}

// Signal records a signal delivered to the guest.
func (p *Process) Signal(sig wasi.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.signals = append(p.signals, sig)
	return p.recordLocked(journal.SignalDelivered{Signal: sig})
}

// ClockTime reads a guest clock and journals the value the guest observed.
func (p *Process) ClockTime(id wasi.ClockID) (wasi.Timestamp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts := wasi.Timestamp(p.clock().UnixNano())
	p.lastClock[id] = ts
	if err := p.recordLocked(journal.ClockRead{Clock: id, Time: ts}); err != nil {
		return ts, err
	}
	return ts, nil
}

// RandomBytes hands entropy to the guest and journals it.
func (p *Process) RandomBytes(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seed := make([]byte, n)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("sandbox: entropy: %w", err)
	}
	p.seeds = append(p.seeds, seed)
	if err := p.recordLocked(journal.RandomSeed{Seed: seed}); err != nil {
		return seed, err
	}
	return seed, nil
}

// ExitStatus reports whether the guest exited and with which code.
func (p *Process) ExitStatus() (wasi.ExitCode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// FdIsOpen reports whether a descriptor is currently open.
func (p *Process) FdIsOpen(fd wasi.Fd) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.fds[fd]
	return ok
}

// Env returns a copy of the guest environment.
func (p *Process) Env() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]string, len(p.env))
	for k, v := range p.env {
		out[k] = v
	}
	return out
}

// Args returns a copy of the guest argument vector.
func (p *Process) Args() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.args...)
}

// Close releases every open descriptor without journaling; the process
// object is being discarded, not the guest state.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var first error
	for fd, d := range p.fds {
		if d.file != nil {
			if err := d.file.Close(); err != nil && first == nil {
				first = err
			}
		}
		delete(p.fds, fd)
	}
	return first
}
