// Package journal implements the replayable effect log for sandboxed guests.
//
// Every externally observable effect a guest produces (descriptor I/O, socket
// operations, thread lifecycle, memory mutation, determinism inputs) is
// recorded as one immutable Entry in a totally ordered stream. Streams are
// written through the Writable capability, read back through Readable, and
// re-applied in order to reconstruct guest state on a fresh runtime.
package journal

import (
	"github.com/wasmkeel/keel/pkg/wasi"
)

// Kind is the wire tag identifying an entry variant.
type Kind uint16

const (
	KindUnknown Kind = 0

	// Descriptor lifecycle and data transfer.
	KindFdOpen      Kind = 1
	KindFdClose     Kind = 2
	KindFdSeek      Kind = 3
	KindFdSetRights Kind = 4
	KindFdSetFlags  Kind = 5
	KindFdRead      Kind = 6
	KindFdWrite     Kind = 7

	// Socket lifecycle.
	KindSockBind     Kind = 16
	KindSockConnect  Kind = 17
	KindSockListen   Kind = 18
	KindSockAccept   Kind = 19
	KindSockSend     Kind = 20
	KindSockRecv     Kind = 21
	KindSockShutdown Kind = 22

	// Process and thread lifecycle.
	KindThreadSpawn     Kind = 32
	KindThreadExit      Kind = 33
	KindProcessExit     Kind = 34
	KindSignalDelivered Kind = 35

	// Linear memory state.
	KindMemorySnapshot Kind = 48
	KindMemoryDiff     Kind = 49

	// Determinism inputs.
	KindClockRead    Kind = 64
	KindRandomSeed   Kind = 65
	KindEnvSnapshot  Kind = 66
	KindArgvSnapshot Kind = 67

	// Control markers bracketing a consistent restore point.
	KindCheckpointBegin Kind = 80
	KindCheckpointEnd   Kind = 81
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindFdOpen:          "fd_open",
	KindFdClose:         "fd_close",
	KindFdSeek:          "fd_seek",
	KindFdSetRights:     "fd_set_rights",
	KindFdSetFlags:      "fd_set_flags",
	KindFdRead:          "fd_read",
	KindFdWrite:         "fd_write",
	KindSockBind:        "sock_bind",
	KindSockConnect:     "sock_connect",
	KindSockListen:      "sock_listen",
	KindSockAccept:      "sock_accept",
	KindSockSend:        "sock_send",
	KindSockRecv:        "sock_recv",
	KindSockShutdown:    "sock_shutdown",
	KindThreadSpawn:     "thread_spawn",
	KindThreadExit:      "thread_exit",
	KindProcessExit:     "process_exit",
	KindSignalDelivered: "signal_delivered",
	KindMemorySnapshot:  "memory_snapshot",
	KindMemoryDiff:      "memory_diff",
	KindClockRead:       "clock_read",
	KindRandomSeed:      "random_seed",
	KindEnvSnapshot:     "env_snapshot",
	KindArgvSnapshot:    "argv_snapshot",
	KindCheckpointBegin: "checkpoint_begin",
	KindCheckpointEnd:   "checkpoint_end",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Payload is the semantic body of an entry. The concrete type determines the
// wire tag; payloads carry only guest-observable identifiers, never live
// runtime handles.
type Payload interface {
	Kind() Kind
}

// Entry is one immutable recorded effect. Seq is the position in the stream's
// total order, assigned by the producer; Time is the wall clock at record
// time and is diagnostic only; order is the sole source of truth.
type Entry struct {
	Seq     uint64
	Time    wasi.Timestamp
	Payload Payload
}

// Kind returns the wire tag of the entry's payload.
func (e *Entry) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// FdOpen records a descriptor coming into existence.
type FdOpen struct {
	Fd      wasi.Fd      `json:"fd"`
	Path    string       `json:"path,omitempty"`
	Oflags  wasi.Oflags  `json:"oflags,omitempty"`
	Fdflags wasi.Fdflags `json:"fdflags,omitempty"`
	Rights  wasi.Rights  `json:"rights"`
}

// FdClose records a descriptor being released.
type FdClose struct {
	Fd wasi.Fd `json:"fd"`
}

// FdSeek records a cursor move on a descriptor.
type FdSeek struct {
	Fd     wasi.Fd     `json:"fd"`
	Offset int64       `json:"offset"`
	Whence wasi.Whence `json:"whence"`
}

// FdSetRights records a rights-narrowing operation.
type FdSetRights struct {
	Fd     wasi.Fd     `json:"fd"`
	Rights wasi.Rights `json:"rights"`
}

// FdSetFlags records a descriptor flag change.
type FdSetFlags struct {
	Fd      wasi.Fd      `json:"fd"`
	Fdflags wasi.Fdflags `json:"fdflags"`
}

// FdRead records the bytes a read actually returned to the guest, so replay
// is deterministic even when the real data source would differ on
// re-execution.
type FdRead struct {
	Fd   wasi.Fd `json:"fd"`
	Data []byte  `json:"data"`
}

// FdWrite records bytes the guest sent to a descriptor.
type FdWrite struct {
	Fd   wasi.Fd `json:"fd"`
	Data []byte  `json:"data"`
}

// SockBind records a socket bind.
type SockBind struct {
	Fd   wasi.Fd       `json:"fd"`
	Addr wasi.SockAddr `json:"addr"`
}

// SockConnect records an outbound connection.
type SockConnect struct {
	Fd   wasi.Fd       `json:"fd"`
	Addr wasi.SockAddr `json:"addr"`
}

// SockListen records a socket entering the listening state.
type SockListen struct {
	Fd      wasi.Fd `json:"fd"`
	Backlog int     `json:"backlog"`
}

// SockAccept records an accepted connection and the descriptor it produced.
type SockAccept struct {
	ListenFd wasi.Fd       `json:"listen_fd"`
	Fd       wasi.Fd       `json:"fd"`
	Peer     wasi.SockAddr `json:"peer"`
}

// SockSend records bytes sent on a socket.
type SockSend struct {
	Fd   wasi.Fd `json:"fd"`
	Data []byte  `json:"data"`
}

// SockRecv records the bytes a socket receive actually delivered.
type SockRecv struct {
	Fd   wasi.Fd `json:"fd"`
	Data []byte  `json:"data"`
}

// SockShutdown records a socket shutdown.
type SockShutdown struct {
	Fd  wasi.Fd      `json:"fd"`
	How wasi.SdFlags `json:"how"`
}

// ThreadSpawn records a guest thread starting.
type ThreadSpawn struct {
	Tid wasi.Tid `json:"tid"`
}

// ThreadExit records a guest thread terminating.
type ThreadExit struct {
	Tid wasi.Tid `json:"tid"`
}

// ProcessExit records the guest exit code.
type ProcessExit struct {
	Code wasi.ExitCode `json:"code"`
}

// SignalDelivered records a signal delivered to the guest.
type SignalDelivered struct {
	Signal wasi.Signal `json:"signal"`
}

// MemorySnapshot is a full copy of a contiguous linear-memory region taken at
// checkpoint time.
type MemorySnapshot struct {
	Start uint64 `json:"start"`
	Data  []byte `json:"data"`
}

// MemoryDiff is an incremental change to a contiguous linear-memory region
// since the previous snapshot.
type MemoryDiff struct {
	Start uint64 `json:"start"`
	Data  []byte `json:"data"`
}

// ClockRead records a clock value the guest observed.
type ClockRead struct {
	Clock wasi.ClockID   `json:"clock"`
	Time  wasi.Timestamp `json:"time"`
}

// RandomSeed records entropy handed to the guest.
type RandomSeed struct {
	Seed []byte `json:"seed"`
}

// EnvSnapshot records the guest environment variables.
type EnvSnapshot struct {
	Env map[string]string `json:"env"`
}

// ArgvSnapshot records the guest argument vector.
type ArgvSnapshot struct {
	Args []string `json:"args"`
}

// CheckpointBegin opens a consistent restore point. Everything between the
// begin and its matching end re-establishes complete guest state.
type CheckpointBegin struct {
	ID string `json:"id"`
}

// CheckpointEnd closes a consistent restore point.
type CheckpointEnd struct {
	ID string `json:"id"`
}

// Unknown preserves an entry whose tag this build does not recognize. Readers
// skip it unless it appears where it is semantically required.
type Unknown struct {
	Tag uint16 `json:"tag"`
	Raw []byte `json:"raw"`
}

func (FdOpen) Kind() Kind          { return KindFdOpen }
func (FdClose) Kind() Kind         { return KindFdClose }
func (FdSeek) Kind() Kind          { return KindFdSeek }
func (FdSetRights) Kind() Kind     { return KindFdSetRights }
func (FdSetFlags) Kind() Kind      { return KindFdSetFlags }
func (FdRead) Kind() Kind          { return KindFdRead }
func (FdWrite) Kind() Kind         { return KindFdWrite }
func (SockBind) Kind() Kind        { return KindSockBind }
func (SockConnect) Kind() Kind     { return KindSockConnect }
func (SockListen) Kind() Kind      { return KindSockListen }
func (SockAccept) Kind() Kind      { return KindSockAccept }
func (SockSend) Kind() Kind        { return KindSockSend }
func (SockRecv) Kind() Kind        { return KindSockRecv }
func (SockShutdown) Kind() Kind    { return KindSockShutdown }
func (ThreadSpawn) Kind() Kind     { return KindThreadSpawn }
func (ThreadExit) Kind() Kind      { return KindThreadExit }
func (ProcessExit) Kind() Kind     { return KindProcessExit }
func (SignalDelivered) Kind() Kind { return KindSignalDelivered }
func (MemorySnapshot) Kind() Kind  { return KindMemorySnapshot }
func (MemoryDiff) Kind() Kind      { return KindMemoryDiff }
func (ClockRead) Kind() Kind       { return KindClockRead }
func (RandomSeed) Kind() Kind      { return KindRandomSeed }
func (EnvSnapshot) Kind() Kind     { return KindEnvSnapshot }
func (ArgvSnapshot) Kind() Kind    { return KindArgvSnapshot }
func (CheckpointBegin) Kind() Kind { return KindCheckpointBegin }
func (CheckpointEnd) Kind() Kind   { return KindCheckpointEnd }
func (Unknown) Kind() Kind         { return KindUnknown }

// DataLen returns the size in bytes of the entry's bulk payload, if any.
// Used by filter predicates and metrics.
func (e *Entry) DataLen() int {
	switch p := e.Payload.(type) {
	case FdRead:
		return len(p.Data)
	case FdWrite:
		return len(p.Data)
	case SockSend:
		return len(p.Data)
	case SockRecv:
		return len(p.Data)
	case MemorySnapshot:
		return len(p.Data)
	case MemoryDiff:
		return len(p.Data)
	case RandomSeed:
		return len(p.Seed)
	case Unknown:
		return len(p.Raw)
	}
	return 0
}
