// Package wasi carries the subset of the WASI type vocabulary that journal
// payloads reference: descriptor numbers, rights bitmasks, open/seek flags,
// socket addresses, and timestamps. The values round-trip through the
// journal encoding unchanged; their binary guest-side layout is owned by the
// sandbox ABI, not by this package.
package wasi

import (
	"fmt"
	"time"
)

// Fd is a guest-visible file descriptor number.
type Fd uint32

// Standard descriptors pre-opened for every guest.
const (
	FdStdin  Fd = 0
	FdStdout Fd = 1
	FdStderr Fd = 2
)

// Tid is a guest-visible thread identifier.
type Tid uint32

// ExitCode is the guest process exit status.
type ExitCode uint32

// Signal is a POSIX-style signal number delivered to the guest.
type Signal uint8

// Rights is the WASI capability bitmask attached to a descriptor.
type Rights uint64

const (
	RightFdDatasync Rights = 1 << iota
	RightFdRead
	RightFdSeek
	RightFdFdstatSetFlags
	RightFdSync
	RightFdTell
	RightFdWrite
	RightFdAdvise
	RightFdAllocate
	RightPathCreateDirectory
	RightPathCreateFile
	RightPathOpen
	RightFdReaddir
	RightPathRemoveDirectory
	RightPathUnlinkFile
	RightPollFdReadwrite
	RightSockShutdown
	RightSockAccept
)

// RightsAll grants every defined right.
const RightsAll Rights = 1<<18 - 1

// Has reports whether all rights in want are present.
func (r Rights) Has(want Rights) bool { return r&want == want }

// Fdflags are the WASI descriptor status flags.
type Fdflags uint16

const (
	FdflagAppend Fdflags = 1 << iota
	FdflagDsync
	FdflagNonblock
	FdflagRsync
	FdflagSync
)

// Oflags control path_open behavior.
type Oflags uint16

const (
	OflagCreat Oflags = 1 << iota
	OflagDirectory
	OflagExcl
	OflagTrunc
)

// Whence selects the origin of a seek.
type Whence uint8

const (
	WhenceSet Whence = iota
	WhenceCur
	WhenceEnd
)

// String returns the POSIX name of the whence value.
func (w Whence) String() string {
	switch w {
	case WhenceSet:
		return "SEEK_SET"
	case WhenceCur:
		return "SEEK_CUR"
	case WhenceEnd:
		return "SEEK_END"
	}
	return fmt.Sprintf("whence(%d)", uint8(w))
}

// ClockID identifies a guest clock.
type ClockID uint8

const (
	ClockRealtime ClockID = iota
	ClockMonotonic
	ClockProcessCPU
	ClockThreadCPU
)

// Timestamp is a WASI timestamp in nanoseconds since the Unix epoch.
type Timestamp uint64

// Now returns the current wall clock as a Timestamp.
func Now() Timestamp { return Timestamp(time.Now().UnixNano()) }

// Time converts the timestamp to a time.Time.
func (t Timestamp) Time() time.Time { return time.Unix(0, int64(t)) }

// AddressFamily identifies a socket address family.
type AddressFamily uint8

const (
	AddressFamilyUnspec AddressFamily = iota
	AddressFamilyInet4
	AddressFamilyInet6
	AddressFamilyUnix
)

// SockType identifies a socket type.
type SockType uint8

const (
	SockTypeUnspec SockType = iota
	SockTypeStream
	SockTypeDgram
)

// SockAddr is a socket address as the guest observes it. Addr holds the raw
// address bytes (4 for inet4, 16 for inet6, a path for unix sockets).
type SockAddr struct {
	Family AddressFamily `json:"family"`
	Addr   []byte        `json:"addr,omitempty"`
	Port   uint16        `json:"port,omitempty"`
}

// String renders the address for diagnostics.
func (a SockAddr) String() string {
	switch a.Family {
	case AddressFamilyInet4, AddressFamilyInet6:
		return fmt.Sprintf("%d.%v:%d", a.Family, a.Addr, a.Port)
	case AddressFamilyUnix:
		return "unix:" + string(a.Addr)
	}
	return "unspec"
}

// Shutdown flags for sock_shutdown.
type SdFlags uint8

const (
	ShutdownRead SdFlags = 1 << iota
	ShutdownWrite
)
