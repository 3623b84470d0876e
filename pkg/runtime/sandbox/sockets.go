package sandbox

import (
	"fmt"
	"strings"

	"github.com/wasmkeel/keel/pkg/journal"
	"github.com/wasmkeel/keel/pkg/wasi"
)

// Socket operations are journaled as guest-observable state transitions. The
// sandbox is deny-by-default: no real network traffic is performed, but the
// guest's socket state machine (bound, listening, connected, shut down) is
// tracked and restored exactly. Payload bytes recorded by send/receive are
// what the guest observed.

const socketPathPrefix = "sock:"

func socketPath(family wasi.AddressFamily, st wasi.SockType) string {
	return fmt.Sprintf("%s%d:%d", socketPathPrefix, family, st)
}

func isSocketPath(path string) bool { return strings.HasPrefix(path, socketPathPrefix) }

// Socket allocates a socket descriptor. Creation is recorded as a descriptor
// open with a socket pseudo-path.
func (p *Process) Socket(family wasi.AddressFamily, st wasi.SockType) (wasi.Fd, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fd := p.nextFd
	p.nextFd++
	path := socketPath(family, st)
	p.fds[fd] = &descriptor{path: path, rights: wasi.RightsAll, socket: true}

	if err := p.recordLocked(journal.FdOpen{Fd: fd, Path: path, Rights: wasi.RightsAll}); err != nil {
		return fd, err
	}
	return fd, nil
}

// Bind assigns a local address to a socket.
func (p *Process) Bind(fd wasi.Fd, addr wasi.SockAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.bindLocked(fd, addr); err != nil {
		return err
	}
	return p.recordLocked(journal.SockBind{Fd: fd, Addr: addr})
}

func (p *Process) bindLocked(fd wasi.Fd, addr wasi.SockAddr) error {
	d, err := p.socketLocked(fd)
	if err != nil {
		return err
	}
	d.bound = addr
	return nil
}

// Connect records an outbound connection.
func (p *Process) Connect(fd wasi.Fd, addr wasi.SockAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(fd, addr); err != nil {
		return err
	}
	return p.recordLocked(journal.SockConnect{Fd: fd, Addr: addr})
}

func (p *Process) connectLocked(fd wasi.Fd, addr wasi.SockAddr) error {
	d, err := p.socketLocked(fd)
	if err != nil {
		return err
	}
	d.peer = addr
	return nil
}

// Listen marks a socket as accepting connections.
func (p *Process) Listen(fd wasi.Fd, backlog int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.listenLocked(fd, backlog); err != nil {
		return err
	}
	return p.recordLocked(journal.SockListen{Fd: fd, Backlog: backlog})
}

func (p *Process) listenLocked(fd wasi.Fd, backlog int) error {
	d, err := p.socketLocked(fd)
	if err != nil {
		return err
	}
	d.listening = true
	d.backlog = backlog
	return nil
}

// Accept records an accepted connection and returns the new descriptor.
func (p *Process) Accept(listenFd wasi.Fd, peer wasi.SockAddr) (wasi.Fd, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fd := p.nextFd
	p.nextFd++
	if err := p.acceptLocked(listenFd, fd, peer); err != nil {
		return 0, err
	}
	if err := p.recordLocked(journal.SockAccept{ListenFd: listenFd, Fd: fd, Peer: peer}); err != nil {
		return fd, err
	}
	return fd, nil
}

func (p *Process) acceptLocked(listenFd, fd wasi.Fd, peer wasi.SockAddr) error {
	ld, err := p.socketLocked(listenFd)
	if err != nil {
		return err
	}
	if !ld.listening {
		return fmt.Errorf("sandbox: fd %d not listening", listenFd)
	}
	if _, exists := p.fds[fd]; exists {
		return fmt.Errorf("sandbox: fd %d already open", fd)
	}
	p.fds[fd] = &descriptor{path: ld.path, rights: wasi.RightsAll, socket: true, peer: peer}
	return nil
}

// Send records bytes sent on a socket.
func (p *Process) Send(fd wasi.Fd, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.sendLocked(fd, data); err != nil {
		return 0, err
	}
	if err := p.recordLocked(journal.SockSend{Fd: fd, Data: data}); err != nil {
		return len(data), err
	}
	return len(data), nil
}

func (p *Process) sendLocked(fd wasi.Fd, data []byte) error {
	d, err := p.socketLocked(fd)
	if err != nil {
		return err
	}
	if d.shut&wasi.ShutdownWrite != 0 {
		return fmt.Errorf("sandbox: fd %d shut down for writing", fd)
	}
	d.offset += int64(len(data))
	return nil
}

// Recv records the bytes a socket receive delivered to the guest.
func (p *Process) Recv(fd wasi.Fd, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.recvLocked(fd, data); err != nil {
		return err
	}
	return p.recordLocked(journal.SockRecv{Fd: fd, Data: data})
}

func (p *Process) recvLocked(fd wasi.Fd, data []byte) error {
	d, err := p.socketLocked(fd)
	if err != nil {
		return err
	}
	if d.shut&wasi.ShutdownRead != 0 {
		return fmt.Errorf("sandbox: fd %d shut down for reading", fd)
	}
	_ = data
	return nil
}

// Shutdown disables further sends and/or receives on a socket.
func (p *Process) Shutdown(fd wasi.Fd, how wasi.SdFlags) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.shutdownLocked(fd, how); err != nil {
		return err
	}
	return p.recordLocked(journal.SockShutdown{Fd: fd, How: how})
}

func (p *Process) shutdownLocked(fd wasi.Fd, how wasi.SdFlags) error {
	d, err := p.socketLocked(fd)
	if err != nil {
		return err
	}
	d.shut |= how
	return nil
}

func (p *Process) socketLocked(fd wasi.Fd) (*descriptor, error) {
	d, ok := p.fds[fd]
	if !ok {
		return nil, fmt.Errorf("sandbox: fd %d not open", fd)
	}
	if !d.socket {
		return nil, fmt.Errorf("sandbox: fd %d is not a socket", fd)
	}
	return d, nil
}
