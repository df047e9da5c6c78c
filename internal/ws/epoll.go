//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitBatch is the most readiness events collected per epoll_wait call.
const waitBatch = 128

// Epoll multiplexes reads over every registered connection with a single
// level-triggered epoll instance, so idle connections cost no goroutine.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int32]net.Conn
	events []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int32]net.Conn),
		events: make([]unix.EpollEvent, waitBatch),
	}, nil
}

// Add starts watching conn for input or hangup.
func (e *Epoll) Add(conn net.Conn) error {
	fd, err := socketFD(conn)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP, Fd: fd}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return err
	}
	e.mu.Lock()
	e.byFd[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. A connection the kernel already dropped from
// the interest list (closed socket) is not an error.
func (e *Epoll) Remove(conn net.Conn) error {
	fd, err := socketFD(conn)
	if err == nil {
		err = unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, int(fd), nil)
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
			err = nil
		}
	}

	e.mu.Lock()
	for k, c := range e.byFd {
		if c == conn {
			delete(e.byFd, k)
			break
		}
	}
	e.mu.Unlock()
	return err
}

// Rearm is a no-op: level-triggered epoll reports the fd again on its own.
func (e *Epoll) Rearm(net.Conn) {}

// Wait blocks until at least one watched connection is readable and returns
// those still registered. An interrupted wait returns an empty slice.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFd[ev.Fd]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Close releases the epoll descriptor, which unblocks a pending Wait.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFd = make(map[int32]net.Conn)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD reads the descriptor behind conn without dup'ing it.
func socketFD(conn net.Conn) (int32, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errors.New("ws: connection does not expose a file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int32
	if err := raw.Control(func(sfd uintptr) { fd = int32(sfd) }); err != nil {
		return -1, err
	}
	return fd, nil
}
