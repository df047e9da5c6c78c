//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each registered connection is reported ready once, then again only after
// the server calls Rearm for it. Nothing is read from the socket here, so
// frames reach the server's reader intact.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> rearm signal
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor goroutine.
func (e *Epoll) Add(conn net.Conn) error {
	rearm := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = rearm
	e.mu.Unlock()

	go e.monitor(conn, rearm)
	return nil
}

// monitor reports conn ready and waits for the server to finish with it
// before reporting again. The server's read deadline bounds each round.
func (e *Epoll) monitor(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor of conn report it ready again.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rearm, ok := e.conns[conn]; ok {
		select {
		case rearm <- struct{}{}:
		default:
		}
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	rearm, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(rearm)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD has nothing to report off linux; the fallback tracks net.Conn.
func socketFD(net.Conn) (int32, error) {
	return -1, nil
}
