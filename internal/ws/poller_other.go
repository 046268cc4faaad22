//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Poller provides a goroutine-per-connection fallback for non-Linux
// platforms. On Linux it is replaced by the real epoll implementation; this
// fallback lets the server run on macOS/Windows during development.
type Poller struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // receives connections with pending data
	done    chan struct{}
}

// NewPoller creates a fallback poller that uses goroutines to monitor each
// connection for incoming data.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a goroutine that periodically
// reports it as ready. The server's read path uses a read deadline, so a
// dispatch with no pending data costs one timed-out read and nothing else.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

// monitor signals readiness for the connection on a fixed cadence until it is
// removed or the poller is closed. It never reads from the connection, so the
// stream reaches the frame reader intact.
func (p *Poller) monitor(conn net.Conn) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.RLock()
			_, registered := p.conns[conn]
			p.mu.RUnlock()
			if !registered {
				return
			}

			select {
			case p.readyCh <- conn:
			default:
				// Ready queue is full; the next tick retries.
			}
		}
	}
}

// Remove unregisters a connection from the fallback poller.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading, then
// collects all currently ready connections and returns them.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms: the goroutine-based fallback
// does not use file descriptors.
func socketFD(conn net.Conn) int {
	return -1
}
