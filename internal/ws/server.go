// Package ws handles WebSocket connection management for the signal server:
// upgrading HTTP connections, tracking active peers, reading frames via an
// epoll-backed event loop, and dispatching complete messages to the relay
// layer.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/pindrop/signal-server/internal/metrics"
	"github.com/pindrop/signal-server/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	StaticDir      string        // directory with the web client; empty disables static hosting
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with a poller for I/O readiness
// notifications, and dispatches ready connections to a bounded worker pool
// for frame reading. It also serves the static web client, a health check,
// and Prometheus metrics on the same mux.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	limiter      *ratelimit.Limiter                  // optional per-IP connect throttle
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called once when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, optional rate
// limiter, and message callback. The onMessage function is called from a
// worker goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, limiter *ratelimit.Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		limiter:   limiter,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
}

// SetOnDisconnect registers a callback invoked exactly once when a connection
// is removed (read error, heartbeat timeout, or graceful close). The relay
// layer uses it to tear down the session bound to the endpoint.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start initializes the poller, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the event loop in a background
// goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	if s.config.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.config.StaticDir)))
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	// Detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it creates a Connection and
// registers it with the connection manager and poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		allowed, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
		cancel()
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:           uuid.New().String(),
		Conn:         conn,
		Fd:           socketFD(conn),
		RemoteIP:     ip,
		CreatedAt:    time.Now(),
		LastPing:     time.Now(),
		WriteTimeout: s.config.WriteTimeout,
	}

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	metrics.ConnectionsActive.Set(float64(s.conns.Count()))
	log.Printf("ws: new connection conn=%s fd=%d ip=%s (total=%d)", c.ID, c.Fd, ip, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	workerPool := make(chan struct{}, s.config.WorkerPoolSize)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			workerPool <- struct{}{}

			go func() {
				defer func() { <-workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. The per-connection processing flag
// guarantees frames are handled one at a time in arrival order even when
// level-triggered epoll reports the same connection twice.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale poller dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both the poller and the
// connection manager, and closes the underlying network connection. It is
// exported so that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager; multiple
	// goroutines can race to remove the same connection (read error +
	// heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	metrics.ConnectionsActive.Set(float64(s.conns.Count()))
	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		_ = s.poller.Remove(c.Conn)
		c.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// remoteIP extracts the client IP from the request's remote address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR), which
// is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
