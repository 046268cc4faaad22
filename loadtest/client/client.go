// Package client provides a reusable WebSocket load test client for the
// pindrop signal server. It connects using gobwas/ws (the same library the
// server uses), speaks the pin-based signaling protocol, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeCreateSession = "create-session"
	TypeJoinSession   = "join-session"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeIceCandidate  = "ice-candidate"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session-created"
	TypePinTaken        = "pin-taken"
	TypeSessionJoined   = "session-joined"
	TypeSessionNotFound = "session-not-found"
	TypeSessionFull     = "session-full"
	TypeReceiverJoined  = "receiver-joined"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated peer connection to the signal server.
// It manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading messages. Unlike a browser peer, the client sends nothing on
// connect; the signaling flow is driven entirely by the caller.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// CreateSession sends a create-session request for the given pin.
func (c *Client) CreateSession(pin, fileName string, fileSize int64) error {
	return c.Send(map[string]interface{}{
		"type":     TypeCreateSession,
		"pin":      pin,
		"fileName": fileName,
		"fileSize": fileSize,
	})
}

// JoinSession sends a join-session request for the given pin.
func (c *Client) JoinSession(pin string) error {
	return c.Send(map[string]string{
		"type": TypeJoinSession,
		"pin":  pin,
	})
}

// SendSignal sends a signaling frame (offer, answer, or ice-candidate) for
// the given pin with arbitrary extra payload fields.
func (c *Client) SendSignal(msgType, pin string, extra map[string]interface{}) error {
	msg := map[string]interface{}{
		"type": msgType,
		"pin":  pin,
	}
	for k, v := range extra {
		msg[k] = v
	}
	return c.Send(msg)
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitFor registers a one-shot wait for the given server message type and
// returns a channel that receives the raw frame when it arrives. It is
// convenient for sequential request/reply flows in test scenarios.
func (c *Client) WaitFor(msgType string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.On(msgType, func(raw json.RawMessage) {
		select {
		case ch <- raw:
		default:
		}
	})
	return ch
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
