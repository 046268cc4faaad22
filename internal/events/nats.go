// Package events publishes session lifecycle notifications over NATS so that
// external observers (dashboards, the sessionwatch tail) can follow
// rendezvous activity without touching the relay path. Publishing is
// fire-and-forget; a slow or absent consumer never blocks the server.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for session lifecycle events.
const (
	SubjectSessionCreated = "session.created"
	SubjectSessionPaired  = "session.paired"
	SubjectSessionClosed  = "session.closed"

	// SubjectSessionAll matches every session lifecycle subject.
	SubjectSessionAll = "session.>"
)

// Close reasons carried in session.closed events.
const (
	ReasonExpired    = "expired"
	ReasonDisconnect = "disconnect"
)

// SessionEvent is the payload published on every session lifecycle subject.
// Reason is set only for session.closed.
type SessionEvent struct {
	Pin      string `json:"pin"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Ts       int64  `json:"ts"`
}

// Client wraps the NATS connection with helpers for the session subjects.
type Client struct {
	conn *nats.Conn
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "pindrop",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[events] disconnected: %v", err)
			} else {
				log.Printf("[events] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[events] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[events] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}

	log.Printf("[events] connected to %s", nc.ConnectedUrl())

	return &Client{conn: nc}, nil
}

// publish marshals ev and sends it to subject. Failures are logged and
// swallowed; event delivery is strictly best effort.
func (c *Client) publish(subject string, ev SessionEvent) {
	ev.Ts = time.Now().Unix()
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[events] marshal %s: %v", subject, err)
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		log.Printf("[events] publish %s: %v", subject, err)
	}
}

// PublishSessionCreated announces a newly created (open) session.
func (c *Client) PublishSessionCreated(pin, fileName string, fileSize int64) {
	c.publish(SubjectSessionCreated, SessionEvent{Pin: pin, FileName: fileName, FileSize: fileSize})
}

// PublishSessionPaired announces that a receiver joined the session.
func (c *Client) PublishSessionPaired(pin string) {
	c.publish(SubjectSessionPaired, SessionEvent{Pin: pin})
}

// PublishSessionClosed announces a session removal with the given reason.
func (c *Client) PublishSessionClosed(pin, reason string) {
	c.publish(SubjectSessionClosed, SessionEvent{Pin: pin, Reason: reason})
}

// SubscribeSessionEvents registers a handler for every session lifecycle
// subject. The handler receives the concrete subject and the raw payload.
func (c *Client) SubscribeSessionEvents(handler func(subject string, data []byte)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(SubjectSessionAll, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("events: subscribe %s: %w", SubjectSessionAll, err)
	}
	return sub, nil
}

// Close drains the NATS connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[events] connection drain: %v", err)
	}
	log.Printf("[events] client closed")
}
