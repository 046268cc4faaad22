package ws

import (
	"errors"
	"log"

	"github.com/pindrop/signal-server/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage; raw is the original frame, preserved so that
// signaling payloads can be forwarded byte-for-byte.
type MessageHandler func(conn *Connection, msg interface{}, raw []byte)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. Malformed frames and unrecognized types are
// dropped with a log line only; they never get a reply and never close the
// connection.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message and routes it to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, raw, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("ws: ignoring unrecognized message type=%q conn=%s", msgType, conn.ID)
		} else {
			log.Printf("ws: dropping undecodable frame conn=%s: %v", conn.ID, err)
		}
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: ignoring unrecognized message type=%q conn=%s", msgType, conn.ID)
		return
	}

	handler(conn, msg, raw)
}
