// Package protocol defines the signaling messages exchanged between the web
// client and the server. All messages are JSON with a "type" discriminator;
// the negotiation payloads (offer/answer/ice-candidate) are relayed without
// interpretation, so parsing keeps the original bytes alongside the decoded
// discriminator fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed envelope
// whose type is not a recognized client message. Callers drop and log these
// without replying.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeCreateSession = "create-session"
	TypeJoinSession   = "join-session"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeICECandidate  = "ice-candidate"
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

// IsSignal reports whether msgType is one of the negotiation message types
// that the server forwards verbatim to the session peer.
func IsSignal(msgType string) bool {
	switch msgType {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload. The raw bytes are
// kept so that signaling messages can be forwarded byte-for-byte.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler. It captures the full raw message
// and extracts only the "type" field; the rest of the payload is decoded later
// into the appropriate concrete struct, or never decoded at all for relayed
// signaling payloads.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// CreateSessionMsg opens a new session keyed by the sender's chosen pin. The
// file fields describe the offered transfer and are echoed to the receiver on
// join; the server does not interpret them.
type CreateSessionMsg struct {
	Type     string `json:"type"`
	Pin      string `json:"pin"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// JoinSessionMsg binds the sender as the receiving peer of an open session.
type JoinSessionMsg struct {
	Type string `json:"type"`
	Pin  string `json:"pin"`
}

// SignalMsg carries the routing fields of an offer, answer, or ice-candidate
// message. The negotiation payload itself stays in the envelope's raw bytes
// and is forwarded untouched.
type SignalMsg struct {
	Type string `json:"type"`
	Pin  string `json:"pin"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg confirms session creation, echoing the pin and file
// metadata back to the sender.
type SessionCreatedMsg struct {
	Type     string `json:"type"`
	Pin      string `json:"pin"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// PinTakenMsg tells the sender that a live session already holds the pin.
type PinTakenMsg struct {
	Type string `json:"type"`
}

// SessionJoinedMsg tells the joiner it is now paired, with the transfer
// metadata declared by the sender.
type SessionJoinedMsg struct {
	Type     string `json:"type"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// SessionNotFoundMsg tells the sender that no session is keyed by the pin.
type SessionNotFoundMsg struct {
	Type string `json:"type"`
}

// SessionFullMsg tells a joiner that the session already has a receiver.
type SessionFullMsg struct {
	Type string `json:"type"`
}

// ReceiverJoinedMsg tells the session initiator that a receiver has joined
// and negotiation can begin.
type ReceiverJoinedMsg struct {
	Type     string `json:"type"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type, the decoded struct, and the raw envelope bytes
// (kept for verbatim forwarding of signaling payloads). An error is returned
// for malformed JSON or unknown types; the raw bytes are still returned when
// the envelope itself decoded.
func ParseClientMessage(data []byte) (string, interface{}, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeCreateSession:
		var m CreateSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinSession:
		var m JoinSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, env.Raw, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, env.Raw, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, env.Raw, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key so that the
// Server*Msg structs never need their Type field pre-filled.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
