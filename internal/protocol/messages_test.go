package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid create-session message
// ---------------------------------------------------------------------------

func TestParseClientMessage_CreateSession(t *testing.T) {
	input := []byte(`{"type":"create-session","pin":"1234","fileName":"a.txt","fileSize":10}`)

	msgType, msg, raw, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeCreateSession {
		t.Fatalf("expected type %q, got %q", TypeCreateSession, msgType)
	}
	if !bytes.Equal(raw, input) {
		t.Errorf("raw bytes not preserved: %s", raw)
	}

	cm, ok := msg.(CreateSessionMsg)
	if !ok {
		t.Fatalf("expected CreateSessionMsg, got %T", msg)
	}
	if cm.Pin != "1234" {
		t.Errorf("expected pin %q, got %q", "1234", cm.Pin)
	}
	if cm.FileName != "a.txt" {
		t.Errorf("expected fileName %q, got %q", "a.txt", cm.FileName)
	}
	if cm.FileSize != 10 {
		t.Errorf("expected fileSize 10, got %d", cm.FileSize)
	}
}

// ---------------------------------------------------------------------------
// Test: Signaling payloads keep their original bytes for verbatim forwarding
// ---------------------------------------------------------------------------

func TestParseClientMessage_SignalPreservesRaw(t *testing.T) {
	input := []byte(`{"type":"offer","pin":"1234","sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1"}`)

	msgType, msg, raw, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeOffer {
		t.Fatalf("expected type %q, got %q", TypeOffer, msgType)
	}
	if !bytes.Equal(raw, input) {
		t.Fatalf("signaling payload must round-trip byte-for-byte:\n in: %s\nout: %s", input, raw)
	}

	sm, ok := msg.(SignalMsg)
	if !ok {
		t.Fatalf("expected SignalMsg, got %T", msg)
	}
	if sm.Pin != "1234" {
		t.Errorf("expected pin %q, got %q", "1234", sm.Pin)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"create-session", `{"type":"create-session","pin":"1","fileName":"f","fileSize":1}`, TypeCreateSession},
		{"join-session", `{"type":"join-session","pin":"1"}`, TypeJoinSession},
		{"offer", `{"type":"offer","pin":"1","sdp":"..."}`, TypeOffer},
		{"answer", `{"type":"answer","pin":"1","sdp":"..."}`, TypeAnswer},
		{"ice-candidate", `{"type":"ice-candidate","pin":"1","candidate":{}}`, TypeICECandidate},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, _, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown types are distinguishable from undecodable frames
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"bogus-type","data":"something"}`)

	msgType, msg, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "bogus-type" {
		t.Errorf("expected returned type %q, got %q", "bogus-type", msgType)
	}
}

func TestParseClientMessage_MalformedJSON(t *testing.T) {
	_, _, _, err := ParseClientMessage([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if errors.Is(err, ErrUnknownType) {
		t.Error("malformed JSON must not report ErrUnknownType")
	}
}

// ---------------------------------------------------------------------------
// Test: IsSignal classification
// ---------------------------------------------------------------------------

func TestIsSignal(t *testing.T) {
	for _, signal := range []string{TypeOffer, TypeAnswer, TypeICECandidate} {
		if !IsSignal(signal) {
			t.Errorf("IsSignal(%q) should be true", signal)
		}
	}
	for _, other := range []string{TypeCreateSession, TypeJoinSession, TypeSessionCreated, "random"} {
		if IsSignal(other) {
			t.Errorf("IsSignal(%q) should be false", other)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_SessionCreated(t *testing.T) {
	payload := SessionCreatedMsg{
		Pin:      "1234",
		FileName: "a.txt",
		FileSize: 10,
	}

	data, err := NewServerMessage(TypeSessionCreated, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeSessionCreated {
		t.Errorf("expected type %q, got %v", TypeSessionCreated, result["type"])
	}
	if result["pin"] != "1234" {
		t.Errorf("expected pin %q, got %v", "1234", result["pin"])
	}
	if result["fileName"] != "a.txt" {
		t.Errorf("expected fileName %q, got %v", "a.txt", result["fileName"])
	}
	size, ok := result["fileSize"].(float64)
	if !ok || int64(size) != 10 {
		t.Errorf("expected fileSize 10, got %v", result["fileSize"])
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	// The Type field is left empty; NewServerMessage must still set "type".
	data, err := NewServerMessage(TypeSessionFull, SessionFullMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded SessionFullMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeSessionFull {
		t.Errorf("expected type %q, got %q", TypeSessionFull, decoded.Type)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}
