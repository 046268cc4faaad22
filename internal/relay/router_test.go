package relay

import (
	"bytes"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/pindrop/signal-server/internal/protocol"
	"github.com/pindrop/signal-server/internal/session"
)

// fakeEndpoint captures every frame delivered to it. Closing it makes
// deliveries fail, modeling a half-closed WebSocket.
type fakeEndpoint struct {
	mu     sync.Mutex
	closed bool
	frames [][]byte
}

func (f *fakeEndpoint) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeEndpoint) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeEndpoint) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// received returns the decoded generic form of every captured frame.
func (f *fakeEndpoint) received(t *testing.T) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(f.frames))
	for _, frame := range f.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("endpoint captured undecodable frame %q: %v", frame, err)
		}
		out = append(out, m)
	}
	return out
}

// lastType returns the "type" field of the most recent frame, or "" if none.
func (f *fakeEndpoint) lastType(t *testing.T) string {
	t.Helper()
	msgs := f.received(t)
	if len(msgs) == 0 {
		return ""
	}
	typ, _ := msgs[len(msgs)-1]["type"].(string)
	return typ
}

func newTestRouter() (*Router, *session.Registry) {
	registry := session.NewRegistry()
	return NewRouter(registry, nil, nil), registry
}

// ---------------------------------------------------------------------------
// create-session
// ---------------------------------------------------------------------------

func TestCreateSession_EchoesMetadata(t *testing.T) {
	rt, _ := newTestRouter()
	sender := &fakeEndpoint{}

	rt.CreateSession(sender, protocol.CreateSessionMsg{
		Pin: "1234", FileName: "a.txt", FileSize: 10,
	})

	msgs := sender.received(t)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(msgs))
	}
	m := msgs[0]
	if m["type"] != protocol.TypeSessionCreated {
		t.Fatalf("expected %s, got %v", protocol.TypeSessionCreated, m["type"])
	}
	if m["pin"] != "1234" || m["fileName"] != "a.txt" {
		t.Errorf("metadata not echoed: %v", m)
	}
	if size, _ := m["fileSize"].(float64); int64(size) != 10 {
		t.Errorf("expected fileSize 10, got %v", m["fileSize"])
	}
}

func TestCreateSession_PinTaken(t *testing.T) {
	rt, _ := newTestRouter()
	first := &fakeEndpoint{}
	second := &fakeEndpoint{}

	rt.CreateSession(first, protocol.CreateSessionMsg{Pin: "1234"})
	rt.CreateSession(second, protocol.CreateSessionMsg{Pin: "1234"})

	if got := second.lastType(t); got != protocol.TypePinTaken {
		t.Fatalf("expected %s, got %q", protocol.TypePinTaken, got)
	}
	// The original session is untouched.
	if got := first.lastType(t); got != protocol.TypeSessionCreated {
		t.Fatalf("first creator should keep its session, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// join-session
// ---------------------------------------------------------------------------

func TestJoinSession_NotifiesBothSides(t *testing.T) {
	rt, _ := newTestRouter()
	initiator := &fakeEndpoint{}
	joiner := &fakeEndpoint{}

	rt.CreateSession(initiator, protocol.CreateSessionMsg{
		Pin: "1234", FileName: "a.txt", FileSize: 10,
	})
	rt.JoinSession(joiner, protocol.JoinSessionMsg{Pin: "1234"})

	joinerMsgs := joiner.received(t)
	if len(joinerMsgs) != 1 || joinerMsgs[0]["type"] != protocol.TypeSessionJoined {
		t.Fatalf("joiner expected session-joined, got %v", joinerMsgs)
	}
	if joinerMsgs[0]["fileName"] != "a.txt" {
		t.Errorf("joiner should receive the transfer metadata: %v", joinerMsgs[0])
	}
	if size, _ := joinerMsgs[0]["fileSize"].(float64); int64(size) != 10 {
		t.Errorf("expected fileSize 10, got %v", joinerMsgs[0]["fileSize"])
	}

	initMsgs := initiator.received(t)
	if len(initMsgs) != 2 {
		t.Fatalf("initiator expected session-created + receiver-joined, got %v", initMsgs)
	}
	last := initMsgs[1]
	if last["type"] != protocol.TypeReceiverJoined {
		t.Fatalf("initiator expected receiver-joined, got %v", last["type"])
	}
	if last["fileName"] != "a.txt" {
		t.Errorf("receiver-joined should carry the metadata: %v", last)
	}
}

func TestJoinSession_NotFound(t *testing.T) {
	rt, _ := newTestRouter()
	joiner := &fakeEndpoint{}

	rt.JoinSession(joiner, protocol.JoinSessionMsg{Pin: "9999"})

	if got := joiner.lastType(t); got != protocol.TypeSessionNotFound {
		t.Fatalf("expected %s, got %q", protocol.TypeSessionNotFound, got)
	}
}

func TestJoinSession_Full(t *testing.T) {
	rt, _ := newTestRouter()
	initiator := &fakeEndpoint{}
	first := &fakeEndpoint{}
	second := &fakeEndpoint{}

	rt.CreateSession(initiator, protocol.CreateSessionMsg{Pin: "1234"})
	rt.JoinSession(first, protocol.JoinSessionMsg{Pin: "1234"})
	rt.JoinSession(second, protocol.JoinSessionMsg{Pin: "1234"})

	if got := first.lastType(t); got != protocol.TypeSessionJoined {
		t.Fatalf("first joiner expected session-joined, got %q", got)
	}
	if got := second.lastType(t); got != protocol.TypeSessionFull {
		t.Fatalf("second joiner expected session-full, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Signaling relay
// ---------------------------------------------------------------------------

func pairedSession(t *testing.T, rt *Router, pin string) (initiator, receiver *fakeEndpoint) {
	t.Helper()
	initiator = &fakeEndpoint{}
	receiver = &fakeEndpoint{}
	rt.CreateSession(initiator, protocol.CreateSessionMsg{Pin: pin, FileName: "a.txt", FileSize: 10})
	rt.JoinSession(receiver, protocol.JoinSessionMsg{Pin: pin})
	return initiator, receiver
}

func TestRelay_ForwardsVerbatim(t *testing.T) {
	rt, _ := newTestRouter()
	initiator, receiver := pairedSession(t, rt, "1234")

	raw := []byte(`{"type":"offer","pin":"1234","sdp":"v=0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel"}`)
	rt.Relay(initiator, protocol.SignalMsg{Type: protocol.TypeOffer, Pin: "1234"}, raw)

	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	if len(receiver.frames) != 2 { // session-joined + forwarded offer
		t.Fatalf("expected 2 frames at receiver, got %d", len(receiver.frames))
	}
	if !bytes.Equal(receiver.frames[1], raw) {
		t.Fatalf("forward must be byte-for-byte identical:\nwant %s\n got %s", raw, receiver.frames[1])
	}
}

func TestRelay_PeerSymmetric(t *testing.T) {
	rt, _ := newTestRouter()
	initiator, receiver := pairedSession(t, rt, "1234")

	answer := []byte(`{"type":"answer","pin":"1234","sdp":"v=0"}`)
	rt.Relay(receiver, protocol.SignalMsg{Type: protocol.TypeAnswer, Pin: "1234"}, answer)

	initiator.mu.Lock()
	defer initiator.mu.Unlock()
	last := initiator.frames[len(initiator.frames)-1]
	if !bytes.Equal(last, answer) {
		t.Fatalf("receiver->initiator forward mismatch: %s", last)
	}
}

func TestRelay_UnknownPin(t *testing.T) {
	rt, _ := newTestRouter()
	sender := &fakeEndpoint{}

	rt.Relay(sender, protocol.SignalMsg{Type: protocol.TypeOffer, Pin: "9999"}, []byte(`{"type":"offer","pin":"9999"}`))

	if got := sender.lastType(t); got != protocol.TypeSessionNotFound {
		t.Fatalf("expected %s, got %q", protocol.TypeSessionNotFound, got)
	}
}

func TestRelay_EmptyPeerSlotDropsSilently(t *testing.T) {
	rt, _ := newTestRouter()
	initiator := &fakeEndpoint{}
	rt.CreateSession(initiator, protocol.CreateSessionMsg{Pin: "1234"})
	before := len(initiator.received(t))

	rt.Relay(initiator, protocol.SignalMsg{Type: protocol.TypeICECandidate, Pin: "1234"}, []byte(`{"type":"ice-candidate","pin":"1234"}`))

	// No reply of any kind: an absent peer is not an error on the session.
	if after := len(initiator.received(t)); after != before {
		t.Fatalf("sender must get no response on an empty peer slot, got %v", initiator.received(t))
	}
}

func TestRelay_ClosedPeerDropsSilently(t *testing.T) {
	rt, _ := newTestRouter()
	initiator, receiver := pairedSession(t, rt, "1234")

	receiver.close()
	before := len(initiator.received(t))

	rt.Relay(initiator, protocol.SignalMsg{Type: protocol.TypeOffer, Pin: "1234"}, []byte(`{"type":"offer","pin":"1234","sdp":"x"}`))

	if after := len(initiator.received(t)); after != before {
		t.Fatalf("sender must get no response when the peer channel is closed, got %v", initiator.received(t))
	}
}

// ---------------------------------------------------------------------------
// Disconnect teardown
// ---------------------------------------------------------------------------

func TestDisconnected_TearsDownSession(t *testing.T) {
	rt, registry := newTestRouter()
	initiator, receiver := pairedSession(t, rt, "1234")

	rt.Disconnected(receiver)

	if _, err := registry.Peer("1234", initiator); err == nil {
		t.Fatal("session should be gone after a bound endpoint disconnects")
	}

	// Subsequent signaling from the orphaned peer reports the missing session.
	rt.Relay(initiator, protocol.SignalMsg{Type: protocol.TypeOffer, Pin: "1234"}, []byte(`{"type":"offer","pin":"1234"}`))
	if got := initiator.lastType(t); got != protocol.TypeSessionNotFound {
		t.Fatalf("expected %s after peer disconnect, got %q", protocol.TypeSessionNotFound, got)
	}
}

func TestDisconnected_UnboundEndpointIsNoop(t *testing.T) {
	rt, registry := newTestRouter()
	_, _ = pairedSession(t, rt, "1234")

	rt.Disconnected(&fakeEndpoint{})

	if registry.Count() != 1 {
		t.Fatalf("unrelated disconnect must not remove sessions, got %d", registry.Count())
	}
}

// ---------------------------------------------------------------------------
// End-to-end scenario from the handshake's point of view
// ---------------------------------------------------------------------------

func TestScenario_CreateJoinOffer(t *testing.T) {
	rt, _ := newTestRouter()
	sender := &fakeEndpoint{}
	receiver := &fakeEndpoint{}

	rt.CreateSession(sender, protocol.CreateSessionMsg{Pin: "1234", FileName: "a.txt", FileSize: 10})
	rt.JoinSession(receiver, protocol.JoinSessionMsg{Pin: "1234"})

	offer := []byte(`{"type":"offer","pin":"1234","sdp":"..."}`)
	rt.Relay(sender, protocol.SignalMsg{Type: protocol.TypeOffer, Pin: "1234"}, offer)

	wantSender := []string{protocol.TypeSessionCreated, protocol.TypeReceiverJoined}
	senderMsgs := sender.received(t)
	if len(senderMsgs) != len(wantSender) {
		t.Fatalf("sender frames: %v", senderMsgs)
	}
	for i, want := range wantSender {
		if senderMsgs[i]["type"] != want {
			t.Errorf("sender frame %d: expected %s, got %v", i, want, senderMsgs[i]["type"])
		}
	}

	wantReceiver := []string{protocol.TypeSessionJoined, protocol.TypeOffer}
	receiverMsgs := receiver.received(t)
	if len(receiverMsgs) != len(wantReceiver) {
		t.Fatalf("receiver frames: %v", receiverMsgs)
	}
	for i, want := range wantReceiver {
		if receiverMsgs[i]["type"] != want {
			t.Errorf("receiver frame %d: expected %s, got %v", i, want, receiverMsgs[i]["type"])
		}
	}
}
