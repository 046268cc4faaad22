package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubEndpoint is a minimal Endpoint for registry tests; the registry only
// compares endpoints by identity, so no frames are ever captured here.
type stubEndpoint struct {
	open bool
}

func (s *stubEndpoint) WriteMessage(data []byte) error { return nil }
func (s *stubEndpoint) Open() bool                     { return s.open }

func newStub() *stubEndpoint { return &stubEndpoint{open: true} }

func TestCreate_NewPin(t *testing.T) {
	r := NewRegistry()
	ep := newStub()

	err := r.Create("1234", Metadata{FileName: "a.txt", FileSize: 10}, ep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 session, got %d", r.Count())
	}
}

func TestCreate_PinTaken(t *testing.T) {
	r := NewRegistry()

	if err := r.Create("1234", Metadata{}, newStub()); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	err := r.Create("1234", Metadata{}, newStub())
	if !errors.Is(err, ErrPinTaken) {
		t.Fatalf("expected ErrPinTaken, got %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("failed create must not mutate: expected 1 session, got %d", r.Count())
	}
}

func TestCreate_PinReusableAfterRemoval(t *testing.T) {
	r := NewRegistry()

	if err := r.Create("1234", Metadata{}, newStub()); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	r.Remove("1234")
	if err := r.Create("1234", Metadata{}, newStub()); err != nil {
		t.Fatalf("create after removal failed: %v", err)
	}
}

func TestJoin_ReturnsMetadata(t *testing.T) {
	r := NewRegistry()
	initiator := newStub()
	receiver := newStub()

	if err := r.Create("1234", Metadata{FileName: "a.txt", FileSize: 10}, initiator); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	meta, createdAt, err := r.Join("1234", receiver)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if meta.FileName != "a.txt" || meta.FileSize != 10 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if createdAt.IsZero() {
		t.Error("expected non-zero creation time")
	}
}

func TestJoin_NotFound(t *testing.T) {
	r := NewRegistry()

	_, _, err := r.Join("9999", newStub())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestJoin_Full(t *testing.T) {
	r := NewRegistry()

	if err := r.Create("1234", Metadata{}, newStub()); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := r.Join("1234", newStub()); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	_, _, err := r.Join("1234", newStub())
	if !errors.Is(err, ErrSessionFull) {
		t.Fatalf("expected ErrSessionFull, got %v", err)
	}
}

func TestPeer_BothDirections(t *testing.T) {
	r := NewRegistry()
	initiator := newStub()
	receiver := newStub()

	if err := r.Create("1234", Metadata{}, initiator); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := r.Join("1234", receiver); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	peer, err := r.Peer("1234", initiator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peer != Endpoint(receiver) {
		t.Error("initiator's peer should be the receiver")
	}

	peer, err = r.Peer("1234", receiver)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peer != Endpoint(initiator) {
		t.Error("receiver's peer should be the initiator")
	}
}

func TestPeer_EmptySlot(t *testing.T) {
	r := NewRegistry()
	initiator := newStub()

	if err := r.Create("1234", Metadata{}, initiator); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	peer, err := r.Peer("1234", initiator)
	if err != nil {
		t.Fatalf("an open session is not an error: %v", err)
	}
	if peer != nil {
		t.Errorf("expected nil peer for an open session, got %v", peer)
	}
}

func TestPeer_UnknownPin(t *testing.T) {
	r := NewRegistry()

	_, err := r.Peer("9999", newStub())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRemoveByEndpoint_EitherRole(t *testing.T) {
	r := NewRegistry()
	initiator := newStub()
	receiver := newStub()

	if err := r.Create("1234", Metadata{}, initiator); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, _, err := r.Join("1234", receiver); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	pins := r.RemoveByEndpoint(receiver)
	if len(pins) != 1 || pins[0] != "1234" {
		t.Fatalf("expected removal of pin 1234, got %v", pins)
	}
	if _, err := r.Peer("1234", initiator); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session should be gone after endpoint removal, got %v", err)
	}

	// The other endpoint is no longer bound to anything.
	if pins := r.RemoveByEndpoint(initiator); len(pins) != 0 {
		t.Errorf("removal must happen exactly once, got %v", pins)
	}
}

func TestRemoveByEndpoint_Unbound(t *testing.T) {
	r := NewRegistry()

	if pins := r.RemoveByEndpoint(newStub()); len(pins) != 0 {
		t.Errorf("expected no removal, got %v", pins)
	}
}

func TestRemoveByEndpoint_MultipleSessions(t *testing.T) {
	r := NewRegistry()
	ep := newStub()

	if err := r.Create("1111", Metadata{}, ep); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.Create("2222", Metadata{}, ep); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	pins := r.RemoveByEndpoint(ep)
	if len(pins) != 2 {
		t.Fatalf("expected both sessions removed, got %v", pins)
	}
	if n := r.Count(); n != 0 {
		t.Errorf("registry should be empty, have %d sessions", n)
	}
}

// ---------------------------------------------------------------------------
// Expiry sweep
// ---------------------------------------------------------------------------

func TestSweepExpired_Boundary(t *testing.T) {
	r := NewRegistry()
	maxAge := 1 * time.Hour

	if err := r.Create("1234", Metadata{}, newStub()); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	created := time.Now()

	// Just before the boundary the session survives.
	removed := r.SweepExpired(maxAge, created.Add(maxAge-time.Second))
	if len(removed) != 0 {
		t.Fatalf("session expired early: %v", removed)
	}

	// At or past the boundary it is evicted.
	removed = r.SweepExpired(maxAge, created.Add(maxAge+time.Second))
	if len(removed) != 1 || removed[0] != "1234" {
		t.Fatalf("expected [1234] removed, got %v", removed)
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d sessions", r.Count())
	}
}

func TestSweepExpired_OnlyStale(t *testing.T) {
	r := NewRegistry()
	maxAge := 1 * time.Hour

	for i := 0; i < 5; i++ {
		if err := r.Create(fmt.Sprintf("pin-%d", i), Metadata{}, newStub()); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	// A sweep "now" leaves everything in place; a sweep far in the future
	// clears the registry.
	if removed := r.SweepExpired(maxAge, time.Now()); len(removed) != 0 {
		t.Fatalf("fresh sessions swept: %v", removed)
	}
	removed := r.SweepExpired(maxAge, time.Now().Add(2*time.Hour))
	if len(removed) != 5 {
		t.Fatalf("expected 5 removals, got %d", len(removed))
	}
}

// ---------------------------------------------------------------------------
// Race properties: concurrent create and join resolve to exactly one winner
// ---------------------------------------------------------------------------

func TestCreate_ConcurrentOneWinner(t *testing.T) {
	r := NewRegistry()
	const racers = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Create("1234", Metadata{}, newStub()); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 winning create, got %d", winners)
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Count())
	}
}

func TestJoin_ConcurrentOneWinner(t *testing.T) {
	r := NewRegistry()
	if err := r.Create("1234", Metadata{}, newStub()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners, losers := 0, 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Join("1234", newStub())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrSessionFull):
				losers++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 winning join, got %d", winners)
	}
	if losers != racers-1 {
		t.Fatalf("expected %d ErrSessionFull losers, got %d", racers-1, losers)
	}
}
