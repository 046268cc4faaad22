package ws

import (
	"testing"

	"github.com/pindrop/signal-server/internal/protocol"
)

func TestDispatch_RoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher()
	conn := &Connection{ID: "test-conn"}

	var gotMsg interface{}
	var gotRaw []byte
	d.Register(protocol.TypeJoinSession, func(c *Connection, msg interface{}, raw []byte) {
		if c != conn {
			t.Errorf("handler received wrong connection: %v", c)
		}
		gotMsg = msg
		gotRaw = raw
	})

	input := []byte(`{"type":"join-session","pin":"1234"}`)
	d.Dispatch(conn, input)

	jm, ok := gotMsg.(protocol.JoinSessionMsg)
	if !ok {
		t.Fatalf("expected JoinSessionMsg, got %T", gotMsg)
	}
	if jm.Pin != "1234" {
		t.Errorf("expected pin %q, got %q", "1234", jm.Pin)
	}
	if string(gotRaw) != string(input) {
		t.Errorf("raw frame not preserved: %s", gotRaw)
	}
}

func TestDispatch_MalformedFrameIsDropped(t *testing.T) {
	d := NewMessageDispatcher()
	conn := &Connection{ID: "test-conn"}

	called := false
	d.Register(protocol.TypeCreateSession, func(c *Connection, msg interface{}, raw []byte) {
		called = true
	})

	// Neither of these may reach a handler or panic; the connection stays up.
	d.Dispatch(conn, []byte(`{not json`))
	d.Dispatch(conn, []byte(`{"no":"type field"}`))

	if called {
		t.Fatal("malformed frames must not reach handlers")
	}
}

func TestDispatch_UnrecognizedTypeIsIgnored(t *testing.T) {
	d := NewMessageDispatcher()
	conn := &Connection{ID: "test-conn"}

	called := false
	d.Register(protocol.TypeCreateSession, func(c *Connection, msg interface{}, raw []byte) {
		called = true
	})

	d.Dispatch(conn, []byte(`{"type":"transfer-complete","pin":"1234"}`))

	if called {
		t.Fatal("unrecognized types must not reach handlers")
	}
}
