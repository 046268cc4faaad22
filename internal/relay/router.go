// Package relay routes signaling traffic between the two endpoints of a
// session. It is a stateless-per-message dispatcher over the session
// registry: control messages (create-session, join-session) mutate registry
// state, and negotiation payloads (offer, answer, ice-candidate) are
// forwarded verbatim to the session's other endpoint.
package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/pindrop/signal-server/internal/events"
	"github.com/pindrop/signal-server/internal/metrics"
	"github.com/pindrop/signal-server/internal/protocol"
	"github.com/pindrop/signal-server/internal/ratelimit"
	"github.com/pindrop/signal-server/internal/session"
	"github.com/pindrop/signal-server/internal/ws"
)

// Router interprets inbound control messages, drives registry operations, and
// forwards signaling payloads to the session peer. It holds no per-message
// state of its own; the registry is the single source of truth.
type Router struct {
	registry *session.Registry
	events   *events.Client     // nil when NATS is not configured
	limiter  *ratelimit.Limiter // nil when Redis is not configured
}

// NewRouter creates a Router over the given registry. The events client and
// rate limiter are optional; pass nil to disable them.
func NewRouter(registry *session.Registry, ev *events.Client, limiter *ratelimit.Limiter) *Router {
	return &Router{
		registry: registry,
		events:   ev,
		limiter:  limiter,
	}
}

// Bind registers the router's handlers for every client message type on the
// dispatcher.
func (rt *Router) Bind(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeCreateSession, func(c *ws.Connection, msg interface{}, raw []byte) {
		if m, ok := msg.(protocol.CreateSessionMsg); ok {
			rt.CreateSession(c, m)
		}
	})
	d.Register(protocol.TypeJoinSession, func(c *ws.Connection, msg interface{}, raw []byte) {
		if m, ok := msg.(protocol.JoinSessionMsg); ok {
			rt.JoinSession(c, m)
		}
	})
	for _, msgType := range []string{protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate} {
		d.Register(msgType, func(c *ws.Connection, msg interface{}, raw []byte) {
			if m, ok := msg.(protocol.SignalMsg); ok {
				rt.Relay(c, m, raw)
			}
		})
	}
}

// CreateSession handles create-session: it inserts a new open session keyed
// by the requested pin with ep as initiator, replying session-created on
// success and pin-taken when a live session already holds the pin.
func (rt *Router) CreateSession(ep session.Endpoint, m protocol.CreateSessionMsg) {
	meta := session.Metadata{FileName: m.FileName, FileSize: m.FileSize}

	if err := rt.registry.Create(m.Pin, meta, ep); err != nil {
		metrics.SessionsCreated.WithLabelValues("pin_taken").Inc()
		log.Printf("[relay] create rejected pin=%s: %v", m.Pin, err)
		rt.reply(ep, protocol.TypePinTaken, protocol.PinTakenMsg{})
		return
	}

	metrics.SessionsCreated.WithLabelValues("created").Inc()
	metrics.ActiveSessions.Set(float64(rt.registry.Count()))
	if rt.events != nil {
		rt.events.PublishSessionCreated(m.Pin, m.FileName, m.FileSize)
	}
	log.Printf("[relay] session created pin=%s file=%q size=%d", m.Pin, m.FileName, m.FileSize)

	rt.reply(ep, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		Pin:      m.Pin,
		FileName: m.FileName,
		FileSize: m.FileSize,
	})
}

// JoinSession handles join-session: it binds ep as the session's receiver,
// replying session-joined to the joiner and notifying the initiator with
// receiver-joined. Failures reply session-not-found or session-full. Of two
// racing joiners exactly one receives session-joined; the registry's
// compare-and-set decides the winner.
func (rt *Router) JoinSession(ep session.Endpoint, m protocol.JoinSessionMsg) {
	meta, createdAt, err := rt.registry.Join(m.Pin, ep)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		metrics.SessionsJoined.WithLabelValues("not_found").Inc()
		rt.reply(ep, protocol.TypeSessionNotFound, protocol.SessionNotFoundMsg{})
		return
	case errors.Is(err, session.ErrSessionFull):
		metrics.SessionsJoined.WithLabelValues("full").Inc()
		log.Printf("[relay] join rejected pin=%s: session already paired", m.Pin)
		rt.reply(ep, protocol.TypeSessionFull, protocol.SessionFullMsg{})
		return
	}

	metrics.SessionsJoined.WithLabelValues("joined").Inc()
	metrics.PairingDelay.Observe(time.Since(createdAt).Seconds())
	if rt.events != nil {
		rt.events.PublishSessionPaired(m.Pin)
	}
	log.Printf("[relay] session paired pin=%s", m.Pin)

	rt.reply(ep, protocol.TypeSessionJoined, protocol.SessionJoinedMsg{
		FileName: meta.FileName,
		FileSize: meta.FileSize,
	})

	// The joiner's opposite endpoint is the initiator.
	initiator, err := rt.registry.Peer(m.Pin, ep)
	if err != nil || initiator == nil {
		// The session vanished between join and notify (disconnect or
		// expiry race); the joiner will find out on its next message.
		log.Printf("[relay] initiator unavailable for receiver-joined pin=%s", m.Pin)
		return
	}
	rt.reply(initiator, protocol.TypeReceiverJoined, protocol.ReceiverJoinedMsg{
		FileName: meta.FileName,
		FileSize: meta.FileSize,
	})
}

// Relay handles offer, answer, and ice-candidate: it resolves the sender's
// session peer and forwards the original frame verbatim. An unknown pin gets
// session-not-found; an unavailable peer (empty slot or closed channel) is a
// silent drop, logged but never surfaced to the sender.
func (rt *Router) Relay(ep session.Endpoint, m protocol.SignalMsg, raw []byte) {
	if rt.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		allowed, _ := rt.limiter.Allow(ctx, m.Pin, ratelimit.RuleSignal)
		cancel()
		if !allowed {
			metrics.FramesRelayed.WithLabelValues("limited").Inc()
			log.Printf("[relay] signaling flood on pin=%s, dropping %s", m.Pin, m.Type)
			return
		}
	}

	peer, err := rt.registry.Peer(m.Pin, ep)
	if err != nil {
		rt.reply(ep, protocol.TypeSessionNotFound, protocol.SessionNotFoundMsg{})
		return
	}

	if deliver(peer, raw) {
		metrics.FramesRelayed.WithLabelValues("forwarded").Inc()
		return
	}
	metrics.FramesRelayed.WithLabelValues("dropped").Inc()
	log.Printf("[relay] peer unavailable pin=%s, dropping %s", m.Pin, m.Type)
}

// Disconnected tears down every session bound to ep. It is invoked by the
// transport layer exactly once per closed connection, so an orphaned peer is
// never left bound to a session with a dead endpoint.
func (rt *Router) Disconnected(ep session.Endpoint) {
	pins := rt.registry.RemoveByEndpoint(ep)
	if len(pins) == 0 {
		return
	}

	metrics.ActiveSessions.Set(float64(rt.registry.Count()))
	for _, pin := range pins {
		if rt.events != nil {
			rt.events.PublishSessionClosed(pin, events.ReasonDisconnect)
		}
		log.Printf("[relay] session removed pin=%s (endpoint disconnected)", pin)
	}
}

// reply builds a server message and delivers it best-effort. A failed reply
// is logged and forgotten; no error condition in the relay terminates a
// connection.
func (rt *Router) reply(ep session.Endpoint, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[relay] failed to build %s: %v", msgType, err)
		return
	}
	if !deliver(ep, data) {
		log.Printf("[relay] failed to send %s: endpoint unavailable", msgType)
	}
}

// deliver writes data to ep if its channel is still open. It reports whether
// the frame was handed to the connection; callers treat false as "dropped",
// never as a fault.
func deliver(ep session.Endpoint, data []byte) bool {
	if ep == nil || !ep.Open() {
		return false
	}
	return ep.WriteMessage(data) == nil
}
