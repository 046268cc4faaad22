// Package main implements a standalone end-to-end integration test for the
// pindrop signal server. It validates the full peer journey against a running
// server: health checks, WebSocket handshake, session pairing by pin,
// offer/answer/candidate relay, error replies, and disconnect teardown.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pindrop/signal-server/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Pindrop E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially. Pins are derived from the wall clock so
	// reruns against a long-lived server never collide with stale sessions.
	pinBase := time.Now().UnixNano() % 900_000

	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2PairAndRelay(ctx, *wsURL, pin(pinBase, 0)))
	results = append(results, scenario3PinCollision(ctx, *wsURL, pin(pinBase, 1)))
	results = append(results, scenario4JoinErrors(ctx, *wsURL, pin(pinBase, 2)))
	results = append(results, scenario5RelayErrors(ctx, *wsURL, pin(pinBase, 3)))
	results = append(results, scenario6MalformedFrames(ctx, *wsURL, pin(pinBase, 4)))
	results = append(results, scenario7DisconnectTeardown(ctx, *wsURL, pin(pinBase, 5)))

	// -----------------------------------------------------------------------
	// Summary
	// -----------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

func pin(base, offset int64) string {
	return fmt.Sprintf("%06d", (base+offset)%1_000_000)
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /healthz
	if err := httpGetExpectOK(ctx, apiBase+"/healthz"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/healthz: %v", err)}
	}

	// 1b. /metrics — expect Prometheus text with pindrop_connections_active.
	body, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(body), "pindrop_connections_active") {
		return scenarioResult{name, resultFail, "/metrics missing pindrop_connections_active"}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 2: Pair and Relay (happy path)
// ---------------------------------------------------------------------------

func scenario2PairAndRelay(ctx context.Context, wsURL, pin string) scenarioResult {
	name := "Scenario 2: Pair and Relay"

	initiator, err := client.New(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("initiator dial: %v", err)}
	}
	defer initiator.Close()

	receiver, err := client.New(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("receiver dial: %v", err)}
	}
	defer receiver.Close()

	created := initiator.WaitFor(client.TypeSessionCreated)
	peerJoined := initiator.WaitFor(client.TypeReceiverJoined)
	joined := receiver.WaitFor(client.TypeSessionJoined)
	offerRecv := receiver.WaitFor(client.TypeOffer)
	answerRecv := initiator.WaitFor(client.TypeAnswer)

	// Create and verify the echo carries the metadata back.
	if err := initiator.CreateSession(pin, "holiday.zip", 50_000_000); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create-session: %v", err)}
	}
	raw, err := awaitRaw(ctx, created, 5*time.Second)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-created: %v", err)}
	}
	var createdMsg struct {
		Pin      string `json:"pin"`
		FileName string `json:"fileName"`
		FileSize int64  `json:"fileSize"`
	}
	if err := json.Unmarshal(raw, &createdMsg); err != nil || createdMsg.Pin != pin || createdMsg.FileName != "holiday.zip" {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-created echo mismatch: %s", raw)}
	}

	// Join and verify both sides learn about the pairing.
	if err := receiver.JoinSession(pin); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("join-session: %v", err)}
	}
	raw, err = awaitRaw(ctx, joined, 5*time.Second)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-joined: %v", err)}
	}
	var joinedMsg struct {
		FileName string `json:"fileName"`
		FileSize int64  `json:"fileSize"`
	}
	if err := json.Unmarshal(raw, &joinedMsg); err != nil || joinedMsg.FileSize != 50_000_000 {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-joined metadata mismatch: %s", raw)}
	}
	if _, err := awaitRaw(ctx, peerJoined, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("receiver-joined: %v", err)}
	}

	// Relay an offer, verifying the extra payload fields survive untouched.
	if err := initiator.SendSignal(client.TypeOffer, pin, map[string]interface{}{
		"sdp":    "v=0 e2e offer",
		"extras": map[string]interface{}{"trickle": true},
	}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send offer: %v", err)}
	}
	raw, err = awaitRaw(ctx, offerRecv, 5*time.Second)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("offer relay: %v", err)}
	}
	if !bytes.Contains(raw, []byte(`"trickle":true`)) {
		return scenarioResult{name, resultFail, fmt.Sprintf("offer payload not preserved: %s", raw)}
	}

	// And an answer back the other way.
	if err := receiver.SendSignal(client.TypeAnswer, pin, map[string]interface{}{
		"sdp": "v=0 e2e answer",
	}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send answer: %v", err)}
	}
	if _, err := awaitRaw(ctx, answerRecv, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("answer relay: %v", err)}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 3: Pin Collision
// ---------------------------------------------------------------------------

func scenario3PinCollision(ctx context.Context, wsURL, pin string) scenarioResult {
	name := "Scenario 3: Pin Collision"

	first, err := client.New(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("dial: %v", err)}
	}
	defer first.Close()

	second, err := client.New(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("dial: %v", err)}
	}
	defer second.Close()

	created := first.WaitFor(client.TypeSessionCreated)
	taken := second.WaitFor(client.TypePinTaken)

	if err := first.CreateSession(pin, "a.bin", 1); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create-session: %v", err)}
	}
	if _, err := awaitRaw(ctx, created, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-created: %v", err)}
	}

	if err := second.CreateSession(pin, "b.bin", 2); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("second create-session: %v", err)}
	}
	if _, err := awaitRaw(ctx, taken, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("pin-taken: %v", err)}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 4: Join Errors (unknown pin, full session)
// ---------------------------------------------------------------------------

func scenario4JoinErrors(ctx context.Context, wsURL, pin string) scenarioResult {
	name := "Scenario 4: Join Errors"

	peers := make([]*client.Client, 0, 4)
	defer func() {
		for _, p := range peers {
			p.Close()
		}
	}()
	for i := 0; i < 4; i++ {
		p, err := client.New(ctx, wsURL)
		if err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("dial: %v", err)}
		}
		peers = append(peers, p)
	}
	initiator, receiver, late, stranger := peers[0], peers[1], peers[2], peers[3]

	// 4a. Joining a pin nobody registered yields session-not-found.
	notFound := stranger.WaitFor(client.TypeSessionNotFound)
	if err := stranger.JoinSession("000000"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("join unknown pin: %v", err)}
	}
	if _, err := awaitRaw(ctx, notFound, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-not-found: %v", err)}
	}

	// 4b. A third peer joining a paired session yields session-full.
	created := initiator.WaitFor(client.TypeSessionCreated)
	joined := receiver.WaitFor(client.TypeSessionJoined)
	full := late.WaitFor(client.TypeSessionFull)

	if err := initiator.CreateSession(pin, "c.bin", 3); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create-session: %v", err)}
	}
	if _, err := awaitRaw(ctx, created, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-created: %v", err)}
	}
	if err := receiver.JoinSession(pin); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("join-session: %v", err)}
	}
	if _, err := awaitRaw(ctx, joined, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-joined: %v", err)}
	}

	if err := late.JoinSession(pin); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("late join: %v", err)}
	}
	if _, err := awaitRaw(ctx, full, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-full: %v", err)}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 5: Relay Errors (unknown pin, waiting peer)
// ---------------------------------------------------------------------------

func scenario5RelayErrors(ctx context.Context, wsURL, pin string) scenarioResult {
	name := "Scenario 5: Relay Errors"

	peer, err := client.New(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("dial: %v", err)}
	}
	defer peer.Close()

	// 5a. Signaling on an unregistered pin yields session-not-found.
	notFound := peer.WaitFor(client.TypeSessionNotFound)
	if err := peer.SendSignal(client.TypeOffer, "000000", map[string]interface{}{"sdp": "x"}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("offer unknown pin: %v", err)}
	}
	if _, err := awaitRaw(ctx, notFound, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-not-found: %v", err)}
	}

	// 5b. Signaling before the receiver joins is silently dropped: no error
	// frame comes back and the connection stays usable.
	created := peer.WaitFor(client.TypeSessionCreated)
	if err := peer.CreateSession(pin, "d.bin", 4); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create-session: %v", err)}
	}
	if _, err := awaitRaw(ctx, created, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-created: %v", err)}
	}

	unexpected := peer.WaitFor(client.TypeSessionNotFound)
	if err := peer.SendSignal(client.TypeIceCandidate, pin, map[string]interface{}{"candidate": "x"}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("candidate to empty slot: %v", err)}
	}
	if _, err := awaitRaw(ctx, unexpected, 2*time.Second); err == nil {
		return scenarioResult{name, resultFail, "got an error frame for a waiting-peer drop"}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 6: Malformed Frames
// ---------------------------------------------------------------------------

func scenario6MalformedFrames(ctx context.Context, wsURL, pin string) scenarioResult {
	name := "Scenario 6: Malformed Frames"

	peer, err := client.New(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("dial: %v", err)}
	}
	defer peer.Close()

	// Garbage and unknown types must not close the connection.
	if err := peer.Send(map[string]string{"type": "self-destruct"}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("unknown type: %v", err)}
	}
	if err := peer.Send("not an object"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("non-object frame: %v", err)}
	}

	// The connection is still usable afterwards.
	created := peer.WaitFor(client.TypeSessionCreated)
	if err := peer.CreateSession(pin, "e.bin", 5); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("create-session after garbage: %v", err)}
	}
	if _, err := awaitRaw(ctx, created, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("session-created after garbage: %v", err)}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 7: Disconnect Teardown
// ---------------------------------------------------------------------------

func scenario7DisconnectTeardown(ctx context.Context, wsURL, pin string) scenarioResult {
	name := "Scenario 7: Disconnect Teardown"

	initiator, err := client.New(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("dial: %v", err)}
	}
	// Closed explicitly below.

	receiver, err := client.New(ctx, wsURL)
	if err != nil {
		initiator.Close()
		return scenarioResult{name, resultFail, fmt.Sprintf("dial: %v", err)}
	}
	defer receiver.Close()

	created := initiator.WaitFor(client.TypeSessionCreated)
	joined := receiver.WaitFor(client.TypeSessionJoined)

	if err := initiator.CreateSession(pin, "f.bin", 6); err != nil {
		initiator.Close()
		return scenarioResult{name, resultFail, fmt.Sprintf("create-session: %v", err)}
	}
	if _, err := awaitRaw(ctx, created, 5*time.Second); err != nil {
		initiator.Close()
		return scenarioResult{name, resultFail, fmt.Sprintf("session-created: %v", err)}
	}
	if err := receiver.JoinSession(pin); err != nil {
		initiator.Close()
		return scenarioResult{name, resultFail, fmt.Sprintf("join-session: %v", err)}
	}
	if _, err := awaitRaw(ctx, joined, 5*time.Second); err != nil {
		initiator.Close()
		return scenarioResult{name, resultFail, fmt.Sprintf("session-joined: %v", err)}
	}

	// Drop the initiator; the server should tear the session down once it
	// notices the closed connection. Poll by signaling until session-not-found
	// comes back.
	initiator.Close()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		notFound := receiver.WaitFor(client.TypeSessionNotFound)
		if err := receiver.SendSignal(client.TypeIceCandidate, pin, map[string]interface{}{"candidate": "probe"}); err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("probe send: %v", err)}
		}
		if _, err := awaitRaw(ctx, notFound, 2*time.Second); err == nil {
			return scenarioResult{name, resultPass, ""}
		}
	}

	return scenarioResult{name, resultFail, "session still routable 15s after initiator disconnect"}
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func httpGetExpectOK(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// awaitRaw waits for a raw frame on ch with a bounded timeout.
func awaitRaw(ctx context.Context, ch <-chan json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case raw := <-ch:
		return raw, nil
	case <-timer.C:
		return nil, fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
