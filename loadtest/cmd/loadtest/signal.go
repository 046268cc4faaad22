package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pindrop/signal-server/loadtest/client"
	"github.com/pindrop/signal-server/loadtest/stats"
)

// signalPair bundles the two peers of one signaling exchange.
type signalPair struct {
	initiator *client.Client
	receiver  *client.Client
	pin       string
}

// runSignal implements the full signaling exchange load test. Each simulated
// peer pair goes through the complete flow: connect -> create/join session ->
// offer/answer -> trickle ICE candidates at a fixed interval. Candidates carry
// a send timestamp in their payload so the receiving side can measure relay
// latency; the server never looks inside, so the field rides along untouched.
func runSignal(args []string) {
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of peer pairs for the full exchange")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	exchangeDuration := fs.Duration("exchange-duration", 30*time.Second, "How long each pair trickles candidates")
	candidateInterval := fs.Duration("candidate-interval", 500*time.Millisecond, "Interval between ice-candidate frames per peer")
	pairTimeout := fs.Duration("pair-timeout", 30*time.Second, "Timeout waiting for pairing and offer/answer")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Signal test: %d pairs (%d clients) to %s (ramp=%s, exchange=%s, interval=%s, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *exchangeDuration, *candidateInterval, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup.
	var mu sync.Mutex
	clients := make([]*client.Client, 0, totalClients)

	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect all peers
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all peers ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url)
				if err != nil {
					collector.AddError()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := len(clients)
	mu.Unlock()
	fmt.Printf("Phase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted || connectedCount < 2 {
		fmt.Println("Interrupted — skipping exchange phases.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Pair up and complete the offer/answer handshake
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Pair up and exchange offer/answer ---")

	mu.Lock()
	activeClients := make([]*client.Client, len(clients))
	copy(activeClients, clients)
	mu.Unlock()

	pinBase := time.Now().UnixNano() % 1_000_000
	availablePairs := len(activeClients) / 2

	var readyPairs []signalPair
	var readyMu sync.Mutex
	var setupWg sync.WaitGroup

	for i := 0; i < availablePairs; i++ {
		p := signalPair{
			initiator: activeClients[i*2],
			receiver:  activeClients[i*2+1],
			pin:       fmt.Sprintf("%06d", (pinBase+int64(i))%1_000_000),
		}

		setupWg.Add(1)
		go func() {
			defer setupWg.Done()

			created := p.initiator.WaitFor(client.TypeSessionCreated)
			peerJoined := p.initiator.WaitFor(client.TypeReceiverJoined)
			joined := p.receiver.WaitFor(client.TypeSessionJoined)
			offerRecv := p.receiver.WaitFor(client.TypeOffer)
			answerRecv := p.initiator.WaitFor(client.TypeAnswer)

			timeoutTimer := time.NewTimer(*pairTimeout)
			defer timeoutTimer.Stop()

			if err := p.initiator.CreateSession(p.pin, "loadtest.bin", 1<<20); err != nil {
				collector.AddError()
				return
			}
			if !awaitFrame(ctx, created, timeoutTimer, collector) {
				return
			}

			if err := p.receiver.JoinSession(p.pin); err != nil {
				collector.AddError()
				return
			}
			if !awaitFrame(ctx, joined, timeoutTimer, collector) {
				return
			}
			if !awaitFrame(ctx, peerJoined, timeoutTimer, collector) {
				return
			}

			// Offer/answer handshake through the relay.
			if err := p.initiator.SendSignal(client.TypeOffer, p.pin, map[string]interface{}{
				"sdp": "v=0 loadtest offer",
			}); err != nil {
				collector.AddError()
				return
			}
			if !awaitFrame(ctx, offerRecv, timeoutTimer, collector) {
				return
			}

			if err := p.receiver.SendSignal(client.TypeAnswer, p.pin, map[string]interface{}{
				"sdp": "v=0 loadtest answer",
			}); err != nil {
				collector.AddError()
				return
			}
			if !awaitFrame(ctx, answerRecv, timeoutTimer, collector) {
				return
			}

			readyMu.Lock()
			readyPairs = append(readyPairs, p)
			readyMu.Unlock()
		}()
	}

	setupWg.Wait()
	fmt.Printf("Phase 2 complete: %d/%d pairs through offer/answer (%d errors)\n",
		len(readyPairs), availablePairs, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 3 — Trickle ICE candidates and measure relay latency
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Trickle candidates ---")

	var candidatesSent atomic.Int64
	var candidatesRecv atomic.Int64

	exchangeCtx, exchangeCancel := context.WithTimeout(ctx, *exchangeDuration)
	defer exchangeCancel()

	var exchangeWg sync.WaitGroup
	for _, p := range readyPairs {
		// Both directions trickle simultaneously.
		for _, dir := range []struct {
			from *client.Client
			to   *client.Client
		}{
			{p.initiator, p.receiver},
			{p.receiver, p.initiator},
		} {
			dir.to.On(client.TypeIceCandidate, func(raw json.RawMessage) {
				var msg struct {
					SentAt int64 `json:"sentAt"`
				}
				if err := json.Unmarshal(raw, &msg); err == nil && msg.SentAt > 0 {
					collector.AddRelayLatency(time.Since(time.Unix(0, msg.SentAt)))
				}
				candidatesRecv.Add(1)
			})

			exchangeWg.Add(1)
			go func(from *client.Client, pin string) {
				defer exchangeWg.Done()
				ticker := time.NewTicker(*candidateInterval)
				defer ticker.Stop()
				seq := 0
				for {
					select {
					case <-exchangeCtx.Done():
						return
					case <-ticker.C:
						seq++
						err := from.SendSignal(client.TypeIceCandidate, pin, map[string]interface{}{
							"candidate": fmt.Sprintf("candidate:%d 1 udp 2122260223 192.0.2.1 54555 typ host", seq),
							"sentAt":    time.Now().UnixNano(),
						})
						if err != nil {
							collector.AddError()
							return
						}
						candidatesSent.Add(1)
					}
				}
			}(dir.from, p.pin)
		}
	}

	// Status line every 5 seconds while the exchange runs.
	statusTicker := time.NewTicker(5 * time.Second)
statusLoop:
	for {
		select {
		case <-exchangeCtx.Done():
			break statusLoop
		case <-statusTicker.C:
			fmt.Printf("  [exchange] sent: %d  received: %d  errors: %d\n",
				candidatesSent.Load(), candidatesRecv.Load(), collector.ErrorCount())
		}
	}
	statusTicker.Stop()
	exchangeWg.Wait()

	// Give in-flight frames a moment to arrive before closing.
	time.Sleep(500 * time.Millisecond)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	sent := candidatesSent.Load()
	recv := candidatesRecv.Load()

	fmt.Printf("\n--- Signal Results ---\n")
	fmt.Printf("Pairs exchanged:     %d / %d\n", len(readyPairs), availablePairs)
	fmt.Printf("Candidates sent:     %d\n", sent)
	fmt.Printf("Candidates received: %d\n", recv)
	if sent > 0 {
		fmt.Printf("Delivery rate:       %.2f%%\n", float64(recv)/float64(sent)*100)
	}

	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// awaitFrame waits for a frame on ch, returning false on timeout or
// cancellation. Timeouts count as errors.
func awaitFrame(ctx context.Context, ch <-chan json.RawMessage, timer *time.Timer, collector *stats.Collector) bool {
	select {
	case <-ch:
		return true
	case <-timer.C:
		collector.AddError()
		return false
	case <-ctx.Done():
		return false
	}
}
