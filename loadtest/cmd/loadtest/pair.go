package main

import (
	"context"
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

// runPair implements the session pairing load test. It creates pairs of
// simulated peers where the initiator registers a pin and the receiver joins
// it. This test measures pairing throughput and the latency from join-session
// to the initiator learning about its peer.
func runPair(args []string) {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of peer pairs to pair up")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	pairTimeout := fs.Duration("pair-timeout", 30*time.Second, "Timeout waiting for receiver-joined")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Pair test: %d pairs (%d clients) to %s (ramp=%s, pair-timeout=%s, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *pairTimeout, *concurrency)

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

	// Track whether ramp-up was interrupted so we can skip the pairing phase.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect all peers
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all peers ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, totalClients, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

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
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := len(clients)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted || connectedCount < 2 {
		fmt.Println("Interrupted — skipping pairing phases.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Pair up: initiators create sessions, receivers join
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Pair up ---")

	// Counters for tracking pairing progress.
	var createdCount atomic.Int64 // Number of initiators that received session-created
	var pairedCount atomic.Int64  // Number of initiators that received receiver-joined

	// WaitGroup for all pair goroutines.
	var pairWg sync.WaitGroup

	mu.Lock()
	activeClients := make([]*client.Client, len(clients))
	copy(activeClients, clients)
	mu.Unlock()

	// Pin space is shared with any sessions left over from earlier runs, so
	// offset pins by the wall clock to keep them fresh.
	pinBase := time.Now().UnixNano() % 1_000_000

	availablePairs := len(activeClients) / 2
	fmt.Printf("Pairing %d initiator/receiver pairs...\n", availablePairs)

	pairStart := time.Now()

	for i := 0; i < availablePairs; i++ {
		initiator := activeClients[i*2]
		receiver := activeClients[i*2+1]
		pin := fmt.Sprintf("%06d", (pinBase+int64(i))%1_000_000)

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			created := initiator.WaitFor(client.TypeSessionCreated)
			peerJoined := initiator.WaitFor(client.TypeReceiverJoined)
			joined := receiver.WaitFor(client.TypeSessionJoined)

			timeoutTimer := time.NewTimer(*pairTimeout)
			defer timeoutTimer.Stop()

			if err := initiator.CreateSession(pin, "loadtest.bin", 1<<20); err != nil {
				collector.AddError()
				return
			}

			select {
			case <-created:
				createdCount.Add(1)
			case <-timeoutTimer.C:
				collector.AddError()
				return
			case <-ctx.Done():
				return
			}

			joinSent := time.Now()
			if err := receiver.JoinSession(pin); err != nil {
				collector.AddError()
				return
			}

			// Both sides must learn about the pairing.
			select {
			case <-joined:
			case <-timeoutTimer.C:
				collector.AddError()
				return
			case <-ctx.Done():
				return
			}

			select {
			case <-peerJoined:
				collector.AddPairLatency(time.Since(joinSent))
				pairedCount.Add(1)
			case <-timeoutTimer.C:
				collector.AddError()
			case <-ctx.Done():
			}
		}()
	}

	// -----------------------------------------------------------------------
	// Phase 3 — Wait for pairings with progress reporting
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Waiting for pairings ---")

	pairProgressStop := make(chan struct{})
	var pairProgressWg sync.WaitGroup
	pairProgressWg.Add(1)
	go func() {
		defer pairProgressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastPaired := int64(0)
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentCreated := createdCount.Load()
				currentPaired := pairedCount.Load()
				currentErrors := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				pairRate := float64(currentPaired-lastPaired) / dt
				fmt.Printf("  [pair] created: %d  paired: %d/%d  errors: %d  rate: %.1f pair/s\n",
					currentCreated, currentPaired, availablePairs, currentErrors, pairRate)
				lastPaired = currentPaired
				lastTime = now
			case <-pairProgressStop:
				return
			}
		}
	}()

	// Wait for all pair goroutines to complete (paired or timeout).
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted during pairing phase.")
	}

	close(pairProgressStop)
	pairProgressWg.Wait()

	pairElapsed := time.Since(pairStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	finalCreated := createdCount.Load()
	finalPaired := pairedCount.Load()

	fmt.Printf("\n--- Pair Results ---\n")
	fmt.Printf("Sessions created:  %d / %d\n", finalCreated, availablePairs)
	fmt.Printf("Pairs completed:   %d / %d\n", finalPaired, availablePairs)
	fmt.Printf("Pair duration:     %s\n", pairElapsed.Round(time.Millisecond))
	if pairElapsed.Seconds() > 0 {
		fmt.Printf("Pair throughput:   %.1f pairs/s\n", float64(finalPaired)/pairElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	total := len(clients)
	fmt.Printf("Closing %d connections...\n", total)
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()
	fmt.Println("All connections closed.")
}
