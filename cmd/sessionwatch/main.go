// sessionwatch tails the session lifecycle subjects on NATS and logs every
// event, with a periodic summary of activity. It is an operational tool: the
// signal server itself never notifies expired sessions over the protocol, so
// this tail is the only live view of reaper evictions.
package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pindrop/signal-server/internal/events"
)

const summaryInterval = 1 * time.Minute

func main() {
	log.Println("starting pindrop session watcher...")

	eventsConfig := events.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		eventsConfig.URL = v
	}
	eventsConfig.Name = "pindrop-sessionwatch"

	client, err := events.NewClient(eventsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	var created, paired, closed atomic.Int64

	_, err = client.SubscribeSessionEvents(func(subject string, data []byte) {
		var ev events.SessionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[watch] failed to unmarshal %s: %v", subject, err)
			return
		}

		switch subject {
		case events.SubjectSessionCreated:
			created.Add(1)
			log.Printf("[watch] created pin=%s file=%q size=%d", ev.Pin, ev.FileName, ev.FileSize)
		case events.SubjectSessionPaired:
			paired.Add(1)
			log.Printf("[watch] paired  pin=%s", ev.Pin)
		case events.SubjectSessionClosed:
			closed.Add(1)
			log.Printf("[watch] closed  pin=%s reason=%s", ev.Pin, ev.Reason)
		default:
			log.Printf("[watch] %s pin=%s", subject, ev.Pin)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to session events: %v", err)
	}

	go func() {
		ticker := time.NewTicker(summaryInterval)
		defer ticker.Stop()
		for range ticker.C {
			log.Printf("[watch] summary created=%d paired=%d closed=%d",
				created.Load(), paired.Load(), closed.Load())
		}
	}()

	log.Printf("pindrop session watcher running")
	log.Printf("  nats_url: %s", eventsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	client.Close()
}
