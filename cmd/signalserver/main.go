package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pindrop/signal-server/internal/events"
	"github.com/pindrop/signal-server/internal/ratelimit"
	"github.com/pindrop/signal-server/internal/relay"
	"github.com/pindrop/signal-server/internal/session"
	"github.com/pindrop/signal-server/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if dir := os.Getenv("STATIC_DIR"); dir != "" {
		config.StaticDir = dir
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	reaperConfig := session.DefaultReaperConfig()
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			reaperConfig.SweepInterval = d
		}
	}
	if v := os.Getenv("SESSION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			reaperConfig.MaxAge = d
		}
	}

	// --- Redis (optional): per-IP connect throttle and signaling flood guard ---
	var limiter *ratelimit.Limiter
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		limiter = ratelimit.NewLimiter(rdb)
	}

	// --- NATS (optional): session lifecycle events for external observers ---
	var eventsClient *events.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		eventsConfig := events.DefaultConfig()
		eventsConfig.URL = natsURL
		eventsConfig.Name = "pindrop-signalserver"

		var err error
		eventsClient, err = events.NewClient(eventsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	log.Printf("pindrop signal server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  static_dir:      %s", config.StaticDir)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  sweep_interval:  %s", reaperConfig.SweepInterval)
	log.Printf("  session_max_age: %s", reaperConfig.MaxAge)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s", os.Getenv("NATS_URL"))

	registry := session.NewRegistry()
	router := relay.NewRouter(registry, eventsClient, limiter)

	dispatcher := ws.NewMessageDispatcher()
	router.Bind(dispatcher)

	server := ws.NewServer(config, limiter, dispatcher.Dispatch)
	server.SetOnDisconnect(func(c *ws.Connection) {
		router.Disconnected(c)
	})

	// Background expiry of stale sessions.
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go session.StartReaper(reaperCtx, registry, reaperConfig, eventsClient)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		stopReaper()
		if eventsClient != nil {
			eventsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
