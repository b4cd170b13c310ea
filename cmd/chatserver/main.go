package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/studentcorner/corner-chat/internal/api"
	"github.com/studentcorner/corner-chat/internal/chat"
	"github.com/studentcorner/corner-chat/internal/history"
	"github.com/studentcorner/corner-chat/internal/messaging"
	"github.com/studentcorner/corner-chat/internal/metrics"
	"github.com/studentcorner/corner-chat/internal/presence"
	"github.com/studentcorner/corner-chat/internal/protocol"
	"github.com/studentcorner/corner-chat/internal/ratelimit"
	"github.com/studentcorner/corner-chat/internal/session"
	"github.com/studentcorner/corner-chat/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
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
	if v := os.Getenv("SEND_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.SendQueueSize = n
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Durable history (Postgres) ---
	var historyStore *history.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := history.Open(ctx, dsn)
		cancel()
		if err != nil {
			log.Fatalf("failed to open history store: %v", err)
		}
		historyStore = store
	} else {
		log.Printf("POSTGRES_DSN not set, running without durable history")
	}

	// --- Channel ---
	var channel *chat.Channel
	if historyStore != nil {
		channel = chat.NewChannel(historyStore)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		msgs, err := historyStore.LoadAll(ctx)
		cancel()
		if err != nil {
			log.Fatalf("failed to load history: %v", err)
		}
		channel.Seed(msgs)
		log.Printf("loaded %d messages from history", len(msgs))
	} else {
		channel = chat.NewChannel(nil)
	}
	channel.StartSweep(presence.SweepInterval)

	// --- Redis sessions ---
	var sessionStore *session.Store
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		store, err := session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		sessionStore = store
	} else {
		log.Printf("REDIS_ADDR not set, running without session store")
	}

	// --- NATS relay (multi-instance fan-out) ---
	var relay *messaging.Relay
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		relayConfig := messaging.DefaultRelayConfig()
		relayConfig.URL = natsURL
		r, err := messaging.NewRelay(relayConfig, serverName)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		relay = r
	} else {
		log.Printf("NATS_URL not set, running single-instance")
	}

	// Rate limiting shares the session store's Redis pool. Without Redis
	// there is no throttling, matching the rest of the degraded mode.
	var limiter *ratelimit.Limiter
	if sessionStore != nil {
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	// allow reports whether the session is within the rule's limit.
	allow := func(ctx context.Context, sessionID string, rule ratelimit.Rule) bool {
		if limiter == nil {
			return true
		}
		ok, _ := limiter.Allow(ctx, sessionID, rule)
		return ok
	}

	hub := ws.NewHub(config.WriteTimeout)

	// fanout delivers a frame to every local connection and, when the
	// relay is up, to the other instances.
	fanout := func(frame []byte) {
		hub.Broadcast(frame)
		if relay != nil {
			if err := relay.Publish(frame); err != nil {
				log.Printf("relay publish failed: %v", err)
			}
		}
	}

	if relay != nil {
		// Frames from other instances go straight to local connections;
		// the origin already counted and persisted the event.
		if err := relay.Subscribe(func(frame []byte) {
			hub.Broadcast(frame)
		}); err != nil {
			log.Fatalf("failed to subscribe to relay: %v", err)
		}
	}

	log.Printf("corner-chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  send_queue:      %d", config.SendQueueSize)
	log.Printf("  server_name:     %s", serverName)

	dispatcher := ws.NewMessageDispatcher()

	// sendLocalError reflects a failed action back to the actor only.
	sendLocalError := func(conn *ws.Connection, code, message string) {
		frame, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code: code, Message: message,
		})
		if err != nil {
			log.Printf("failed to build error frame: %v", err)
			return
		}
		if err := conn.Enqueue(frame); err != nil {
			log.Printf("failed to send error frame session=%s: %v", conn.ID, err)
		}
	}

	// -----------------------------------------------------------------------
	// message — append to the log, then broadcast created to everyone,
	// including the sender. The sender's own UI reconciles from that frame.
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		publishMsg, ok := msg.(protocol.PublishMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if !allow(ctx, conn.ID, ratelimit.RuleMessage) {
			sendLocalError(conn, "rate_limited", "too many messages, slow down")
			return
		}

		stored, err := channel.Publish(ctx, conn.User, publishMsg.Content)
		if err != nil {
			if err == chat.ErrDuplicateTimestamp {
				// Harmless duplicate send. Drop it without broadcasting.
				log.Printf("duplicate create dropped session=%s", conn.ID)
				return
			}
			sendLocalError(conn, "invalid_message", err.Error())
			return
		}

		frame, err := protocol.NewServerMessage(protocol.TypeCreated, protocol.CreatedMsg{
			Message: stored,
		})
		if err != nil {
			log.Printf("failed to build created frame ts=%d: %v", stored.Timestamp, err)
			return
		}
		metrics.EventsTotal.WithLabelValues("created").Inc()
		fanout(frame)

		if sessionStore != nil {
			if err := sessionStore.Touch(ctx, conn.ID); err != nil {
				log.Printf("session touch failed session=%s: %v", conn.ID, err)
			}
		}
	})

	// -----------------------------------------------------------------------
	// typing — refresh presence, notify everyone but the sender.
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		if _, ok := msg.(protocol.TypingMsg); !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if !allow(ctx, conn.ID, ratelimit.RuleTyping) {
			// Throttled typing signals are dropped silently; the client
			// resends on the next keystroke anyway.
			return
		}

		channel.MarkTyping(conn.User.Username)

		frame, err := protocol.NewServerMessage(protocol.TypeTypingNotice, protocol.TypingNoticeMsg{
			Username: conn.User.Username,
		})
		if err != nil {
			log.Printf("failed to build typing frame: %v", err)
			return
		}
		metrics.EventsTotal.WithLabelValues("typing").Inc()
		hub.BroadcastExcept(conn.ID, frame)
		if relay != nil {
			if err := relay.Publish(frame); err != nil {
				log.Printf("relay publish failed: %v", err)
			}
		}
	})

	apiHandler := api.New(channel, fanout)

	server := ws.NewServer(config, hub, sessionStore, apiHandler, dispatcher.Dispatch)

	server.SetOnDisconnect(func(conn *ws.Connection) {
		// Typing state is left to expire on its own: the participant may
		// still be typing in another tab on another connection.
		log.Printf("disconnect cleanup session=%s user=%s", conn.ID, conn.User.Username)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if relay != nil {
			relay.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		channel.Close()
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if historyStore != nil {
			if err := historyStore.Close(); err != nil {
				log.Printf("history store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
