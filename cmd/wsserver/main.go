package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/relay"
	"github.com/parley/chat-app/internal/ws"
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

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis presence ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	presenceStore, err := presence.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	limiter := ratelimit.NewLimiter(presenceStore.Client())

	// --- Auth (optional) ---
	// With AUTH_SECRET set, setup requires a valid token; without it the
	// participant id in the setup payload is trusted as-is.
	var validator *auth.Validator
	if secret := os.Getenv("AUTH_SECRET"); secret != "" {
		validator = auth.NewValidator(secret)
	}

	// --- Membership enforcement (optional) ---
	// With DATABASE_URL set, "join room" is checked against the chat
	// membership table; without it the caller is trusted to have validated
	// membership upstream.
	relayConfig := relay.DefaultConfig()
	if v := os.Getenv("TYPING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			relayConfig.TypingTimeout = d
		}
	}
	var db *sql.DB
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			cancel()
			log.Fatalf("failed to ping postgres: %v", err)
		}
		cancel()
		relayConfig.Checker = message.NewStore(db)
	}

	core := relay.New(relayConfig)

	log.Printf("Parley relay server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  auth:            %v", validator != nil)
	log.Printf("  membership:      %v", relayConfig.Checker != nil)

	dispatcher := ws.NewMessageDispatcher()

	// -----------------------------------------------------------------------
	// setup — bind the connection to a participant identity
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSetup, func(conn *ws.Connection, msg interface{}) {
		setupMsg, ok := msg.(protocol.SetupMsg)
		if !ok {
			return
		}

		participantID := setupMsg.ParticipantID
		if validator != nil {
			subject, err := validator.Validate(setupMsg.Token)
			if err != nil {
				log.Printf("setup rejected conn=%s: %v", conn.ID(), err)
				sendError(conn, "unauthorized", "invalid credential")
				return
			}
			if participantID != "" && participantID != subject {
				sendError(conn, "unauthorized", "token subject mismatch")
				return
			}
			participantID = subject
		}

		if err := core.HandleSetup(conn, participantID); err != nil {
			sendError(conn, "invalid_setup", "missing participant id")
			return
		}
		conn.BindParticipant(participantID)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := presenceStore.Bind(ctx, conn.ID(), participantID); err != nil {
			log.Printf("presence bind failed conn=%s: %v", conn.ID(), err)
		}

		log.Printf("setup conn=%s participant=%s", conn.ID(), participantID)
	})

	// -----------------------------------------------------------------------
	// join room — subscribe the connection to a conversation room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinRoomMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		switch err := core.HandleJoinRoom(ctx, conn, joinMsg.ChatID); {
		case err == nil:
			log.Printf("join room conn=%s chat=%s", conn.ID(), joinMsg.ChatID)
		case errors.Is(err, relay.ErrNotSetUp):
			sendError(conn, "not_set_up", "setup required before joining rooms")
		case errors.Is(err, relay.ErrNoConversation):
			sendError(conn, "invalid_room", "missing chat id")
		case errors.Is(err, relay.ErrNotAMember):
			sendError(conn, "not_a_member", "not a member of this chat")
		default:
			sendError(conn, "join_failed", "could not join room")
		}
	})

	// -----------------------------------------------------------------------
	// typing / stop typing — relay typing indicators
	// -----------------------------------------------------------------------
	typingHandler := func(isTyping bool) ws.MessageHandler {
		return func(conn *ws.Connection, msg interface{}) {
			typingMsg, ok := msg.(protocol.TypingMsg)
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if allowed, _ := limiter.Allow(ctx, conn.ID(), ratelimit.RuleTyping); !allowed {
				return // silently drop, typing is best-effort anyway
			}

			core.HandleTyping(conn, typingMsg.ChatID, isTyping)
		}
	}
	dispatcher.Register(protocol.TypeTyping, typingHandler(true))
	dispatcher.Register(protocol.TypeStopTyping, typingHandler(false))

	// -----------------------------------------------------------------------
	// new message — fan out an already-persisted message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeNewMessage, func(conn *ws.Connection, msg interface{}) {
		newMsg, ok := msg.(protocol.NewMessageMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if allowed, _ := limiter.Allow(ctx, conn.ID(), ratelimit.RuleMessage); !allowed {
			sendError(conn, "rate_limited", "too many messages")
			return
		}

		event := newMsg.Message
		if event.Sender == "" {
			event.Sender = conn.Participant()
		}

		delivered := core.HandleNewMessage(conn, event)
		log.Printf("new message conn=%s chat=%s recipients=%d",
			conn.ID(), event.Chat.ID, delivered)
	})

	// NATS bridge: messages persisted through the REST API are fanned out
	// here too, so recipients get them even if the sender never emits the
	// socket event. The relay dedupes by message id across both paths.
	if err := natsClient.SubscribeMessages(func(data []byte) {
		var event protocol.MessageEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[nats] bad message event: %v", err)
			return
		}
		core.FanOutMessage(event)
	}); err != nil {
		log.Fatalf("failed to subscribe to message events: %v", err)
	}

	server := ws.NewServer(config, presenceStore, dispatcher.Dispatch)

	server.SetUpgradeGate(func(remoteAddr string) bool {
		host, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			host = remoteAddr
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		allowed, _ := limiter.Allow(ctx, host, ratelimit.RuleConnect)
		return allowed
	})

	server.SetOnDisconnect(func(conn *ws.Connection) {
		core.HandleDisconnect(conn)
		log.Printf("disconnect cleanup conn=%s participant=%s", conn.ID(), conn.Participant())
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if db != nil {
			_ = db.Close()
		}
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// sendError sends a structured error event back to the client.
func sendError(conn *ws.Connection, code, msg string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: msg,
	})
	if err != nil {
		log.Printf("failed to build error event conn=%s: %v", conn.ID(), err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("failed to send error event conn=%s: %v", conn.ID(), err)
	}
}
