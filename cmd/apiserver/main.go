package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/protocol"
)

type apiServer struct {
	store     *message.Store
	validator *auth.Validator
	nats      *messaging.Client
}

func main() {
	listenAddr := ":8090"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		listenAddr = v
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatalf("DATABASE_URL is required")
	}

	secret := os.Getenv("AUTH_SECRET")
	if secret == "" {
		log.Fatalf("AUTH_SECRET is required")
	}

	migrationsURL := "file://migrations"
	if v := os.Getenv("MIGRATIONS_URL"); v != "" {
		migrationsURL = v
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("failed to ping postgres: %v", err)
	}
	cancel()

	if err := message.Migrate(db, migrationsURL); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	api := &apiServer{
		store:     message.NewStore(db),
		validator: auth.NewValidator(secret),
		nats:      natsClient,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", api.requireAuth(api.handleCreateChat))
	mux.HandleFunc("POST /api/message", api.requireAuth(api.handleSendMessage))
	mux.HandleFunc("GET /api/message/{chatId}", api.requireAuth(api.handleListMessages))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("Parley API server starting")
	log.Printf("  listen_addr: %s", listenAddr)
	log.Printf("  nats_url:    %s", natsConfig.URL)
	log.Printf("  migrations:  %s", migrationsURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

type ctxKey int

const participantKey ctxKey = 0

// requireAuth validates the bearer token and stores the participant id in
// the request context.
func (a *apiServer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		participantID, err := a.validator.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credential")
			return
		}

		ctx := context.WithValue(r.Context(), participantKey, participantID)
		next(w, r.WithContext(ctx))
	}
}

func participantFrom(r *http.Request) string {
	id, _ := r.Context().Value(participantKey).(string)
	return id
}

type createChatRequest struct {
	Name         string   `json:"name"`
	IsGroup      bool     `json:"is_group"`
	Participants []string `json:"participants"`
}

func (a *apiServer) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Participants) == 0 {
		writeError(w, http.StatusBadRequest, "participants are required")
		return
	}

	// The creator is always a member.
	creator := participantFrom(r)
	members := req.Participants
	found := false
	for _, id := range members {
		if id == creator {
			found = true
			break
		}
	}
	if !found {
		members = append(members, creator)
	}

	chatID, err := a.store.CreateChat(r.Context(), req.Name, req.IsGroup, members)
	if err != nil {
		log.Printf("create chat failed: %v", err)
		writeError(w, http.StatusInternalServerError, "could not create chat")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":           chatID,
		"name":         req.Name,
		"is_group":     req.IsGroup,
		"participants": members,
	})
}

type sendMessageRequest struct {
	ChatID     string `json:"chat_id"`
	Body       string `json:"content"`
	Attachment string `json:"attachment"`
}

// handleSendMessage persists a message, then publishes the fan-out event.
// The durable write always completes first; a publish failure is logged but
// does not fail the request, since the sender's client also emits the socket
// event after a 2xx response.
func (a *apiServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	senderID := participantFrom(r)

	msg, err := a.store.CreateMessage(r.Context(), senderID, req.ChatID, req.Body, req.Attachment)
	switch {
	case err == nil:
	case errors.Is(err, message.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message is empty")
		return
	case errors.Is(err, message.ErrNotAMember):
		writeError(w, http.StatusForbidden, "not a member of this chat")
		return
	case errors.Is(err, message.ErrBodyTooLong):
		writeError(w, http.StatusBadRequest, "message body too long")
		return
	default:
		log.Printf("create message failed: %v", err)
		writeError(w, http.StatusInternalServerError, "could not send message")
		return
	}

	participants, err := a.store.ChatParticipants(r.Context(), req.ChatID)
	if err != nil {
		log.Printf("load participants failed chat=%s: %v", req.ChatID, err)
		participants = nil
	}

	event := protocol.MessageEvent{
		ID:     msg.ID,
		Sender: msg.SenderID,
		Chat: protocol.ChatRef{
			ID:           msg.ChatID,
			Participants: participants,
		},
		Body:       msg.Body,
		Attachment: msg.Attachment,
		Ts:         msg.CreatedAt.UnixMilli(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal message event failed id=%s: %v", msg.ID, err)
	} else if err := a.nats.PublishMessage(msg.ChatID, data); err != nil {
		log.Printf("publish message event failed id=%s: %v", msg.ID, err)
	}

	writeJSON(w, http.StatusCreated, messageResponse(msg))
}

func (a *apiServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatId")

	member, err := a.store.IsMember(r.Context(), chatID, participantFrom(r))
	if err != nil {
		log.Printf("membership check failed chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a member of this chat")
		return
	}

	messages, err := a.store.ListMessages(r.Context(), chatID)
	if err != nil {
		log.Printf("list messages failed chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}

	out := make([]map[string]interface{}, 0, len(messages))
	for i := range messages {
		out = append(out, messageResponse(&messages[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func messageResponse(m *message.Message) map[string]interface{} {
	return map[string]interface{}{
		"id":         m.ID,
		"chat_id":    m.ChatID,
		"sender_id":  m.SenderID,
		"content":    m.Body,
		"attachment": m.Attachment,
		"created_at": m.CreatedAt.Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
