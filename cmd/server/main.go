// Package main provides the messaging backend server: HTTP write path,
// realtime WebSocket endpoint, and the outbox dispatcher loop in one process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courier-im/courier/internal/auth"
	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/logger"
	"github.com/courier-im/courier/internal/model"
	"github.com/courier-im/courier/internal/realtime"
	"github.com/courier-im/courier/internal/repository"
	"github.com/courier-im/courier/internal/service"
)

const (
	contentTypeJSON  = "Content-Type"
	applicationJSON  = "application/json"
	defaultListLimit = 50
	maxListLimit     = 200
	shutdownTimeout  = 10 * time.Second
	signalBufferSize = 1
	exitCode         = 1
)

// APIServer handles HTTP requests for the message write path and the
// gap-recovery history read.
type APIServer struct {
	messageService service.MessageService
	membershipRepo repository.MembershipRepository
	verifier       *auth.TokenVerifier
}

// NewAPIServer creates a new API server instance.
func NewAPIServer(
	messageService service.MessageService,
	membershipRepo repository.MembershipRepository,
	verifier *auth.TokenVerifier,
) *APIServer {
	return &APIServer{
		messageService: messageService,
		membershipRepo: membershipRepo,
		verifier:       verifier,
	}
}

type sendMessageRequest struct {
	ClientMessageID string `json:"client_message_id"`
	Content         string `json:"content"`
}

// SendMessage handles POST /v1/conversations/{id}/messages.
func (s *APIServer) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	conversationID := r.PathValue("id")
	if !s.requireMembership(w, r, userID, conversationID) {
		return
	}

	var body sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid JSON")

		return
	}

	message, isNew, err := s.messageService.SendMessage(r.Context(), &model.SendMessageParams{
		ConversationID:  conversationID,
		SenderID:        userID,
		ClientMessageID: body.ClientMessageID,
		Content:         body.Content,
	})
	if err != nil {
		writeSendError(w, err)

		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}

	writeData(w, status, message)
}

// ListMessages handles GET /v1/conversations/{id}/messages. It is the read
// path clients use to close gaps the realtime channel missed.
func (s *APIServer) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	conversationID := r.PathValue("id")
	if !s.requireMembership(w, r, userID, conversationID) {
		return
	}

	afterSeq := int64(0)

	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "Invalid after_seq parameter")

			return
		}

		afterSeq = parsed
	}

	limit := defaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			writeError(w, http.StatusBadRequest, "validation_error", "Invalid limit parameter")

			return
		}

		limit = parsed
	}

	messages, err := s.messageService.ListMessages(r.Context(), conversationID, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list messages")

		return
	}

	if messages == nil {
		messages = []*model.Message{}
	}

	writeData(w, http.StatusOK, messages)
}

// HealthCheck handles GET /health endpoint for service health check.
func (*APIServer) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *APIServer) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := ""

	authHeader := r.Header.Get("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		token = strings.TrimSpace(authHeader[7:])
	}

	userID, err := s.verifier.Verify(token)
	if err != nil {
		code := "unauthorized"
		if errors.Is(err, model.ErrTokenExpired) {
			code = "token_expired"
		}

		writeError(w, http.StatusUnauthorized, code, "Authentication required")

		return "", false
	}

	return userID, true
}

func (s *APIServer) requireMembership(w http.ResponseWriter, r *http.Request, userID, conversationID string) bool {
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "conversation id is required")

		return false
	}

	memberships, err := s.membershipRepo.MemberConversations(r.Context(), userID, []string{conversationID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "Membership verification unavailable")

		return false
	}

	if !memberships[conversationID] {
		writeError(w, http.StatusForbidden, "forbidden_conversation", "Not a member of this conversation")

		return false
	}

	return true
}

func writeSendError(w http.ResponseWriter, err error) {
	var conflictErr *model.ConflictError

	switch {
	case errors.Is(err, model.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation_not_found", "Conversation not found")
	case errors.Is(err, model.ErrClientMessageConflict):
		writeError(w, http.StatusConflict, "client_message_conflict", err.Error())
	case errors.As(err, &conflictErr):
		writeError(w, http.StatusConflict, "seq_conflict", conflictErr.Error())
	case errors.Is(err, model.ErrConversationIDRequired),
		errors.Is(err, model.ErrSenderIDRequired),
		errors.Is(err, model.ErrClientMessageIDRequired),
		errors.Is(err, model.ErrClientMessageIDTooLong),
		errors.Is(err, model.ErrContentRequired),
		errors.Is(err, model.ErrContentTooLong):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to send message")
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set(contentTypeJSON, applicationJSON)
	w.WriteHeader(status)

	payload := map[string]any{"error": map[string]string{"code": code, "message": message}}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	return ctx, cancel
}

// runDispatcherLoop drives the single active dispatcher for this process.
// Cycle errors are logged and never crash the process; pending rows survive
// restarts and are re-derived from the outbox table.
func runDispatcherLoop(
	ctx context.Context,
	dispatchService service.OutboxDispatchService,
	pollInterval time.Duration,
	batchSize int,
) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")

			return
		case <-ticker.C:
			if _, err := dispatchService.ProcessPendingEvents(ctx, batchSize); err != nil {
				slog.Error("error processing outbox events", slog.String("error", err.Error()))
			}
		}
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	loggerInstance := logger.Setup(cfg.LogLevel)
	slog.SetDefault(loggerInstance)

	dbPool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer dbPool.Close()

	if err := repository.EnsureSchema(context.Background(), dbPool); err != nil {
		slog.Error("failed to ensure schema", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	conversationRepo := repository.NewConversationRepositoryImpl(dbPool)
	messageRepo := repository.NewMessageRepositoryImpl(dbPool)
	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	membershipRepo := repository.NewMembershipRepositoryImpl(dbPool)
	transactionMgr := repository.NewTransactionManagerImpl(dbPool)

	messageService := service.NewMessageServiceImpl(conversationRepo, messageRepo, outboxRepo, transactionMgr)

	verifier := auth.NewTokenVerifier(cfg.JWTSecret, cfg.AccessTokenTTL)

	registry := realtime.NewRegistry(cfg.WSMaxSubscriptionsPerConn)
	publisher := realtime.NewPublisher(registry)
	dispatchService := service.NewOutboxDispatchServiceImpl(outboxRepo, publisher)

	wsHandler := realtime.NewHandler(registry, verifier, membershipRepo, realtime.HandlerConfig{
		HeartbeatInterval:    cfg.WSHeartbeatInterval,
		IdleTimeout:          cfg.WSIdleTimeout,
		MaxCommandBytes:      cfg.WSMaxCommandBytes,
		RateLimitWindow:      cfg.WSRateLimitWindow,
		RateLimitMaxCommands: cfg.WSRateLimitMaxCommands,
		MaxIDsPerSubscribe:   cfg.WSMaxIDsPerSubscribe,
	})

	server := NewAPIServer(messageService, membershipRepo, verifier)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversations/{id}/messages", server.SendMessage)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", server.ListMessages)
	mux.HandleFunc("GET /health", server.HealthCheck)
	mux.Handle("/v1/ws", wsHandler.HTTPHandler())

	ctx, cancel := setupSignalHandling()
	defer cancel()

	go runDispatcherLoop(ctx, dispatchService, cfg.DispatcherPollInterval, cfg.DispatcherBatchSize)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("starting server", slog.String("service", "courier"), slog.String("port", cfg.Port))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down server", slog.String("error", err.Error()))
	}
}
