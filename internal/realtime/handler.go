package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/courier-im/courier/internal/model"
)

const writeTimeout = 5 * time.Second

// CredentialVerifier resolves an access token to a user id.
type CredentialVerifier interface {
	Verify(token string) (string, error)
}

// MembershipChecker reports, per requested conversation id, whether the user
// is a member.
type MembershipChecker interface {
	MemberConversations(ctx context.Context, userID string, conversationIDs []string) (map[string]bool, error)
}

// HandlerConfig holds the protocol limits of the realtime channel.
type HandlerConfig struct {
	HeartbeatInterval    time.Duration
	IdleTimeout          time.Duration
	MaxCommandBytes      int
	RateLimitWindow      time.Duration
	RateLimitMaxCommands int
	MaxIDsPerSubscribe   int
}

// Handler owns the per-connection protocol state machine: handshake, command
// loop, and teardown.
type Handler struct {
	registry   *Registry
	verifier   CredentialVerifier
	membership MembershipChecker
	cfg        HandlerConfig
}

// NewHandler creates a realtime handler.
func NewHandler(registry *Registry, verifier CredentialVerifier, membership MembershipChecker, cfg HandlerConfig) *Handler {
	return &Handler{
		registry:   registry,
		verifier:   verifier,
		membership: membership,
		cfg:        cfg,
	}
}

// HTTPHandler returns the WebSocket endpoint handler.
func (h *Handler) HTTPHandler() http.Handler {
	return websocket.Handler(h.serve)
}

// peer serializes frame writes to one socket.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{conn: conn}
}

func (p *peer) WriteFrame(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	return websocket.JSON.Send(p.conn, frame)
}

func (p *peer) Close() error {
	return p.conn.Close()
}

func (h *Handler) serve(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	sink := newPeer(conn)

	request := conn.Request()

	userID, err := h.verifier.Verify(accessTokenFromRequest(request))
	if err != nil {
		code := CodeUnauthorized
		message := "credential is missing or invalid"

		if errors.Is(err, model.ErrTokenExpired) {
			code = CodeTokenExpired
			message = "credential is expired"
		}

		_ = sink.WriteFrame(NewErrorFrame(code, message))

		return
	}

	connectionID := uuid.NewString()

	if err := h.registry.Register(connectionID, userID, sink); err != nil {
		_ = sink.WriteFrame(NewErrorFrame(CodeInternalError, "failed to register connection"))

		return
	}
	defer h.registry.Deregister(connectionID)

	h.registry.Send(connectionID, NewWelcomeFrame(connectionID, userID, time.Now(), h.cfg.HeartbeatInterval))

	h.commandLoop(request.Context(), conn, connectionID, userID)
}

func (h *Handler) commandLoop(ctx context.Context, conn *websocket.Conn, connectionID, userID string) {
	windowStart := time.Now()
	commandsInWindow := 0

	for {
		if err := conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout)); err != nil {
			return
		}

		var raw string
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				slog.Info("websocket idle timeout",
					slog.String("connection_id", connectionID),
					slog.String("user_id", userID),
				)
			}

			return
		}

		now := time.Now()
		if now.Sub(windowStart) >= h.cfg.RateLimitWindow {
			windowStart = now
			commandsInWindow = 0
		}

		commandsInWindow++
		if commandsInWindow > h.cfg.RateLimitMaxCommands {
			h.registry.Send(connectionID, NewErrorFrame(CodeRateLimited, "command rate limit exceeded"))

			continue
		}

		command, err := ParseCommand([]byte(raw), h.cfg.MaxCommandBytes)
		if err != nil {
			var protocolErr *ProtocolError
			if errors.As(err, &protocolErr) {
				h.registry.Send(connectionID, NewErrorFrame(protocolErr.Code, protocolErr.Message))
			} else {
				h.registry.Send(connectionID, NewErrorFrame(CodeInternalError, "failed to parse command"))
			}

			continue
		}

		switch cmd := command.(type) {
		case *PingCommand:
			h.registry.Send(connectionID, NewPongFrame(cmd.Ts))
		case *SubscribeCommand:
			h.handleSubscribe(ctx, connectionID, userID, cmd)
		case *UnsubscribeCommand:
			h.handleUnsubscribe(connectionID, cmd)
		}
	}
}

// handleSubscribe verifies membership per id and applies partial acceptance:
// member ids are subscribed, the rest are rejected individually in the same ack.
func (h *Handler) handleSubscribe(ctx context.Context, connectionID, userID string, cmd *SubscribeCommand) {
	requested := dedupe(cmd.ConversationIDs)
	if len(requested) == 0 {
		h.registry.Send(connectionID, NewErrorFrame(CodeInvalidCommand, "conversation_ids is required"))

		return
	}

	if len(requested) > h.cfg.MaxIDsPerSubscribe {
		h.registry.Send(connectionID, NewErrorFrame(CodeInvalidCommand, "too many conversation ids"))

		return
	}

	memberships, err := h.membership.MemberConversations(ctx, userID, requested)
	if err != nil {
		slog.Error("membership check failed",
			slog.String("connection_id", connectionID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		h.registry.Send(connectionID, NewErrorFrame(CodeInternalError, "membership verification unavailable"))

		return
	}

	var accepted []string

	var rejected []RejectedConversation

	for _, conversationID := range requested {
		if memberships[conversationID] {
			accepted = append(accepted, conversationID)
		} else {
			rejected = append(rejected, RejectedConversation{
				ConversationID: conversationID,
				Code:           CodeForbiddenConversation,
			})
		}
	}

	if len(accepted) > 0 {
		if err := h.registry.Subscribe(connectionID, accepted); err != nil {
			var limitErr *model.LimitExceededError
			if errors.As(err, &limitErr) {
				h.registry.Send(connectionID, NewErrorFrame(CodeInvalidCommand, "subscription limit exceeded"))
			} else {
				h.registry.Send(connectionID, NewErrorFrame(CodeInternalError, "failed to subscribe"))
			}

			return
		}
	}

	h.registry.Send(connectionID, NewAckFrame("subscribe", accepted, rejected))
}

func (h *Handler) handleUnsubscribe(connectionID string, cmd *UnsubscribeCommand) {
	requested := dedupe(cmd.ConversationIDs)
	if len(requested) == 0 {
		h.registry.Send(connectionID, NewErrorFrame(CodeInvalidCommand, "conversation_ids is required"))

		return
	}

	h.registry.Unsubscribe(connectionID, requested)
	h.registry.Send(connectionID, NewAckFrame("unsubscribe", requested, nil))
}

// accessTokenFromRequest prefers the bearer header and falls back to the
// access_token query parameter.
func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}

	authHeader := r.Header.Get("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}

	return r.URL.Query().Get("access_token")
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	deduped := make([]string, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		deduped = append(deduped, id)
	}

	return deduped
}
