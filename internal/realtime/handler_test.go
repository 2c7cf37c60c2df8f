package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/courier-im/courier/internal/model"
)

type fakeVerifier struct {
	users map[string]string
}

func (v *fakeVerifier) Verify(token string) (string, error) {
	if token == "expired-token" {
		return "", model.ErrTokenExpired
	}

	userID, ok := v.users[token]
	if !ok {
		return "", model.ErrUnauthorized
	}

	return userID, nil
}

type fakeMembership struct {
	members map[string]map[string]bool
	err     error
}

func (m *fakeMembership) MemberConversations(_ context.Context, userID string, conversationIDs []string) (map[string]bool, error) {
	if m.err != nil {
		return nil, m.err
	}

	result := make(map[string]bool, len(conversationIDs))
	for _, conversationID := range conversationIDs {
		result[conversationID] = m.members[userID][conversationID]
	}

	return result, nil
}

// testFrame is a superset of every outbound frame shape, so one decode works
// for all of them.
type testFrame struct {
	Type            string                 `json:"type"`
	ConnectionID    string                 `json:"connection_id"`
	UserID          string                 `json:"user_id"`
	ServerTime      string                 `json:"server_time"`
	HeartbeatSec    int                    `json:"heartbeat_sec"`
	ProtocolVersion int                    `json:"protocol_version"`
	Op              string                 `json:"op"`
	OK              bool                   `json:"ok"`
	Accepted        []string               `json:"accepted"`
	Rejected        []RejectedConversation `json:"rejected"`
	Ts              *int64                 `json:"ts"`
	Error           *ErrorBody             `json:"error"`
	EventID         string                 `json:"event_id"`
	ConversationID  string                 `json:"conversation_id"`
	Seq             int64                  `json:"seq"`
	OccurredAt      string                 `json:"occurred_at"`
	Payload         json.RawMessage        `json:"payload"`
}

type realtimeFixture struct {
	server   *httptest.Server
	registry *Registry
}

func defaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		HeartbeatInterval:    25 * time.Second,
		IdleTimeout:          5 * time.Second,
		MaxCommandBytes:      4096,
		RateLimitWindow:      10 * time.Second,
		RateLimitMaxCommands: 60,
		MaxIDsPerSubscribe:   50,
	}
}

func newRealtimeFixture(t *testing.T, membership *fakeMembership, cfg HandlerConfig) *realtimeFixture {
	t.Helper()

	registry := NewRegistry(200)
	verifier := &fakeVerifier{users: map[string]string{"token-alice": "alice", "token-bob": "bob"}}
	handler := NewHandler(registry, verifier, membership, cfg)

	server := httptest.NewServer(handler.HTTPHandler())
	t.Cleanup(server.Close)

	return &realtimeFixture{server: server, registry: registry}
}

func (f *realtimeFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(f.server.URL, "http", "ws", 1) + "?access_token=" + token

	conn, err := websocket.Dial(wsURL, "", "http://localhost/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var frame testFrame
	require.NoError(t, websocket.JSON.Receive(conn, &frame))

	return frame
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()

	require.NoError(t, websocket.Message.Send(conn, raw))
}

func membershipFor(userID string, conversationIDs ...string) *fakeMembership {
	members := map[string]bool{}
	for _, conversationID := range conversationIDs {
		members[conversationID] = true
	}

	return &fakeMembership{members: map[string]map[string]bool{userID: members}}
}

func TestHandshakeSendsWelcome(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice"), defaultHandlerConfig())
	conn := fixture.dial(t, "token-alice")

	welcome := readFrame(t, conn)
	require.Equal(t, "connection.welcome", welcome.Type)
	require.Equal(t, "alice", welcome.UserID)
	require.NotEmpty(t, welcome.ConnectionID)
	require.NotEmpty(t, welcome.ServerTime)
	require.Equal(t, 25, welcome.HeartbeatSec)
	require.Equal(t, ProtocolVersion, welcome.ProtocolVersion)
}

func TestHandshakeAcceptsBearerHeader(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice"), defaultHandlerConfig())

	wsURL := strings.Replace(fixture.server.URL, "http", "ws", 1)
	cfg, err := websocket.NewConfig(wsURL, "http://localhost/")
	require.NoError(t, err)
	cfg.Header.Set("Authorization", "Bearer token-alice")

	conn, err := websocket.DialConfig(cfg)
	require.NoError(t, err)

	defer conn.Close()

	welcome := readFrame(t, conn)
	require.Equal(t, "connection.welcome", welcome.Type)
	require.Equal(t, "alice", welcome.UserID)
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice"), defaultHandlerConfig())
	conn := fixture.dial(t, "bogus")

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.NotNil(t, frame.Error)
	require.Equal(t, CodeUnauthorized, frame.Error.Code)

	// The server closes the connection after the error frame.
	var next testFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.Error(t, websocket.JSON.Receive(conn, &next))
}

func TestHandshakeRejectsExpiredToken(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice"), defaultHandlerConfig())
	conn := fixture.dial(t, "expired-token")

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.NotNil(t, frame.Error)
	require.Equal(t, CodeTokenExpired, frame.Error.Code)
}

func TestPingPongEchoesTimestamp(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice"), defaultHandlerConfig())
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"ping","ts":1712345678}`)

	pong := readFrame(t, conn)
	require.Equal(t, "pong", pong.Type)
	require.NotNil(t, pong.Ts)
	require.Equal(t, int64(1712345678), *pong.Ts)

	sendRaw(t, conn, `{"op":"ping"}`)

	pong = readFrame(t, conn)
	require.Equal(t, "pong", pong.Type)
	require.Nil(t, pong.Ts)
}

func TestSubscribePartialAcceptance(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice", "c1"), defaultHandlerConfig())
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"subscribe","conversation_ids":["c1","c2"]}`)

	ack := readFrame(t, conn)
	require.Equal(t, "ack", ack.Type)
	require.Equal(t, "subscribe", ack.Op)
	require.False(t, ack.OK)
	require.Equal(t, []string{"c1"}, ack.Accepted)
	require.Equal(t, []RejectedConversation{{ConversationID: "c2", Code: CodeForbiddenConversation}}, ack.Rejected)

	// Only the accepted conversation has fanout.
	require.Len(t, fixture.registry.Fanout("c1"), 1)
	require.Empty(t, fixture.registry.Fanout("c2"))
}

func TestSubscribeAllAccepted(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice", "c1", "c2"), defaultHandlerConfig())
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"subscribe","conversation_ids":["c1","c2","c1"]}`)

	ack := readFrame(t, conn)
	require.True(t, ack.OK)
	require.Equal(t, []string{"c1", "c2"}, ack.Accepted)
	require.Empty(t, ack.Rejected)
}

func TestSubscribeEmptyListIsInvalid(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice"), defaultHandlerConfig())
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"subscribe","conversation_ids":[]}`)

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.Equal(t, CodeInvalidCommand, frame.Error.Code)
}

func TestSubscribeTooManyIDsIsInvalid(t *testing.T) {
	cfg := defaultHandlerConfig()
	cfg.MaxIDsPerSubscribe = 2

	fixture := newRealtimeFixture(t, membershipFor("alice", "c1", "c2", "c3"), cfg)
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"subscribe","conversation_ids":["c1","c2","c3"]}`)

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.Equal(t, CodeInvalidCommand, frame.Error.Code)
}

func TestSubscribeMembershipFailureIsInternalError(t *testing.T) {
	membership := &fakeMembership{err: context.DeadlineExceeded}
	fixture := newRealtimeFixture(t, membership, defaultHandlerConfig())
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"subscribe","conversation_ids":["c1"]}`)

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.Equal(t, CodeInternalError, frame.Error.Code)
}

func TestUnsubscribeAcks(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice", "c1"), defaultHandlerConfig())
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"subscribe","conversation_ids":["c1"]}`)
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"unsubscribe","conversation_ids":["c1","never-subscribed"]}`)

	ack := readFrame(t, conn)
	require.Equal(t, "ack", ack.Type)
	require.Equal(t, "unsubscribe", ack.Op)
	require.True(t, ack.OK)
	require.Equal(t, []string{"c1", "never-subscribed"}, ack.Accepted)
	require.Empty(t, fixture.registry.Fanout("c1"))
}

func TestInvalidCommandKeepsConnectionOpen(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice"), defaultHandlerConfig())
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"shout"}`)

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.Equal(t, CodeInvalidCommand, frame.Error.Code)

	// The connection is still usable.
	sendRaw(t, conn, `{"op":"ping"}`)
	require.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestRateLimitRejectsExcessCommands(t *testing.T) {
	cfg := defaultHandlerConfig()
	cfg.RateLimitMaxCommands = 2

	fixture := newRealtimeFixture(t, membershipFor("alice"), cfg)
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"ping"}`)
	require.Equal(t, "pong", readFrame(t, conn).Type)

	sendRaw(t, conn, `{"op":"ping"}`)
	require.Equal(t, "pong", readFrame(t, conn).Type)

	sendRaw(t, conn, `{"op":"ping"}`)

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame.Type)
	require.Equal(t, CodeRateLimited, frame.Error.Code)
}

func TestIdleConnectionIsClosed(t *testing.T) {
	cfg := defaultHandlerConfig()
	cfg.IdleTimeout = 150 * time.Millisecond

	fixture := newRealtimeFixture(t, membershipFor("alice"), cfg)
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var frame testFrame
	require.Error(t, websocket.JSON.Receive(conn, &frame))

	require.Eventually(t, func() bool {
		return fixture.registry.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectDeregistersConnection(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice", "c1"), defaultHandlerConfig())
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"subscribe","conversation_ids":["c1"]}`)
	readFrame(t, conn)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return fixture.registry.ConnectionCount() == 0 && len(fixture.registry.Fanout("c1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventDeliveredToSubscriber(t *testing.T) {
	fixture := newRealtimeFixture(t, membershipFor("alice", "c1"), defaultHandlerConfig())
	conn := fixture.dial(t, "token-alice")
	readFrame(t, conn)

	sendRaw(t, conn, `{"op":"subscribe","conversation_ids":["c1"]}`)
	readFrame(t, conn)

	publisher := NewPublisher(fixture.registry)
	require.NoError(t, publisher.Deliver(context.Background(), outboxEvent(t, "c1", 42)))

	event := readFrame(t, conn)
	require.Equal(t, model.EventTypeMessageCreated, event.Type)
	require.Equal(t, "c1", event.ConversationID)
	require.Equal(t, int64(42), event.Seq)
	require.NotEmpty(t, event.OccurredAt)
	require.JSONEq(t, `{"message_id":"m1"}`, string(event.Payload))
}
