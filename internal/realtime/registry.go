package realtime

import (
	"log/slog"
	"sync"

	"github.com/courier-im/courier/internal/model"
)

// outgoingQueueCapacity bounds the per-session frame buffer. A session whose
// buffer fills is treated as a slow client and dropped.
const outgoingQueueCapacity = 200

// FrameSink is the write side of one connection. WriteFrame must be safe to
// call from the session's writer goroutine only.
type FrameSink interface {
	WriteFrame(frame Frame) error
	Close() error
}

type session struct {
	connectionID  string
	userID        string
	subscriptions map[string]struct{}
	outgoing      chan Frame
	closed        bool
	sink          FrameSink
}

// Registry tracks open realtime sessions, their identities, and their
// subscribed conversation sets, and resolves fanout targets.
//
// All mutation and fanout reads serialize on one mutex; socket writes happen
// on per-session writer goroutines outside the lock, so a slow socket never
// blocks other connections.
type Registry struct {
	mu               sync.Mutex
	maxSubscriptions int
	connections      map[string]*session
	byUser           map[string]map[string]struct{}
	byConversation   map[string]map[string]struct{}
}

// NewRegistry creates a registry enforcing the given per-connection
// subscription maximum.
func NewRegistry(maxSubscriptionsPerConnection int) *Registry {
	return &Registry{
		maxSubscriptions: maxSubscriptionsPerConnection,
		connections:      make(map[string]*session),
		byUser:           make(map[string]map[string]struct{}),
		byConversation:   make(map[string]map[string]struct{}),
	}
}

// Register adds a session for an authenticated connection and starts its
// writer goroutine.
func (r *Registry) Register(connectionID, userID string, sink FrameSink) error {
	r.mu.Lock()

	if _, exists := r.connections[connectionID]; exists {
		r.mu.Unlock()

		return model.ErrDuplicateConnection
	}

	sess := &session{
		connectionID:  connectionID,
		userID:        userID,
		subscriptions: make(map[string]struct{}),
		outgoing:      make(chan Frame, outgoingQueueCapacity),
		sink:          sink,
	}
	r.connections[connectionID] = sess

	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][connectionID] = struct{}{}

	r.mu.Unlock()

	go r.writerLoop(sess)

	slog.Info("websocket connection registered",
		slog.String("connection_id", connectionID),
		slog.String("user_id", userID),
	)

	return nil
}

// Deregister removes a session and all its subscriptions. Idempotent: a
// second call for the same connection id is a no-op.
func (r *Registry) Deregister(connectionID string) {
	r.mu.Lock()

	sess, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()

		return
	}

	delete(r.connections, connectionID)

	if userConnections, ok := r.byUser[sess.userID]; ok {
		delete(userConnections, connectionID)
		if len(userConnections) == 0 {
			delete(r.byUser, sess.userID)
		}
	}

	for conversationID := range sess.subscriptions {
		r.dropConversationLocked(conversationID, connectionID)
	}

	// Closing under the lock guarantees no Send can race the close.
	sess.closed = true
	close(sess.outgoing)

	r.mu.Unlock()

	slog.Info("websocket connection deregistered",
		slog.String("connection_id", connectionID),
		slog.String("user_id", sess.userID),
	)
}

// Subscribe adds conversations to a session's subscribed set. The call is
// all-or-nothing: exceeding the per-connection maximum applies nothing and
// returns LimitExceededError. Membership must already be verified by the
// caller.
func (r *Registry) Subscribe(connectionID string, conversationIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.connections[connectionID]
	if !ok {
		return model.ErrConnectionNotFound
	}

	projected := len(sess.subscriptions)
	for _, conversationID := range conversationIDs {
		if _, subscribed := sess.subscriptions[conversationID]; !subscribed {
			projected++
		}
	}

	if projected > r.maxSubscriptions {
		return &model.LimitExceededError{Limit: r.maxSubscriptions}
	}

	for _, conversationID := range conversationIDs {
		sess.subscriptions[conversationID] = struct{}{}

		if _, ok := r.byConversation[conversationID]; !ok {
			r.byConversation[conversationID] = make(map[string]struct{})
		}
		r.byConversation[conversationID][connectionID] = struct{}{}
	}

	return nil
}

// Unsubscribe removes conversations from a session's subscribed set.
// Idempotent: ids not currently subscribed are ignored.
func (r *Registry) Unsubscribe(connectionID string, conversationIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.connections[connectionID]
	if !ok {
		return
	}

	for _, conversationID := range conversationIDs {
		delete(sess.subscriptions, conversationID)
		r.dropConversationLocked(conversationID, connectionID)
	}
}

// Fanout returns a snapshot of the connection ids subscribed to a
// conversation. Safe to call concurrently with any mutation.
func (r *Registry) Fanout(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subscribers := r.byConversation[conversationID]
	connectionIDs := make([]string, 0, len(subscribers))
	for connectionID := range subscribers {
		connectionIDs = append(connectionIDs, connectionID)
	}

	return connectionIDs
}

// Send enqueues a frame for one connection. Returns false when the connection
// is gone. A full queue means a slow client: the session is dropped.
func (r *Registry) Send(connectionID string, frame Frame) bool {
	r.mu.Lock()

	sess, ok := r.connections[connectionID]
	if !ok || sess.closed {
		r.mu.Unlock()

		return false
	}

	select {
	case sess.outgoing <- frame:
		r.mu.Unlock()

		return true
	default:
		r.mu.Unlock()

		slog.Warn("slow websocket client dropped",
			slog.String("connection_id", connectionID),
			slog.String("user_id", sess.userID),
		)
		r.Deregister(connectionID)

		return false
	}
}

// ConnectionCount reports the number of open sessions.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.connections)
}

// dropConversationLocked removes one connection from a conversation's
// subscriber set. Caller holds r.mu.
func (r *Registry) dropConversationLocked(conversationID, connectionID string) {
	subscribers, ok := r.byConversation[conversationID]
	if !ok {
		return
	}

	delete(subscribers, connectionID)
	if len(subscribers) == 0 {
		delete(r.byConversation, conversationID)
	}
}

// writerLoop drains a session's outgoing queue to its socket. A write failure
// means the session is gone; it is deregistered and the loop stops.
func (r *Registry) writerLoop(sess *session) {
	for frame := range sess.outgoing {
		if err := sess.sink.WriteFrame(frame); err != nil {
			slog.Warn("websocket write failed",
				slog.String("connection_id", sess.connectionID),
				slog.String("user_id", sess.userID),
				slog.String("error", err.Error()),
			)
			r.Deregister(sess.connectionID)

			break
		}
	}

	_ = sess.sink.Close()
}
