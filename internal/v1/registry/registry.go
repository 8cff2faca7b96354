// Package registry tracks which session handlers are live in each room and
// fans server events out to them. It is the only path by which dispatcher
// tasks reach connected clients.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Handler is the registry's view of a session. Enqueue blocks when the
// handler's outbound queue is full, which applies backpressure to the
// broadcaster; it returns an error only when the handler is shutting down
// or the context is cancelled.
type Handler interface {
	UserID() types.UserID
	Enqueue(ctx context.Context, event protocol.ServerEvent) error
}

// HandlerRegistry maps room ids to their live session handlers.
// Delivery is at-most-once per handler and FIFO per handler; interleaving
// across handlers is unordered.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[types.RoomID]map[Handler]struct{}
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[types.RoomID]map[Handler]struct{}),
	}
}

// Register adds a handler to a room.
func (r *HandlerRegistry) Register(roomID types.RoomID, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.handlers[roomID]
	if !ok {
		room = make(map[Handler]struct{})
		r.handlers[roomID] = room
	}
	room[h] = struct{}{}

	metrics.OnlineParticipants.WithLabelValues(string(roomID)).Set(float64(countUsersLocked(room)))
	logging.Info(context.Background(), "Registered session handler",
		zap.String("room_id", string(roomID)),
		zap.String("user_id", string(h.UserID())),
		zap.Int("room_handlers", len(room)),
	)
}

// Unregister removes a handler from a room. Removing a handler that was
// never registered is a no-op.
func (r *HandlerRegistry) Unregister(roomID types.RoomID, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.handlers[roomID]
	if !ok {
		return
	}
	delete(room, h)
	if len(room) == 0 {
		delete(r.handlers, roomID)
		metrics.OnlineParticipants.DeleteLabelValues(string(roomID))
	} else {
		metrics.OnlineParticipants.WithLabelValues(string(roomID)).Set(float64(countUsersLocked(room)))
	}
	logging.Info(context.Background(), "Unregistered session handler",
		zap.String("room_id", string(roomID)),
		zap.String("user_id", string(h.UserID())),
	)
}

// Broadcast enqueues the event to every handler in the room.
func (r *HandlerRegistry) Broadcast(ctx context.Context, roomID types.RoomID, event protocol.ServerEvent) {
	r.deliver(ctx, roomID, event, "")
}

// BroadcastExcept enqueues the event to every handler in the room except
// those belonging to excludeUserID.
func (r *HandlerRegistry) BroadcastExcept(ctx context.Context, roomID types.RoomID, event protocol.ServerEvent, excludeUserID types.UserID) {
	r.deliver(ctx, roomID, event, excludeUserID)
}

func (r *HandlerRegistry) deliver(ctx context.Context, roomID types.RoomID, event protocol.ServerEvent, excludeUserID types.UserID) {
	r.mu.RLock()
	targets := make([]Handler, 0, len(r.handlers[roomID]))
	for h := range r.handlers[roomID] {
		if excludeUserID != "" && h.UserID() == excludeUserID {
			continue
		}
		targets = append(targets, h)
	}
	r.mu.RUnlock()

	// Enqueue outside the lock: a full queue blocks until the slow handler
	// drains, and that must not stall register/unregister.
	for _, h := range targets {
		if err := h.Enqueue(ctx, event); err != nil {
			logging.Warn(ctx, "Dropped event for handler",
				zap.String("room_id", string(roomID)),
				zap.String("user_id", string(h.UserID())),
				zap.String("event_type", event.EventType()),
				zap.Error(err),
			)
		}
	}
	metrics.EventsBroadcast.WithLabelValues(event.EventType()).Add(float64(len(targets)))
}

// OnlineUserIDs returns the set of user ids with at least one live handler
// in the room.
func (r *HandlerRegistry) OnlineUserIDs(roomID types.RoomID) set.Set[types.UserID] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := set.New[types.UserID]()
	for h := range r.handlers[roomID] {
		online.Insert(h.UserID())
	}
	return online
}

func countUsersLocked(room map[Handler]struct{}) int {
	users := set.New[types.UserID]()
	for h := range room {
		users.Insert(h.UserID())
	}
	return users.Len()
}
