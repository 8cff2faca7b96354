// Package session owns one WebSocket connection per joined user. A
// StreamHandler reads client frames, applies them through the store and
// dispatcher, and flushes broadcast events back over the socket.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/dispatch"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/registry"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

// wsConnection is the subset of *websocket.Conn the handler needs, split
// out so tests can drive the handler without a network socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// writeWait bounds how long a single outbound write may take.
const writeWait = 10 * time.Second

// StreamHandler manages one user's connection to a room. Identity fields
// are unset until the join frame arrives; frames received before join are
// dropped. The handler is registered in the room's registry only after a
// successful join.
type StreamHandler struct {
	conn       wsConnection
	roomID     types.RoomID
	store      *store.MemoryStore
	registry   *registry.HandlerRegistry
	dispatcher *dispatch.Dispatcher

	// ownerID tags every LLM task this handler originates, so teardown
	// can cancel exactly those.
	ownerID dispatch.OwnerID

	mu          sync.RWMutex
	userID      types.UserID
	displayName string
	role        types.Role
	joined      bool
	closed      bool

	outbound  chan []byte
	closeOnce sync.Once
}

// NewStreamHandler creates a handler for one accepted connection. The room
// id comes from the connection path, not the join frame.
func NewStreamHandler(conn wsConnection, roomID types.RoomID, st *store.MemoryStore, reg *registry.HandlerRegistry, disp *dispatch.Dispatcher, queueSize int) *StreamHandler {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &StreamHandler{
		conn:       conn,
		roomID:     roomID,
		store:      st,
		registry:   reg,
		dispatcher: disp,
		ownerID:    dispatch.OwnerID(uuid.NewString()),
		outbound:   make(chan []byte, queueSize),
	}
}

// UserID satisfies registry.Handler. Empty until the join frame arrives.
func (h *StreamHandler) UserID() types.UserID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.userID
}

// Enqueue satisfies registry.Handler: it serializes the event and places it
// on the bounded outbound queue. A full queue blocks the caller until the
// writer drains it or the caller's context ends, so a slow client applies
// backpressure instead of dropping events.
func (h *StreamHandler) Enqueue(ctx context.Context, event protocol.ServerEvent) (err error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return errors.New("session closed")
	}
	h.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// The queue may be closed between the flag check and the send.
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("session closed")
		}
	}()

	select {
	case h.outbound <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run pumps the connection until the client disconnects, then tears the
// session down. It blocks; callers run it in the connection's goroutine.
func (h *StreamHandler) Run(ctx context.Context) {
	metrics.IncSession()
	go h.writePump()
	h.readPump(ctx)
}

func (h *StreamHandler) readPump(ctx context.Context) {
	defer h.teardown(ctx)

	for {
		messageType, data, err := h.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			logging.Warn(ctx, "Failed to parse client frame",
				zap.String("room_id", string(h.roomID)), zap.Error(err))
			continue
		}
		h.route(ctx, frame, data)
	}
}

func (h *StreamHandler) writePump() {
	defer h.conn.Close()

	for {
		data, ok := <-h.outbound
		if !ok {
			_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Error(context.Background(), "error writing session event", zap.Error(err))
			return
		}
	}
}

// route dispatches one parsed frame. The raw bytes ride along for frames
// that need a second-pass decode. Unknown tags are ignored.
func (h *StreamHandler) route(ctx context.Context, frame protocol.ClientFrame, raw []byte) {
	switch frame.Type {
	case protocol.FrameJoin:
		h.handleJoin(ctx, frame)
	case protocol.FrameMessage:
		h.handleMessage(ctx, frame)
	case protocol.FrameTyping:
		h.handleTyping(ctx, frame)
	case protocol.FrameInterrupt:
		h.handleInterrupt(ctx, frame)
	case protocol.FrameAddLLM:
		h.handleAddLLM(ctx, frame)
	case protocol.FrameUpdateLLM:
		h.handleUpdateLLM(ctx, raw)
	case protocol.FrameRemoveLLM:
		h.handleRemoveLLM(ctx, frame)
	case protocol.FrameUpdateRoomDescription:
		h.handleUpdateRoomDescription(ctx, frame)
	case protocol.FrameCreatePoll:
		h.handleCreatePoll(ctx, frame)
	case protocol.FrameCastVote:
		h.handleCastVote(ctx, frame)
	case protocol.FrameClosePoll:
		h.handleClosePoll(ctx, frame)
	case protocol.FramePing:
		_ = h.Enqueue(ctx, protocol.PongEvent{Type: protocol.EventPong})
	default:
		logging.GetLogger().Debug("Ignoring unknown frame type",
			zap.String("type", frame.Type), zap.String("room_id", string(h.roomID)))
	}
}

// teardown runs once when the read loop exits: cancel this handler's LLM
// tasks, deregister, and announce user_left if this was the user's last
// session in the room.
func (h *StreamHandler) teardown(ctx context.Context) {
	h.dispatcher.CancelOwned(h.ownerID)

	h.mu.Lock()
	h.closed = true
	joined := h.joined
	userID := h.userID
	h.mu.Unlock()

	if joined {
		h.registry.Unregister(h.roomID, h)
		if !h.registry.OnlineUserIDs(h.roomID).Has(userID) {
			h.registry.Broadcast(ctx, h.roomID, protocol.UserLeftEvent{
				Type:   protocol.EventUserLeft,
				UserID: string(userID),
			})
			logging.Info(ctx, "User left room",
				zap.String("user_id", string(userID)),
				zap.String("room_id", string(h.roomID)))
		}
	}

	h.closeOnce.Do(func() { close(h.outbound) })
	metrics.DecSession()
}

// identity snapshots the join-time fields. ok is false before a join.
func (h *StreamHandler) identity() (userID types.UserID, displayName string, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.userID, h.displayName, h.joined
}
