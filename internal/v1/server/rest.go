package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

// --- REST wire structs ---

type createRoomRequest struct {
	Name        string             `json:"name" binding:"required"`
	LLMs        []protocol.LLMInfo `json:"llms"`
	CreatedBy   string             `json:"created_by"`
	Description string             `json:"description"`
	Visibility  string             `json:"visibility"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

type llmSummary struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	DisplayName string `json:"display_name"`
}

type llmDetail struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	DisplayName string `json:"display_name"`
	Persona     string `json:"persona"`
}

type roomSummary struct {
	RoomID      string       `json:"room_id"`
	Name        string       `json:"name"`
	CreatedAt   string       `json:"created_at"`
	CreatedBy   string       `json:"created_by"`
	Description string       `json:"description"`
	Visibility  string       `json:"visibility"`
	LLMs        []llmSummary `json:"llms"`
}

type listRoomsResponse struct {
	Rooms      []roomSummary `json:"rooms"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type roomDetail struct {
	RoomID      string      `json:"room_id"`
	Name        string      `json:"name"`
	CreatedAt   string      `json:"created_at"`
	CreatedBy   string      `json:"created_by"`
	Description string      `json:"description"`
	Visibility  string      `json:"visibility"`
	LLMs        []llmDetail `json:"llms"`
}

type getRoomResponse struct {
	Room         roomDetail                 `json:"room"`
	Participants []protocol.ParticipantInfo `json:"participants"`
}

type historyMessage struct {
	ID        string              `json:"id"`
	Sender    protocol.SenderInfo `json:"sender"`
	Content   string              `json:"content"`
	ReplyTo   string              `json:"reply_to,omitempty"`
	Timestamp int64               `json:"timestamp"`
	PollID    string              `json:"poll_id,omitempty"`
}

type loadHistoryResponse struct {
	Messages   []historyMessage `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// --- Handlers ---

func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	llms := make([]types.LLMConfig, 0, len(req.LLMs))
	for _, l := range req.LLMs {
		llms = append(llms, types.LLMConfig{
			ID:          types.LLMID(l.ID),
			Model:       l.Model,
			Persona:     l.Persona,
			DisplayName: l.DisplayName,
			Title:       l.Title,
			ChatStyle:   types.ChatStyle(l.ChatStyle),
			Avatar:      l.Avatar,
		})
	}

	room, err := s.store.CreateRoom(c.Request.Context(), store.CreateRoomParams{
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   types.UserID(req.CreatedBy),
		Visibility:  types.ParseVisibility(req.Visibility),
		LLMs:        llms,
	})
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to create room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}

	logging.Info(c.Request.Context(), "Room created",
		zap.String("room_id", string(room.RoomID)),
		zap.String("created_by", req.CreatedBy))
	c.JSON(http.StatusOK, createRoomResponse{RoomID: string(room.RoomID)})
}

func (s *Server) listRooms(c *gin.Context) {
	userID := types.UserID(c.Query("user_id"))
	limit := intQuery(c, "limit", 20)
	cursor := types.RoomID(c.Query("cursor"))

	rooms, nextCursor, err := s.store.ListRooms(c.Request.Context(), userID, limit, cursor)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to list rooms", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}

	summaries := make([]roomSummary, 0, len(rooms))
	for _, room := range rooms {
		llms := make([]llmSummary, 0, len(room.LLMs))
		for _, l := range room.LLMs {
			llms = append(llms, llmSummary{ID: string(l.ID), Model: l.Model, DisplayName: l.DisplayName})
		}
		info := protocol.NewRoomInfo(room)
		summaries = append(summaries, roomSummary{
			RoomID:      info.ID,
			Name:        info.Name,
			CreatedAt:   info.CreatedAt,
			CreatedBy:   string(room.CreatedBy),
			Description: info.Description,
			Visibility:  info.Visibility,
			LLMs:        llms,
		})
	}

	c.JSON(http.StatusOK, listRoomsResponse{Rooms: summaries, NextCursor: string(nextCursor)})
}

func (s *Server) getRoom(c *gin.Context) {
	roomID := types.RoomID(c.Param("roomId"))

	room, err := s.store.GetRoom(c.Request.Context(), roomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to get room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get room"})
		return
	}

	participants, err := s.store.GetParticipants(c.Request.Context(), roomID)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to load participants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get room"})
		return
	}

	// Only currently connected participants are reported here; the full
	// roster with online flags goes out in room_state over the socket.
	online := s.registry.OnlineUserIDs(roomID)
	onlineParticipants := make([]protocol.ParticipantInfo, 0)
	for _, p := range participants {
		if online.Has(p.UserID) {
			onlineParticipants = append(onlineParticipants, protocol.NewParticipantInfo(p, true))
		}
	}

	llms := make([]llmDetail, 0, len(room.LLMs))
	for _, l := range room.LLMs {
		llms = append(llms, llmDetail{
			ID:          string(l.ID),
			Model:       l.Model,
			DisplayName: l.DisplayName,
			Persona:     l.Persona,
		})
	}
	info := protocol.NewRoomInfo(room)

	c.JSON(http.StatusOK, getRoomResponse{
		Room: roomDetail{
			RoomID:      info.ID,
			Name:        info.Name,
			CreatedAt:   info.CreatedAt,
			CreatedBy:   string(room.CreatedBy),
			Description: info.Description,
			Visibility:  info.Visibility,
			LLMs:        llms,
		},
		Participants: onlineParticipants,
	})
}

func (s *Server) loadHistory(c *gin.Context) {
	roomID := types.RoomID(c.Param("roomId"))
	limit := intQuery(c, "limit", 50)
	cursor := c.Query("cursor")

	messages, nextCursor, err := s.store.LoadHistory(c.Request.Context(), roomID, limit, cursor)
	if errors.Is(err, store.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to load history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	out := make([]historyMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, historyMessage{
			ID: string(m.MessageID),
			Sender: protocol.SenderInfo{
				ID:   m.SenderID,
				Name: m.SenderName,
				Type: string(m.SenderType),
			},
			Content:   m.Content,
			ReplyTo:   string(m.ReplyTo),
			Timestamp: m.Timestamp.UnixMilli(),
			PollID:    string(m.PollID),
		})
	}

	c.JSON(http.StatusOK, loadHistoryResponse{Messages: out, NextCursor: nextCursor})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
