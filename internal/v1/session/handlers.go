package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

// roomStateHistoryLimit caps the history snapshot sent to a joining user.
const roomStateHistoryLimit = 50

func (h *StreamHandler) handleJoin(ctx context.Context, frame protocol.ClientFrame) {
	room, err := h.store.GetRoom(ctx, h.roomID)
	if err != nil {
		_ = h.Enqueue(ctx, protocol.ErrorEvent{
			Type:  protocol.EventError,
			Code:  protocol.CodeRoomNotFound,
			Error: fmt.Sprintf("Room %s does not exist", h.roomID),
		})
		return
	}

	h.mu.Lock()
	h.userID = types.UserID(frame.UserID)
	h.displayName = frame.Name
	h.role = types.ParseRole(frame.Role)
	h.joined = true
	h.mu.Unlock()

	participant, err := h.store.AddParticipant(ctx, store.AddParticipantParams{
		RoomID:      h.roomID,
		UserID:      types.UserID(frame.UserID),
		DisplayName: frame.Name,
		Role:        types.ParseRole(frame.Role),
		Title:       frame.Title,
		Avatar:      frame.Avatar,
	})
	if err != nil {
		logging.Error(ctx, "Failed to persist participant",
			zap.String("room_id", string(h.roomID)), zap.Error(err))
		return
	}

	h.registry.Register(h.roomID, h)

	messages, _, err := h.store.LoadHistory(ctx, h.roomID, roomStateHistoryLimit, "")
	if err != nil {
		logging.Error(ctx, "Failed to load history for room state",
			zap.String("room_id", string(h.roomID)), zap.Error(err))
		return
	}
	participants, err := h.store.GetParticipants(ctx, h.roomID)
	if err != nil {
		logging.Error(ctx, "Failed to load participants for room state",
			zap.String("room_id", string(h.roomID)), zap.Error(err))
		return
	}
	activePolls, err := h.store.ListRoomPolls(ctx, h.roomID, true)
	if err != nil {
		logging.Error(ctx, "Failed to load polls for room state",
			zap.String("room_id", string(h.roomID)), zap.Error(err))
		return
	}

	online := h.registry.OnlineUserIDs(h.roomID)
	participantInfos := make([]protocol.ParticipantInfo, 0, len(participants))
	for _, p := range participants {
		participantInfos = append(participantInfos, protocol.NewParticipantInfo(p, online.Has(p.UserID)))
	}
	messageEvents := make([]protocol.MessageEvent, 0, len(messages))
	for _, m := range messages {
		messageEvents = append(messageEvents, protocol.NewMessageEvent(m))
	}
	llmInfos := make([]protocol.LLMInfo, 0, len(room.LLMs))
	for _, cfg := range room.LLMs {
		llmInfos = append(llmInfos, protocol.NewLLMInfo(cfg))
	}
	pollInfos := make([]protocol.PollInfo, 0, len(activePolls))
	for _, p := range activePolls {
		pollInfos = append(pollInfos, protocol.NewPollInfo(p))
	}

	_ = h.Enqueue(ctx, protocol.RoomStateEvent{
		Type:         protocol.EventRoomState,
		Room:         protocol.NewRoomInfo(room),
		Participants: participantInfos,
		Messages:     messageEvents,
		LLMs:         llmInfos,
		Polls:        pollInfos,
	})

	h.registry.BroadcastExcept(ctx, h.roomID, protocol.UserJoinedEvent{
		Type: protocol.EventUserJoined,
		User: protocol.NewParticipantInfo(participant, true),
	}, types.UserID(frame.UserID))

	logging.Info(ctx, "User joined room",
		zap.String("user_id", frame.UserID),
		zap.String("display_name", frame.Name),
		zap.String("room_id", string(h.roomID)))
}

func (h *StreamHandler) handleMessage(ctx context.Context, frame protocol.ClientFrame) {
	userID, displayName, ok := h.identity()
	if !ok {
		return
	}

	stored, err := h.store.AddMessage(ctx, store.AddMessageParams{
		RoomID:     h.roomID,
		SenderID:   string(userID),
		SenderName: displayName,
		SenderType: types.ParticipantHuman,
		Content:    frame.Content,
		ReplyTo:    types.MessageID(frame.ReplyTo),
	})
	if err != nil {
		logging.Error(ctx, "Failed to store message",
			zap.String("room_id", string(h.roomID)), zap.Error(err))
		return
	}

	h.registry.Broadcast(ctx, h.roomID, protocol.NewMessageEvent(stored))

	room, err := h.store.GetRoom(ctx, h.roomID)
	if err != nil {
		return
	}
	h.dispatcher.DispatchMentions(ctx, h.ownerID, h.roomID,
		frame.Content, frame.Mentions, stored.MessageID, room)
}

func (h *StreamHandler) handleTyping(ctx context.Context, frame protocol.ClientFrame) {
	userID, displayName, ok := h.identity()
	if !ok {
		return
	}
	h.registry.BroadcastExcept(ctx, h.roomID, protocol.TypingEvent{
		Type:     protocol.EventTyping,
		User:     protocol.TypingUser{ID: string(userID), Name: displayName},
		IsTyping: frame.IsTyping,
	}, userID)
}

func (h *StreamHandler) handleInterrupt(ctx context.Context, frame protocol.ClientFrame) {
	if _, _, ok := h.identity(); !ok {
		return
	}
	cancelled := h.dispatcher.CancelLLMTask(ctx, types.LLMID(frame.LLMID), h.roomID)
	logging.Info(ctx, "Interrupt requested",
		zap.String("llm_id", frame.LLMID),
		zap.Bool("cancelled", cancelled))
}

func (h *StreamHandler) handleAddLLM(ctx context.Context, frame protocol.ClientFrame) {
	if _, _, ok := h.identity(); !ok {
		return
	}
	if frame.LLM == nil {
		return
	}

	cfg := types.LLMConfig{
		ID:          types.LLMID(frame.LLM.ID),
		Model:       frame.LLM.Model,
		Persona:     frame.LLM.Persona,
		DisplayName: frame.LLM.DisplayName,
		Title:       frame.LLM.Title,
		ChatStyle:   types.ChatStyle(frame.LLM.ChatStyle),
		Avatar:      frame.LLM.Avatar,
	}
	if cfg.ID == "" {
		cfg.ID = types.LLMID(strings.ToLower(strings.ReplaceAll(cfg.DisplayName, " ", "_")))
	}

	if err := h.store.AddLLM(ctx, h.roomID, cfg); err != nil {
		logging.Warn(ctx, "Failed to add LLM",
			zap.String("room_id", string(h.roomID)),
			zap.String("llm_id", string(cfg.ID)), zap.Error(err))
		return
	}

	h.registry.Broadcast(ctx, h.roomID, protocol.LLMAddedEvent{
		Type: protocol.EventLLMAdded,
		LLM:  protocol.NewLLMInfo(cfg),
	})
	logging.Info(ctx, "LLM added to room",
		zap.String("llm_id", string(cfg.ID)), zap.String("room_id", string(h.roomID)))
}

func (h *StreamHandler) handleUpdateLLM(ctx context.Context, raw []byte) {
	if _, _, ok := h.identity(); !ok {
		return
	}
	frame, err := protocol.ParseUpdateLLMFrame(raw)
	if err != nil {
		logging.Warn(ctx, "Failed to parse update_llm frame",
			zap.String("room_id", string(h.roomID)), zap.Error(err))
		return
	}

	patch := store.LLMPatch{
		Model:       frame.Model,
		Persona:     frame.Persona,
		DisplayName: frame.DisplayName,
		Title:       frame.Title,
		Avatar:      frame.Avatar,
	}
	if frame.ChatStyle != nil {
		style := types.ChatStyle(*frame.ChatStyle)
		patch.ChatStyle = &style
	}

	updated, err := h.store.UpdateLLM(ctx, h.roomID, types.LLMID(frame.LLMID), patch)
	if err != nil {
		logging.Warn(ctx, "Failed to update LLM",
			zap.String("room_id", string(h.roomID)),
			zap.String("llm_id", frame.LLMID), zap.Error(err))
		return
	}

	h.registry.Broadcast(ctx, h.roomID, protocol.LLMUpdatedEvent{
		Type: protocol.EventLLMUpdated,
		LLM:  protocol.NewLLMInfo(updated),
	})
	logging.Info(ctx, "LLM updated",
		zap.String("llm_id", frame.LLMID), zap.String("room_id", string(h.roomID)))
}

func (h *StreamHandler) handleRemoveLLM(ctx context.Context, frame protocol.ClientFrame) {
	if _, _, ok := h.identity(); !ok {
		return
	}
	if err := h.store.RemoveLLM(ctx, h.roomID, types.LLMID(frame.LLMID)); err != nil {
		logging.Warn(ctx, "Failed to remove LLM",
			zap.String("room_id", string(h.roomID)),
			zap.String("llm_id", frame.LLMID), zap.Error(err))
		return
	}

	h.registry.Broadcast(ctx, h.roomID, protocol.LLMRemovedEvent{
		Type:  protocol.EventLLMRemoved,
		LLMID: frame.LLMID,
	})
	logging.Info(ctx, "LLM removed",
		zap.String("llm_id", frame.LLMID), zap.String("room_id", string(h.roomID)))
}

func (h *StreamHandler) handleUpdateRoomDescription(ctx context.Context, frame protocol.ClientFrame) {
	userID, _, ok := h.identity()
	if !ok {
		return
	}
	room, err := h.store.UpdateRoomDescription(ctx, h.roomID, frame.Description)
	if err != nil {
		logging.Warn(ctx, "Failed to update room description",
			zap.String("room_id", string(h.roomID)), zap.Error(err))
		return
	}

	h.registry.Broadcast(ctx, h.roomID, protocol.RoomUpdatedEvent{
		Type: protocol.EventRoomUpdated,
		Room: protocol.NewRoomInfo(room),
	})
	logging.Info(ctx, "Room description updated",
		zap.String("room_id", string(h.roomID)), zap.String("user_id", string(userID)))
}

func (h *StreamHandler) handleCreatePoll(ctx context.Context, frame protocol.ClientFrame) {
	userID, displayName, ok := h.identity()
	if !ok {
		return
	}

	if len(frame.Options) < 2 {
		_ = h.Enqueue(ctx, protocol.ErrorEvent{
			Type:  protocol.EventError,
			Code:  protocol.CodeInvalidPoll,
			Error: "Poll must have at least 2 options",
		})
		return
	}

	options := make([]store.PollOptionInput, 0, len(frame.Options))
	for _, opt := range frame.Options {
		options = append(options, store.PollOptionInput{Text: opt.Text, Description: opt.Description})
	}

	poll, err := h.store.CreatePoll(ctx, store.CreatePollParams{
		RoomID:        h.roomID,
		CreatorID:     string(userID),
		CreatorName:   displayName,
		CreatorType:   types.ParticipantHuman,
		Question:      frame.Question,
		Options:       options,
		AllowMultiple: frame.AllowMultiple,
		Anonymous:     frame.Anonymous,
		Mandatory:     frame.Mandatory,
	})
	if errors.Is(err, store.ErrInvalidPoll) {
		_ = h.Enqueue(ctx, protocol.ErrorEvent{
			Type:  protocol.EventError,
			Code:  protocol.CodeInvalidPoll,
			Error: "Poll must have at least 2 options",
		})
		return
	}
	if err != nil {
		logging.Error(ctx, "Failed to create poll",
			zap.String("room_id", string(h.roomID)), zap.Error(err))
		return
	}

	// The anchor message places the poll in chat history; its poll_id tells
	// clients to render the poll card in place.
	anchor, err := h.store.AddMessage(ctx, store.AddMessageParams{
		RoomID:     h.roomID,
		SenderID:   string(userID),
		SenderName: displayName,
		SenderType: types.ParticipantHuman,
		Content:    frame.Question,
		PollID:     poll.PollID,
	})
	if err != nil {
		logging.Error(ctx, "Failed to store poll anchor message",
			zap.String("room_id", string(h.roomID)), zap.Error(err))
		return
	}

	h.registry.Broadcast(ctx, h.roomID, protocol.NewMessageEvent(anchor))
	h.registry.Broadcast(ctx, h.roomID, protocol.PollCreatedEvent{
		Type: protocol.EventPollCreated,
		Poll: protocol.NewPollInfo(poll),
	})
	logging.Info(ctx, "Poll created",
		zap.String("poll_id", string(poll.PollID)),
		zap.String("room_id", string(h.roomID)),
		zap.String("user_id", string(userID)))

	h.dispatcher.DispatchPollVoting(ctx, h.ownerID, h.roomID,
		poll.PollID, poll.Question, poll.Options, poll.Mandatory, anchor.MessageID)
}

func (h *StreamHandler) handleCastVote(ctx context.Context, frame protocol.ClientFrame) {
	userID, displayName, ok := h.identity()
	if !ok {
		return
	}

	for _, optionID := range frame.OptionIDs {
		result, err := h.store.AddVote(ctx, store.AddVoteParams{
			PollID:    types.PollID(frame.PollID),
			OptionID:  optionID,
			VoterID:   string(userID),
			VoterName: displayName,
			Reason:    frame.Reason,
		})
		if err != nil || result == nil {
			continue
		}
		h.registry.Broadcast(ctx, h.roomID, protocol.PollVotedEvent{
			Type:     protocol.EventPollVoted,
			PollID:   string(result.Poll.PollID),
			OptionID: result.Option.ID,
			Vote:     protocol.NewVoteInfo(result.Vote),
		})
		logging.Info(ctx, "Vote cast",
			zap.String("poll_id", frame.PollID),
			zap.String("option_id", optionID),
			zap.String("user_id", string(userID)))
	}
}

func (h *StreamHandler) handleClosePoll(ctx context.Context, frame protocol.ClientFrame) {
	userID, displayName, ok := h.identity()
	if !ok {
		return
	}

	poll, err := h.store.ClosePoll(ctx, types.PollID(frame.PollID))
	if err != nil {
		logging.Warn(ctx, "Failed to close poll",
			zap.String("poll_id", frame.PollID), zap.Error(err))
		return
	}

	h.registry.Broadcast(ctx, h.roomID, protocol.PollClosedEvent{
		Type:         protocol.EventPollClosed,
		PollID:       string(poll.PollID),
		ClosedByID:   string(userID),
		ClosedByName: displayName,
	})
	logging.Info(ctx, "Poll closed",
		zap.String("poll_id", string(poll.PollID)),
		zap.String("user_id", string(userID)))
}
