package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/mention"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/provider"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Token budgets per call kind.
const (
	maxTokensReply = 1500
	maxTokensPoll  = 500
)

// callContext is the shared input of one LLM call.
type callContext struct {
	room         types.Room
	onlineHumans []string
	recent       []types.Message
	tools        []provider.ToolDefinition
	systemPrompt string
}

// buildContext loads everything a call needs. A false result means the room
// vanished and the call should abort silently.
func (d *Dispatcher) buildContext(ctx context.Context, roomID types.RoomID, llm types.LLMConfig, extraInstruction string, customTools []provider.ToolDefinition) (callContext, bool) {
	room, err := d.store.GetRoom(ctx, roomID)
	if err != nil {
		return callContext{}, false
	}

	online := d.registry.OnlineUserIDs(roomID)
	participants, err := d.store.GetParticipants(ctx, roomID)
	if err != nil {
		return callContext{}, false
	}
	var onlineHumans []string
	for _, p := range participants {
		if online.Has(p.UserID) {
			onlineHumans = append(onlineHumans, p.DisplayName)
		}
	}

	recent, _, err := d.store.LoadHistory(ctx, roomID, d.historyWindow, "")
	if err != nil {
		return callContext{}, false
	}

	tools := customTools
	if tools == nil {
		activePolls, err := d.store.ListRoomPolls(ctx, roomID, true)
		if err != nil {
			return callContext{}, false
		}
		tools = buildRoomTools(room, activePolls)
	}

	return callContext{
		room:         room,
		onlineHumans: onlineHumans,
		recent:       recent,
		tools:        tools,
		systemPrompt: buildSystemPrompt(llm, room, onlineHumans, extraInstruction),
	}, true
}

// formatHistory turns the recent messages into provider chat turns. The
// calling LLM's own messages become assistant turns with raw content;
// everything else becomes a user turn prefixed with the sender's name.
func formatHistory(cc callContext, llm types.LLMConfig) []provider.ChatMessage {
	messages := make([]provider.ChatMessage, 0, len(cc.recent)+1)
	messages = append(messages, provider.ChatMessage{Role: provider.RoleSystem, Content: cc.systemPrompt})

	for _, msg := range cc.recent {
		if msg.SenderType == types.ParticipantLLM && msg.SenderID == string(llm.ID) {
			messages = append(messages, provider.ChatMessage{Role: provider.RoleAssistant, Content: msg.Content})
			continue
		}
		messages = append(messages, provider.ChatMessage{
			Role:    provider.RoleUser,
			Content: msg.SenderName + ": " + msg.Content,
		})
	}
	return messages
}

// callLLM runs one general reply call: stream content chunks to the room,
// interpret tool calls, store the final message, and chain any mentions
// the LLM produced.
func (d *Dispatcher) callLLM(ctx context.Context, owner OwnerID, roomID types.RoomID, llm types.LLMConfig, triggerMsgID types.MessageID) {
	llmID := llm.ID
	cc, ok := d.buildContext(ctx, roomID, llm, "", nil)
	if !ok {
		return
	}

	start := time.Now()
	d.broadcastThinking(ctx, roomID, llmID, triggerMsgID)

	chatMessages := formatHistory(cc, llm)
	responseMsgID := types.NewMessageID()
	var full strings.Builder
	optedOut := false
	var pendingMentions []string

	stream, err := d.provider.StreamChat(ctx, provider.StreamRequest{
		Model:     llm.Model,
		Messages:  chatMessages,
		Tools:     cc.tools,
		MaxTokens: maxTokensReply,
	})
	if err != nil {
		d.broadcastError(ctx, roomID, llm.DisplayName, err.Error())
		metrics.LLMCalls.WithLabelValues("reply", "error").Inc()
		return
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				// Interrupted: no partial store, no events; the canceller
				// emits the terminal llm_done.
				metrics.LLMCalls.WithLabelValues("reply", "cancelled").Inc()
				logging.Info(ctx, "LLM call cancelled", zap.String("llm_id", string(llmID)))
				return
			}
			logging.Error(ctx, "Chat provider stream error",
				zap.String("llm_id", string(llmID)), zap.Error(err))
			d.broadcastError(ctx, roomID, llm.DisplayName, err.Error())
			metrics.LLMCalls.WithLabelValues("reply", "error").Inc()
			return
		}

		if delta.OptedOut {
			optedOut = true
			logging.Info(ctx, "LLM opted out of responding", zap.String("llm_id", string(llmID)))
			break
		}

		for _, tc := range delta.ToolCalls {
			switch tc.Name {
			case toolOptOut:
				optedOut = true
				logging.Info(ctx, "LLM opted out via tool call", zap.String("llm_id", string(llmID)))
			case toolMention:
				var args mentionToolArgs
				if json.Unmarshal([]byte(tc.Arguments), &args) == nil && args.Participant != "" {
					pendingMentions = append(pendingMentions, args.Participant)
					logging.Info(ctx, "LLM mentioned participant",
						zap.String("llm_id", string(llmID)),
						zap.String("participant", args.Participant))
				}
			case toolVoteOnPoll:
				d.handleVoteToolCall(ctx, roomID, llm, tc.Arguments)
			}
		}
		if optedOut {
			break
		}

		if delta.Content != "" {
			full.WriteString(delta.Content)
			d.broadcastChunk(ctx, roomID, responseMsgID, llmID, delta.Content, triggerMsgID)
		}
	}

	if ctx.Err() != nil {
		metrics.LLMCalls.WithLabelValues("reply", "cancelled").Inc()
		return
	}

	if optedOut {
		d.broadcastDone(ctx, roomID, responseMsgID, llmID)
		metrics.LLMCalls.WithLabelValues("reply", "opt_out").Inc()
		return
	}

	finalContent := stripSelfNamePrefix(full.String(), llm.DisplayName)
	logging.Info(ctx, "LLM call finished",
		zap.String("llm_id", string(llmID)),
		zap.Int("content_len", len(finalContent)),
		zap.Strings("pending_mentions", pendingMentions),
	)

	if strings.TrimSpace(finalContent) == "" {
		d.broadcastDone(ctx, roomID, responseMsgID, llmID)
		metrics.LLMCalls.WithLabelValues("reply", "ok").Inc()
		metrics.LLMCallDuration.WithLabelValues("reply").Observe(time.Since(start).Seconds())
		return
	}

	stored, err := d.storeResponse(ctx, roomID, llm, finalContent, triggerMsgID, responseMsgID)
	if err != nil {
		logging.Error(ctx, "Failed to store LLM response",
			zap.String("llm_id", string(llmID)), zap.Error(err))
		d.broadcastDone(ctx, roomID, responseMsgID, llmID)
		metrics.LLMCalls.WithLabelValues("reply", "error").Inc()
		return
	}

	d.broadcastDone(ctx, roomID, stored.MessageID, llmID)
	metrics.LLMCalls.WithLabelValues("reply", "ok").Inc()
	metrics.LLMCallDuration.WithLabelValues("reply").Observe(time.Since(start).Seconds())

	// Text @mentions in the final content are a fallback for models that
	// skip the mention tool; merge them without duplicating tool mentions.
	for _, token := range mention.ExtractTokens(finalContent) {
		normalized := mention.Normalize(token)
		if normalized == "" {
			continue
		}
		dup := false
		for _, m := range pendingMentions {
			if strings.EqualFold(m, normalized) {
				dup = true
				break
			}
		}
		if !dup {
			pendingMentions = append(pendingMentions, normalized)
		}
	}

	if len(pendingMentions) > 0 {
		d.DispatchLLMMentions(ctx, owner, roomID, cc.room, pendingMentions, stored.MessageID, llmID)
	}
}

// storeResponse appends the final LLM message under the streaming id. An id
// collision gets a single regeneration retry; the chunks already broadcast
// keep the old id, so the retry trades chunk-id unity for not losing the
// response.
func (d *Dispatcher) storeResponse(ctx context.Context, roomID types.RoomID, llm types.LLMConfig, content string, triggerMsgID, responseMsgID types.MessageID) (types.Message, error) {
	params := store.AddMessageParams{
		RoomID:     roomID,
		SenderID:   string(llm.ID),
		SenderName: llm.DisplayName,
		SenderType: types.ParticipantLLM,
		Content:    content,
		ReplyTo:    triggerMsgID,
		MessageID:  responseMsgID,
	}
	stored, err := d.store.AddMessage(ctx, params)
	if errors.Is(err, store.ErrDuplicateMessageID) {
		logging.Warn(ctx, "Streaming message id collided, regenerating",
			zap.String("llm_id", string(llm.ID)),
			zap.String("message_id", string(responseMsgID)))
		params.MessageID = types.NewMessageID()
		stored, err = d.store.AddMessage(ctx, params)
	}
	return stored, err
}

// callLLMForPoll runs one poll-voting call with the narrowed tool set.
func (d *Dispatcher) callLLMForPoll(ctx context.Context, roomID types.RoomID, llm types.LLMConfig, pollID types.PollID, question string, options []types.PollOption, mandatory bool, triggerMsgID types.MessageID) {
	llmID := llm.ID
	instruction := pollInstruction(pollID, question, options, mandatory)
	pollTools := buildPollTools(pollID, question, options, mandatory)

	cc, ok := d.buildContext(ctx, roomID, llm, instruction, pollTools)
	if !ok {
		return
	}

	start := time.Now()
	d.broadcastThinking(ctx, roomID, llmID, triggerMsgID)

	chatMessages := formatHistory(cc, llm)
	responseMsgID := types.NewMessageID()
	var full strings.Builder
	voted := false

	stream, err := d.provider.StreamChat(ctx, provider.StreamRequest{
		Model:     llm.Model,
		Messages:  chatMessages,
		Tools:     cc.tools,
		MaxTokens: maxTokensPoll,
	})
	if err != nil {
		logging.Error(ctx, "Chat provider error on poll call",
			zap.String("llm_id", string(llmID)), zap.Error(err))
		metrics.LLMCalls.WithLabelValues("poll", "error").Inc()
		return
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				metrics.LLMCalls.WithLabelValues("poll", "cancelled").Inc()
				return
			}
			logging.Error(ctx, "Chat provider stream error on poll call",
				zap.String("llm_id", string(llmID)), zap.Error(err))
			metrics.LLMCalls.WithLabelValues("poll", "error").Inc()
			return
		}

		for _, tc := range delta.ToolCalls {
			switch tc.Name {
			case toolVoteOnPoll:
				if d.handleVoteToolCall(ctx, roomID, llm, tc.Arguments) {
					voted = true
				}
			case toolOptOut:
				if !mandatory {
					logging.Info(ctx, "LLM opted out of poll voting", zap.String("llm_id", string(llmID)))
				}
			}
		}

		if delta.Content != "" {
			full.WriteString(delta.Content)
			d.broadcastChunk(ctx, roomID, responseMsgID, llmID, delta.Content, triggerMsgID)
		}
	}

	if ctx.Err() != nil {
		metrics.LLMCalls.WithLabelValues("poll", "cancelled").Inc()
		return
	}

	finalContent := stripSelfNamePrefix(full.String(), llm.DisplayName)
	if strings.TrimSpace(finalContent) != "" {
		if _, err := d.storeResponse(ctx, roomID, llm, finalContent, triggerMsgID, responseMsgID); err != nil {
			logging.Error(ctx, "Failed to store poll response",
				zap.String("llm_id", string(llmID)), zap.Error(err))
		}
	}

	d.broadcastDone(ctx, roomID, responseMsgID, llmID)
	metrics.LLMCalls.WithLabelValues("poll", "ok").Inc()
	metrics.LLMCallDuration.WithLabelValues("poll").Observe(time.Since(start).Seconds())

	if mandatory && !voted {
		logging.Warn(ctx, "LLM did not vote on mandatory poll",
			zap.String("llm_id", string(llmID)),
			zap.String("poll_id", string(pollID)))
	}
}

// handleVoteToolCall applies a vote_on_poll tool call: one store vote per
// option id, each accepted vote broadcast as poll_voted. Reports whether
// at least one vote was recorded.
func (d *Dispatcher) handleVoteToolCall(ctx context.Context, roomID types.RoomID, llm types.LLMConfig, arguments string) bool {
	var args voteToolArgs
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			logging.Warn(ctx, "Invalid vote arguments",
				zap.String("llm_id", string(llm.ID)), zap.String("arguments", arguments))
			return false
		}
	}
	if args.PollID == "" || len(args.OptionIDs) == 0 {
		logging.Warn(ctx, "Vote tool call missing poll_id or option_ids",
			zap.String("llm_id", string(llm.ID)))
		return false
	}

	voted := false
	for _, optionID := range args.OptionIDs {
		result, err := d.store.AddVote(ctx, store.AddVoteParams{
			PollID:    types.PollID(args.PollID),
			OptionID:  optionID,
			VoterID:   string(llm.ID),
			VoterName: llm.DisplayName,
			Reason:    args.Reason,
		})
		if err != nil || result == nil {
			continue
		}
		d.registry.Broadcast(ctx, roomID, protocol.PollVotedEvent{
			Type:     protocol.EventPollVoted,
			PollID:   string(result.Poll.PollID),
			OptionID: result.Option.ID,
			Vote:     protocol.NewVoteInfo(result.Vote),
		})
		voted = true
		logging.Info(ctx, "LLM voted on poll",
			zap.String("llm_id", string(llm.ID)),
			zap.String("poll_id", args.PollID),
			zap.String("option_id", optionID))
	}
	return voted
}

func (d *Dispatcher) broadcastThinking(ctx context.Context, roomID types.RoomID, llmID types.LLMID, replyTo types.MessageID) {
	d.registry.Broadcast(ctx, roomID, protocol.LLMThinkingEvent{
		Type:    protocol.EventLLMThinking,
		LLMID:   string(llmID),
		ReplyTo: string(replyTo),
	})
}

func (d *Dispatcher) broadcastChunk(ctx context.Context, roomID types.RoomID, msgID types.MessageID, llmID types.LLMID, content string, replyTo types.MessageID) {
	d.registry.Broadcast(ctx, roomID, protocol.LLMChunkEvent{
		Type:      protocol.EventLLMChunk,
		MessageID: string(msgID),
		LLMID:     string(llmID),
		Content:   content,
		ReplyTo:   string(replyTo),
	})
}

func (d *Dispatcher) broadcastDone(ctx context.Context, roomID types.RoomID, msgID types.MessageID, llmID types.LLMID) {
	d.registry.Broadcast(ctx, roomID, protocol.LLMDoneEvent{
		Type:      protocol.EventLLMDone,
		MessageID: string(msgID),
		LLMID:     string(llmID),
	})
}

func (d *Dispatcher) broadcastError(ctx context.Context, roomID types.RoomID, llmName, detail string) {
	d.registry.Broadcast(ctx, roomID, protocol.ErrorEvent{
		Type:  protocol.EventError,
		Code:  protocol.CodeLLMError,
		Error: "Error from " + llmName + ": " + detail,
	})
}
