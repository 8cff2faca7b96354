// Package protocol defines the JSON frame vocabulary exchanged over a room
// session WebSocket: the tagged client frame union and the tagged server
// event union. Wire structs are kept separate from the domain model so the
// client contract can evolve without touching the store.
package protocol

import (
	"encoding/json"

	"github.com/parleyhq/parley/internal/v1/types"
)

// Client frame tags.
const (
	FrameJoin                  = "join"
	FrameMessage               = "message"
	FrameTyping                = "typing"
	FrameInterrupt             = "interrupt"
	FrameAddLLM                = "add_llm"
	FrameUpdateLLM             = "update_llm"
	FrameRemoveLLM             = "remove_llm"
	FrameUpdateRoomDescription = "update_room_description"
	FrameCreatePoll            = "create_poll"
	FrameCastVote              = "cast_vote"
	FrameClosePoll             = "close_poll"
	FramePing                  = "ping"
)

// Server event tags. A received chat message is rendered with the tag
// "message" and a typing indicator with "typing"; the remaining events use
// their own names.
const (
	EventRoomState   = "room_state"
	EventMessage     = "message"
	EventUserJoined  = "user_joined"
	EventUserLeft    = "user_left"
	EventTyping      = "typing"
	EventLLMThinking = "llm_thinking"
	EventLLMChunk    = "llm_chunk"
	EventLLMDone     = "llm_done"
	EventLLMAdded    = "llm_added"
	EventLLMUpdated  = "llm_updated"
	EventLLMRemoved  = "llm_removed"
	EventRoomUpdated = "room_updated"
	EventPollCreated = "poll_created"
	EventPollVoted   = "poll_voted"
	EventPollClosed  = "poll_closed"
	EventError       = "error"
	EventPong        = "pong"
)

// Error codes carried in error events.
const (
	CodeRoomNotFound = "ROOM_NOT_FOUND"
	CodeInvalidPoll  = "INVALID_POLL"
	CodeLLMError     = "LLM_ERROR"
)

// ClientFrame is the inbound tagged union. Fields are populated according
// to Type; unknown tags are ignored by the session layer.
type ClientFrame struct {
	Type string `json:"type"`

	// join
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	Title  string `json:"title,omitempty"`
	Avatar string `json:"avatar,omitempty"`

	// message
	Content  string   `json:"content,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	ReplyTo  string   `json:"reply_to,omitempty"`

	// typing
	IsTyping bool `json:"is_typing,omitempty"`

	// interrupt, remove_llm
	LLMID string `json:"llm_id,omitempty"`

	// add_llm
	LLM *LLMInfo `json:"llm,omitempty"`

	// update_room_description
	Description string `json:"description,omitempty"`

	// create_poll
	Question      string            `json:"question,omitempty"`
	Options       []PollOptionInput `json:"options,omitempty"`
	AllowMultiple bool              `json:"allow_multiple,omitempty"`
	Anonymous     bool              `json:"anonymous,omitempty"`
	Mandatory     bool              `json:"mandatory,omitempty"`

	// cast_vote, close_poll
	PollID    string   `json:"poll_id,omitempty"`
	OptionIDs []string `json:"option_ids,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// PollOptionInput is one option in a create_poll frame.
type PollOptionInput struct {
	Text        string `json:"text"`
	Description string `json:"description,omitempty"`
}

// ParseClientFrame decodes one inbound frame.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

// UpdateLLMFrame is the update_llm payload, decoded in a second pass so
// absent fields stay nil and mean "leave unchanged". The key names overlap
// with join fields, which is why it cannot share the flat ClientFrame.
type UpdateLLMFrame struct {
	LLMID       string  `json:"llm_id"`
	Model       *string `json:"model"`
	Persona     *string `json:"persona"`
	DisplayName *string `json:"display_name"`
	Title       *string `json:"title"`
	ChatStyle   *int    `json:"chat_style"`
	Avatar      *string `json:"avatar"`
}

// ParseUpdateLLMFrame decodes an update_llm frame.
func ParseUpdateLLMFrame(data []byte) (UpdateLLMFrame, error) {
	var f UpdateLLMFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

// ServerEvent is implemented by every outbound event struct.
type ServerEvent interface {
	EventType() string
}

// RoomInfo is the wire rendering of room metadata.
type RoomInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

// LLMInfo is the wire rendering of an LLM configuration.
type LLMInfo struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	DisplayName string `json:"display_name"`
	Persona     string `json:"persona"`
	Title       string `json:"title"`
	ChatStyle   int    `json:"chat_style"`
	Avatar      string `json:"avatar"`
}

// ParticipantInfo is the wire rendering of a room participant.
type ParticipantInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	IsOnline bool   `json:"is_online"`
	Avatar   string `json:"avatar"`
}

// SenderInfo identifies the author of a message.
type SenderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// MessageEvent is both the message_received broadcast and the history entry
// inside room_state. Its tag is "message".
type MessageEvent struct {
	Type      string     `json:"type"`
	ID        string     `json:"id"`
	Sender    SenderInfo `json:"sender"`
	Content   string     `json:"content"`
	Timestamp int64      `json:"timestamp"`
	ReplyTo   string     `json:"reply_to,omitempty"`
	PollID    string     `json:"poll_id,omitempty"`
}

func (MessageEvent) EventType() string { return EventMessage }

// VoteInfo is the wire rendering of one recorded vote.
type VoteInfo struct {
	VoterID   string `json:"voter_id"`
	VoterName string `json:"voter_name"`
	Reason    string `json:"reason"`
	VotedAt   int64  `json:"voted_at"`
}

// PollOptionInfo is the wire rendering of a poll option with its votes.
type PollOptionInfo struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	Description string     `json:"description"`
	Votes       []VoteInfo `json:"votes"`
}

// PollInfo is the wire rendering of a poll.
type PollInfo struct {
	PollID        string           `json:"poll_id"`
	RoomID        string           `json:"room_id"`
	CreatorID     string           `json:"creator_id"`
	CreatorName   string           `json:"creator_name"`
	CreatorType   string           `json:"creator_type"`
	Question      string           `json:"question"`
	Options       []PollOptionInfo `json:"options"`
	AllowMultiple bool             `json:"allow_multiple"`
	Anonymous     bool             `json:"anonymous"`
	Mandatory     bool             `json:"mandatory"`
	Status        string           `json:"status"`
	CreatedAt     int64            `json:"created_at"`
	ClosedAt      int64            `json:"closed_at"`
}

// RoomStateEvent is sent once to a joining handler.
type RoomStateEvent struct {
	Type         string            `json:"type"`
	Room         RoomInfo          `json:"room"`
	Participants []ParticipantInfo `json:"participants"`
	Messages     []MessageEvent    `json:"messages"`
	LLMs         []LLMInfo         `json:"llms"`
	Polls        []PollInfo        `json:"polls"`
}

func (RoomStateEvent) EventType() string { return EventRoomState }

// UserJoinedEvent announces a newly joined participant to the rest of the room.
type UserJoinedEvent struct {
	Type string          `json:"type"`
	User ParticipantInfo `json:"user"`
}

func (UserJoinedEvent) EventType() string { return EventUserJoined }

// UserLeftEvent announces that a user's last session in the room closed.
type UserLeftEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

func (UserLeftEvent) EventType() string { return EventUserLeft }

// TypingUser identifies who is typing.
type TypingUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TypingEvent relays a typing indicator to the rest of the room.
type TypingEvent struct {
	Type     string     `json:"type"`
	User     TypingUser `json:"user"`
	IsTyping bool       `json:"is_typing"`
}

func (TypingEvent) EventType() string { return EventTyping }

// LLMThinkingEvent precedes all chunks of one LLM call.
type LLMThinkingEvent struct {
	Type    string `json:"type"`
	LLMID   string `json:"llm_id"`
	ReplyTo string `json:"reply_to"`
}

func (LLMThinkingEvent) EventType() string { return EventLLMThinking }

// LLMChunkEvent carries one streamed content fragment. MessageID is stable
// across all chunks of a call and equals the stored message id.
type LLMChunkEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	LLMID     string `json:"llm_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to"`
}

func (LLMChunkEvent) EventType() string { return EventLLMChunk }

// LLMDoneEvent terminates one LLM call. MessageID is empty when the call
// was interrupted or produced no stored message.
type LLMDoneEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	LLMID     string `json:"llm_id"`
}

func (LLMDoneEvent) EventType() string { return EventLLMDone }

// LLMAddedEvent announces a new LLM configuration.
type LLMAddedEvent struct {
	Type string  `json:"type"`
	LLM  LLMInfo `json:"llm"`
}

func (LLMAddedEvent) EventType() string { return EventLLMAdded }

// LLMUpdatedEvent carries the full updated configuration.
type LLMUpdatedEvent struct {
	Type string  `json:"type"`
	LLM  LLMInfo `json:"llm"`
}

func (LLMUpdatedEvent) EventType() string { return EventLLMUpdated }

// LLMRemovedEvent announces an LLM removal.
type LLMRemovedEvent struct {
	Type  string `json:"type"`
	LLMID string `json:"llm_id"`
}

func (LLMRemovedEvent) EventType() string { return EventLLMRemoved }

// RoomUpdatedEvent carries refreshed room metadata.
type RoomUpdatedEvent struct {
	Type string   `json:"type"`
	Room RoomInfo `json:"room"`
}

func (RoomUpdatedEvent) EventType() string { return EventRoomUpdated }

// PollCreatedEvent announces a new poll.
type PollCreatedEvent struct {
	Type string   `json:"type"`
	Poll PollInfo `json:"poll"`
}

func (PollCreatedEvent) EventType() string { return EventPollCreated }

// PollVotedEvent announces one recorded vote.
type PollVotedEvent struct {
	Type     string   `json:"type"`
	PollID   string   `json:"poll_id"`
	OptionID string   `json:"option_id"`
	Vote     VoteInfo `json:"vote"`
}

func (PollVotedEvent) EventType() string { return EventPollVoted }

// PollClosedEvent announces that a poll stopped accepting votes.
type PollClosedEvent struct {
	Type         string `json:"type"`
	PollID       string `json:"poll_id"`
	ClosedByID   string `json:"closed_by_id"`
	ClosedByName string `json:"closed_by_name"`
}

func (PollClosedEvent) EventType() string { return EventPollClosed }

// ErrorEvent reports a failure to the client.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (ErrorEvent) EventType() string { return EventError }

// PongEvent answers a ping frame.
type PongEvent struct {
	Type string `json:"type"`
}

func (PongEvent) EventType() string { return EventPong }

// --- Domain to wire converters ---

// NewRoomInfo renders room metadata for the wire.
func NewRoomInfo(r types.Room) RoomInfo {
	return RoomInfo{
		ID:          string(r.RoomID),
		Name:        r.Name,
		CreatedAt:   r.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Description: r.Description,
		Visibility:  string(r.Visibility),
	}
}

// NewLLMInfo renders an LLM configuration for the wire.
func NewLLMInfo(cfg types.LLMConfig) LLMInfo {
	return LLMInfo{
		ID:          string(cfg.ID),
		Model:       cfg.Model,
		DisplayName: cfg.DisplayName,
		Persona:     cfg.Persona,
		Title:       cfg.Title,
		ChatStyle:   int(cfg.ChatStyle),
		Avatar:      cfg.Avatar,
	}
}

// NewParticipantInfo renders a participant with its derived online state.
func NewParticipantInfo(p types.Participant, online bool) ParticipantInfo {
	return ParticipantInfo{
		ID:       string(p.UserID),
		Name:     p.DisplayName,
		Role:     string(p.Role),
		Type:     string(types.ParticipantHuman),
		Title:    p.Title,
		IsOnline: online,
		Avatar:   p.Avatar,
	}
}

// NewMessageEvent renders a stored message for the wire.
func NewMessageEvent(m types.Message) MessageEvent {
	return MessageEvent{
		Type: EventMessage,
		ID:   string(m.MessageID),
		Sender: SenderInfo{
			ID:   m.SenderID,
			Name: m.SenderName,
			Type: string(m.SenderType),
		},
		Content:   m.Content,
		Timestamp: m.Timestamp.UnixMilli(),
		ReplyTo:   string(m.ReplyTo),
		PollID:    string(m.PollID),
	}
}

// NewVoteInfo renders a vote for the wire.
func NewVoteInfo(v types.Vote) VoteInfo {
	return VoteInfo{
		VoterID:   v.VoterID,
		VoterName: v.VoterName,
		Reason:    v.Reason,
		VotedAt:   v.VotedAt.UnixMilli(),
	}
}

// NewPollInfo renders a poll for the wire.
func NewPollInfo(p types.Poll) PollInfo {
	options := make([]PollOptionInfo, 0, len(p.Options))
	for _, opt := range p.Options {
		votes := make([]VoteInfo, 0, len(opt.Votes))
		for _, v := range opt.Votes {
			votes = append(votes, NewVoteInfo(v))
		}
		options = append(options, PollOptionInfo{
			ID:          opt.ID,
			Text:        opt.Text,
			Description: opt.Description,
			Votes:       votes,
		})
	}

	var closedAt int64
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt.UnixMilli()
	}
	return PollInfo{
		PollID:        string(p.PollID),
		RoomID:        string(p.RoomID),
		CreatorID:     p.CreatorID,
		CreatorName:   p.CreatorName,
		CreatorType:   string(p.CreatorType),
		Question:      p.Question,
		Options:       options,
		AllowMultiple: p.AllowMultiple,
		Anonymous:     p.Anonymous,
		Mandatory:     p.Mandatory,
		Status:        string(p.Status),
		CreatedAt:     p.CreatedAt.UnixMilli(),
		ClosedAt:      closedAt,
	}
}
