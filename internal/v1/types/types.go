// Package types holds the core domain model shared by the store, the
// session layer, and the LLM dispatcher. Everything here is plain data;
// behavior lives in the packages that own the state.
package types

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Identifier Types ---

// RoomID is an opaque 12-hex-char room identifier.
type RoomID string

// UserID identifies a human participant.
type UserID string

// LLMID identifies an LLM configuration within a room.
type LLMID string

// MessageID is an opaque 16-hex-char message identifier.
type MessageID string

// PollID is an opaque 12-hex-char poll identifier.
type PollID string

// --- Enums ---

// Role defines the permission level of a human participant.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleMember  Role = "member"
	RoleViewer  Role = "viewer"
	RoleUnknown Role = "unknown"
)

// ParseRole maps a wire string to a Role, defaulting to member.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "member":
		return RoleMember
	case "viewer":
		return RoleViewer
	}
	return RoleMember
}

// ParticipantType distinguishes humans from LLM assistants.
type ParticipantType string

const (
	ParticipantHuman ParticipantType = "human"
	ParticipantLLM   ParticipantType = "llm"
)

// Visibility controls whether a room is enumerable by everyone.
// Visibility gates enumeration, not access: get-by-id is unrestricted.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ParseVisibility maps a wire string to a Visibility, defaulting to public.
func ParseVisibility(s string) Visibility {
	if s == string(VisibilityPrivate) {
		return VisibilityPrivate
	}
	return VisibilityPublic
}

// PollStatus is the lifecycle state of a poll. Closing is one-way.
type PollStatus string

const (
	PollOpen   PollStatus = "open"
	PollClosed PollStatus = "closed"
)

// ChatStyle selects the response-style directive injected into an LLM's
// system prompt.
type ChatStyle int

const (
	ChatStyleDefault        ChatStyle = 0
	ChatStyleConversational ChatStyle = 1
	ChatStyleDetailed       ChatStyle = 2
	ChatStyleBullet         ChatStyle = 3
)

// --- Domain Records ---

// LLMConfig is a room-scoped recipe describing one assistant.
type LLMConfig struct {
	ID          LLMID
	Model       string
	Persona     string
	DisplayName string
	Title       string
	ChatStyle   ChatStyle
	Avatar      string
}

// Room is a named container for messages, participants, LLM
// configurations, and polls.
type Room struct {
	RoomID      RoomID
	Name        string
	Description string
	CreatedAt   time.Time
	CreatedBy   UserID
	Visibility  Visibility
	LLMs        []LLMConfig
}

// Participant is a human user known to a room. Online/offline is derived
// from the registry, not stored here.
type Participant struct {
	UserID      UserID
	RoomID      RoomID
	DisplayName string
	Role        Role
	JoinedAt    time.Time
	Title       string
	Avatar      string
}

// Message is one entry in a room's append-only history.
type Message struct {
	MessageID  MessageID
	RoomID     RoomID
	SenderID   string
	SenderName string
	SenderType ParticipantType
	Content    string
	ReplyTo    MessageID
	PollID     PollID
	Timestamp  time.Time
	SortKey    string
}

// Vote is one voter's choice on a poll option.
type Vote struct {
	VoterID   string
	VoterName string
	Reason    string
	VotedAt   time.Time
}

// PollOption is a single selectable answer with its recorded votes.
type PollOption struct {
	ID          string
	Text        string
	Description string
	Votes       []Vote
}

// Poll is an interactive vote attached to a room.
type Poll struct {
	PollID        PollID
	RoomID        RoomID
	CreatorID     string
	CreatorName   string
	CreatorType   ParticipantType
	Question      string
	Options       []PollOption
	AllowMultiple bool
	Anonymous     bool
	Mandatory     bool
	Status        PollStatus
	CreatedAt     time.Time
	ClosedAt      time.Time
}

// --- Identifier Generation ---

// hexID returns the first n hex characters of a random UUID.
func hexID(n int) string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:n]
}

// NewRoomID generates a 12-hex-char room id.
func NewRoomID() RoomID { return RoomID(hexID(12)) }

// NewMessageID generates a 16-hex-char message id.
func NewMessageID() MessageID { return MessageID(hexID(16)) }

// NewPollID generates a 12-hex-char poll id.
func NewPollID() PollID { return PollID(hexID(12)) }

// NewOptionID generates an 8-hex-char poll option id.
func NewOptionID() string { return hexID(8) }

// MessageSortKey builds the lexicographically ordered key that defines
// history iteration order. The epoch-millisecond prefix keeps keys sorted
// chronologically; the id suffix breaks ties between same-millisecond
// appends.
func MessageSortKey(t time.Time, id MessageID) string {
	return fmt.Sprintf("MSG#%d#%s", t.UnixMilli(), id)
}
