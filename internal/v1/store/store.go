// Package store holds the authoritative in-memory state for rooms,
// participants, messages, and polls.
//
// The interface takes a context and returns errors so a durable backend
// can be substituted later without changing callers. All operations are
// safe under concurrent callers; a single coarse lock serializes writes.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

var (
	// ErrRoomNotFound is returned when an operation targets an unknown room.
	ErrRoomNotFound = errors.New("room not found")

	// ErrLLMNotFound is returned when an LLM id does not exist in the room.
	ErrLLMNotFound = errors.New("llm not found in room")

	// ErrDuplicateLLM is returned when adding an LLM whose id is already taken.
	ErrDuplicateLLM = errors.New("llm id already exists in room")

	// ErrPollNotFound is returned when a poll id is unknown.
	ErrPollNotFound = errors.New("poll not found")

	// ErrInvalidPoll is returned when a poll is created with fewer than two options.
	ErrInvalidPoll = errors.New("poll must have at least 2 options")

	// ErrDuplicateMessageID is returned when an externally supplied message id
	// collides with an existing message in the room.
	ErrDuplicateMessageID = errors.New("message id already exists in room")
)

// CreateRoomParams carries the inputs for MemoryStore.CreateRoom.
type CreateRoomParams struct {
	Name        string
	Description string
	CreatedBy   types.UserID
	Visibility  types.Visibility
	LLMs        []types.LLMConfig
}

// AddParticipantParams carries the inputs for MemoryStore.AddParticipant.
type AddParticipantParams struct {
	RoomID      types.RoomID
	UserID      types.UserID
	DisplayName string
	Role        types.Role
	Title       string
	Avatar      string
}

// AddMessageParams carries the inputs for MemoryStore.AddMessage.
// MessageID is optional: when set, the store uses it instead of generating
// one, so streaming chunk ids and the stored message id stay unified.
type AddMessageParams struct {
	RoomID     types.RoomID
	SenderID   string
	SenderName string
	SenderType types.ParticipantType
	Content    string
	ReplyTo    types.MessageID
	PollID     types.PollID
	MessageID  types.MessageID
}

// LLMPatch is a field-by-field update for an LLM configuration.
// Nil fields are left unchanged.
type LLMPatch struct {
	Model       *string
	Persona     *string
	DisplayName *string
	Title       *string
	ChatStyle   *types.ChatStyle
	Avatar      *string
}

// CreatePollParams carries the inputs for MemoryStore.CreatePoll.
type CreatePollParams struct {
	RoomID        types.RoomID
	CreatorID     string
	CreatorName   string
	CreatorType   types.ParticipantType
	Question      string
	Options       []PollOptionInput
	AllowMultiple bool
	Anonymous     bool
	Mandatory     bool
}

// PollOptionInput is one option at poll creation time.
type PollOptionInput struct {
	Text        string
	Description string
}

// AddVoteParams carries the inputs for MemoryStore.AddVote.
type AddVoteParams struct {
	PollID    types.PollID
	OptionID  string
	VoterID   string
	VoterName string
	Reason    string
}

// VoteResult is returned by AddVote when a vote was recorded.
type VoteResult struct {
	Poll   types.Poll
	Option types.PollOption
	Vote   types.Vote
}

type participantKey struct {
	roomID types.RoomID
	userID types.UserID
}

// MemoryStore is the in-memory implementation of the room state store.
// All data is lost on process exit.
type MemoryStore struct {
	mu           sync.RWMutex
	rooms        map[types.RoomID]*types.Room
	messages     map[types.RoomID][]types.Message
	participants map[participantKey]*types.Participant
	polls        map[types.PollID]*types.Poll
	roomPolls    map[types.RoomID][]types.PollID

	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:        make(map[types.RoomID]*types.Room),
		messages:     make(map[types.RoomID][]types.Message),
		participants: make(map[participantKey]*types.Participant),
		polls:        make(map[types.PollID]*types.Poll),
		roomPolls:    make(map[types.RoomID][]types.PollID),
		now:          time.Now,
	}
}

// CreateRoom creates a new room and returns it.
func (s *MemoryStore) CreateRoom(ctx context.Context, p CreateRoomParams) (types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := &types.Room{
		RoomID:      types.NewRoomID(),
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   s.now().UTC(),
		CreatedBy:   p.CreatedBy,
		Visibility:  p.Visibility,
		LLMs:        append([]types.LLMConfig(nil), p.LLMs...),
	}
	s.rooms[room.RoomID] = room
	s.messages[room.RoomID] = nil
	metrics.ActiveRooms.Inc()
	return cloneRoom(room), nil
}

// GetRoom returns the room by id. Visibility does not gate direct access.
func (s *MemoryStore) GetRoom(ctx context.Context, roomID types.RoomID) (types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return types.Room{}, ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

// ListRooms returns rooms sorted by creation time descending.
//
// Private rooms appear only when userID matches the creator. The cursor is
// the room id of the last room in the previous page; an unknown or empty
// cursor resumes from the beginning. The next cursor is non-empty only when
// the page filled exactly limit entries.
func (s *MemoryStore) ListRooms(ctx context.Context, userID types.UserID, limit int, cursor types.RoomID) ([]types.Room, types.RoomID, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]*types.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		if r.Visibility == types.VisibilityPrivate && r.CreatedBy != userID {
			continue
		}
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})

	start := 0
	if cursor != "" {
		for i, r := range rooms {
			if r.RoomID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start > len(rooms) {
		start = len(rooms)
	}

	end := start + limit
	if end > len(rooms) {
		end = len(rooms)
	}
	page := make([]types.Room, 0, end-start)
	for _, r := range rooms[start:end] {
		page = append(page, cloneRoom(r))
	}

	var next types.RoomID
	if len(page) == limit {
		next = page[len(page)-1].RoomID
	}
	return page, next, nil
}

// AddParticipant upserts a participant. Re-joining updates mutable
// attributes without resetting the join timestamp.
func (s *MemoryStore) AddParticipant(ctx context.Context, p AddParticipantParams) (types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[p.RoomID]; !ok {
		return types.Participant{}, ErrRoomNotFound
	}

	key := participantKey{roomID: p.RoomID, userID: p.UserID}
	existing, ok := s.participants[key]
	if !ok {
		existing = &types.Participant{
			UserID:   p.UserID,
			RoomID:   p.RoomID,
			JoinedAt: s.now().UTC(),
		}
		s.participants[key] = existing
	}
	existing.DisplayName = p.DisplayName
	existing.Role = p.Role
	existing.Title = p.Title
	existing.Avatar = p.Avatar
	return *existing, nil
}

// GetParticipants returns every participant ever seen in the room.
func (s *MemoryStore) GetParticipants(ctx context.Context, roomID types.RoomID) ([]types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Participant
	for key, p := range s.participants {
		if key.roomID == roomID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// AddMessage appends a message to the room history and returns it with its
// assigned id, timestamp, and sort key. An externally supplied id that
// collides with an existing message is rejected with ErrDuplicateMessageID.
func (s *MemoryStore) AddMessage(ctx context.Context, p AddMessageParams) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[p.RoomID]; !ok {
		return types.Message{}, ErrRoomNotFound
	}

	msgID := p.MessageID
	if msgID == "" {
		msgID = types.NewMessageID()
	} else {
		for _, m := range s.messages[p.RoomID] {
			if m.MessageID == msgID {
				return types.Message{}, ErrDuplicateMessageID
			}
		}
	}

	now := s.now().UTC()
	msg := types.Message{
		MessageID:  msgID,
		RoomID:     p.RoomID,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		SenderType: p.SenderType,
		Content:    p.Content,
		ReplyTo:    p.ReplyTo,
		PollID:     p.PollID,
		Timestamp:  now,
		SortKey:    types.MessageSortKey(now, msgID),
	}
	s.messages[p.RoomID] = append(s.messages[p.RoomID], msg)
	metrics.MessagesStored.WithLabelValues(string(p.SenderType)).Inc()
	return msg, nil
}

// LoadHistory pages backward through a room's history.
//
// The cursor is a message sort key; the page holds up to limit messages
// strictly older than it, in chronological ascending order. The next cursor
// is the sort key of the oldest returned message, present only when older
// messages remain.
func (s *MemoryStore) LoadHistory(ctx context.Context, roomID types.RoomID, limit int, cursor string) ([]types.Message, string, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil, "", ErrRoomNotFound
	}

	msgs := s.messages[roomID]
	end := len(msgs)
	if cursor != "" {
		for i, m := range msgs {
			if m.SortKey == cursor {
				end = i
				break
			}
		}
	}

	start := end - limit
	if start < 0 {
		start = 0
	}
	page := append([]types.Message(nil), msgs[start:end]...)

	var next string
	if start > 0 && len(page) > 0 {
		next = page[0].SortKey
	}
	return page, next, nil
}

// AddLLM appends an LLM configuration to the room. Ids are unique per room.
func (s *MemoryStore) AddLLM(ctx context.Context, roomID types.RoomID, cfg types.LLMConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	for _, llm := range room.LLMs {
		if llm.ID == cfg.ID {
			return ErrDuplicateLLM
		}
	}
	room.LLMs = append(room.LLMs, cfg)
	return nil
}

// UpdateLLM applies a per-field patch and returns the updated configuration.
func (s *MemoryStore) UpdateLLM(ctx context.Context, roomID types.RoomID, llmID types.LLMID, patch LLMPatch) (types.LLMConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return types.LLMConfig{}, ErrRoomNotFound
	}
	for i := range room.LLMs {
		if room.LLMs[i].ID != llmID {
			continue
		}
		llm := &room.LLMs[i]
		if patch.Model != nil {
			llm.Model = *patch.Model
		}
		if patch.Persona != nil {
			llm.Persona = *patch.Persona
		}
		if patch.DisplayName != nil {
			llm.DisplayName = *patch.DisplayName
		}
		if patch.Title != nil {
			llm.Title = *patch.Title
		}
		if patch.ChatStyle != nil {
			llm.ChatStyle = *patch.ChatStyle
		}
		if patch.Avatar != nil {
			llm.Avatar = *patch.Avatar
		}
		return *llm, nil
	}
	return types.LLMConfig{}, ErrLLMNotFound
}

// RemoveLLM deletes the LLM configuration from the room.
func (s *MemoryStore) RemoveLLM(ctx context.Context, roomID types.RoomID, llmID types.LLMID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	for i, llm := range room.LLMs {
		if llm.ID == llmID {
			room.LLMs = append(room.LLMs[:i], room.LLMs[i+1:]...)
			return nil
		}
	}
	return ErrLLMNotFound
}

// UpdateRoomDescription replaces the room description and returns the room.
func (s *MemoryStore) UpdateRoomDescription(ctx context.Context, roomID types.RoomID, description string) (types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return types.Room{}, ErrRoomNotFound
	}
	room.Description = description
	return cloneRoom(room), nil
}

// CreatePoll creates an open poll with at least two options.
func (s *MemoryStore) CreatePoll(ctx context.Context, p CreatePollParams) (types.Poll, error) {
	if len(p.Options) < 2 {
		return types.Poll{}, ErrInvalidPoll
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[p.RoomID]; !ok {
		return types.Poll{}, ErrRoomNotFound
	}

	options := make([]types.PollOption, 0, len(p.Options))
	for _, opt := range p.Options {
		options = append(options, types.PollOption{
			ID:          types.NewOptionID(),
			Text:        opt.Text,
			Description: opt.Description,
		})
	}

	poll := &types.Poll{
		PollID:        types.NewPollID(),
		RoomID:        p.RoomID,
		CreatorID:     p.CreatorID,
		CreatorName:   p.CreatorName,
		CreatorType:   p.CreatorType,
		Question:      p.Question,
		Options:       options,
		AllowMultiple: p.AllowMultiple,
		Anonymous:     p.Anonymous,
		Mandatory:     p.Mandatory,
		Status:        types.PollOpen,
		CreatedAt:     s.now().UTC(),
	}
	s.polls[poll.PollID] = poll
	s.roomPolls[p.RoomID] = append(s.roomPolls[p.RoomID], poll.PollID)
	return clonePoll(poll), nil
}

// GetPoll returns the poll by id.
func (s *MemoryStore) GetPoll(ctx context.Context, pollID types.PollID) (types.Poll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	poll, ok := s.polls[pollID]
	if !ok {
		return types.Poll{}, ErrPollNotFound
	}
	return clonePoll(poll), nil
}

// ListRoomPolls returns the room's polls in creation order. With activeOnly
// set, closed polls are skipped.
func (s *MemoryStore) ListRoomPolls(ctx context.Context, roomID types.RoomID, activeOnly bool) ([]types.Poll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Poll
	for _, pollID := range s.roomPolls[roomID] {
		poll := s.polls[pollID]
		if activeOnly && poll.Status != types.PollOpen {
			continue
		}
		out = append(out, clonePoll(poll))
	}
	return out, nil
}

// AddVote records a vote and returns the updated poll, the option voted on,
// and the stored vote. A nil result with a nil error means the vote was not
// recorded: unknown poll or option, closed poll, or a duplicate vote on the
// same option.
//
// When the poll does not allow multiple choices, all prior votes by the
// voter are removed in the same critical section as the new vote.
func (s *MemoryStore) AddVote(ctx context.Context, p AddVoteParams) (*VoteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	poll, ok := s.polls[p.PollID]
	if !ok || poll.Status != types.PollOpen {
		return nil, nil
	}

	optIdx := -1
	for i := range poll.Options {
		if poll.Options[i].ID == p.OptionID {
			optIdx = i
			break
		}
	}
	if optIdx < 0 {
		return nil, nil
	}

	for _, v := range poll.Options[optIdx].Votes {
		if v.VoterID == p.VoterID {
			return nil, nil
		}
	}

	if !poll.AllowMultiple {
		for i := range poll.Options {
			kept := poll.Options[i].Votes[:0]
			for _, v := range poll.Options[i].Votes {
				if v.VoterID != p.VoterID {
					kept = append(kept, v)
				}
			}
			poll.Options[i].Votes = kept
		}
	}

	vote := types.Vote{
		VoterID:   p.VoterID,
		VoterName: p.VoterName,
		Reason:    p.Reason,
		VotedAt:   s.now().UTC(),
	}
	poll.Options[optIdx].Votes = append(poll.Options[optIdx].Votes, vote)

	return &VoteResult{
		Poll:   clonePoll(poll),
		Option: cloneOption(&poll.Options[optIdx]),
		Vote:   vote,
	}, nil
}

// ClosePoll marks the poll closed and returns it. Closing an already closed
// poll is a no-op that still returns the poll.
func (s *MemoryStore) ClosePoll(ctx context.Context, pollID types.PollID) (types.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	poll, ok := s.polls[pollID]
	if !ok {
		return types.Poll{}, ErrPollNotFound
	}
	if poll.Status == types.PollOpen {
		poll.Status = types.PollClosed
		poll.ClosedAt = s.now().UTC()
	}
	return clonePoll(poll), nil
}

// cloneRoom copies a room so callers never alias store-internal slices.
func cloneRoom(r *types.Room) types.Room {
	out := *r
	out.LLMs = append([]types.LLMConfig(nil), r.LLMs...)
	return out
}

func cloneOption(o *types.PollOption) types.PollOption {
	out := *o
	out.Votes = append([]types.Vote(nil), o.Votes...)
	return out
}

func clonePoll(p *types.Poll) types.Poll {
	out := *p
	out.Options = make([]types.PollOption, len(p.Options))
	for i := range p.Options {
		out.Options[i] = cloneOption(&p.Options[i])
	}
	return out
}
