package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/types"
)

func newTestStore() *MemoryStore {
	s := NewMemoryStore()
	// Deterministic, strictly increasing clock so ordering assertions hold
	// even when appends land within the same wall-clock millisecond.
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return s
}

func mustCreateRoom(t *testing.T, s *MemoryStore, name string, llms ...types.LLMConfig) types.Room {
	t.Helper()
	room, err := s.CreateRoom(context.Background(), CreateRoomParams{
		Name:       name,
		CreatedBy:  "alice",
		Visibility: types.VisibilityPublic,
		LLMs:       llms,
	})
	require.NoError(t, err)
	return room
}

func TestCreateAndGetRoom(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, CreateRoomParams{
		Name:        "design review",
		Description: "weekly sync",
		CreatedBy:   "alice",
		Visibility:  types.VisibilityPublic,
		LLMs:        []types.LLMConfig{{ID: "claude", DisplayName: "Claude", Model: "claude-3"}},
	})
	require.NoError(t, err)
	assert.Len(t, room.RoomID, 12)

	got, err := s.GetRoom(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, "design review", got.Name)
	assert.Equal(t, "weekly sync", got.Description)
	assert.Equal(t, types.UserID("alice"), got.CreatedBy)
	require.Len(t, got.LLMs, 1)
	assert.Equal(t, types.LLMID("claude"), got.LLMs[0].ID)
}

func TestGetRoomNotFound(t *testing.T) {
	s := newTestStore()
	_, err := s.GetRoom(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestGetRoomReturnsCopy(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r", types.LLMConfig{ID: "claude", DisplayName: "Claude"})

	got, err := s.GetRoom(ctx, room.RoomID)
	require.NoError(t, err)
	got.LLMs[0].DisplayName = "mutated"

	again, err := s.GetRoom(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, "Claude", again.LLMs[0].DisplayName)
}

func TestListRoomsPagination(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var created []types.RoomID
	for i := 0; i < 5; i++ {
		room := mustCreateRoom(t, s, fmt.Sprintf("room-%d", i))
		created = append(created, room.RoomID)
	}

	// Newest first.
	page1, cursor, err := s.ListRooms(ctx, "", 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, created[4], page1[0].RoomID)
	assert.Equal(t, created[3], page1[1].RoomID)
	assert.Equal(t, page1[1].RoomID, cursor)

	page2, cursor, err := s.ListRooms(ctx, "", 2, cursor)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, created[2], page2[0].RoomID)
	assert.Equal(t, created[1], page2[1].RoomID)
	require.NotEmpty(t, cursor)

	page3, cursor, err := s.ListRooms(ctx, "", 2, cursor)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, created[0], page3[0].RoomID)
	assert.Empty(t, cursor)
}

func TestListRoomsUnknownCursorResumesFromStart(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	mustCreateRoom(t, s, "a")
	newest := mustCreateRoom(t, s, "b")

	page, _, err := s.ListRooms(ctx, "", 10, "bogus-cursor")
	require.NoError(t, err)
	require.NotEmpty(t, page)
	assert.Equal(t, newest.RoomID, page[0].RoomID)
}

func TestListRoomsPrivateVisibility(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.CreateRoom(ctx, CreateRoomParams{Name: "public", CreatedBy: "alice", Visibility: types.VisibilityPublic})
	require.NoError(t, err)
	private, err := s.CreateRoom(ctx, CreateRoomParams{Name: "private", CreatedBy: "alice", Visibility: types.VisibilityPrivate})
	require.NoError(t, err)

	// Creator sees both.
	rooms, _, err := s.ListRooms(ctx, "alice", 10, "")
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	// Others see only the public room.
	rooms, _, err = s.ListRooms(ctx, "bob", 10, "")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "public", rooms[0].Name)

	// Anonymous listing excludes private rooms too.
	rooms, _, err = s.ListRooms(ctx, "", 10, "")
	require.NoError(t, err)
	require.Len(t, rooms, 1)

	// Direct get is not gated by visibility.
	_, err = s.GetRoom(ctx, private.RoomID)
	assert.NoError(t, err)
}

func TestAddParticipantUpsert(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r")

	first, err := s.AddParticipant(ctx, AddParticipantParams{
		RoomID: room.RoomID, UserID: "alice", DisplayName: "Alice", Role: types.RoleAdmin,
	})
	require.NoError(t, err)

	second, err := s.AddParticipant(ctx, AddParticipantParams{
		RoomID: room.RoomID, UserID: "alice", DisplayName: "Alice B", Role: types.RoleMember, Title: "Engineer",
	})
	require.NoError(t, err)

	// Re-joining updates attributes but keeps the original join time.
	assert.Equal(t, first.JoinedAt, second.JoinedAt)
	assert.Equal(t, "Alice B", second.DisplayName)
	assert.Equal(t, types.RoleMember, second.Role)

	participants, err := s.GetParticipants(ctx, room.RoomID)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, "Alice B", participants[0].DisplayName)
}

func TestAddParticipantUnknownRoom(t *testing.T) {
	s := newTestStore()
	_, err := s.AddParticipant(context.Background(), AddParticipantParams{RoomID: "nope", UserID: "alice"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestAddMessageAssignsIDAndSortKey(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r")

	msg, err := s.AddMessage(ctx, AddMessageParams{
		RoomID: room.RoomID, SenderID: "alice", SenderName: "Alice",
		SenderType: types.ParticipantHuman, Content: "hello",
	})
	require.NoError(t, err)
	assert.Len(t, msg.MessageID, 16)
	assert.Equal(t, types.MessageSortKey(msg.Timestamp, msg.MessageID), msg.SortKey)
}

func TestAddMessageExternalID(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r")

	external := types.NewMessageID()
	msg, err := s.AddMessage(ctx, AddMessageParams{
		RoomID: room.RoomID, SenderID: "claude", SenderName: "Claude",
		SenderType: types.ParticipantLLM, Content: "hi", MessageID: external,
	})
	require.NoError(t, err)
	assert.Equal(t, external, msg.MessageID)

	// Re-using an id in the same room is rejected.
	_, err = s.AddMessage(ctx, AddMessageParams{
		RoomID: room.RoomID, SenderID: "claude", SenderName: "Claude",
		SenderType: types.ParticipantLLM, Content: "again", MessageID: external,
	})
	assert.ErrorIs(t, err, ErrDuplicateMessageID)
}

func TestLoadHistoryPagination(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r")

	for i := 0; i < 120; i++ {
		_, err := s.AddMessage(ctx, AddMessageParams{
			RoomID: room.RoomID, SenderID: "alice", SenderName: "Alice",
			SenderType: types.ParticipantHuman, Content: fmt.Sprintf("msg-%d", i),
		})
		require.NoError(t, err)
	}

	// Most recent 50, chronological ascending.
	page1, cursor1, err := s.LoadHistory(ctx, room.RoomID, 50, "")
	require.NoError(t, err)
	require.Len(t, page1, 50)
	assert.Equal(t, "msg-70", page1[0].Content)
	assert.Equal(t, "msg-119", page1[49].Content)
	require.NotEmpty(t, cursor1)
	assert.Equal(t, page1[0].SortKey, cursor1)

	page2, cursor2, err := s.LoadHistory(ctx, room.RoomID, 50, cursor1)
	require.NoError(t, err)
	require.Len(t, page2, 50)
	assert.Equal(t, "msg-20", page2[0].Content)
	assert.Equal(t, "msg-69", page2[49].Content)
	require.NotEmpty(t, cursor2)

	page3, cursor3, err := s.LoadHistory(ctx, room.RoomID, 50, cursor2)
	require.NoError(t, err)
	require.Len(t, page3, 20)
	assert.Equal(t, "msg-0", page3[0].Content)
	assert.Equal(t, "msg-19", page3[19].Content)
	assert.Empty(t, cursor3)
}

func TestLoadHistoryEmptyRoom(t *testing.T) {
	s := newTestStore()
	room := mustCreateRoom(t, s, "r")

	msgs, cursor, err := s.LoadHistory(context.Background(), room.RoomID, 50, "")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, cursor)
}

func TestLLMConfigMutations(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r", types.LLMConfig{ID: "claude", DisplayName: "Claude", Model: "claude-3"})

	err := s.AddLLM(ctx, room.RoomID, types.LLMConfig{ID: "gemini", DisplayName: "Gemini", Model: "gemini-pro"})
	require.NoError(t, err)

	err = s.AddLLM(ctx, room.RoomID, types.LLMConfig{ID: "claude"})
	assert.ErrorIs(t, err, ErrDuplicateLLM)

	newModel := "claude-4"
	style := types.ChatStyleBullet
	updated, err := s.UpdateLLM(ctx, room.RoomID, "claude", LLMPatch{Model: &newModel, ChatStyle: &style})
	require.NoError(t, err)
	assert.Equal(t, "claude-4", updated.Model)
	assert.Equal(t, types.ChatStyleBullet, updated.ChatStyle)
	// Unpatched fields untouched.
	assert.Equal(t, "Claude", updated.DisplayName)

	_, err = s.UpdateLLM(ctx, room.RoomID, "missing", LLMPatch{})
	assert.ErrorIs(t, err, ErrLLMNotFound)

	err = s.RemoveLLM(ctx, room.RoomID, "gemini")
	require.NoError(t, err)
	err = s.RemoveLLM(ctx, room.RoomID, "gemini")
	assert.ErrorIs(t, err, ErrLLMNotFound)

	got, err := s.GetRoom(ctx, room.RoomID)
	require.NoError(t, err)
	require.Len(t, got.LLMs, 1)
	assert.Equal(t, types.LLMID("claude"), got.LLMs[0].ID)
}

func TestUpdateRoomDescription(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r")

	updated, err := s.UpdateRoomDescription(ctx, room.RoomID, "new purpose")
	require.NoError(t, err)
	assert.Equal(t, "new purpose", updated.Description)

	_, err = s.UpdateRoomDescription(ctx, "nope", "x")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func makePoll(t *testing.T, s *MemoryStore, roomID types.RoomID, allowMultiple bool) types.Poll {
	t.Helper()
	poll, err := s.CreatePoll(context.Background(), CreatePollParams{
		RoomID: roomID, CreatorID: "alice", CreatorName: "Alice",
		CreatorType: types.ParticipantHuman, Question: "Pick lunch",
		Options: []PollOptionInput{
			{Text: "Pizza"},
			{Text: "Sushi", Description: "raw fish"},
		},
		AllowMultiple: allowMultiple,
	})
	require.NoError(t, err)
	return poll
}

func TestCreatePollRequiresTwoOptions(t *testing.T) {
	s := newTestStore()
	room := mustCreateRoom(t, s, "r")

	_, err := s.CreatePoll(context.Background(), CreatePollParams{
		RoomID:   room.RoomID,
		Question: "only one",
		Options:  []PollOptionInput{{Text: "alone"}},
	})
	assert.ErrorIs(t, err, ErrInvalidPoll)
}

func TestCreatePoll(t *testing.T) {
	s := newTestStore()
	room := mustCreateRoom(t, s, "r")
	poll := makePoll(t, s, room.RoomID, false)

	assert.Len(t, poll.PollID, 12)
	assert.Equal(t, types.PollOpen, poll.Status)
	require.Len(t, poll.Options, 2)
	assert.Len(t, poll.Options[0].ID, 8)
	assert.Equal(t, "Pizza", poll.Options[0].Text)
	assert.Equal(t, "raw fish", poll.Options[1].Description)

	active, err := s.ListRoomPolls(context.Background(), room.RoomID, true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestAddVoteSingleChoiceReplacesPrior(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r")
	poll := makePoll(t, s, room.RoomID, false)

	res, err := s.AddVote(ctx, AddVoteParams{
		PollID: poll.PollID, OptionID: poll.Options[0].ID,
		VoterID: "bob", VoterName: "Bob",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, poll.Options[0].ID, res.Option.ID)

	// Switching to the other option removes the first vote.
	res, err = s.AddVote(ctx, AddVoteParams{
		PollID: poll.PollID, OptionID: poll.Options[1].ID,
		VoterID: "bob", VoterName: "Bob",
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	got, err := s.GetPoll(ctx, poll.PollID)
	require.NoError(t, err)
	assert.Empty(t, got.Options[0].Votes)
	require.Len(t, got.Options[1].Votes, 1)
	assert.Equal(t, "bob", got.Options[1].Votes[0].VoterID)
}

func TestAddVoteAllowMultiple(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r")
	poll := makePoll(t, s, room.RoomID, true)

	for _, opt := range poll.Options {
		res, err := s.AddVote(ctx, AddVoteParams{
			PollID: poll.PollID, OptionID: opt.ID, VoterID: "bob", VoterName: "Bob",
		})
		require.NoError(t, err)
		require.NotNil(t, res)
	}

	got, err := s.GetPoll(ctx, poll.PollID)
	require.NoError(t, err)
	assert.Len(t, got.Options[0].Votes, 1)
	assert.Len(t, got.Options[1].Votes, 1)
}

func TestAddVoteRejections(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r")
	poll := makePoll(t, s, room.RoomID, false)

	// Unknown poll.
	res, err := s.AddVote(ctx, AddVoteParams{PollID: "nope", OptionID: poll.Options[0].ID, VoterID: "bob"})
	require.NoError(t, err)
	assert.Nil(t, res)

	// Unknown option.
	res, err = s.AddVote(ctx, AddVoteParams{PollID: poll.PollID, OptionID: "nope", VoterID: "bob"})
	require.NoError(t, err)
	assert.Nil(t, res)

	// Duplicate vote on the same option.
	res, err = s.AddVote(ctx, AddVoteParams{PollID: poll.PollID, OptionID: poll.Options[0].ID, VoterID: "bob"})
	require.NoError(t, err)
	require.NotNil(t, res)
	res, err = s.AddVote(ctx, AddVoteParams{PollID: poll.PollID, OptionID: poll.Options[0].ID, VoterID: "bob"})
	require.NoError(t, err)
	assert.Nil(t, res)

	// Closed poll.
	_, err = s.ClosePoll(ctx, poll.PollID)
	require.NoError(t, err)
	res, err = s.AddVote(ctx, AddVoteParams{PollID: poll.PollID, OptionID: poll.Options[1].ID, VoterID: "carol"})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestClosePollIdempotent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	room := mustCreateRoom(t, s, "r")
	poll := makePoll(t, s, room.RoomID, false)

	closed, err := s.ClosePoll(ctx, poll.PollID)
	require.NoError(t, err)
	assert.Equal(t, types.PollClosed, closed.Status)
	assert.False(t, closed.ClosedAt.IsZero())

	again, err := s.ClosePoll(ctx, poll.PollID)
	require.NoError(t, err)
	assert.Equal(t, types.PollClosed, again.Status)
	assert.Equal(t, closed.ClosedAt, again.ClosedAt)

	active, err := s.ListRoomPolls(ctx, room.RoomID, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListRoomPolls(ctx, room.RoomID, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConcurrentAppends(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, CreateRoomParams{Name: "r", CreatedBy: "alice", Visibility: types.VisibilityPublic})
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 25; j++ {
				_, err := s.AddMessage(ctx, AddMessageParams{
					RoomID: room.RoomID, SenderID: fmt.Sprintf("user-%d", n),
					SenderName: "u", SenderType: types.ParticipantHuman, Content: "x",
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	msgs, _, err := s.LoadHistory(ctx, room.RoomID, 500, "")
	require.NoError(t, err)
	assert.Len(t, msgs, 200)

	// Timestamps are non-decreasing in append order.
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp))
	}
}
