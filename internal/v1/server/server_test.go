package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/dispatch"
	"github.com/parleyhq/parley/internal/v1/provider"
	"github.com/parleyhq/parley/internal/v1/registry"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

type stubProvider struct{}

func (stubProvider) StreamChat(ctx context.Context, req provider.StreamRequest) (provider.Stream, error) {
	return nil, errors.New("stub provider")
}

type serverFixture struct {
	server *Server
	router *gin.Engine
	store  *store.MemoryStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	cfg := &config.Config{
		Port:              "8080",
		DevelopmentMode:   true,
		OutboundQueueSize: 64,
		HistoryWindow:     50,
	}
	st := store.NewMemoryStore()
	reg := registry.NewHandlerRegistry()
	d := dispatch.NewDispatcher(st, reg, stubProvider{}, 50)
	t.Cleanup(d.Shutdown)

	s := New(cfg, st, reg, d, stubProvider{})
	return &serverFixture{server: s, router: s.Router(), store: st}
}

func (f *serverFixture) request(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	return decoded
}

func TestCreateRoomAndGetRoom(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/rooms", `{
		"name": "design review",
		"created_by": "alice",
		"description": "weekly sync",
		"visibility": "public",
		"llms": [{"id": "claude", "model": "m1", "display_name": "Claude", "persona": "helpful"}]
	}`)
	require.Equal(t, http.StatusOK, w.Code)
	roomID := decodeBody(t, w)["room_id"].(string)
	require.Len(t, roomID, 12)

	w = f.request(t, http.MethodGet, "/api/rooms/"+roomID, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)

	room := body["room"].(map[string]any)
	assert.Equal(t, roomID, room["room_id"])
	assert.Equal(t, "design review", room["name"])
	assert.Equal(t, "alice", room["created_by"])
	assert.Equal(t, "public", room["visibility"])
	assert.NotEmpty(t, room["created_at"])

	llms := room["llms"].([]any)
	require.Len(t, llms, 1)
	llm := llms[0].(map[string]any)
	assert.Equal(t, "claude", llm["id"])
	assert.Equal(t, "helpful", llm["persona"])

	// Nobody is connected, so the online roster is empty.
	assert.Empty(t, body["participants"].([]any))
}

func TestCreateRoomRequiresName(t *testing.T) {
	f := newServerFixture(t)
	w := f.request(t, http.MethodPost, "/api/rooms", `{"created_by": "alice"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRoomNotFound(t *testing.T) {
	f := newServerFixture(t)
	w := f.request(t, http.MethodGet, "/api/rooms/000000000000", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Room not found", decodeBody(t, w)["error"])
}

func TestListRoomsPagination(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	for _, name := range []string{"one", "two", "three"} {
		_, err := f.store.CreateRoom(ctx, store.CreateRoomParams{
			Name: name, CreatedBy: "alice", Visibility: types.VisibilityPublic,
		})
		require.NoError(t, err)
	}

	w := f.request(t, http.MethodGet, "/api/rooms?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	firstPage := body["rooms"].([]any)
	require.Len(t, firstPage, 2)
	cursor, ok := body["next_cursor"].(string)
	require.True(t, ok, "full page should carry a cursor")

	w = f.request(t, http.MethodGet, "/api/rooms?limit=2&cursor="+cursor, "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	secondPage := body["rooms"].([]any)
	require.Len(t, secondPage, 1)
	_, hasCursor := body["next_cursor"]
	assert.False(t, hasCursor)

	// Newest first.
	assert.Equal(t, "three", firstPage[0].(map[string]any)["name"])
}

func TestListRoomsHidesPrivateRoomsFromOthers(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateRoom(ctx, store.CreateRoomParams{
		Name: "secret", CreatedBy: "alice", Visibility: types.VisibilityPrivate,
	})
	require.NoError(t, err)

	w := f.request(t, http.MethodGet, "/api/rooms?user_id=bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody(t, w)["rooms"].([]any))

	w = f.request(t, http.MethodGet, "/api/rooms?user_id=alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["rooms"].([]any), 1)
}

func TestLoadHistory(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	room, err := f.store.CreateRoom(ctx, store.CreateRoomParams{
		Name: "r", CreatedBy: "alice", Visibility: types.VisibilityPublic,
	})
	require.NoError(t, err)
	stored, err := f.store.AddMessage(ctx, store.AddMessageParams{
		RoomID: room.RoomID, SenderID: "alice", SenderName: "Alice",
		SenderType: types.ParticipantHuman, Content: "first",
	})
	require.NoError(t, err)

	w := f.request(t, http.MethodGet, "/api/rooms/"+string(room.RoomID)+"/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	messages := body["messages"].([]any)
	require.Len(t, messages, 1)
	msg := messages[0].(map[string]any)
	assert.Equal(t, string(stored.MessageID), msg["id"])
	assert.Equal(t, "first", msg["content"])
	sender := msg["sender"].(map[string]any)
	assert.Equal(t, "human", sender["type"])
}

func TestLoadHistoryUnknownRoom(t *testing.T) {
	f := newServerFixture(t)
	w := f.request(t, http.MethodGet, "/api/rooms/000000000000/history", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodGet, "/health/live", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", decodeBody(t, w)["status"])

	w = f.request(t, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["store"])
	assert.Equal(t, "healthy", checks["chat_provider"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	w := f.request(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "parley_")
}

func TestWebSocketJoinRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	room, err := f.store.CreateRoom(ctx, store.CreateRoomParams{
		Name: "live", CreatedBy: "alice", Visibility: types.VisibilityPublic,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rooms/" + string(room.RoomID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "join", "user_id": "alice", "name": "Alice", "role": "admin",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var state map[string]any
	require.NoError(t, conn.ReadJSON(&state))
	assert.Equal(t, "room_state", state["type"])
	roomInfo := state["room"].(map[string]any)
	assert.Equal(t, string(room.RoomID), roomInfo["id"])

	require.NoError(t, conn.Close())
	// The session handler finishes before the test server shuts down.
	require.Eventually(t, func() bool {
		w := f.request(t, http.MethodGet, "/api/rooms/"+string(room.RoomID), "")
		return len(decodeBody(t, w)["participants"].([]any)) == 0
	}, 3*time.Second, 10*time.Millisecond)
}
