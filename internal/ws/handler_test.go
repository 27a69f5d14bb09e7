package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tandem/api/internal/auth"
	"tandem/api/internal/ot"
	"tandem/api/internal/realtime"
	"tandem/api/internal/store"
	"tandem/api/internal/versions"
)

var testSecret = []byte("ws-test-secret")

type testEnv struct {
	server       *httptest.Server
	hub          *Hub
	coord        *realtime.Coordinator
	versions     *versions.Store
	checkpointer *versions.Checkpointer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	hub := NewHub(logger, 32)
	coord := realtime.NewCoordinator(hub, logger)
	vs := versions.NewStore(store.NewMemoryStore(), logger)
	cp := versions.NewCheckpointer(vs, logger, versions.CheckpointConfig{Every: 1, QueueSize: 16})

	handler := NewHandler(hub, coord, cp, HandlerConfig{JWTSecret: testSecret, AllowedOrigin: "*"}, logger)
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.CloseAll()
		server.Close()
		coord.Close()
	})
	return &testEnv{server: server, hub: hub, coord: coord, versions: vs, checkpointer: cp}
}

func token(t *testing.T, userID, name, role string) string {
	t.Helper()
	signed, err := auth.IssueToken(testSecret, auth.Claims{
		Name:             name,
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, time.Hour)
	require.NoError(t, err)
	return signed
}

func (e *testEnv) dial(t *testing.T, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "?token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type received struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
}

func send(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

// expect reads until a message of the wanted type arrives.
func expect(t *testing.T, conn *websocket.Conn, want string, into any) received {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg received
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", want)
		if msg.Type != want {
			continue
		}
		if into != nil {
			require.NoError(t, json.Unmarshal(msg.Payload, into))
		}
		return msg
	}
}

func TestRejectsMissingOrBadToken(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token="+token(t, "u1", "U", "stranger"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthorizationHeaderAccepted(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer " + token(t, "u1", "U", "viewer")}}

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, Envelope{Type: EventJoinRoom, RoomID: "R"})
	var state realtime.RoomState
	expect(t, conn, realtime.EventRoomState, &state)
	assert.Equal(t, "R", state.RoomID)
}

func TestEditConflictOverWebsocket(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, token(t, "alice", "Alice", "editor"))
	bob := env.dial(t, token(t, "bob", "Bob", "editor"))

	send(t, alice, Envelope{Type: EventJoinRoom, RoomID: "R"})
	expect(t, alice, realtime.EventRoomState, nil)

	send(t, bob, Envelope{Type: EventJoinRoom, RoomID: "R", Avatar: "b.png"})
	var state realtime.RoomState
	expect(t, bob, realtime.EventRoomState, &state)
	assert.Equal(t, "", state.Content)
	assert.Equal(t, 0, state.Version)
	assert.Len(t, state.Users, 2)

	var joined realtime.UserJoined
	expect(t, alice, realtime.EventUserJoined, &joined)
	assert.Equal(t, "bob", joined.UserID)
	assert.Equal(t, "b.png", joined.Avatar)

	send(t, alice, Envelope{
		Type:    EventContentChange,
		RoomID:  "R",
		Change:  &ot.Change{Operations: []ot.Operation{ot.Insert(0, "Hi")}},
		Version: 0,
	})
	var confirmed realtime.ContentConfirmed
	expect(t, alice, realtime.EventContentConfirmed, &confirmed)
	assert.Equal(t, 1, confirmed.Version)

	var update realtime.ContentUpdate
	expect(t, bob, realtime.EventContentUpdate, &update)
	assert.Equal(t, "alice", update.UserID)
	assert.Equal(t, 1, update.Version)

	send(t, bob, Envelope{
		Type:    EventContentChange,
		RoomID:  "R",
		Change:  &ot.Change{Operations: []ot.Operation{ot.Insert(0, "Yo")}},
		Version: 0,
	})
	var conflict realtime.ContentConflict
	expect(t, bob, realtime.EventContentConflict, &conflict)
	assert.Equal(t, 1, conflict.CurrentVersion)
	assert.Equal(t, "Hi", conflict.CurrentContent)

	require.Eventually(t, func() bool {
		env.checkpointer.Drain(context.Background())
		items, err := env.versions.GetVersions(context.Background(), "R")
		return err == nil && len(items) == 1 && items[0].Snapshot[versions.DefaultDocumentPath] == "Hi"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestJoinDisplayName(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, token(t, "alice", "Alice", "editor"))
	bob := env.dial(t, token(t, "bob", "Bob", "editor"))

	send(t, alice, Envelope{Type: EventJoinRoom, RoomID: "R", UserName: "  Ali  "})
	var state realtime.RoomState
	expect(t, alice, realtime.EventRoomState, &state)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "Ali", state.Users[0].UserName)

	send(t, bob, Envelope{Type: EventJoinRoom, RoomID: "R"})
	expect(t, bob, realtime.EventRoomState, nil)

	var joined realtime.UserJoined
	expect(t, alice, realtime.EventUserJoined, &joined)
	assert.Equal(t, "bob", joined.UserID)
	assert.Equal(t, "Bob", joined.UserName)
}

func TestViewerCannotEdit(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.dial(t, token(t, "v", "Viewer", "viewer"))

	send(t, viewer, Envelope{Type: EventJoinRoom, RoomID: "R"})
	expect(t, viewer, realtime.EventRoomState, nil)

	send(t, viewer, Envelope{
		Type:   EventContentChange,
		RoomID: "R",
		Change: &ot.Change{Operations: []ot.Operation{ot.Insert(0, "x")}},
	})
	var payload realtime.ErrorPayload
	expect(t, viewer, realtime.EventError, &payload)
	assert.Equal(t, CodeForbidden, payload.Code)

	state, ok := env.coord.State("R")
	require.True(t, ok)
	assert.Equal(t, 0, state.Version)
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, token(t, "u", "U", "editor"))

	cases := []struct {
		env  Envelope
		code string
	}{
		{Envelope{Type: EventJoinRoom}, CodeBadRequest},
		{Envelope{Type: "dance", RoomID: "R"}, CodeUnknownEvent},
		{Envelope{Type: EventHeartbeat, RoomID: "nowhere"}, CodeRoomNotFound},
		{Envelope{Type: EventJoinRoom, RoomID: "R", UserID: "someone-else"}, CodeForbidden},
	}
	for _, tc := range cases {
		send(t, conn, tc.env)
		var payload realtime.ErrorPayload
		expect(t, conn, realtime.EventError, &payload)
		assert.Equal(t, tc.code, payload.Code, "%+v", tc.env)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var payload realtime.ErrorPayload
	expect(t, conn, realtime.EventError, &payload)
	assert.Equal(t, CodeBadRequest, payload.Code)
}

func TestDisconnectLeavesAllRoomsAndFlushes(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, token(t, "alice", "Alice", "editor"))
	bob := env.dial(t, token(t, "bob", "Bob", "viewer"))

	for _, room := range []string{"R1", "R2"} {
		send(t, alice, Envelope{Type: EventJoinRoom, RoomID: room})
		expect(t, alice, realtime.EventRoomState, nil)
	}
	send(t, bob, Envelope{Type: EventJoinRoom, RoomID: "R1"})
	expect(t, bob, realtime.EventRoomState, nil)

	send(t, alice, Envelope{
		Type:   EventContentChange,
		RoomID: "R2",
		Change: &ot.Change{Operations: []ot.Operation{ot.Insert(0, "draft")}},
	})
	expect(t, alice, realtime.EventContentConfirmed, nil)

	require.NoError(t, alice.Close())

	var left realtime.UserLeft
	expect(t, bob, realtime.EventUserLeft, &left)
	assert.Equal(t, "alice", left.UserID)

	require.Eventually(t, func() bool {
		return env.hub.Connections() == 1
	}, 5*time.Second, 20*time.Millisecond)

	state, ok := env.coord.State("R2")
	require.True(t, ok)
	assert.Empty(t, state.Users)

	require.Eventually(t, func() bool {
		env.checkpointer.Drain(context.Background())
		items, err := env.versions.GetVersions(context.Background(), "R2")
		return err == nil && len(items) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
