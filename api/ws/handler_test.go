package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/boardsync/api/ws"
	"github.com/zlnvch/boardsync/hub"
	"github.com/zlnvch/boardsync/models"
	mqmocks "github.com/zlnvch/boardsync/mq/mocks"
	"github.com/zlnvch/boardsync/presence"
	"github.com/zlnvch/boardsync/service"
	"github.com/zlnvch/boardsync/store"
	storemocks "github.com/zlnvch/boardsync/store/mocks"
	"github.com/zlnvch/boardsync/worker"
)

type testServer struct {
	url      string
	resolver *service.JWTResolver
	svc      *service.Service
	wsHub    *ws.Hub
}

func startServer(t *testing.T, maxConnectionsPerUser int) *testServer {
	mockStore := new(storemocks.MockStore)
	mockStore.On("GetRoom", mock.Anything, mock.Anything).Return(models.Room{}, store.ErrItemNotFound)
	mockStore.On("SaveBatch", mock.Anything, mock.Anything).Return([]models.DrawingAction{}, nil).Maybe()

	registry := hub.NewRegistry(0)
	batcher := worker.NewActionBatcher(mockStore, worker.ActionBatcherConfig{FlushInterval: time.Hour}, nil, nil)
	svc := service.NewService(
		mockStore,
		new(mqmocks.MockMQ),
		registry,
		hub.NewDispatcher(registry, 4, time.Nanosecond, nil),
		hub.NewParticipants(0, 0),
		batcher,
		presence.NewTracker(0, 0),
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go batcher.Run(ctx)

	wsHub := ws.NewHub(maxConnectionsPerUser)
	go wsHub.Run(ctx)

	resolver := service.NewJWTResolver([]byte("secret"))
	handler := ws.NewHandler(svc, resolver, wsHub)
	upgrader := handler.NewWsUpgrader("")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeWS(upgrader, w, r, ctx)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-batcher.Done()
	})

	return &testServer{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		resolver: resolver,
		svc:      svc,
		wsHub:    wsHub,
	}
}

func (s *testServer) dial(t *testing.T, userId string) *websocket.Conn {
	token, err := s.resolver.CreateJWT(userId, strings.ToUpper(userId))
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", ws.Subprotocol+", "+token)
	conn, _, err := websocket.DefaultDialer.Dial(s.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, want models.MessageType) models.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg models.Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestWS_JoinAndDraw(t *testing.T) {
	srv := startServer(t, 0)

	alice := srv.dial(t, "alice")
	require.NoError(t, alice.WriteJSON(models.Message{Type: "join", RoomId: "room1"}))
	welcome := readUntil(t, alice, models.MessageWelcome)
	assert.Equal(t, "alice", welcome.UserId)
	assert.Equal(t, "ALICE", welcome.Username)

	bob := srv.dial(t, "bob")
	require.NoError(t, bob.WriteJSON(models.Message{Type: models.MessageJoin, RoomId: "room1"}))
	readUntil(t, bob, models.MessageWelcome)
	joined := readUntil(t, alice, models.MessageUserJoined)
	assert.Equal(t, "bob", joined.UserId)

	require.NoError(t, bob.WriteJSON(models.Message{
		Type:        models.MessageDraw,
		Tool:        "pen",
		Color:       "#112233",
		Coordinates: &models.Coordinates{Points: []models.Point{{X: 1, Y: 1}}},
	}))

	drawn := readUntil(t, alice, models.MessageDraw)
	assert.Equal(t, "bob", drawn.UserId)
	assert.NotEmpty(t, drawn.ActionId)
	echo := readUntil(t, bob, models.MessageDraw)
	assert.Equal(t, drawn.ActionId, echo.ActionId)
}

func TestWS_DisconnectLeavesRoom(t *testing.T) {
	srv := startServer(t, 0)

	alice := srv.dial(t, "alice")
	require.NoError(t, alice.WriteJSON(models.Message{Type: models.MessageJoin, RoomId: "room1"}))
	readUntil(t, alice, models.MessageWelcome)

	bob := srv.dial(t, "bob")
	require.NoError(t, bob.WriteJSON(models.Message{Type: models.MessageJoin, RoomId: "room1"}))
	readUntil(t, bob, models.MessageWelcome)

	bob.Close()

	left := readUntil(t, alice, models.MessageUserLeft)
	assert.Equal(t, "bob", left.UserId)
}

func TestWS_ErrorsAreReported(t *testing.T) {
	srv := startServer(t, 0)
	alice := srv.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "invalid input: invalid message format", readUntil(t, alice, models.MessageError).Message)

	require.NoError(t, alice.WriteJSON(models.Message{Type: models.MessageChat, Message: "hi"}))
	assert.Equal(t, service.ErrNotInRoom.Error(), readUntil(t, alice, models.MessageError).Message)

	require.NoError(t, alice.WriteJSON(models.Message{Type: "TELEPORT"}))
	assert.Equal(t, "invalid input: unknown message type", readUntil(t, alice, models.MessageError).Message)
}

func TestWS_PingPong(t *testing.T) {
	srv := startServer(t, 0)
	alice := srv.dial(t, "alice")

	require.NoError(t, alice.WriteJSON(models.Message{Type: models.MessagePing, Timestamp: 42}))
	assert.Equal(t, int64(42), readUntil(t, alice, models.MessagePong).Timestamp)
}

func TestWS_RejectsBadToken(t *testing.T) {
	srv := startServer(t, 0)

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", ws.Subprotocol+", not-a-token")
	conn, _, err := websocket.DefaultDialer.Dial(srv.url, header)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestWS_MissingTokenIsUnauthorized(t *testing.T) {
	srv := startServer(t, 0)

	_, resp, err := websocket.DefaultDialer.Dial(srv.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_ConnectionLimitPerUser(t *testing.T) {
	srv := startServer(t, 1)

	srv.dial(t, "alice")
	require.Eventually(t, func() bool { return srv.wsHub.Connections() == 1 }, time.Second, 10*time.Millisecond)

	second := srv.dial(t, "alice")
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, srv.wsHub.Connections())
}
