package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/boardsync/api"
	cachemocks "github.com/zlnvch/boardsync/cache/mocks"
	"github.com/zlnvch/boardsync/config"
	"github.com/zlnvch/boardsync/models"
	mqmocks "github.com/zlnvch/boardsync/mq/mocks"
	"github.com/zlnvch/boardsync/service"
	"github.com/zlnvch/boardsync/store"
	storemocks "github.com/zlnvch/boardsync/store/mocks"
)

var jwtSecret = []byte("secret")

type testAPI struct {
	url   string
	store *storemocks.MockStore
	cache *cachemocks.MockCache
	mq    *mqmocks.MockMQ
	token string
}

func setupAPI(t *testing.T) *testAPI {
	cfg, err := config.Load("")
	require.NoError(t, err)

	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	mockMQ.On("Receive", mock.Anything, mock.Anything, mock.Anything).Return(nil, context.Canceled)
	mockCache.On("Subscribe", mock.Anything, service.NotificationsChannel, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	boardsyncApi, err := api.NewBoardsyncAPI(cfg, mockStore, mockMQ, mockCache, jwtSecret, ctx)
	require.NoError(t, err)

	mux := http.NewServeMux()
	boardsyncApi.RegisterRoutes(mux, "")
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		done := make(chan struct{})
		go func() {
			boardsyncApi.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("api did not shut down")
		}
	})

	token, err := service.NewJWTResolver(jwtSecret).CreateJWT("alice", "Alice")
	require.NoError(t, err)

	return &testAPI{url: srv.URL, store: mockStore, cache: mockCache, mq: mockMQ, token: token}
}

func (a *testAPI) do(t *testing.T, method string, path string, body string, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.url+path, strings.NewReader(body))
	require.NoError(t, err)
	if auth {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	a := setupAPI(t)

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/health", "", false).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, a.do(t, http.MethodPost, "/health", "", false).StatusCode)
}

func TestGetRoom(t *testing.T) {
	a := setupAPI(t)
	a.store.On("GetRoom", mock.Anything, "room1").Return(models.Room{Id: "room1", Capacity: 4}, nil)
	a.store.On("GetRoom", mock.Anything, "ghost").Return(models.Room{}, store.ErrItemNotFound)

	resp := a.do(t, http.MethodGet, "/rooms/room1", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, decode[models.Room](t, resp).Capacity)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/rooms/ghost", "", false).StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/rooms/bad%20id", "", false).StatusCode)
}

func TestCreateRoom(t *testing.T) {
	a := setupAPI(t)
	a.store.On("CreateRoom", mock.Anything, mock.MatchedBy(func(r models.Room) bool {
		return r.Id == "room1" && r.Capacity == 8 && r.LastActivity > 0
	})).Return(models.Room{Id: "room1", Capacity: 8}, true, nil).Once()

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodPost, "/rooms", `{"id":"room1"}`, false).StatusCode)

	resp := a.do(t, http.MethodPost, "/rooms", `{"id":"room1","capacity":8}`, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "room1", decode[models.Room](t, resp).Id)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/rooms", `{"id":"room1","capacity":-1}`, true).StatusCode)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/rooms", `{`, true).StatusCode)
	a.store.AssertExpectations(t)
}

func TestPutRoom_UsesPathId(t *testing.T) {
	a := setupAPI(t)
	a.store.On("PutRoom", mock.Anything, mock.MatchedBy(func(r models.Room) bool {
		return r.Id == "room1" && r.Capacity == 3
	})).Return(models.Room{Id: "room1", Capacity: 3}, nil).Once()

	resp := a.do(t, http.MethodPut, "/rooms/room1", `{"id":"other","capacity":3}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, decode[models.Room](t, resp).Capacity)
}

func TestDeleteRoom_PublishesEvent(t *testing.T) {
	a := setupAPI(t)
	a.store.On("DeleteRoom", mock.Anything, "room1").Return(nil).Once()
	a.store.On("DeleteRoom", mock.Anything, "ghost").Return(store.ErrItemNotFound).Once()
	sent := make(chan string, 1)
	a.mq.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent <- args.String(1)
	}).Return(nil).Once()

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodDelete, "/rooms/room1", "", false).StatusCode)
	assert.Equal(t, http.StatusAccepted, a.do(t, http.MethodDelete, "/rooms/room1", "", true).StatusCode)

	select {
	case body := <-sent:
		assert.JSONEq(t, `{"roomId":"room1"}`, body)
	case <-time.After(time.Second):
		require.Fail(t, "room-deleted event was not published")
	}

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, "/rooms/ghost", "", true).StatusCode)
}

func TestRoomActions_ClampsPaging(t *testing.T) {
	a := setupAPI(t)
	a.store.On("FindByRoom", mock.Anything, "room1", 1, 500).
		Return(models.ActionPage{Actions: []models.DrawingAction{{ActionId: "a1"}}, Page: 1, Size: 500, Total: 1}, nil).Once()

	resp := a.do(t, http.MethodGet, "/rooms/room1/actions?page=0&size=9999", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[models.ActionPage](t, resp)
	require.Len(t, page.Actions, 1)
	assert.Equal(t, "a1", page.Actions[0].ActionId)
}

func TestRoomParticipants_EmptyRoom(t *testing.T) {
	a := setupAPI(t)

	resp := a.do(t, http.MethodGet, "/rooms/room1/participants", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]models.ActiveParticipant](t, resp))
}

func TestNotifications(t *testing.T) {
	a := setupAPI(t)
	a.cache.On("PushNotification", mock.Anything, "bob", mock.MatchedBy(func(n models.Notification) bool {
		return n.SenderId == "alice" && n.Message == "come draw"
	})).Return(nil).Once()
	a.cache.On("Publish", mock.Anything, service.NotificationsChannel, mock.Anything).Return(nil).Once()
	a.cache.On("PendingNotifications", mock.Anything, "alice").Return(int64(2), nil).Once()

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/notifications", "", false).StatusCode)

	resp := a.do(t, http.MethodPost, "/notifications", `{"receiverId":"bob","type":"INVITE","message":"come draw"}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	n := decode[models.Notification](t, resp)
	assert.NotEmpty(t, n.Id)
	assert.Equal(t, "alice", n.SenderId)

	resp = a.do(t, http.MethodGet, "/notifications", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decode[map[string]int64](t, resp)["pending"])

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/notifications", `{"message":"nobody"}`, true).StatusCode)
}

func TestPresence(t *testing.T) {
	a := setupAPI(t)

	resp := a.do(t, http.MethodGet, "/presence", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]models.PresenceRecord](t, resp))

	resp = a.do(t, http.MethodPost, "/presence/broadcast", `{"message":"maintenance at noon"}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[map[string]int](t, resp)["sent"])

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/presence/broadcast", `{}`, true).StatusCode)
}

func TestMetrics(t *testing.T) {
	a := setupAPI(t)

	resp := a.do(t, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]json.RawMessage](t, resp)
	assert.Contains(t, body, "network")
	assert.Contains(t, body, "registry")
	assert.JSONEq(t, "0", string(body["wsConnections"]))
}
