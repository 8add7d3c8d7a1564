package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"youplace-realtime/internal/abuse"
	"youplace-realtime/internal/batch"
	"youplace-realtime/internal/broadcast"
	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/dto"
	wshandler "youplace-realtime/internal/handler/websocket"
	"youplace-realtime/internal/hub"
	memstate "youplace-realtime/internal/infra/state/memory"
	"youplace-realtime/internal/relay"
	"youplace-realtime/internal/repository"
	"youplace-realtime/internal/repository/mocks"
	"youplace-realtime/internal/service"
	"youplace-realtime/internal/spatial"
)

type stack struct {
	server *httptest.Server
	svc    *service.RealtimeService
	auth   *service.Authenticator
	state  *memstate.MemoryStateRepository
}

func newStack(t *testing.T, authTimeout time.Duration) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	accounts := new(mocks.AccountRepository)
	accounts.On("FindByID", mock.Anything, uint(1)).Return(&domain.User{ID: 1, Username: "alice", IsActive: true}, nil)
	accounts.On("FindByID", mock.Anything, uint(2)).Return(&domain.User{ID: 2, Username: "bob", IsActive: true}, nil)
	accounts.On("FindByID", mock.Anything, uint(3)).Return(&domain.User{ID: 3, Username: "banned", IsActive: false}, nil)
	accounts.On("FindByID", mock.Anything, mock.Anything).Return(nil, repository.ErrUserNotFound)
	auth, err := service.NewAuthenticator(accounts, "test-secret")
	require.NoError(t, err)

	state := memstate.NewMemoryStateRepository()
	activity := memstate.NewMemoryActivityRepository(time.Hour)
	index := spatial.NewIndex(1000)
	registry := spatial.NewRegistry()
	conns := hub.NewConnections()
	b := broadcast.NewBroadcaster(registry, state, conns)
	coalescer := batch.NewCoalescer(batch.Config{MaxSize: 50, Window: 50 * time.Millisecond}, state)
	coalescer.OnBatchReady(b.HandleBatch)
	h := hub.NewHub(conns, registry, index, b, state, hub.DefaultConfig())
	bus := relay.NewMemoryBus()

	svc := service.NewRealtimeService(service.Deps{
		InstanceID:  "test-instance",
		Index:       index,
		Gate:        abuse.NewGate(abuse.DefaultConfig(), activity),
		Activity:    activity,
		Coalescer:   coalescer,
		Relay:       bus,
		State:       state,
		Broadcaster: b,
		Hub:         h,
	})

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(hubDone)
	}()
	require.NoError(t, svc.StartRelay(ctx))

	router := gin.New()
	router.GET("/ws", wshandler.NewWebSocketHandler(h, auth, "*", authTimeout).HandleConnection)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-hubDone
		dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
		defer dcancel()
		_ = coalescer.Drain(dctx)
		_ = b.Wait(dctx)
		_ = bus.Close()
	})
	return &stack{server: server, svc: svc, auth: auth, state: state}
}

func (s *stack) url(query string) string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws" + query
}

func (s *stack) token(t *testing.T, userID uint) string {
	t.Helper()
	token, err := s.auth.IssueToken(userID, time.Hour)
	require.NoError(t, err)
	return token
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, conn *gws.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env.Data
		}
	}
}

func writeEvent(t *testing.T, conn *gws.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]interface{}{"event": event, "data": json.RawMessage(raw)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, payload))
}

func dial(t *testing.T, url string, header http.Header) *gws.Conn {
	t.Helper()
	conn, resp, err := gws.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_PaintsReachEveryMemberAsOneBatch(t *testing.T) {
	s := newStack(t, time.Second)

	a := dial(t, s.url("?token="+s.token(t, 1)), nil)
	b := dial(t, s.url(""), http.Header{"Authorization": []string{"Bearer " + s.token(t, 2)}})
	readUntil(t, a, dto.EventConnected)
	readUntil(t, b, dto.EventConnected)

	for _, conn := range []*gws.Conn{a, b} {
		writeEvent(t, conn, dto.ClientJoinRooms, dto.RoomsRequest{Rooms: []string{"room_0_0"}})
		readUntil(t, conn, dto.EventRoomsJoined)
	}

	ctx := context.Background()
	colors := []string{"#FF0000", "#00FF00", "#0000FF"}
	for i, color := range colors {
		ev, err := domain.NewPaintEvent(i+1, i+1, color, "alice", 1, time.Now())
		require.NoError(t, err)
		require.NoError(t, s.svc.OnPixelPersisted(ctx, ev))
	}

	for _, conn := range []*gws.Conn{a, b} {
		var batchMsg dto.PixelsBatch
		require.NoError(t, json.Unmarshal(readUntil(t, conn, dto.EventPixelsUpdate), &batchMsg))
		assert.Equal(t, "pixels_batch", batchMsg.Type)
		assert.Equal(t, "room_0_0", batchMsg.Room)
		require.Equal(t, 3, batchMsg.Count)
		for i, p := range batchMsg.Pixels {
			assert.Equal(t, colors[i], p.Color)
			assert.Equal(t, i+1, p.X)
		}
	}

	require.Eventually(t, func() bool {
		stats, err := s.state.GetRoomStats(ctx, "room_0_0")
		return err == nil && stats.PixelCount == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocket_AuthenticateMessage(t *testing.T) {
	s := newStack(t, time.Second)
	conn := dial(t, s.url(""), nil)

	writeEvent(t, conn, dto.ClientAuthenticate, dto.AuthenticateRequest{Token: s.token(t, 2)})

	var auth dto.Authenticated
	require.NoError(t, json.Unmarshal(readUntil(t, conn, dto.EventAuthenticated), &auth))
	assert.Equal(t, "bob", auth.User.Username)
	readUntil(t, conn, dto.EventConnected)
}

func TestWebSocket_RejectsBadTokenBeforeUpgrade(t *testing.T) {
	s := newStack(t, time.Second)

	for name, query := range map[string]string{
		"garbage":  "?token=nope",
		"inactive": "?token=" + s.token(t, 3),
		"unknown":  "?token=" + s.token(t, 99),
	} {
		_, resp, err := gws.DefaultDialer.Dial(s.url(query), nil)
		require.Error(t, err, name)
		require.NotNil(t, resp, name)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
		resp.Body.Close()
	}
}

func TestWebSocket_AuthTimeout(t *testing.T) {
	s := newStack(t, 100*time.Millisecond)
	conn := dial(t, s.url(""), nil)

	var payload dto.ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, dto.EventError), &payload))
	assert.Contains(t, payload.Message, "timeout")

	_, _, err := conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.ClosePolicyViolation), "got %v", err)
}

func TestWebSocket_DisconnectReleasesRooms(t *testing.T) {
	s := newStack(t, time.Second)
	conn := dial(t, s.url("?token="+s.token(t, 1)), nil)
	readUntil(t, conn, dto.EventConnected)
	writeEvent(t, conn, dto.ClientJoinRooms, dto.RoomsRequest{Rooms: []string{"room_3_4", "room_-2_0"}})
	readUntil(t, conn, dto.EventRoomsJoined)

	ctx := context.Background()
	n, err := s.state.GetRoomUsers(ctx, "room_3_4")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		a, _ := s.state.GetRoomUsers(ctx, "room_3_4")
		b, _ := s.state.GetRoomUsers(ctx, "room_-2_0")
		return a == 0 && b == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, s.svc.GetSystemStats(ctx).Gateway.Connections)
}
