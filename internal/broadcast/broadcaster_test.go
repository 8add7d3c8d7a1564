package broadcast_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"youplace-realtime/internal/batch"
	"youplace-realtime/internal/broadcast"
	"youplace-realtime/internal/domain"
	memstate "youplace-realtime/internal/infra/state/memory"
	"youplace-realtime/internal/repository/mocks"
	"youplace-realtime/internal/spatial"
)

// fakeSender 记录每个连接收到的消息，stale 中的连接视为已断开
type fakeSender struct {
	mu    sync.Mutex
	inbox map[string][][]byte
	stale map[string]bool
	all   [][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{inbox: map[string][][]byte{}, stale: map[string]bool{}}
}

func (f *fakeSender) Send(connID string, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale[connID] {
		return false
	}
	f.inbox[connID] = append(f.inbox[connID], payload)
	return true
}

func (f *fakeSender) SendAll(payload []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = append(f.all, payload)
	return 7
}

func (f *fakeSender) received(connID string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.inbox[connID]))
	for _, raw := range f.inbox[connID] {
		var m map[string]interface{}
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

func events(n int) []domain.PaintEvent {
	out := make([]domain.PaintEvent, n)
	for i := range out {
		out[i] = domain.PaintEvent{X: i, Y: 1, Color: "#FF0000", Username: "alice", UserID: 1, Timestamp: int64(100 + i)}
	}
	return out
}

func TestBroadcaster_HandleBatch_DeliversToMembersAndSkipsStale(t *testing.T) {
	// Arrange
	reg := spatial.NewRegistry()
	reg.Join("a", "room_0_0")
	reg.Join("b", "room_0_0")
	reg.Join("gone", "room_0_0")
	reg.Join("c", "room_1_0")
	state := memstate.NewMemoryStateRepository()
	sender := newFakeSender()
	sender.stale["gone"] = true
	b := broadcast.NewBroadcaster(reg, state, sender)

	// Act
	b.HandleBatch(batch.Batch{RoomID: "room_0_0", Events: events(3)})
	require.NoError(t, b.Wait(context.Background()))

	// Assert
	for _, conn := range []string{"a", "b"} {
		msgs := sender.received(conn)
		require.Len(t, msgs, 1, conn)
		assert.Equal(t, "pixels_update", msgs[0]["event"])
		data := msgs[0]["data"].(map[string]interface{})
		assert.Equal(t, "pixels_batch", data["type"])
		assert.Equal(t, "room_0_0", data["room"])
		assert.Equal(t, float64(3), data["count"])
		pixels := data["pixels"].([]interface{})
		require.Len(t, pixels, 3)
		assert.Equal(t, float64(2), pixels[2].(map[string]interface{})["x"])
		assert.Equal(t, "alice", pixels[0].(map[string]interface{})["username"])
	}
	assert.Empty(t, sender.received("c"))

	stats, _ := state.GetRoomStats(context.Background(), "room_0_0")
	assert.Equal(t, int64(3), stats.PixelCount)
	assert.Equal(t, int64(1), b.Stats().MessagesDropped)
	assert.Equal(t, int64(2), b.Stats().MessagesSent)
}

func TestBroadcaster_HandleBatch_EmptyRoomStillUpdatesStats(t *testing.T) {
	reg := spatial.NewRegistry()
	state := memstate.NewMemoryStateRepository()
	b := broadcast.NewBroadcaster(reg, state, newFakeSender())

	b.HandleBatch(batch.Batch{RoomID: "room_4_4", Events: events(5)})
	require.NoError(t, b.Wait(context.Background()))

	stats, _ := state.GetRoomStats(context.Background(), "room_4_4")
	assert.Equal(t, int64(5), stats.PixelCount)
	assert.NotEmpty(t, stats.LastActivity)
	assert.Equal(t, int64(1), b.Stats().BatchesSkipped)
}

func TestBroadcaster_SendRoomState(t *testing.T) {
	reg := spatial.NewRegistry()
	reg.Join("a", "room_0_0")
	reg.Join("b", "room_0_0")
	state := memstate.NewMemoryStateRepository()
	require.NoError(t, state.AddRoomPixels(context.Background(), "room_0_0", events(2)))
	sender := newFakeSender()
	b := broadcast.NewBroadcaster(reg, state, sender)

	assert.True(t, b.SendRoomState(context.Background(), "a", "room_0_0"))
	assert.False(t, b.SendRoomState(context.Background(), "a", "room_9_9"), "空历史不发送")

	msgs := sender.received("a")
	require.Len(t, msgs, 1)
	assert.Equal(t, "room_state", msgs[0]["event"])
	data := msgs[0]["data"].(map[string]interface{})
	assert.Equal(t, "room_0_0", data["roomId"])
	assert.Len(t, data["pixels"], 2)
	assert.Empty(t, sender.received("b"), "历史回放只发给订阅者本人")
}

func TestBroadcaster_SendRoomState_StoreFailureOmitsSection(t *testing.T) {
	state := new(mocks.StateRepository)
	state.On("GetRoomPixels", mock.Anything, "room_0_0", broadcast.ReplayLimit).Return(nil, errors.New("redis down"))
	sender := newFakeSender()
	b := broadcast.NewBroadcaster(spatial.NewRegistry(), state, sender)

	assert.False(t, b.SendRoomState(context.Background(), "a", "room_0_0"))
	assert.Empty(t, sender.received("a"))
	state.AssertExpectations(t)
}

func TestBroadcaster_BatchDuringReplayFollowsRoomState(t *testing.T) {
	// Arrange: a 刚加入房间，历史还没发出；b 是老成员
	ctx := context.Background()
	reg := spatial.NewRegistry()
	reg.Join("b", "room_0_0")
	state := memstate.NewMemoryStateRepository()
	require.NoError(t, state.AddRoomPixels(ctx, "room_0_0", events(3)))
	sender := newFakeSender()
	b := broadcast.NewBroadcaster(reg, state, sender)
	b.BeginReplay("a", "room_0_0")
	reg.Join("a", "room_0_0")

	// Act
	b.HandleBatch(batch.Batch{RoomID: "room_0_0", Events: events(1)})
	queuedBeforeReplay := len(sender.received("a"))
	sent := b.SendRoomState(ctx, "a", "room_0_0")
	b.HandleBatch(batch.Batch{RoomID: "room_0_0", Events: events(2)})
	require.NoError(t, b.Wait(ctx))

	// Assert
	assert.True(t, sent)
	assert.Equal(t, 0, queuedBeforeReplay, "回放完成前不直接发送")
	msgs := sender.received("a")
	require.Len(t, msgs, 3)
	assert.Equal(t, "room_state", msgs[0]["event"])
	assert.Equal(t, "pixels_update", msgs[1]["event"])
	assert.Equal(t, float64(1), msgs[1]["data"].(map[string]interface{})["count"])
	assert.Equal(t, "pixels_update", msgs[2]["event"])
	assert.Equal(t, float64(2), msgs[2]["data"].(map[string]interface{})["count"])
	assert.Len(t, sender.received("b"), 2, "其他成员不受影响")
}

func TestBroadcaster_EmptyHistoryStillReleasesQueuedBatches(t *testing.T) {
	// Arrange
	ctx := context.Background()
	reg := spatial.NewRegistry()
	sender := newFakeSender()
	b := broadcast.NewBroadcaster(reg, memstate.NewMemoryStateRepository(), sender)
	b.BeginReplay("a", "room_5_5")
	reg.Join("a", "room_5_5")
	b.HandleBatch(batch.Batch{RoomID: "room_5_5", Events: events(1)})

	// Act
	sent := b.SendRoomState(ctx, "a", "room_5_5")
	require.NoError(t, b.Wait(ctx))

	// Assert
	assert.False(t, sent)
	msgs := sender.received("a")
	require.Len(t, msgs, 1)
	assert.Equal(t, "pixels_update", msgs[0]["event"])
}

func TestBroadcaster_HandleBatch_StatsFailureIsSwallowed(t *testing.T) {
	reg := spatial.NewRegistry()
	reg.Join("a", "room_0_0")
	state := new(mocks.StateRepository)
	state.On("RecordRoomActivity", mock.Anything, "room_0_0", 1, mock.AnythingOfType("time.Time")).
		Return(domain.RoomStats{}, errors.New("redis down")).Once()
	sender := newFakeSender()
	b := broadcast.NewBroadcaster(reg, state, sender)

	assert.NotPanics(t, func() { b.HandleBatch(batch.Batch{RoomID: "room_0_0", Events: events(1)}) })
	require.NoError(t, b.Wait(context.Background()))

	assert.Len(t, sender.received("a"), 1)
	state.AssertExpectations(t)
}

func TestBroadcaster_BroadcastUserCount(t *testing.T) {
	reg := spatial.NewRegistry()
	reg.Join("a", "room_0_0")
	reg.Join("b", "room_0_0")
	sender := newFakeSender()
	b := broadcast.NewBroadcaster(reg, memstate.NewMemoryStateRepository(), sender)

	b.BroadcastUserCount("room_0_0")

	for _, conn := range []string{"a", "b"} {
		msgs := sender.received(conn)
		require.Len(t, msgs, 1)
		assert.Equal(t, "room_users", msgs[0]["event"])
		assert.Equal(t, float64(2), msgs[0]["data"].(map[string]interface{})["userCount"])
	}
}

func TestBroadcaster_BroadcastSpecialEvent(t *testing.T) {
	reg := spatial.NewRegistry()
	reg.Join("a", "room_0_0")
	reg.Join("b", "room_1_0")
	sender := newFakeSender()
	b := broadcast.NewBroadcaster(reg, memstate.NewMemoryStateRepository(), sender)

	n, err := b.BroadcastSpecialEvent("fireworks", map[string]interface{}{"x": 1}, "room_0_0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	msgs := sender.received("a")
	require.Len(t, msgs, 1)
	assert.Equal(t, "special_event", msgs[0]["event"])
	assert.Equal(t, "fireworks", msgs[0]["data"].(map[string]interface{})["type"])
	assert.Empty(t, sender.received("b"))

	n, err = b.BroadcastSpecialEvent("maintenance", "soon", "")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Len(t, sender.all, 1)

	_, err = b.BroadcastSpecialEvent("bad", make(chan int), "")
	assert.Error(t, err)
}
