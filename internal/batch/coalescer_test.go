package batch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"youplace-realtime/internal/batch"
	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/repository/mocks"
)

type recorder struct {
	mu      sync.Mutex
	batches []batch.Batch
}

func (r *recorder) consume(b batch.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *recorder) snapshot() []batch.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]batch.Batch(nil), r.batches...)
}

func event(i int) domain.PaintEvent {
	return domain.PaintEvent{X: i, Y: 0, Color: "#000000", Username: "u", Timestamp: int64(i)}
}

func TestCoalescer_SizeTriggeredFlushPreservesOrder(t *testing.T) {
	// Arrange: 窗口足够长，确保只会因为数量触发
	c := batch.NewCoalescer(batch.Config{MaxSize: 50, Window: time.Hour}, nil)
	rec := &recorder{}
	c.OnBatchReady(rec.consume)

	// Act
	for i := 0; i < 50; i++ {
		c.AddEvent("room_0_0", event(i))
	}

	// Assert
	got := rec.snapshot()
	require.Len(t, got, 1, "应当恰好自动发出一次")
	require.Len(t, got[0].Events, 50)
	for i, ev := range got[0].Events {
		assert.Equal(t, i, ev.X)
	}
	assert.Equal(t, 0, c.Stats().PendingRooms, "发出后不应残留待发队列")
}

func TestCoalescer_TimerFlushesSingleEvent(t *testing.T) {
	c := batch.NewCoalescer(batch.Config{MaxSize: 50, Window: 30 * time.Millisecond}, nil)
	rec := &recorder{}
	c.OnBatchReady(rec.consume)

	c.AddEvent("room_0_0", event(7))
	assert.Empty(t, rec.snapshot(), "窗口结束前不应发出")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, []domain.PaintEvent{event(7)}, got[0].Events)
}

func TestCoalescer_SizeFlushCancelsArmedTimer(t *testing.T) {
	c := batch.NewCoalescer(batch.Config{MaxSize: 3, Window: 40 * time.Millisecond}, nil)
	rec := &recorder{}
	c.OnBatchReady(rec.consume)

	for i := 0; i < 4; i++ {
		c.AddEvent("room_0_0", event(i))
	}
	// 第一批因数量发出，第四个事件等待新的定时器
	time.Sleep(100 * time.Millisecond)

	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Len(t, got[0].Events, 3)
	assert.Equal(t, []domain.PaintEvent{event(3)}, got[1].Events)
}

func TestCoalescer_ManualFlushAndRoomsAreIndependent(t *testing.T) {
	c := batch.NewCoalescer(batch.Config{MaxSize: 50, Window: time.Hour}, nil)
	rec := &recorder{}
	c.OnBatchReady(rec.consume)

	c.AddEvent("room_0_0", event(1))
	c.AddEvent("room_1_0", event(2))
	c.Flush("room_0_0")
	c.Flush("room_9_9") // 没有待发事件

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "room_0_0", got[0].RoomID)

	stats := c.Stats()
	assert.Equal(t, 1, stats.PendingRooms)
	assert.Equal(t, 1, stats.PendingEvents)
	assert.Equal(t, int64(1), stats.TotalBatches)

	require.NoError(t, c.Drain(context.Background()))
	assert.Len(t, rec.snapshot(), 2)
}

func TestCoalescer_PanickingConsumerDoesNotBlockOthersOrPersistence(t *testing.T) {
	history := new(mocks.StateRepository)
	history.On("AddRoomPixels", mock.Anything, "room_0_0", []domain.PaintEvent{event(1)}).Return(nil).Once()

	c := batch.NewCoalescer(batch.Config{MaxSize: 50, Window: time.Hour}, history)
	c.OnBatchReady(func(batch.Batch) { panic("boom") })
	rec := &recorder{}
	c.OnBatchReady(rec.consume)

	c.AddEvent("room_0_0", event(1))
	assert.NotPanics(t, func() { c.Flush("room_0_0") })
	require.NoError(t, c.Drain(context.Background()))

	assert.Len(t, rec.snapshot(), 1)
	history.AssertExpectations(t)
}

func TestCoalescer_DrainFlushesEverythingAndWaitsForHistory(t *testing.T) {
	history := new(mocks.StateRepository)
	history.On("AddRoomPixels", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(20 * time.Millisecond) }).
		Return(errors.New("redis down")).Twice()

	c := batch.NewCoalescer(batch.Config{MaxSize: 50, Window: time.Hour}, history)
	rec := &recorder{}
	c.OnBatchReady(rec.consume)

	c.AddEvent("room_0_0", event(1))
	c.AddEvent("room_0_0", event(2))
	c.AddEvent("room_5_5", event(3))

	require.NoError(t, c.Drain(context.Background()))

	assert.Len(t, rec.snapshot(), 2)
	assert.Equal(t, 0, c.Stats().PendingRooms)
	// 历史写入失败只记录日志
	history.AssertExpectations(t)
}

func TestCoalescer_DrainRespectsContext(t *testing.T) {
	history := new(mocks.StateRepository)
	history.On("AddRoomPixels", mock.Anything, "room_0_0", mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(200 * time.Millisecond) }).
		Return(nil)

	c := batch.NewCoalescer(batch.Config{MaxSize: 50, Window: time.Hour}, history)
	c.AddEvent("room_0_0", event(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoalescer_PerRoomFIFOUnderConcurrency(t *testing.T) {
	c := batch.NewCoalescer(batch.Config{MaxSize: 7, Window: time.Millisecond}, nil)
	rec := &recorder{}
	c.OnBatchReady(rec.consume)

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(room int) {
			defer wg.Done()
			roomID := []string{"room_0_0", "room_1_0", "room_2_0", "room_3_0"}[room]
			for i := 0; i < 200; i++ {
				c.AddEvent(roomID, event(i))
			}
		}(r)
	}
	wg.Wait()
	require.NoError(t, c.Drain(context.Background()))

	// 每个房间收到的事件必须严格按加入顺序
	next := map[string]int{}
	total := 0
	for _, b := range rec.snapshot() {
		assert.LessOrEqual(t, len(b.Events), 7)
		for _, ev := range b.Events {
			assert.Equal(t, next[b.RoomID], ev.X, "room %s", b.RoomID)
			next[b.RoomID]++
			total++
		}
	}
	assert.Equal(t, 800, total)
}
