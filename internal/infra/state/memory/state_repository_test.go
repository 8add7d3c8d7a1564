package memstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"youplace-realtime/internal/domain"
	memstate "youplace-realtime/internal/infra/state/memory"
	redisstate "youplace-realtime/internal/infra/state/redis"
)

func TestMemoryStateRepository_HistoryBounded(t *testing.T) {
	repo := memstate.NewMemoryStateRepository()
	ctx := context.Background()

	for i := 0; i < redisstate.HistoryLimit+10; i++ {
		require.NoError(t, repo.AddRoomPixels(ctx, "room_0_0", []domain.PaintEvent{{X: i, Color: "#000000"}}))
	}

	all, err := repo.GetRoomPixels(ctx, "room_0_0", redisstate.HistoryLimit*2)
	require.NoError(t, err)
	assert.Len(t, all, redisstate.HistoryLimit)
	assert.Equal(t, 10, all[0].X)

	last, err := repo.GetRoomPixels(ctx, "room_0_0", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{redisstate.HistoryLimit + 8, redisstate.HistoryLimit + 9}, []int{last[0].X, last[1].X})
}

func TestMemoryStateRepository_UsersAndActiveRooms(t *testing.T) {
	repo := memstate.NewMemoryStateRepository()
	ctx := context.Background()

	_, _ = repo.IncrementRoomUsers(ctx, "room_0_0")
	_, _ = repo.IncrementRoomUsers(ctx, "room_0_0")
	_, _ = repo.IncrementRoomUsers(ctx, "room_1_0")
	n, _ := repo.DecrementRoomUsers(ctx, "room_1_0")
	assert.Equal(t, 0, n)
	n, _ = repo.DecrementRoomUsers(ctx, "room_9_9")
	assert.Equal(t, 0, n)

	_, _ = repo.RecordRoomActivity(ctx, "room_0_0", 4, time.Now())
	rooms, err := repo.ActiveRooms(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "room_0_0", rooms[0].RoomID)
	assert.Equal(t, 2, rooms[0].Stats.ConnectedUsers)
	assert.Equal(t, int64(4), rooms[0].Stats.PixelCount)
}

func TestMemoryStateRepository_Cleanup(t *testing.T) {
	repo := memstate.NewMemoryStateRepository()
	ctx := context.Background()

	_, _ = repo.RecordRoomActivity(ctx, "room_0_0", 1, time.Now().Add(-time.Hour))
	_, _ = repo.RecordRoomActivity(ctx, "room_1_0", 1, time.Now())

	cleaned, err := repo.CleanupInactiveRooms(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	stats, _ := repo.GetRoomStats(ctx, "room_1_0")
	assert.Equal(t, int64(1), stats.PixelCount)
}

func TestMemoryActivityRepository(t *testing.T) {
	repo := memstate.NewMemoryActivityRepository(time.Hour)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.RecordPaint(ctx, 1, domain.PaintRecord{X: i, Color: "#000000", At: now.Add(time.Duration(i-5) * time.Second).UnixMilli()}))
	}

	n, err := repo.CountSince(ctx, 1, now.Add(-3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recent, err := repo.RecentSince(ctx, 1, now.Add(-time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, []int{recent[0].X, recent[1].X})
}
