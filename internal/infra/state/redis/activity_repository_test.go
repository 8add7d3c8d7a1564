package redisstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"youplace-realtime/internal/domain"
	redisstate "youplace-realtime/internal/infra/state/redis"
)

func TestRedisActivityRepository_CountAndRecent(t *testing.T) {
	// Arrange
	_, client := newTestClient(t)
	repo := redisstate.NewRedisActivityRepository(client, "t:", time.Hour)
	ctx := context.Background()
	now := time.Now()

	records := []domain.PaintRecord{
		{X: 1, Y: 1, Color: "#000000", At: now.Add(-30 * time.Second).UnixMilli()},
		{X: 2, Y: 1, Color: "#000000", At: now.Add(-5 * time.Second).UnixMilli()},
		{X: 3, Y: 1, Color: "#FFFFFF", At: now.Add(-2 * time.Second).UnixMilli()},
		// 同一毫秒同一像素也要单独计数
		{X: 3, Y: 1, Color: "#FFFFFF", At: now.Add(-2 * time.Second).UnixMilli()},
	}
	for _, rec := range records {
		require.NoError(t, repo.RecordPaint(ctx, 7, rec))
	}

	// Act & Assert
	n, err := repo.CountSince(ctx, 7, now.Add(-10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = repo.CountSince(ctx, 8, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	recent, err := repo.RecentSince(ctx, 7, now.Add(-time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, 2, recent[0].X, "应取最新的 3 条并按时间正序")
	assert.Equal(t, 3, recent[2].X)
	assert.Equal(t, "#FFFFFF", recent[2].Color)
}

func TestRedisActivityRepository_TrimsBeyondRetention(t *testing.T) {
	_, client := newTestClient(t)
	repo := redisstate.NewRedisActivityRepository(client, "t:", time.Minute)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.RecordPaint(ctx, 1, domain.PaintRecord{X: 0, Y: 0, Color: "#000000", At: now.Add(-2 * time.Minute).UnixMilli()}))
	require.NoError(t, repo.RecordPaint(ctx, 1, domain.PaintRecord{X: 1, Y: 0, Color: "#000000", At: now.UnixMilli()}))

	size, err := client.ZCard(ctx, "t:activity:1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}
