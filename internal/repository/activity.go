package repository

import (
	"context"
	"time"

	"youplace-realtime/internal/domain"
)

// ActivityRepository 提供滥用检测需要的用户近期绘制活动。
type ActivityRepository interface {
	// RecordPaint 记录一次已提交的绘制。数据来自外部像素表的实现可以忽略写入。
	RecordPaint(ctx context.Context, userID uint, record domain.PaintRecord) error

	// CountSince 返回用户在 since 之后的绘制次数。
	CountSince(ctx context.Context, userID uint, since time.Time) (int, error)

	// RecentSince 返回用户在 since 之后的绘制记录，按时间正序，最多 limit 条（取最新的）。
	RecentSince(ctx context.Context, userID uint, since time.Time, limit int) ([]domain.PaintRecord, error)
}
