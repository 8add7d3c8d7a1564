package gormpersistence

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"youplace-realtime/internal/domain"
)

// GormActivityRepository 直接从外部持久化服务写入的 pixels 表读取用户活动。
// 写入由外部服务负责，RecordPaint 什么也不做。
type GormActivityRepository struct {
	db *gorm.DB
}

// NewGormActivityRepository 创建 GormActivityRepository 实例
func NewGormActivityRepository(db *gorm.DB) *GormActivityRepository {
	if db == nil {
		panic("database connection cannot be nil for GormActivityRepository")
	}
	return &GormActivityRepository{db: db}
}

// RecordPaint 像素已由外部服务持久化，这里无需写入
func (r *GormActivityRepository) RecordPaint(context.Context, uint, domain.PaintRecord) error {
	return nil
}

// CountSince 统计用户在 since 之后提交的像素数
func (r *GormActivityRepository) CountSince(ctx context.Context, userID uint, since time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Pixel{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("gorm: failed to count pixels for user %d since %v: %w", userID, since, err)
	}
	return int(count), nil
}

// RecentSince 读取用户最近的像素，按时间正序返回
func (r *GormActivityRepository) RecentSince(ctx context.Context, userID uint, since time.Time, limit int) ([]domain.PaintRecord, error) {
	var pixels []domain.Pixel
	query := r.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&pixels).Error; err != nil {
		return nil, fmt.Errorf("gorm: failed to load recent pixels for user %d: %w", userID, err)
	}
	records := make([]domain.PaintRecord, 0, len(pixels))
	for i := len(pixels) - 1; i >= 0; i-- {
		p := pixels[i]
		records = append(records, domain.PaintRecord{X: p.X, Y: p.Y, Color: p.Color, At: p.CreatedAt.UnixMilli()})
	}
	return records, nil
}
