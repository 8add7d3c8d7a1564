package memstate

import (
	"context"
	"sync"
	"time"

	"youplace-realtime/internal/domain"
	redisstate "youplace-realtime/internal/infra/state/redis"
)

// MemoryActivityRepository 在进程内记录每个用户的绘制活动
type MemoryActivityRepository struct {
	mu        sync.Mutex
	records   map[uint][]domain.PaintRecord // 按时间正序
	retention time.Duration
}

// NewMemoryActivityRepository 创建 MemoryActivityRepository 实例
func NewMemoryActivityRepository(retention time.Duration) *MemoryActivityRepository {
	if retention <= 0 {
		retention = redisstate.DefaultActivityRetention
	}
	return &MemoryActivityRepository{records: make(map[uint][]domain.PaintRecord), retention: retention}
}

func (r *MemoryActivityRepository) RecordPaint(_ context.Context, userID uint, record domain.PaintRecord) error {
	if record.At == 0 {
		record.At = time.Now().UnixMilli()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.records[userID], record)
	cutoff := record.At - r.retention.Milliseconds()
	i := 0
	for i < len(list) && list[i].At < cutoff {
		i++
	}
	r.records[userID] = list[i:]
	return nil
}

func (r *MemoryActivityRepository) CountSince(_ context.Context, userID uint, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := since.UnixMilli()
	n := 0
	for _, rec := range r.records[userID] {
		if rec.At >= ms {
			n++
		}
	}
	return n, nil
}

func (r *MemoryActivityRepository) RecentSince(_ context.Context, userID uint, since time.Time, limit int) ([]domain.PaintRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := since.UnixMilli()
	out := make([]domain.PaintRecord, 0)
	for _, rec := range r.records[userID] {
		if rec.At >= ms {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
