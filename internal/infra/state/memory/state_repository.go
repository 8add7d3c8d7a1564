// Package memstate 提供单实例部署和测试用的进程内状态存储。
package memstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"youplace-realtime/internal/domain"
	redisstate "youplace-realtime/internal/infra/state/redis"
)

type roomState struct {
	pixels       []domain.PaintEvent // 旧的在前
	pixelsExpiry time.Time
	pixelCount   int64
	lastActivity time.Time
	statsExpiry  time.Time
	users        int
}

// MemoryStateRepository 与 Redis 实现保持相同的上限和 TTL 语义
type MemoryStateRepository struct {
	mu    sync.Mutex
	rooms map[string]*roomState
	rates map[string]*rateWindow
	now   func() time.Time
}

type rateWindow struct {
	count   int
	expires time.Time
}

// NewMemoryStateRepository 创建 MemoryStateRepository 实例
func NewMemoryStateRepository() *MemoryStateRepository {
	return &MemoryStateRepository{
		rooms: make(map[string]*roomState),
		rates: make(map[string]*rateWindow),
		now:   time.Now,
	}
}

func (r *MemoryStateRepository) room(roomID string) *roomState {
	rs, ok := r.rooms[roomID]
	if !ok {
		rs = &roomState{}
		r.rooms[roomID] = rs
	}
	return rs
}

// expireLocked 惰性地清掉过期字段
func (r *MemoryStateRepository) expireLocked(rs *roomState) {
	now := r.now()
	if !rs.pixelsExpiry.IsZero() && now.After(rs.pixelsExpiry) {
		rs.pixels = nil
		rs.pixelsExpiry = time.Time{}
	}
	if !rs.statsExpiry.IsZero() && now.After(rs.statsExpiry) {
		rs.pixelCount = 0
		rs.lastActivity = time.Time{}
		rs.statsExpiry = time.Time{}
	}
}

func (r *MemoryStateRepository) AddRoomPixels(_ context.Context, roomID string, events []domain.PaintEvent) error {
	if len(events) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.room(roomID)
	r.expireLocked(rs)
	rs.pixels = append(rs.pixels, events...)
	if over := len(rs.pixels) - redisstate.HistoryLimit; over > 0 {
		rs.pixels = append([]domain.PaintEvent(nil), rs.pixels[over:]...)
	}
	rs.pixelsExpiry = r.now().Add(redisstate.HistoryTTL)
	return nil
}

func (r *MemoryStateRepository) GetRoomPixels(_ context.Context, roomID string, limit int) ([]domain.PaintEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return []domain.PaintEvent{}, nil
	}
	r.expireLocked(rs)
	start := len(rs.pixels) - limit
	if start < 0 {
		start = 0
	}
	return append([]domain.PaintEvent{}, rs.pixels[start:]...), nil
}

func (r *MemoryStateRepository) GetRoomStats(_ context.Context, roomID string) (domain.RoomStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return domain.RoomStats{}, nil
	}
	r.expireLocked(rs)
	return statsOf(rs), nil
}

func (r *MemoryStateRepository) RecordRoomActivity(_ context.Context, roomID string, pixels int, at time.Time) (domain.RoomStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.room(roomID)
	r.expireLocked(rs)
	rs.pixelCount += int64(pixels)
	rs.lastActivity = at
	rs.statsExpiry = r.now().Add(redisstate.StatsTTL)
	return statsOf(rs), nil
}

func (r *MemoryStateRepository) IncrementRoomUsers(_ context.Context, roomID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs := r.room(roomID)
	rs.users++
	return rs.users, nil
}

func (r *MemoryStateRepository) DecrementRoomUsers(_ context.Context, roomID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return 0, nil
	}
	rs.users--
	if rs.users < 0 {
		rs.users = 0
	}
	return rs.users, nil
}

func (r *MemoryStateRepository) GetRoomUsers(_ context.Context, roomID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.rooms[roomID]; ok {
		return rs.users, nil
	}
	return 0, nil
}

func (r *MemoryStateRepository) ActiveRooms(_ context.Context, limit int) ([]domain.ActiveRoom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]domain.ActiveRoom, 0)
	for id, rs := range r.rooms {
		if rs.users <= 0 {
			continue
		}
		r.expireLocked(rs)
		rooms = append(rooms, domain.ActiveRoom{RoomID: id, UserCount: rs.users, Stats: statsOf(rs)})
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].UserCount != rooms[j].UserCount {
			return rooms[i].UserCount > rooms[j].UserCount
		}
		return rooms[i].RoomID < rooms[j].RoomID
	})
	if limit > 0 && len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms, nil
}

func (r *MemoryStateRepository) CleanupInactiveRooms(_ context.Context, idle time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-idle)
	cleaned := 0
	for id, rs := range r.rooms {
		if rs.users > 0 || rs.lastActivity.After(cutoff) {
			continue
		}
		delete(r.rooms, id)
		cleaned++
	}
	return cleaned, nil
}

func (r *MemoryStateRepository) CheckRateLimit(_ context.Context, key string, limit int, duration time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	w, ok := r.rates[key]
	if !ok || now.After(w.expires) {
		w = &rateWindow{}
		r.rates[key] = w
	}
	w.count++
	w.expires = now.Add(duration)
	return w.count > limit, nil
}

func (r *MemoryStateRepository) Ping(context.Context) error { return nil }

func statsOf(rs *roomState) domain.RoomStats {
	stats := domain.RoomStats{ConnectedUsers: rs.users, PixelCount: rs.pixelCount}
	if !rs.lastActivity.IsZero() {
		stats.LastActivity = rs.lastActivity.UTC().Format(time.RFC3339)
	}
	return stats
}
