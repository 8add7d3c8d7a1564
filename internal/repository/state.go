package repository

import (
	"context"
	"time"

	"youplace-realtime/internal/domain"
)

// StateRepository 定义了跨实例共享的短期房间状态，通常由 Redis 实现。
// 这里的数据都是带 TTL 的缓存，不是像素的权威记录。
type StateRepository interface {
	// === Ephemeral History ===

	// AddRoomPixels 把一批像素追加到房间的近期历史，保持长度上限并刷新 TTL。
	AddRoomPixels(ctx context.Context, roomID string, events []domain.PaintEvent) error

	// GetRoomPixels 返回房间最近的 limit 个像素，按到达顺序（旧的在前）。
	GetRoomPixels(ctx context.Context, roomID string, limit int) ([]domain.PaintEvent, error)

	// === Room Stats ===

	// GetRoomStats 获取房间统计。不存在时返回零值和 nil 错误。
	GetRoomStats(ctx context.Context, roomID string) (domain.RoomStats, error)

	// RecordRoomActivity 更新最后活跃时间并累加像素计数。
	RecordRoomActivity(ctx context.Context, roomID string, pixels int, at time.Time) (domain.RoomStats, error)

	// === Room Users ===

	// IncrementRoomUsers 原子地增加房间在线人数并返回新值。
	IncrementRoomUsers(ctx context.Context, roomID string) (int, error)

	// DecrementRoomUsers 原子地减少房间在线人数，降到 0 时删除计数器，返回值不小于 0。
	DecrementRoomUsers(ctx context.Context, roomID string) (int, error)

	// GetRoomUsers 返回房间当前的在线人数。
	GetRoomUsers(ctx context.Context, roomID string) (int, error)

	// ActiveRooms 返回在线人数大于 0 的房间，按人数降序，最多 limit 个（limit <= 0 表示不限）。
	ActiveRooms(ctx context.Context, limit int) ([]domain.ActiveRoom, error)

	// === Maintenance ===

	// CleanupInactiveRooms 删除没有在线用户且超过 idle 未活跃的房间的历史和统计，返回清理的房间数。
	CleanupInactiveRooms(ctx context.Context, idle time.Duration) (int, error)

	// === Rate Limiting ===

	// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
	// 返回 true 如果超限，false 如果未超限。
	CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error)

	// Ping 检查后端是否可用
	Ping(ctx context.Context) error
}
