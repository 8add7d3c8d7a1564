package redisstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/domain"
)

const (
	// HistoryLimit 是每个房间保留的近期像素数量上限
	HistoryLimit = 1000
	// HistoryTTL 是房间历史在最后一次写入后的存活时间
	HistoryTTL = time.Hour
	// StatsTTL 是房间统计的存活时间
	StatsTTL = 30 * time.Minute
	// UsersTTL 是房间在线人数计数器的存活时间
	UsersTTL = time.Hour
)

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client redis.UniversalClient, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "yp:"
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// --- Key Generation Helpers ---
func (r *RedisStateRepository) roomPixelsKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:pixels", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomStatsKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:stats", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomUsersKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:users", r.keyPrefix, roomID)
}

// roomIDFromKey 从 {prefix}room:{id}:{suffix} 中取出房间 ID
func (r *RedisStateRepository) roomIDFromKey(key string) string {
	rest := strings.TrimPrefix(key, r.keyPrefix+"room:")
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// --- Ephemeral History ---

// AddRoomPixels 把一批像素按顺序压入列表头部，裁剪到 HistoryLimit 并刷新 TTL。
func (r *RedisStateRepository) AddRoomPixels(ctx context.Context, roomID string, events []domain.PaintEvent) error {
	if len(events) == 0 {
		return nil
	}
	key := r.roomPixelsKey(roomID)
	values := make([]interface{}, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("redis: failed to marshal pixel for room %s history: %w", roomID, err)
		}
		values = append(values, string(b))
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, values...)
	pipe.LTrim(ctx, key, 0, HistoryLimit-1)
	pipe.Expire(ctx, key, HistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to add %d pixels to history for room %s (key: %s): %w", len(events), roomID, key, err)
	}
	return nil
}

// GetRoomPixels 返回最近的 limit 个像素，旧的在前。
func (r *RedisStateRepository) GetRoomPixels(ctx context.Context, roomID string, limit int) ([]domain.PaintEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	key := r.roomPixelsKey(roomID)
	raw, err := r.client.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get pixel history for room %s from %s: %w", roomID, key, err)
	}
	events := make([]domain.PaintEvent, 0, len(raw))
	// 列表头部是最新的，倒序遍历得到到达顺序
	for i := len(raw) - 1; i >= 0; i-- {
		var ev domain.PaintEvent
		if err := json.Unmarshal([]byte(raw[i]), &ev); err != nil {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "data": raw[i]}).WithError(err).Warn("redis: skipping malformed pixel in history")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// --- Room Stats ---

// GetRoomStats 读取房间统计，在线人数取自用户计数器
func (r *RedisStateRepository) GetRoomStats(ctx context.Context, roomID string) (domain.RoomStats, error) {
	pipe := r.client.Pipeline()
	statsCmd := pipe.HGetAll(ctx, r.roomStatsKey(roomID))
	usersCmd := pipe.Get(ctx, r.roomUsersKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.RoomStats{}, fmt.Errorf("redis: failed to get stats for room %s: %w", roomID, err)
	}
	stats := parseStats(statsCmd.Val())
	stats.ConnectedUsers = parseCount(usersCmd.Val())
	return stats, nil
}

// RecordRoomActivity 原子地累加像素计数、更新最后活跃时间并刷新 TTL
func (r *RedisStateRepository) RecordRoomActivity(ctx context.Context, roomID string, pixels int, at time.Time) (domain.RoomStats, error) {
	key := r.roomStatsKey(roomID)
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "pixelCount", int64(pixels))
	pipe.HSet(ctx, key, "lastActivity", at.UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, StatsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.RoomStats{}, fmt.Errorf("redis: failed to record activity for room %s (key: %s): %w", roomID, key, err)
	}
	return r.GetRoomStats(ctx, roomID)
}

// --- Room Users ---

// IncrementRoomUsers 增加在线人数并刷新 TTL
func (r *RedisStateRepository) IncrementRoomUsers(ctx context.Context, roomID string) (int, error) {
	key := r.roomUsersKey(roomID)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, UsersTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: failed to increment users for room %s on key %s: %w", roomID, key, err)
	}
	return int(incr.Val()), nil
}

// decrementUsersScript 在一次原子操作里递减，降到 0 及以下时删除计数器
var decrementUsersScript = redis.NewScript(`
local n = redis.call("DECR", KEYS[1])
if n <= 0 then
	redis.call("DEL", KEYS[1])
	return 0
end
return n
`)

// DecrementRoomUsers 减少在线人数，降到 0 及以下时删除计数器
func (r *RedisStateRepository) DecrementRoomUsers(ctx context.Context, roomID string) (int, error) {
	key := r.roomUsersKey(roomID)
	count, err := decrementUsersScript.Run(ctx, r.client, []string{key}).Int()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to decrement users for room %s on key %s: %w", roomID, key, err)
	}
	return count, nil
}

// GetRoomUsers 读取在线人数，计数器不存在时为 0
func (r *RedisStateRepository) GetRoomUsers(ctx context.Context, roomID string) (int, error) {
	key := r.roomUsersKey(roomID)
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: failed to get users for room %s from %s: %w", roomID, key, err)
	}
	return parseCount(val), nil
}

// ActiveRooms 扫描所有用户计数器，返回人数大于 0 的房间
func (r *RedisStateRepository) ActiveRooms(ctx context.Context, limit int) ([]domain.ActiveRoom, error) {
	keys, err := r.scanKeys(ctx, r.keyPrefix+"room:*:users")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []domain.ActiveRoom{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: failed to read room user counters: %w", err)
	}

	rooms := make([]domain.ActiveRoom, 0, len(keys))
	for i, key := range keys {
		count := parseCount(cmds[i].Val())
		if count <= 0 {
			continue
		}
		rooms = append(rooms, domain.ActiveRoom{RoomID: r.roomIDFromKey(key), UserCount: count})
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

	for i := range rooms {
		stats, err := r.GetRoomStats(ctx, rooms[i].RoomID)
		if err != nil {
			logrus.WithField("room_id", rooms[i].RoomID).WithError(err).Warn("redis: failed to load stats for active room")
			stats.ConnectedUsers = rooms[i].UserCount
		}
		rooms[i].Stats = stats
	}
	return rooms, nil
}

// --- Maintenance ---

// CleanupInactiveRooms 删除无人在线且 idle 时间内没有活动的房间数据
func (r *RedisStateRepository) CleanupInactiveRooms(ctx context.Context, idle time.Duration) (int, error) {
	roomIDs := make(map[string]struct{})
	for _, pattern := range []string{r.keyPrefix + "room:*:pixels", r.keyPrefix + "room:*:stats"} {
		keys, err := r.scanKeys(ctx, pattern)
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			roomIDs[r.roomIDFromKey(key)] = struct{}{}
		}
	}

	cutoff := time.Now().Add(-idle)
	cleaned := 0
	for roomID := range roomIDs {
		stats, err := r.GetRoomStats(ctx, roomID)
		if err != nil {
			return cleaned, err
		}
		if stats.ConnectedUsers > 0 {
			continue
		}
		if stats.LastActivity != "" {
			last, err := time.Parse(time.RFC3339, stats.LastActivity)
			if err == nil && last.After(cutoff) {
				continue
			}
		}
		if err := r.client.Del(ctx, r.roomPixelsKey(roomID), r.roomStatsKey(roomID)).Err(); err != nil {
			return cleaned, fmt.Errorf("redis: failed to delete state for room %s: %w", roomID, err)
		}
		cleaned++
	}
	logrus.WithFields(logrus.Fields{"scanned": len(roomIDs), "cleaned": cleaned}).Info("redis: inactive room cleanup completed")
	return cleaned, nil
}

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error) {
	key = r.keyPrefix + key
	pipe := r.client.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, duration)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: pipeline failed for rate limit check on key %s: %w", key, err)
	}
	count, err := incrCmd.Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to get incr result for rate limit on key %s: %w", key, err)
	}
	return count > int64(limit), nil
}

// Ping 检查 Redis 连接
func (r *RedisStateRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}
	return nil
}

func (r *RedisStateRepository) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: failed to scan keys matching %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func parseStats(fields map[string]string) domain.RoomStats {
	stats := domain.RoomStats{LastActivity: fields["lastActivity"]}
	if v, ok := fields["pixelCount"]; ok {
		stats.PixelCount, _ = strconv.ParseInt(v, 10, 64)
	}
	return stats
}

func parseCount(val string) int {
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
