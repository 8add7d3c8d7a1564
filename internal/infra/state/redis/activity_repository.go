package redisstate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/domain"
)

// DefaultActivityRetention 覆盖滥用检测最长的统计窗口
const DefaultActivityRetention = time.Hour

// RedisActivityRepository 用每个用户一个有序集合记录绘制活动，score 为毫秒时间戳。
type RedisActivityRepository struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
}

// NewRedisActivityRepository 创建 RedisActivityRepository 实例
func NewRedisActivityRepository(client redis.UniversalClient, keyPrefix string, retention time.Duration) *RedisActivityRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisActivityRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "yp:"
	}
	if retention <= 0 {
		retention = DefaultActivityRetention
	}
	return &RedisActivityRepository{client: client, keyPrefix: keyPrefix, retention: retention}
}

func (r *RedisActivityRepository) activityKey(userID uint) string {
	return fmt.Sprintf("%sactivity:%d", r.keyPrefix, userID)
}

// RecordPaint 写入一条活动并裁掉保留期之外的旧记录
func (r *RedisActivityRepository) RecordPaint(ctx context.Context, userID uint, record domain.PaintRecord) error {
	if record.At == 0 {
		record.At = time.Now().UnixMilli()
	}
	key := r.activityKey(userID)
	// 成员里带上随机后缀，同一毫秒重复绘制同一像素也不会被合并
	member := fmt.Sprintf("%d|%d|%s|%d|%s", record.X, record.Y, record.Color, record.At, uuid.NewString()[:8])
	cutoff := time.UnixMilli(record.At).Add(-r.retention).UnixMilli()

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(record.At), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to record activity for user %d (key: %s): %w", userID, key, err)
	}
	return nil
}

// CountSince 统计 since 之后（含）的活动数
func (r *RedisActivityRepository) CountSince(ctx context.Context, userID uint, since time.Time) (int, error) {
	key := r.activityKey(userID)
	n, err := r.client.ZCount(ctx, key, strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to count activity for user %d since %s: %w", userID, since.Format(time.RFC3339), err)
	}
	return int(n), nil
}

// RecentSince 取 since 之后最新的 limit 条活动，按时间正序返回
func (r *RedisActivityRepository) RecentSince(ctx context.Context, userID uint, since time.Time, limit int) ([]domain.PaintRecord, error) {
	key := r.activityKey(userID)
	opt := &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := r.client.ZRevRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to read activity for user %d: %w", userID, err)
	}
	records := make([]domain.PaintRecord, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		rec, ok := parseActivityMember(members[i])
		if !ok {
			logrus.WithFields(logrus.Fields{"user_id": userID, "member": members[i]}).Warn("redis: skipping malformed activity entry")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseActivityMember(member string) (domain.PaintRecord, bool) {
	parts := strings.Split(member, "|")
	if len(parts) != 5 {
		return domain.PaintRecord{}, false
	}
	x, errX := strconv.Atoi(parts[0])
	y, errY := strconv.Atoi(parts[1])
	at, errAt := strconv.ParseInt(parts[3], 10, 64)
	if errX != nil || errY != nil || errAt != nil {
		return domain.PaintRecord{}, false
	}
	return domain.PaintRecord{X: x, Y: y, Color: parts[2], At: at}, true
}
