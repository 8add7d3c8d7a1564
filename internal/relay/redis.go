package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisChannelSuffix 拼在 key 前缀后面组成频道名
const RedisChannelSuffix = "pixel_painted"

// Redis 基于 Redis Pub/Sub 的 Relay 实现
type Redis struct {
	client  redis.UniversalClient
	channel string

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

// NewRedis 创建 Redis relay，频道名为 {keyPrefix}pixel_painted
func NewRedis(client redis.UniversalClient, keyPrefix string) *Redis {
	if client == nil {
		panic("redis client cannot be nil for relay.Redis")
	}
	return &Redis{client: client, channel: keyPrefix + RedisChannelSuffix}
}

// Channel 返回使用的频道名
func (r *Redis) Channel() string { return r.channel }

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: redis publish to %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe 等待订阅确认后在后台 goroutine 中分发消息
func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("relay: redis subscribe to %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{"component": "relay", "channel": r.channel})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := Decode([]byte(m.Payload))
				if err != nil {
					log.WithError(err).Warn("Dropping undecodable relay message")
					continue
				}
				h(msg)
			}
		}
	}()
	log.Info("Redis relay subscribed")
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	// 订阅可能已经因 ctx 结束而关闭，重复关闭的错误忽略
	for _, sub := range subs {
		_ = sub.Close()
	}
	r.wg.Wait()
	return nil
}
