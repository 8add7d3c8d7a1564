package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/relay"
)

type collector struct {
	mu   sync.Mutex
	msgs []relay.Message
}

func (c *collector) handle(m relay.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) get(i int) relay.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[i]
}

func sampleMessage(source string) relay.Message {
	return relay.Message{
		Event:  domain.PaintEvent{X: -5, Y: 12, Color: "#ABCDEF", Username: "alice", UserID: 3, Timestamp: 1700000000000},
		Source: source,
	}
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := relay.Decode([]byte{0xc1, 0x00})
	assert.Error(t, err)
}

func TestMemoryBus_DeliversToEverySubscriber(t *testing.T) {
	bus := relay.NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	a, b := &collector{}, &collector{}
	require.NoError(t, bus.Subscribe(ctx, a.handle))
	require.NoError(t, bus.Subscribe(ctx, b.handle))

	require.NoError(t, bus.Publish(ctx, sampleMessage("instance-a")))

	assert.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "instance-a", a.get(0).Source, "发布者自己也会收到回声")
}

func TestMemoryBus_SubscriptionEndsWithContext(t *testing.T) {
	bus := relay.NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{}
	require.NoError(t, bus.Subscribe(ctx, c.handle))
	cancel()

	// 等待投递 goroutine 注销
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), sampleMessage("x")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.len())
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := relay.NewMemoryBus()
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), sampleMessage("x")), relay.ErrClosed)
	assert.ErrorIs(t, bus.Subscribe(context.Background(), func(relay.Message) {}), relay.ErrClosed)
}

func TestRedisRelay_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := relay.NewRedis(client, "t:")
	defer r.Close()
	assert.Equal(t, "t:pixel_painted", r.Channel())

	c := &collector{}
	require.NoError(t, r.Subscribe(context.Background(), c.handle))

	msg := sampleMessage("instance-b")
	require.NoError(t, r.Publish(context.Background(), msg))

	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, msg, c.get(0))
}

type failingRelay struct {
	mu    sync.Mutex
	calls int
}

func (f *failingRelay) Publish(context.Context, relay.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("connection refused")
}
func (f *failingRelay) Subscribe(context.Context, relay.Handler) error { return nil }
func (f *failingRelay) Close() error                                    { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingRelay{}
	b := relay.NewBreaker(inner, relay.BreakerConfig{Name: "test", FailureThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Publish(ctx, sampleMessage("a"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, relay.ErrUnavailable)
	}

	err := b.Publish(ctx, sampleMessage("a"))
	assert.ErrorIs(t, err, relay.ErrUnavailable)
	assert.Equal(t, 3, inner.calls, "熔断打开后不应再调用下游")
	assert.Equal(t, "open", b.State())
}
