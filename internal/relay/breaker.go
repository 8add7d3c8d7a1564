package relay

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig 熔断器参数
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // 连续失败多少次后打开
	Timeout          time.Duration // 打开状态持续多久后进入半开
	MaxRequests      uint32        // 半开状态允许的试探请求数
}

// DefaultBreakerConfig 返回默认的熔断参数
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Name: "relay", FailureThreshold: 5, Timeout: 10 * time.Second, MaxRequests: 1}
}

// Breaker 给 Relay 的发布加上熔断，共享存储不可用时快速失败，不拖慢热路径
type Breaker struct {
	next Relay
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker 包装一个 Relay
func NewBreaker(next Relay, cfg BreakerConfig) *Breaker {
	if next == nil {
		panic("relay cannot be nil for relay.Breaker")
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"component": "relay",
				"breaker":   name,
				"from":      from.String(),
				"to":        to.String(),
			}).Warn("Relay circuit breaker state changed")
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

// State 返回熔断器当前状态
func (b *Breaker) State() string { return b.cb.State().String() }

func (b *Breaker) Publish(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Publish(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	return err
}

func (b *Breaker) Subscribe(ctx context.Context, h Handler) error {
	return b.next.Subscribe(ctx, h)
}

func (b *Breaker) Close() error { return b.next.Close() }
