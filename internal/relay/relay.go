// Package relay 在多个网关实例之间传播已提交的绘制事件。
// 投递是尽力而为的，至多一次。
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"youplace-realtime/internal/domain"
)

var (
	// ErrClosed 表示 relay 已关闭
	ErrClosed = errors.New("relay: closed")
	// ErrUnavailable 表示熔断器打开，暂时不尝试发布
	ErrUnavailable = errors.New("relay: unavailable")
)

// Message 是在实例之间传递的一条事件，Source 是发布实例的 ID
type Message struct {
	Event  domain.PaintEvent `msgpack:"event"`
	Source string            `msgpack:"source"`
}

// Handler 处理收到的消息，不能阻塞太久
type Handler func(Message)

// Relay 是跨实例的发布/订阅通道
type Relay interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe 注册处理函数，直到 ctx 结束或 Close
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Encode 把消息编码为 msgpack
func Encode(msg Message) ([]byte, error) {
	b, err := msgpack.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("relay: encode message: %w", err)
	}
	return b, nil
}

// Decode 解码 msgpack 消息
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("relay: decode message: %w", err)
	}
	return msg, nil
}
