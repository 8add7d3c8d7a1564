package relay

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

const memoryBufferSize = 1024

// MemoryBus 是进程内的 Relay 实现，用于单实例部署和测试。
// 多个服务实例共享同一个 MemoryBus 时，行为与网络实现一致，发布者自己也会收到回声。
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Message
	nextID int
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryBus 创建 MemoryBus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan Message)}
}

// Publish 非阻塞地投递给每个订阅者，缓冲区满的订阅者会丢掉这条消息
func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			logrus.WithFields(logrus.Fields{"component": "relay", "subscriber": id}).Warn("Memory relay buffer full, dropping message")
		}
	}
	return nil
}

// Subscribe 为 h 启动一个投递 goroutine
func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Message, memoryBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				b.remove(id)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(msg)
			}
		}
	}()
	return nil
}

func (b *MemoryBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Close 关闭所有订阅并等待投递 goroutine 退出
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
