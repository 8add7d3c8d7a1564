package hub

import (
	"sync"

	"youplace-realtime/internal/metrics"
)

// Connections 是本实例已认证连接的表，实现 broadcast.Sender。
// 关闭 send 通道和从表中删除在同一把锁内完成，Send 不会写入已关闭的通道。
type Connections struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewConnections 创建空的连接表
func NewConnections() *Connections {
	return &Connections{clients: make(map[string]*Client)}
}

func (cs *Connections) add(c *Client) {
	cs.mu.Lock()
	cs.clients[c.id] = c
	n := len(cs.clients)
	cs.mu.Unlock()
	metrics.ConnectionsActive.Set(float64(n))
}

// remove 删除连接并关闭其 send 通道，WritePump 随后发送关闭帧退出
func (cs *Connections) remove(id string) (*Client, bool) {
	cs.mu.Lock()
	c, ok := cs.clients[id]
	if ok {
		delete(cs.clients, id)
		close(c.send)
	}
	n := len(cs.clients)
	cs.mu.Unlock()
	metrics.ConnectionsActive.Set(float64(n))
	return c, ok
}

func (cs *Connections) get(id string) (*Client, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.clients[id]
	return c, ok
}

func (cs *Connections) ids() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]string, 0, len(cs.clients))
	for id := range cs.clients {
		out = append(out, id)
	}
	return out
}

// Send 非阻塞地把消息放入连接的发送队列
func (cs *Connections) Send(connID string, payload []byte) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.clients[connID]
	if !ok {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.log.Warn("Client send channel full, message dropped")
		return false
	}
}

// SendAll 发给所有连接，返回成功入队的数量
func (cs *Connections) SendAll(payload []byte) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	sent := 0
	for _, c := range cs.clients {
		select {
		case c.send <- payload:
			sent++
		default:
		}
	}
	return sent
}

// Count 返回当前连接数
func (cs *Connections) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.clients)
}
