// Package batch 按房间合并绘制事件，限制广播频率。
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/metrics"
)

const (
	DefaultMaxSize = 50
	DefaultWindow  = 500 * time.Millisecond

	persistTimeout = 5 * time.Second
)

// Flush 触发原因
const (
	TriggerSize   = "size"
	TriggerTimer  = "timer"
	TriggerManual = "manual"
	TriggerDrain  = "drain"
)

// Batch 是一个房间一次发出的事件，Events 保持加入顺序
type Batch struct {
	RoomID    string
	Events    []domain.PaintEvent
	FlushedAt time.Time
}

// Consumer 接收发出的批次。Consumer 内不能同步调用 AddEvent 或 Flush。
type Consumer func(Batch)

// HistoryWriter 是批次发出后异步写入的近期历史
type HistoryWriter interface {
	AddRoomPixels(ctx context.Context, roomID string, events []domain.PaintEvent) error
}

// Config 合并参数
type Config struct {
	MaxSize int
	Window  time.Duration
}

type pending struct {
	events []domain.PaintEvent
	timer  *time.Timer
	gen    uint64
}

// Stats 是当前合并状态的快照
type Stats struct {
	PendingRooms  int            `json:"pendingRooms"`
	PendingEvents int            `json:"pendingEvents"`
	TotalBatches  int64          `json:"totalBatches"`
	TotalEvents   int64          `json:"totalEvents"`
	MaxSize       int            `json:"maxBatchSize"`
	WindowMs      int64          `json:"batchWindowMs"`
	Rooms         map[string]int `json:"rooms,omitempty"`
}

// Coalescer 维护每个房间的待发队列和定时器
type Coalescer struct {
	cfg     Config
	history HistoryWriter

	mu      sync.Mutex
	pending map[string]*pending
	gen     uint64

	// emitMu 保证同一房间的批次按取出顺序发出。加锁顺序固定为 mu -> emitMu。
	emitMu sync.Mutex

	consumersMu sync.RWMutex
	consumers   []Consumer

	persistWG sync.WaitGroup

	totalBatches atomic.Int64
	totalEvents  atomic.Int64
}

// NewCoalescer 创建 Coalescer，history 为 nil 时不写历史
func NewCoalescer(cfg Config, history HistoryWriter) *Coalescer {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Coalescer{
		cfg:     cfg,
		history: history,
		pending: make(map[string]*pending),
	}
}

// OnBatchReady 注册批次消费者
func (c *Coalescer) OnBatchReady(consumer Consumer) {
	if consumer == nil {
		return
	}
	c.consumersMu.Lock()
	c.consumers = append(c.consumers, consumer)
	c.consumersMu.Unlock()
}

// AddEvent 把事件加入房间队列。达到上限立即发出，否则在没有定时器时启动一个。
func (c *Coalescer) AddEvent(roomID string, event domain.PaintEvent) {
	c.mu.Lock()
	p, ok := c.pending[roomID]
	if !ok {
		p = &pending{events: make([]domain.PaintEvent, 0, c.cfg.MaxSize)}
		c.pending[roomID] = p
	}
	p.events = append(p.events, event)

	if len(p.events) >= c.cfg.MaxSize {
		c.flushLocked(roomID, TriggerSize) // 释放 mu
		return
	}
	if p.timer == nil {
		c.gen++
		gen := c.gen
		p.gen = gen
		p.timer = time.AfterFunc(c.cfg.Window, func() { c.flushTimer(roomID, gen) })
	}
	c.mu.Unlock()
}

// Flush 立即发出房间的待发事件，没有待发事件时什么也不做
func (c *Coalescer) Flush(roomID string) {
	c.mu.Lock()
	c.flushLocked(roomID, TriggerManual)
}

func (c *Coalescer) flushTimer(roomID string, gen uint64) {
	c.mu.Lock()
	p, ok := c.pending[roomID]
	if !ok || p.gen != gen {
		// 已被按大小或手动发出
		c.mu.Unlock()
		return
	}
	c.flushLocked(roomID, TriggerTimer)
}

// flushLocked 在持有 mu 时调用，返回前释放 mu
func (c *Coalescer) flushLocked(roomID, trigger string) {
	p, ok := c.pending[roomID]
	if !ok || len(p.events) == 0 {
		delete(c.pending, roomID)
		c.mu.Unlock()
		return
	}
	delete(c.pending, roomID)
	if p.timer != nil {
		p.timer.Stop()
	}
	b := Batch{RoomID: roomID, Events: p.events, FlushedAt: time.Now()}

	c.emitMu.Lock()
	c.mu.Unlock()
	c.emit(b, trigger)
	c.persist(b)
	c.emitMu.Unlock()
}

func (c *Coalescer) emit(b Batch, trigger string) {
	c.totalBatches.Add(1)
	c.totalEvents.Add(int64(len(b.Events)))
	metrics.BatchesFlushed.WithLabelValues(trigger).Inc()
	metrics.BatchSize.Observe(float64(len(b.Events)))

	c.consumersMu.RLock()
	consumers := append([]Consumer(nil), c.consumers...)
	c.consumersMu.RUnlock()

	for i, consumer := range consumers {
		c.safeConsume(i, consumer, b)
	}
}

func (c *Coalescer) safeConsume(index int, consumer Consumer, b Batch) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ConsumerPanics.Inc()
			logrus.WithFields(logrus.Fields{
				"component": "batch",
				"room_id":   b.RoomID,
				"consumer":  index,
				"panic":     fmt.Sprint(r),
			}).Error("Batch consumer panicked")
		}
	}()
	consumer(b)
}

func (c *Coalescer) persist(b Batch) {
	if c.history == nil {
		return
	}
	c.persistWG.Add(1)
	go func() {
		defer c.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := c.history.AddRoomPixels(ctx, b.RoomID, b.Events); err != nil {
			metrics.StoreErrors.WithLabelValues("add_room_pixels").Inc()
			logrus.WithFields(logrus.Fields{
				"component": "batch",
				"room_id":   b.RoomID,
				"count":     len(b.Events),
			}).WithError(err).Warn("Failed to persist batch into room history")
		}
	}()
}

// Drain 发出所有待发房间、停止所有定时器，并等待历史写入完成或 ctx 结束
func (c *Coalescer) Drain(ctx context.Context) error {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.pending))
	for roomID := range c.pending {
		rooms = append(rooms, roomID)
	}
	c.mu.Unlock()
	sort.Strings(rooms)

	for _, roomID := range rooms {
		c.mu.Lock()
		c.flushLocked(roomID, TriggerDrain)
	}
	// 等待定时器触发的、正在进行中的发出
	c.emitMu.Lock()
	c.emitMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		logrus.WithFields(logrus.Fields{"component": "batch", "rooms": len(rooms)}).Info("Batch coalescer drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch: drain interrupted while persisting history: %w", ctx.Err())
	}
}

// Stats 返回当前合并状态
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		PendingRooms: len(c.pending),
		TotalBatches: c.totalBatches.Load(),
		TotalEvents:  c.totalEvents.Load(),
		MaxSize:      c.cfg.MaxSize,
		WindowMs:     c.cfg.Window.Milliseconds(),
		Rooms:        make(map[string]int, len(c.pending)),
	}
	for roomID, p := range c.pending {
		s.PendingEvents += len(p.events)
		s.Rooms[roomID] = len(p.events)
	}
	return s
}
