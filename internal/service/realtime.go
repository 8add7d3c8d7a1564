package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/abuse"
	"youplace-realtime/internal/batch"
	"youplace-realtime/internal/broadcast"
	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/hub"
	"youplace-realtime/internal/metrics"
	"youplace-realtime/internal/relay"
	"youplace-realtime/internal/repository"
	"youplace-realtime/internal/spatial"
)

const (
	storeTimeout       = 2 * time.Second
	DefaultCleanupIdle = 30 * time.Minute
	// DefaultStatsInterval 是每个实例输出运行统计的周期
	DefaultStatsInterval = time.Minute
)

// Deps 是 RealtimeService 的依赖
type Deps struct {
	InstanceID  string
	Index       spatial.Index
	Gate        *abuse.Gate
	Activity    repository.ActivityRepository
	Coalescer   *batch.Coalescer
	Relay       relay.Relay
	State       repository.StateRepository
	Broadcaster *broadcast.Broadcaster
	Hub         *hub.Hub
	CleanupIdle time.Duration
}

// RealtimeService 是绘制服务调用的入口，也承载管理接口
type RealtimeService struct {
	instanceID  string
	index       spatial.Index
	gate        *abuse.Gate
	activity    repository.ActivityRepository
	coalescer   *batch.Coalescer
	relay       relay.Relay
	state       repository.StateRepository
	broadcaster *broadcast.Broadcaster
	hub         *hub.Hub
	cleanupIdle time.Duration
	startedAt   time.Time
}

// NewRealtimeService 创建 RealtimeService
func NewRealtimeService(d Deps) *RealtimeService {
	if d.Gate == nil || d.Activity == nil || d.Coalescer == nil || d.Relay == nil ||
		d.State == nil || d.Broadcaster == nil || d.Hub == nil {
		panic("all dependencies are required for RealtimeService")
	}
	if d.InstanceID == "" {
		panic("instance id cannot be empty for RealtimeService")
	}
	if d.CleanupIdle <= 0 {
		d.CleanupIdle = DefaultCleanupIdle
	}
	return &RealtimeService{
		instanceID:  d.InstanceID,
		index:       d.Index,
		gate:        d.Gate,
		activity:    d.Activity,
		coalescer:   d.Coalescer,
		relay:       d.Relay,
		state:       d.State,
		broadcaster: d.Broadcaster,
		hub:         d.Hub,
		cleanupIdle: d.CleanupIdle,
		startedAt:   time.Now(),
	}
}

// InstanceID 返回本实例 ID
func (s *RealtimeService) InstanceID() string { return s.instanceID }

// EvaluatePaint 在持久化之前判断是否放行一次绘制
func (s *RealtimeService) EvaluatePaint(ctx context.Context, userID uint, x, y int, color string) (abuse.Verdict, error) {
	normalized, err := domain.NormalizeColor(color)
	if err != nil {
		return abuse.Verdict{}, err
	}
	if userID == 0 {
		return abuse.Verdict{}, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	return s.gate.Evaluate(ctx, userID, x, y, normalized)
}

// OnPixelPersisted 在绘制提交后调用：本地入队、记录活动、向其他实例发布。
// 共享存储或 relay 不可用时只影响跨实例传播，本地广播照常进行。
func (s *RealtimeService) OnPixelPersisted(ctx context.Context, ev domain.PaintEvent) error {
	color, err := domain.NormalizeColor(ev.Color)
	if err != nil {
		return err
	}
	ev.Color = color
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	roomID := s.index.RoomID(ev.X, ev.Y)
	log := logrus.WithFields(logrus.Fields{"component": "realtime", "room_id": roomID, "user_id": ev.UserID})

	// 先入队，活动记录变慢不推迟本地广播
	s.coalescer.AddEvent(roomID, ev)

	if ev.UserID != 0 {
		rctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := s.activity.RecordPaint(rctx, ev.UserID, domain.PaintRecord{X: ev.X, Y: ev.Y, Color: ev.Color, At: ev.Timestamp})
		cancel()
		if err != nil {
			metrics.StoreErrors.WithLabelValues("record_paint").Inc()
			log.WithError(err).Warn("Failed to record paint activity")
		}
	}

	pctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.relay.Publish(pctx, relay.Message{Event: ev, Source: s.instanceID}); err != nil {
		metrics.RelayMessages.WithLabelValues("publish", "error").Inc()
		log.WithError(err).Warn("Failed to publish paint event to relay")
		return nil
	}
	metrics.RelayMessages.WithLabelValues("publish", "ok").Inc()
	return nil
}

// StartRelay 订阅其他实例的事件，直到 ctx 结束
func (s *RealtimeService) StartRelay(ctx context.Context) error {
	return s.relay.Subscribe(ctx, s.handleRelayMessage)
}

// handleRelayMessage 丢弃本实例发出的消息，其余按本地事件入队
func (s *RealtimeService) handleRelayMessage(msg relay.Message) {
	if msg.Source == s.instanceID {
		metrics.RelayMessages.WithLabelValues("receive", "self_echo").Inc()
		return
	}
	if _, err := domain.NormalizeColor(msg.Event.Color); err != nil {
		metrics.RelayMessages.WithLabelValues("receive", "error").Inc()
		logrus.WithFields(logrus.Fields{"component": "realtime", "source": msg.Source}).WithError(err).Warn("Dropping relay message with invalid color")
		return
	}
	metrics.RelayMessages.WithLabelValues("receive", "ok").Inc()
	s.coalescer.AddEvent(s.index.RoomID(msg.Event.X, msg.Event.Y), msg.Event)
}

// GetActiveRooms 返回共享计数中在线人数最多的房间
func (s *RealtimeService) GetActiveRooms(ctx context.Context, limit int) ([]domain.ActiveRoom, error) {
	switch {
	case limit <= 0:
		limit = 20
	case limit > 100:
		limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	rooms, err := s.state.ActiveRooms(ctx, limit)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("active_rooms").Inc()
		return nil, fmt.Errorf("load active rooms: %w", err)
	}
	return rooms, nil
}

// RoomStateView 是管理接口看到的房间详情
type RoomStateView struct {
	RoomID       string              `json:"roomId"`
	Bounds       spatial.Bounds      `json:"bounds"`
	LocalMembers int                 `json:"localMembers"`
	Users        int                 `json:"users"`
	Stats        domain.RoomStats    `json:"stats"`
	RecentPixels []domain.PaintEvent `json:"recentPixels"`
}

// GetRoomState 返回单个房间的统计和近期历史
func (s *RealtimeService) GetRoomState(ctx context.Context, roomID string) (RoomStateView, error) {
	bounds, err := s.index.Bounds(roomID)
	if err != nil {
		return RoomStateView{}, ErrInvalidRoomID
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	view := RoomStateView{
		RoomID:       roomID,
		Bounds:       bounds,
		LocalMembers: s.hub.Stats().Rooms[roomID],
		RecentPixels: []domain.PaintEvent{},
	}
	if view.Stats, err = s.state.GetRoomStats(ctx, roomID); err != nil {
		return RoomStateView{}, fmt.Errorf("load room stats: %w", err)
	}
	if view.Users, err = s.state.GetRoomUsers(ctx, roomID); err != nil {
		return RoomStateView{}, fmt.Errorf("load room users: %w", err)
	}
	events, err := s.state.GetRoomPixels(ctx, roomID, broadcast.ReplayLimit)
	if err != nil {
		return RoomStateView{}, fmt.Errorf("load room pixels: %w", err)
	}
	if len(events) > 0 {
		view.RecentPixels = events
	}
	return view, nil
}

// SystemStats 是整个实例的运行状态
type SystemStats struct {
	InstanceID    string          `json:"instanceId"`
	UptimeSeconds int64           `json:"uptimeSeconds"`
	Gateway       hub.Stats       `json:"gateway"`
	Batching      batch.Stats     `json:"batching"`
	Broadcast     broadcast.Stats `json:"broadcast"`
	Abuse         abuse.Stats     `json:"abuse"`
	Relay         string          `json:"relay"`
	Store         string          `json:"store"`
	Timestamp     int64           `json:"timestamp"`
}

// GetSystemStats 汇总各组件的统计
func (s *RealtimeService) GetSystemStats(ctx context.Context) SystemStats {
	stats := SystemStats{
		InstanceID:    s.instanceID,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Gateway:       s.hub.Stats(),
		Batching:      s.coalescer.Stats(),
		Broadcast:     s.broadcaster.Stats(),
		Abuse:         s.gate.Stats(),
		Relay:         "ok",
		Store:         "ok",
		Timestamp:     time.Now().UnixMilli(),
	}
	if b, ok := s.relay.(interface{ State() string }); ok {
		stats.Relay = b.State()
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.state.Ping(ctx); err != nil {
		stats.Store = "unavailable"
	}
	return stats
}

// BroadcastSpecialEvent 推送管理员事件，roomID 为空时发给所有连接
func (s *RealtimeService) BroadcastSpecialEvent(eventType string, data interface{}, roomID string) (int, error) {
	if eventType == "" {
		return 0, fmt.Errorf("%w: eventType is required", ErrInvalidInput)
	}
	if roomID != "" && !spatial.IsValidRoomID(roomID) {
		return 0, ErrInvalidRoomID
	}
	return s.broadcaster.BroadcastSpecialEvent(eventType, data, roomID)
}

// CleanupResult 是一次清理的结果
type CleanupResult struct {
	RoomsRemoved      int   `json:"roomsRemoved"`
	AbuseStateRemoved int   `json:"abuseStateRemoved"`
	Timestamp         int64 `json:"timestamp"`
}

// ForceCleanup 清理闲置房间的共享状态和过期的滥用检测状态
func (s *RealtimeService) ForceCleanup(ctx context.Context) (CleanupResult, error) {
	now := time.Now()
	result := CleanupResult{AbuseStateRemoved: s.gate.Sweep(now), Timestamp: now.UnixMilli()}
	removed, err := s.state.CleanupInactiveRooms(ctx, s.cleanupIdle)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("cleanup_inactive_rooms").Inc()
		return result, fmt.Errorf("cleanup inactive rooms: %w", err)
	}
	result.RoomsRemoved = removed
	logrus.WithFields(logrus.Fields{
		"component":           "realtime",
		"rooms_removed":       result.RoomsRemoved,
		"abuse_state_removed": result.AbuseStateRemoved,
	}).Info("Cleanup completed")
	return result, nil
}

// LogStats 输出一行运行统计
func (s *RealtimeService) LogStats(ctx context.Context) SystemStats {
	stats := s.GetSystemStats(ctx)
	logrus.WithFields(logrus.Fields{
		"component":      "realtime",
		"connections":    stats.Gateway.Connections,
		"active_rooms":   stats.Gateway.ActiveRooms,
		"pending_events": stats.Batching.PendingEvents,
		"total_batches":  stats.Batching.TotalBatches,
		"messages_sent":  stats.Broadcast.MessagesSent,
		"abuse_tracked":  stats.Abuse.TrackedUsers,
		"relay":          stats.Relay,
		"store":          stats.Store,
	}).Info("Realtime stats")
	return stats
}

// RunStatsLogger 按周期在本实例输出统计，直到 ctx 结束
func (s *RealtimeService) RunStatsLogger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.LogStats(ctx)
		}
	}
}
