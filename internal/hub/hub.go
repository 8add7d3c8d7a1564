// Package hub 是连接网关：维护已认证连接、房间订阅和断线清理。
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/broadcast"
	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/dto"
	"youplace-realtime/internal/metrics"
	"youplace-realtime/internal/repository"
	"youplace-realtime/internal/spatial"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	storeTimeout   = 2 * time.Second
	roomInfoPixels = 50
)

// Config 网关参数
type Config struct {
	MaxRoomsPerConnection int
	MaxViewportTiles      int
	ClientEventsPerMinute int
	InstanceID            string
	Version               string
}

// DefaultConfig 返回默认网关参数
func DefaultConfig() Config {
	return Config{
		MaxRoomsPerConnection: 50,
		MaxViewportTiles:      10,
		ClientEventsPerMinute: 100,
		Version:               "1.0.0",
	}
}

type eventKind int

const (
	kindRegister eventKind = iota
	kindUnregister
	kindMessage
)

type hubEvent struct {
	kind   eventKind
	client *Client
	msg    dto.IncomingMessage
	done   chan struct{}
}

// Hub 串行处理所有连接的控制事件，保证订阅表和共享计数按事件顺序变化
type Hub struct {
	cfg         Config
	conns       *Connections
	registry    *spatial.Registry
	index       spatial.Index
	broadcaster *broadcast.Broadcaster
	state       repository.StateRepository
	counters    *counterQueue

	events  chan hubEvent
	stopped chan struct{}
	once    sync.Once
	sideWG  sync.WaitGroup
}

// NewHub 创建 Hub。conns 需要与 Broadcaster 使用同一个实例。
func NewHub(conns *Connections, registry *spatial.Registry, index spatial.Index, broadcaster *broadcast.Broadcaster, state repository.StateRepository, cfg Config) *Hub {
	if conns == nil {
		panic("Connections cannot be nil for Hub")
	}
	if registry == nil {
		panic("Registry cannot be nil for Hub")
	}
	if broadcaster == nil {
		panic("Broadcaster cannot be nil for Hub")
	}
	if state == nil {
		panic("StateRepository cannot be nil for Hub")
	}
	return &Hub{
		cfg:         cfg,
		conns:       conns,
		registry:    registry,
		index:       index,
		broadcaster: broadcaster,
		state:       state,
		counters:    newCounterQueue(state),
		events:      make(chan hubEvent, 512),
		stopped:     make(chan struct{}),
	}
}

// Run 运行事件循环直到 ctx 结束，退出前释放所有连接
func (h *Hub) Run(ctx context.Context) {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")
	go h.counters.run()

	for {
		select {
		case ev := <-h.events:
			h.handle(ev)
		case <-ctx.Done():
			h.once.Do(func() { close(h.stopped) })
			h.shutdown()
			h.counters.closeAndWait()
			log.Info("Hub stopped")
			return
		}
	}
}

func (h *Hub) handle(ev hubEvent) {
	switch ev.kind {
	case kindRegister:
		h.register(ev.client)
	case kindUnregister:
		h.unregister(ev.client)
	case kindMessage:
		h.handleMessage(ev.client, ev.msg)
	}
	if ev.done != nil {
		close(ev.done)
	}
}

// Register 登记连接并发送 connected，Hub 已停止时返回 ErrHubStopped
func (h *Hub) Register(c *Client) error {
	done := make(chan struct{})
	select {
	case h.events <- hubEvent{kind: kindRegister, client: c, done: done}:
	case <-h.stopped:
		return ErrHubStopped
	}
	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

// Unregister 释放连接的全部订阅，等待处理完成
func (h *Hub) Unregister(c *Client) {
	done := make(chan struct{})
	select {
	case h.events <- hubEvent{kind: kindUnregister, client: c, done: done}:
	case <-h.stopped:
		return
	}
	select {
	case <-done:
	case <-h.stopped:
	}
}

// dispatch 非阻塞投递控制事件，队列满时告知客户端
func (h *Hub) dispatch(c *Client, msg dto.IncomingMessage) {
	select {
	case h.events <- hubEvent{kind: kindMessage, client: c, msg: msg}:
	case <-h.stopped:
	default:
		c.log.WithField("event", msg.Event).Warn("Hub event channel full, dropping client message")
		c.sendError(fmt.Errorf("server busy, %s dropped", msg.Event))
	}
}

func (h *Hub) register(c *Client) {
	h.conns.add(c)
	c.emit(dto.EventConnected, dto.Connected{
		ConnectionID: c.id,
		User:         c.userInfo(),
		Timestamp:    time.Now().UnixMilli(),
		ServerInfo: dto.ServerInfo{
			Version:    h.cfg.Version,
			InstanceID: h.cfg.InstanceID,
			Features:   []string{"spatial_rooms", "batch_updates", "room_state", "viewport_subscriptions"},
		},
		Stats: &dto.ConnectionStats{
			TotalConnections: h.conns.Count(),
			ActiveRooms:      h.registry.RoomCount(),
		},
	})
	c.log.Info("Client registered to Hub")
}

func (h *Hub) unregister(c *Client) {
	if _, ok := h.conns.remove(c.id); !ok {
		return
	}
	released := h.registry.LeaveAll(c.id)
	h.counters.enqueue(-1, released)
	h.afterMembershipChange(released)
	c.log.WithField("rooms", len(released)).Info("Client unregistered from Hub")
}

func (h *Hub) handleMessage(c *Client, msg dto.IncomingMessage) {
	// 已注销连接的残留事件
	if _, ok := h.conns.get(c.id); !ok {
		return
	}
	var err error
	switch msg.Event {
	case dto.ClientJoinRooms:
		err = h.joinRooms(c, msg.Data)
	case dto.ClientLeaveRooms:
		err = h.leaveRooms(c, msg.Data)
	case dto.ClientUpdateViewport:
		err = h.updateViewport(c, msg.Data)
	case dto.ClientGetRoomInfo:
		err = h.roomInfo(c, msg.Data)
	case dto.ClientAuthenticate:
		c.emit(dto.EventAuthenticated, dto.Authenticated{User: *c.userInfo(), Timestamp: time.Now().UnixMilli()})
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownEvent, msg.Event)
	}
	if err != nil {
		metrics.ClientEvents.WithLabelValues(msg.Event, "invalid").Inc()
		c.log.WithError(err).WithField("event", msg.Event).Debug("Client event rejected")
		c.sendError(err)
		return
	}
	metrics.ClientEvents.WithLabelValues(msg.Event, "ok").Inc()
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func validateRooms(rooms []string) error {
	if len(rooms) == 0 {
		return fmt.Errorf("%w: rooms must be a non-empty array", ErrInvalidPayload)
	}
	for _, roomID := range rooms {
		if !spatial.IsValidRoomID(roomID) {
			return fmt.Errorf("%w: %q", ErrInvalidRoomID, roomID)
		}
	}
	return nil
}

// joinRooms 在现有订阅上追加房间
func (h *Hub) joinRooms(c *Client, data json.RawMessage) error {
	var req dto.RoomsRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := validateRooms(req.Rooms); err != nil {
		return err
	}

	current := h.registry.RoomsOf(c.id)
	total := make(map[string]struct{}, len(current)+len(req.Rooms))
	for _, roomID := range current {
		total[roomID] = struct{}{}
	}
	for _, roomID := range req.Rooms {
		total[roomID] = struct{}{}
	}
	if len(total) > h.cfg.MaxRoomsPerConnection {
		return fmt.Errorf("%w: max %d per connection", ErrTooManyRooms, h.cfg.MaxRoomsPerConnection)
	}

	fresh := make([]string, 0, len(req.Rooms))
	seen := make(map[string]struct{}, len(req.Rooms))
	for _, roomID := range req.Rooms {
		if _, dup := seen[roomID]; dup || h.registry.IsMember(c.id, roomID) {
			continue
		}
		seen[roomID] = struct{}{}
		fresh = append(fresh, roomID)
	}
	h.broadcaster.BeginReplay(c.id, fresh...)

	joined := make([]string, 0, len(fresh))
	for _, roomID := range fresh {
		if h.registry.Join(c.id, roomID) {
			joined = append(joined, roomID)
		}
	}
	h.counters.enqueue(1, joined)
	c.emit(dto.EventRoomsJoined, dto.RoomsChanged{Rooms: joined, Timestamp: time.Now().UnixMilli()})
	h.replay(c, fresh)
	h.afterMembershipChange(joined)
	c.log.WithField("joined", len(joined)).Debug("Rooms joined")
	return nil
}

func (h *Hub) leaveRooms(c *Client, data json.RawMessage) error {
	var req dto.RoomsRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := validateRooms(req.Rooms); err != nil {
		return err
	}

	left := make([]string, 0, len(req.Rooms))
	for _, roomID := range req.Rooms {
		if h.registry.Leave(c.id, roomID) {
			left = append(left, roomID)
		}
	}
	h.counters.enqueue(-1, left)
	c.emit(dto.EventRoomsLeft, dto.RoomsChanged{Rooms: left, Timestamp: time.Now().UnixMilli()})
	h.afterMembershipChange(left)
	return nil
}

// updateViewport 用视口覆盖的房间替换全部订阅
func (h *Hub) updateViewport(c *Client, data json.RawMessage) error {
	var req dto.ViewportRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.MinX == nil || req.MaxX == nil || req.MinY == nil || req.MaxY == nil {
		return fmt.Errorf("%w: viewport requires minX, maxX, minY, maxY", ErrInvalidPayload)
	}
	vp := domain.Viewport{MinX: *req.MinX, MaxX: *req.MaxX, MinY: *req.MinY, MaxY: *req.MaxY}

	limit := h.cfg.MaxViewportTiles
	w, hgt := h.index.TileSpan(vp.MinX, vp.MaxX, vp.MinY, vp.MaxY)
	if w > limit || hgt > limit {
		return fmt.Errorf("%w: max %dx%d tiles", ErrViewportTooLarge, limit, limit)
	}
	rooms := h.index.RoomsForViewport(vp.MinX, vp.MaxX, vp.MinY, vp.MaxY)
	if len(rooms) > limit*limit {
		return fmt.Errorf("%w: max %dx%d tiles", ErrViewportTooLarge, limit, limit)
	}

	fresh := make([]string, 0, len(rooms))
	for _, roomID := range rooms {
		if !h.registry.IsMember(c.id, roomID) {
			fresh = append(fresh, roomID)
		}
	}
	h.broadcaster.BeginReplay(c.id, fresh...)
	joined, left := h.registry.UpdateSubscriptions(c.id, rooms)
	c.viewport = &vp

	h.counters.enqueue(-1, left)
	h.counters.enqueue(1, joined)
	c.emit(dto.EventViewportUpdated, dto.ViewportUpdated{Viewport: vp, Rooms: rooms, Timestamp: time.Now().UnixMilli()})
	h.replay(c, fresh)
	h.afterMembershipChange(append(left, joined...))
	c.log.WithFields(logrus.Fields{"rooms": len(rooms), "joined": len(joined), "left": len(left)}).Debug("Viewport updated")
	return nil
}

func (h *Hub) roomInfo(c *Client, data json.RawMessage) error {
	var req dto.RoomInfoRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	bounds, err := h.index.Bounds(req.RoomID)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, req.RoomID)
	}
	userCount := h.registry.MemberCount(req.RoomID)

	h.sideWG.Add(1)
	go func() {
		defer h.sideWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		info := dto.RoomInfo{
			RoomID: req.RoomID,
			Coordinates: dto.Coordinates{
				MinX: bounds.MinX, MaxX: bounds.MaxX, MinY: bounds.MinY, MaxY: bounds.MaxY,
				CenterX: bounds.CenterX, CenterY: bounds.CenterY,
			},
			UserCount:    userCount,
			RecentPixels: []dto.Pixel{},
			Timestamp:    time.Now().UnixMilli(),
		}
		if stats, err := h.state.GetRoomStats(ctx, req.RoomID); err == nil {
			info.Stats = stats
		} else {
			metrics.StoreErrors.WithLabelValues("get_room_stats").Inc()
			c.log.WithError(err).Warn("Failed to load room stats for room_info")
		}
		if events, err := h.state.GetRoomPixels(ctx, req.RoomID, roomInfoPixels); err == nil {
			info.RecentPixels = dto.PixelsFromEvents(events)
		} else {
			metrics.StoreErrors.WithLabelValues("get_room_pixels").Inc()
		}
		c.emit(dto.EventRoomInfo, info)
	}()
	return nil
}

// replay 异步回放新加入房间的近期历史。调用前已经 BeginReplay，
// 回放完成前这些房间发往该连接的批次会排队。
func (h *Hub) replay(c *Client, rooms []string) {
	if len(rooms) == 0 {
		return
	}
	h.sideWG.Add(1)
	go func() {
		defer h.sideWG.Done()
		for _, roomID := range rooms {
			h.broadcaster.SendRoomState(context.Background(), c.id, roomID)
		}
	}()
}

func (h *Hub) afterMembershipChange(rooms []string) {
	metrics.RoomsActive.Set(float64(h.registry.RoomCount()))
	for _, roomID := range rooms {
		h.broadcaster.BroadcastUserCount(roomID)
	}
}

// shutdown 关闭所有连接并归还共享计数
func (h *Hub) shutdown() {
	for _, id := range h.conns.ids() {
		if c, ok := h.conns.get(id); ok {
			h.unregister(c)
		}
	}
	h.sideWG.Wait()
}

// Stats 返回网关统计
func (h *Hub) Stats() Stats {
	return Stats{
		Connections: h.conns.Count(),
		ActiveRooms: h.registry.RoomCount(),
		Rooms:       h.registry.Snapshot(),
	}
}

// Stats 是网关状态快照
type Stats struct {
	Connections int            `json:"connections"`
	ActiveRooms int            `json:"activeRooms"`
	Rooms       map[string]int `json:"rooms"`
}
