// Package broadcast 把合并后的批次和其他房间事件分发到具体连接。
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/batch"
	"youplace-realtime/internal/dto"
	"youplace-realtime/internal/metrics"
	"youplace-realtime/internal/repository"
)

const (
	// ReplayLimit 是订阅时回放的历史像素数
	ReplayLimit  = 100
	storeTimeout = 2 * time.Second
)

// Sender 是传输层提供的单连接发送原语。连接不存在或发送队列已满时返回 false。
type Sender interface {
	Send(connID string, payload []byte) bool
	// SendAll 发给所有已认证连接，返回成功入队的数量
	SendAll(payload []byte) int
}

// Members 查询房间的本地成员
type Members interface {
	MembersOf(roomID string) []string
}

// Stats 是广播器的累计统计
type Stats struct {
	BatchesDelivered int64 `json:"batchesDelivered"`
	BatchesSkipped   int64 `json:"batchesSkipped"`
	MessagesSent     int64 `json:"messagesSent"`
	MessagesDropped  int64 `json:"messagesDropped"`
	SpecialEvents    int64 `json:"specialEvents"`
}

// Broadcaster 负责“发什么、发给谁”，编码和写出由 Sender 完成
type Broadcaster struct {
	members Members
	state   repository.StateRepository
	sender  Sender
	now     func() time.Time

	statsWG sync.WaitGroup

	// replays 记录正在回放历史的 (连接, 房间)，期间该连接的批次先排队，回放后再发
	replayMu sync.Mutex
	replays  map[replayKey][][]byte

	batchesDelivered atomic.Int64
	batchesSkipped   atomic.Int64
	messagesSent     atomic.Int64
	messagesDropped  atomic.Int64
	specialEvents    atomic.Int64
}

type replayKey struct {
	connID string
	roomID string
}

// NewBroadcaster 创建 Broadcaster
func NewBroadcaster(members Members, state repository.StateRepository, sender Sender) *Broadcaster {
	if members == nil || state == nil || sender == nil {
		panic("members, state repository and sender cannot be nil for Broadcaster")
	}
	return &Broadcaster{
		members: members,
		state:   state,
		sender:  sender,
		now:     time.Now,
		replays: make(map[replayKey][][]byte),
	}
}

// HandleBatch 是 batch.Consumer：向房间每个成员发送一条 pixels_update，然后更新房间统计
func (b *Broadcaster) HandleBatch(bt batch.Batch) {
	log := logrus.WithFields(logrus.Fields{"component": "broadcast", "room_id": bt.RoomID, "count": len(bt.Events)})
	members := b.members.MembersOf(bt.RoomID)

	if len(members) == 0 {
		b.batchesSkipped.Add(1)
		log.Debug("No members in room for batch, skipping delivery")
	} else {
		payload, err := Encode(dto.EventPixelsUpdate, dto.PixelsBatch{
			Type:      "pixels_batch",
			Room:      bt.RoomID,
			Pixels:    dto.PixelsFromEvents(bt.Events),
			Count:     len(bt.Events),
			Timestamp: b.now().UnixMilli(),
		})
		if err != nil {
			log.WithError(err).Error("Failed to encode pixels batch")
			return
		}
		sent := b.deliver(dto.EventPixelsUpdate, b.holdForReplay(bt.RoomID, members, payload), payload)
		b.batchesDelivered.Add(1)
		log.WithField("recipients", sent).Debug("Batch broadcasted")
	}

	b.updateRoomStats(bt.RoomID, len(bt.Events))
}

func (b *Broadcaster) updateRoomStats(roomID string, count int) {
	b.statsWG.Add(1)
	go func() {
		defer b.statsWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if _, err := b.state.RecordRoomActivity(ctx, roomID, count, b.now()); err != nil {
			metrics.StoreErrors.WithLabelValues("record_room_activity").Inc()
			logrus.WithFields(logrus.Fields{"component": "broadcast", "room_id": roomID}).WithError(err).Warn("Failed to update room stats")
		}
	}()
}

// BeginReplay 必须在连接加入房间之前调用。之后发往该连接的批次会排队，
// 直到 SendRoomState 发出历史，保证 room_state 先于更新的 pixels_update 到达。
func (b *Broadcaster) BeginReplay(connID string, roomIDs ...string) {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	for _, roomID := range roomIDs {
		key := replayKey{connID: connID, roomID: roomID}
		if _, ok := b.replays[key]; !ok {
			b.replays[key] = nil
		}
	}
}

// holdForReplay 把正在回放的成员的批次放入队列，返回可以直接发送的成员
func (b *Broadcaster) holdForReplay(roomID string, members []string, payload []byte) []string {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	if len(b.replays) == 0 {
		return members
	}
	direct := make([]string, 0, len(members))
	for _, connID := range members {
		key := replayKey{connID: connID, roomID: roomID}
		if queued, ok := b.replays[key]; ok {
			b.replays[key] = append(queued, payload)
			continue
		}
		direct = append(direct, connID)
	}
	return direct
}

// SendRoomState 把房间近期历史只发给一个连接，然后放行回放期间排队的批次。
// 历史为空或读取失败时不发送 room_state，排队的批次照常发出。
func (b *Broadcaster) SendRoomState(ctx context.Context, connID, roomID string) bool {
	var payload []byte
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	events, err := b.state.GetRoomPixels(ctx, roomID, ReplayLimit)
	cancel()
	switch {
	case err != nil:
		metrics.StoreErrors.WithLabelValues("get_room_pixels").Inc()
		logrus.WithFields(logrus.Fields{"component": "broadcast", "room_id": roomID, "conn_id": connID}).WithError(err).Warn("Failed to load room history, omitting room_state")
	case len(events) > 0:
		payload, err = Encode(dto.EventRoomState, dto.RoomState{
			RoomID:    roomID,
			Pixels:    dto.PixelsFromEvents(events),
			Timestamp: b.now().UnixMilli(),
		})
		if err != nil {
			logrus.WithError(err).Error("Failed to encode room state")
			payload = nil
		}
	}

	// 在锁内发出历史和排队批次，新到的批次要么已入队，要么排在它们之后
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	key := replayKey{connID: connID, roomID: roomID}
	queued := b.replays[key]
	delete(b.replays, key)

	sent := false
	if payload != nil {
		sent = b.deliver(dto.EventRoomState, []string{connID}, payload) == 1
	}
	for _, batchPayload := range queued {
		b.deliver(dto.EventPixelsUpdate, []string{connID}, batchPayload)
	}
	return sent
}

// BroadcastUserCount 把房间当前本地成员数发给房间内所有成员
func (b *Broadcaster) BroadcastUserCount(roomID string) {
	members := b.members.MembersOf(roomID)
	if len(members) == 0 {
		return
	}
	payload, err := Encode(dto.EventRoomUsers, dto.RoomUsers{
		RoomID:    roomID,
		UserCount: len(members),
		Timestamp: b.now().UnixMilli(),
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to encode room users")
		return
	}
	b.deliver(dto.EventRoomUsers, members, payload)
}

// BroadcastSpecialEvent 推送管理员事件。roomID 为空时发给所有连接，返回接收者数量。
func (b *Broadcaster) BroadcastSpecialEvent(eventType string, data interface{}, roomID string) (int, error) {
	payload, err := Encode(dto.EventSpecialEvent, dto.SpecialEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: b.now().UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	b.specialEvents.Add(1)

	var sent int
	if roomID == "" {
		sent = b.sender.SendAll(payload)
		b.messagesSent.Add(int64(sent))
		metrics.MessagesSent.WithLabelValues(dto.EventSpecialEvent).Add(float64(sent))
	} else {
		sent = b.deliver(dto.EventSpecialEvent, b.members.MembersOf(roomID), payload)
	}
	logrus.WithFields(logrus.Fields{
		"component":  "broadcast",
		"event_type": eventType,
		"room_id":    roomID,
		"recipients": sent,
	}).Info("Special event broadcasted")
	return sent, nil
}

// deliver 逐个发送，失效的连接直接跳过
func (b *Broadcaster) deliver(event string, connIDs []string, payload []byte) int {
	sent := 0
	for _, connID := range connIDs {
		if b.sender.Send(connID, payload) {
			sent++
			continue
		}
		b.messagesDropped.Add(1)
		metrics.MessagesDropped.WithLabelValues(event).Inc()
	}
	b.messagesSent.Add(int64(sent))
	metrics.MessagesSent.WithLabelValues(event).Add(float64(sent))
	return sent
}

// Wait 等待进行中的统计更新完成
func (b *Broadcaster) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.statsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 返回累计统计
func (b *Broadcaster) Stats() Stats {
	return Stats{
		BatchesDelivered: b.batchesDelivered.Load(),
		BatchesSkipped:   b.batchesSkipped.Load(),
		MessagesSent:     b.messagesSent.Load(),
		MessagesDropped:  b.messagesDropped.Load(),
		SpecialEvents:    b.specialEvents.Load(),
	}
}

// Encode 编码一条下发消息
func Encode(event string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(dto.Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("broadcast: encode %s: %w", event, err)
	}
	return payload, nil
}
