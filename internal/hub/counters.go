package hub

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"youplace-realtime/internal/metrics"
	"youplace-realtime/internal/repository"
)

const counterQueueSize = 4096

type counterOp struct {
	roomID string
	delta  int // +1 或 -1
}

// counterQueue 在单个 goroutine 中按入队顺序更新共享的房间人数，
// Hub 循环只负责入队，存储变慢不会拖住其他连接。
type counterQueue struct {
	state repository.StateRepository
	cb    *gobreaker.CircuitBreaker[int]
	ops   chan counterOp
	done  chan struct{}
	log   *logrus.Entry
}

func newCounterQueue(state repository.StateRepository) *counterQueue {
	log := logrus.WithField("component", "hub_counters")
	settings := gobreaker.Settings{
		Name:        "room_users",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Room users circuit breaker state changed")
		},
	}
	return &counterQueue{
		state: state,
		cb:    gobreaker.NewCircuitBreaker[int](settings),
		ops:   make(chan counterOp, counterQueueSize),
		done:  make(chan struct{}),
		log:   log,
	}
}

// enqueue 非阻塞，队列满时丢弃并记录
func (q *counterQueue) enqueue(delta int, rooms []string) {
	for _, roomID := range rooms {
		select {
		case q.ops <- counterOp{roomID: roomID, delta: delta}:
		default:
			metrics.StoreErrors.WithLabelValues("room_users_queue_full").Inc()
			q.log.WithField("room_id", roomID).Warn("Room users queue full, counter update dropped")
		}
	}
}

// run 处理队列直到 ops 被关闭
func (q *counterQueue) run() {
	defer close(q.done)
	for op := range q.ops {
		q.apply(op)
	}
}

func (q *counterQueue) apply(op counterOp) {
	_, err := q.cb.Execute(func() (int, error) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if op.delta > 0 {
			return q.state.IncrementRoomUsers(ctx, op.roomID)
		}
		return q.state.DecrementRoomUsers(ctx, op.roomID)
	})
	if err == nil {
		return
	}
	metrics.StoreErrors.WithLabelValues("room_users").Inc()
	entry := q.log.WithFields(logrus.Fields{"room_id": op.roomID, "delta": op.delta})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		entry.Debug("Room users store unavailable, counter update skipped")
		return
	}
	entry.WithError(err).Warn("Failed to update room users")
}

// closeAndWait 在 Hub 循环退出后调用，处理完剩余更新
func (q *counterQueue) closeAndWait() {
	close(q.ops)
	<-q.done
}
