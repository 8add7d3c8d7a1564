// Package tasks 定义后台任务的类型和载荷，并负责入队。
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
)

// TypeRealtimeCleanup 清理闲置房间的共享状态
const TypeRealtimeCleanup = "realtime:cleanup"

// CleanupSpec 是默认调度周期
const CleanupSpec = "@every 5m"

// cleanupUniqueTTL 小于调度周期，每个周期只保留一个任务
const cleanupUniqueTTL = 4 * time.Minute

// 清理请求来源
const (
	SourceScheduler = "scheduler"
	SourceAdmin     = "admin"
)

// CleanupPayload 是清理任务的载荷。载荷只含来源，
// 多个实例的调度器生成相同的任务，asynq 按唯一键去重。
type CleanupPayload struct {
	Source string `json:"source"`
}

// NewCleanupTask 创建清理任务
func NewCleanupTask(source string) (*asynq.Task, error) {
	payload, err := json.Marshal(CleanupPayload{Source: source})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRealtimeCleanup, payload, asynq.Unique(cleanupUniqueTTL), asynq.MaxRetry(1)), nil
}

// Enqueued 描述一次入队请求的结果
type Enqueued struct {
	TaskID string `json:"taskId,omitempty"`
	// AlreadyQueued 为 true 表示同类任务已在队列中，本次没有新建
	AlreadyQueued bool `json:"alreadyQueued"`
}

// Enqueuer 把后台任务写入 asynq 队列
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer 创建 Enqueuer
func NewEnqueuer(client *asynq.Client) *Enqueuer {
	if client == nil {
		panic("asynq client cannot be nil for Enqueuer")
	}
	return &Enqueuer{client: client}
}

// EnqueueCleanup 请求一次清理，由任一实例的 worker 执行
func (e *Enqueuer) EnqueueCleanup(ctx context.Context) (Enqueued, error) {
	task, err := NewCleanupTask(SourceAdmin)
	if err != nil {
		return Enqueued{}, fmt.Errorf("tasks: build cleanup task: %w", err)
	}
	info, err := e.client.EnqueueContext(ctx, task, asynq.Queue("default"))
	switch {
	case errors.Is(err, asynq.ErrDuplicateTask), errors.Is(err, asynq.ErrTaskIDConflict):
		return Enqueued{AlreadyQueued: true}, nil
	case err != nil:
		return Enqueued{}, fmt.Errorf("tasks: enqueue cleanup: %w", err)
	}
	return Enqueued{TaskID: info.ID}, nil
}
