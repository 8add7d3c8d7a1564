package worker

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/service"
	"youplace-realtime/internal/tasks"
)

// Cleaner 执行一次共享状态清理
type Cleaner interface {
	ForceCleanup(ctx context.Context) (service.CleanupResult, error)
}

func taskLog(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	retry, _ := asynq.GetRetryCount(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     retry,
	})
}

// CleanupHandler 处理 realtime:cleanup
type CleanupHandler struct {
	cleaner Cleaner
}

// NewCleanupHandler 创建 CleanupHandler
func NewCleanupHandler(cleaner Cleaner) *CleanupHandler {
	if cleaner == nil {
		panic("Cleaner cannot be nil for CleanupHandler")
	}
	return &CleanupHandler{cleaner: cleaner}
}

// ProcessTask 实现 asynq.Handler
func (h *CleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLog(ctx, t)
	if len(t.Payload()) > 0 {
		var payload tasks.CleanupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			logCtx.WithError(err).Error("Failed to unmarshal task payload")
			return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
		}
		logCtx = logCtx.WithField("source", payload.Source)
	}

	result, err := h.cleaner.ForceCleanup(ctx)
	if err != nil {
		logCtx.WithError(err).Error("Cleanup task failed")
		return fmt.Errorf("cleanup: %w", err)
	}
	logCtx.WithField("rooms_removed", result.RoomsRemoved).Info("Cleanup task processed successfully")
	return nil
}
