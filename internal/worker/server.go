// Package worker 运行 asynq 后台任务。
package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/tasks"
)

// WorkerServer 封装 Asynq Worker Server 的启动和关闭
type WorkerServer struct {
	server  *asynq.Server
	log     *logrus.Entry
	cleanup *CleanupHandler
}

// NewWorkerServer 创建 WorkerServer
func NewWorkerServer(redisOpt asynq.RedisClientOpt, cleanup *CleanupHandler, logger *logrus.Logger) *WorkerServer {
	if cleanup == nil {
		panic("task handlers cannot be nil for WorkerServer")
	}
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retryCount, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_type": task.Type(),
					"retries":   retryCount,
					"max_retry": maxRetry,
				}).Errorf("Task failed: %v", err)
			}),
		},
	)

	return &WorkerServer{server: server, log: logEntry, cleanup: cleanup}
}

// Mux 返回注册了所有任务处理器的 ServeMux
func (ws *WorkerServer) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeRealtimeCleanup, ws.cleanup.ProcessTask)
	return mux
}

// Start 运行 Worker Server，应在单独的 goroutine 中调用
func (ws *WorkerServer) Start() {
	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(ws.Mux()); err != nil {
		if !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, asynq.ErrServerClosed) {
			ws.log.WithError(err).Error("Could not run worker server")
		} else {
			ws.log.Info("Worker server stopped.")
		}
	}
}

// Shutdown 优雅地关闭 Worker Server
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
