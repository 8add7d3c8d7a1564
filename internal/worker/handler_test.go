package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"youplace-realtime/internal/service"
	"youplace-realtime/internal/tasks"
	"youplace-realtime/internal/worker"
)

type fakeRealtime struct {
	cleanups int
	err      error
}

func (f *fakeRealtime) ForceCleanup(context.Context) (service.CleanupResult, error) {
	f.cleanups++
	return service.CleanupResult{RoomsRemoved: 2}, f.err
}

func TestCleanupHandler(t *testing.T) {
	fake := &fakeRealtime{}
	h := worker.NewCleanupHandler(fake)
	task, err := tasks.NewCleanupTask(tasks.SourceScheduler)
	require.NoError(t, err)

	require.NoError(t, h.ProcessTask(context.Background(), task))
	assert.Equal(t, 1, fake.cleanups)

	fake.err = errors.New("redis: connection refused")
	assert.Error(t, h.ProcessTask(context.Background(), task))
}

func TestCleanupHandler_BadPayloadSkipsRetry(t *testing.T) {
	h := worker.NewCleanupHandler(&fakeRealtime{})

	err := h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeRealtimeCleanup, []byte("{broken")))

	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestWorkerServer_MuxRoutesTasks(t *testing.T) {
	mr := miniredis.RunT(t)
	fake := &fakeRealtime{}
	ws := worker.NewWorkerServer(
		asynq.RedisClientOpt{Addr: mr.Addr()},
		worker.NewCleanupHandler(fake),
		logrus.New(),
	)
	mux := ws.Mux()
	cleanupTask, _ := tasks.NewCleanupTask(tasks.SourceScheduler)

	require.NoError(t, mux.ProcessTask(context.Background(), cleanupTask))

	assert.Equal(t, 1, fake.cleanups)
	assert.Error(t, mux.ProcessTask(context.Background(), asynq.NewTask("realtime:stats", nil)), "统计不再走队列")
}
