package mocks

import (
	"context"
	"time"

	"youplace-realtime/internal/domain"

	"github.com/stretchr/testify/mock"
)

// StateRepository 是 repository.StateRepository 的 Mock
type StateRepository struct {
	mock.Mock
}

func (m *StateRepository) AddRoomPixels(ctx context.Context, roomID string, events []domain.PaintEvent) error {
	args := m.Called(ctx, roomID, events)
	return args.Error(0)
}

func (m *StateRepository) GetRoomPixels(ctx context.Context, roomID string, limit int) ([]domain.PaintEvent, error) {
	args := m.Called(ctx, roomID, limit)
	var events []domain.PaintEvent
	if e := args.Get(0); e != nil {
		events = e.([]domain.PaintEvent)
	}
	return events, args.Error(1)
}

func (m *StateRepository) GetRoomStats(ctx context.Context, roomID string) (domain.RoomStats, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(domain.RoomStats), args.Error(1)
}

func (m *StateRepository) RecordRoomActivity(ctx context.Context, roomID string, pixels int, at time.Time) (domain.RoomStats, error) {
	args := m.Called(ctx, roomID, pixels, at)
	return args.Get(0).(domain.RoomStats), args.Error(1)
}

func (m *StateRepository) IncrementRoomUsers(ctx context.Context, roomID string) (int, error) {
	args := m.Called(ctx, roomID)
	return args.Int(0), args.Error(1)
}

func (m *StateRepository) DecrementRoomUsers(ctx context.Context, roomID string) (int, error) {
	args := m.Called(ctx, roomID)
	return args.Int(0), args.Error(1)
}

func (m *StateRepository) GetRoomUsers(ctx context.Context, roomID string) (int, error) {
	args := m.Called(ctx, roomID)
	return args.Int(0), args.Error(1)
}

func (m *StateRepository) ActiveRooms(ctx context.Context, limit int) ([]domain.ActiveRoom, error) {
	args := m.Called(ctx, limit)
	var rooms []domain.ActiveRoom
	if r := args.Get(0); r != nil {
		rooms = r.([]domain.ActiveRoom)
	}
	return rooms, args.Error(1)
}

func (m *StateRepository) CleanupInactiveRooms(ctx context.Context, idle time.Duration) (int, error) {
	args := m.Called(ctx, idle)
	return args.Int(0), args.Error(1)
}

func (m *StateRepository) CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, duration)
	return args.Bool(0), args.Error(1)
}

func (m *StateRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
