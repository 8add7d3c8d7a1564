package mocks

import (
	"context"
	"time"

	"youplace-realtime/internal/domain"

	"github.com/stretchr/testify/mock"
)

// ActivityRepository 是 repository.ActivityRepository 的 Mock
type ActivityRepository struct {
	mock.Mock
}

func (m *ActivityRepository) RecordPaint(ctx context.Context, userID uint, record domain.PaintRecord) error {
	args := m.Called(ctx, userID, record)
	return args.Error(0)
}

func (m *ActivityRepository) CountSince(ctx context.Context, userID uint, since time.Time) (int, error) {
	args := m.Called(ctx, userID, since)
	return args.Int(0), args.Error(1)
}

func (m *ActivityRepository) RecentSince(ctx context.Context, userID uint, since time.Time, limit int) ([]domain.PaintRecord, error) {
	args := m.Called(ctx, userID, since, limit)
	var records []domain.PaintRecord
	if r := args.Get(0); r != nil {
		records = r.([]domain.PaintRecord)
	}
	return records, args.Error(1)
}
