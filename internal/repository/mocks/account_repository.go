// Package mocks 提供 repository 接口的 testify Mock 实现。
package mocks

import (
	"context"

	"youplace-realtime/internal/domain"

	"github.com/stretchr/testify/mock"
)

// AccountRepository 是 repository.AccountRepository 的 Mock
type AccountRepository struct {
	mock.Mock
}

// FindByID 模拟按 ID 查找用户
func (m *AccountRepository) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	args := m.Called(ctx, id)
	var user *domain.User
	if u := args.Get(0); u != nil {
		user = u.(*domain.User)
	}
	return user, args.Error(1)
}
