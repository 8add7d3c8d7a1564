package repository

import (
	"context"

	"youplace-realtime/internal/domain"
)

// AccountRepository 只读地访问外部用户表，用于连接鉴权时确认账号存在且处于启用状态。
type AccountRepository interface {
	// FindByID 根据用户 ID 查找用户。
	// 如果用户不存在，返回 ErrUserNotFound。
	FindByID(ctx context.Context, id uint) (*domain.User, error)
}
