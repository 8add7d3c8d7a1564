package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/repository"
)

// GormAccountRepository 是 AccountRepository 接口的 GORM 实现，只读外部用户表
type GormAccountRepository struct {
	db *gorm.DB
}

// NewGormAccountRepository 创建 GormAccountRepository 实例
func NewGormAccountRepository(db *gorm.DB) *GormAccountRepository {
	if db == nil {
		panic("database connection cannot be nil for GormAccountRepository")
	}
	return &GormAccountRepository{db: db}
}

// FindByID 实现根据用户 ID 查找用户
func (r *GormAccountRepository) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).
		Select("id", "username", "role", "is_active", "created_at", "updated_at").
		First(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("gorm: find user by id %d: %w", id, err)
	}
	return &user, nil
}
