// Package domain 定义了实时画布核心使用的数据结构。
package domain

import "time"

// User 表示画布用户的只读视图。
// 用户表由外部的账户服务维护，这里只关心鉴权需要的字段。
type User struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"type:varchar(191);uniqueIndex:idx_username;not null"`
	Role      string    `gorm:"type:varchar(32);not null;default:user"` // "user" 或 "admin"
	IsActive  bool      `gorm:"not null;default:true"`                  // 被封禁的用户为 false
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// RoleAdmin 是管理员角色名
const RoleAdmin = "admin"

// IsAdmin 判断用户是否具有管理员权限
func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }
