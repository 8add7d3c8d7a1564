package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidColor 表示颜色不是 #RRGGBB 格式
var ErrInvalidColor = errors.New("color must be in hexadecimal #RRGGBB format")

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// PaintEvent 表示一次已提交的像素绘制，创建后不可修改。
type PaintEvent struct {
	X         int    `json:"x" msgpack:"x"`
	Y         int    `json:"y" msgpack:"y"`
	Color     string `json:"color" msgpack:"color"`
	Username  string `json:"username" msgpack:"username"`
	UserID    uint   `json:"userId,omitempty" msgpack:"user_id"`
	Timestamp int64  `json:"timestamp" msgpack:"ts"` // Unix 毫秒
}

// NewPaintEvent 校验颜色并构造事件。timestamp 为零值时使用当前时间。
func NewPaintEvent(x, y int, color, username string, userID uint, at time.Time) (PaintEvent, error) {
	normalized, err := NormalizeColor(color)
	if err != nil {
		return PaintEvent{}, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	return PaintEvent{
		X:         x,
		Y:         y,
		Color:     normalized,
		Username:  username,
		UserID:    userID,
		Timestamp: at.UnixMilli(),
	}, nil
}

// NormalizeColor 校验并统一为大写的 #RRGGBB
func NormalizeColor(color string) (string, error) {
	if !colorPattern.MatchString(color) {
		return "", ErrInvalidColor
	}
	return strings.ToUpper(color), nil
}

// Pixel 映射外部持久化服务的 pixels 表，仅用于读取用户近期活动。
type Pixel struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	X         int       `gorm:"not null"`
	Y         int       `gorm:"not null"`
	Color     string    `gorm:"size:7;not null"`
	CreatedAt time.Time `gorm:"index"`
}

// PaintRecord 是滥用检测用到的最小活动记录
type PaintRecord struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
	At    int64  `json:"at"` // Unix 毫秒
}
