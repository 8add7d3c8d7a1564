package abuse

import (
	"errors"
	"time"
)

var (
	// ErrCooldown 表示用户处于冷却期
	ErrCooldown = errors.New("abuse: user in cooldown")
	// ErrSuspiciousActivity 表示一次高严重度检查失败
	ErrSuspiciousActivity = errors.New("abuse: suspicious activity detected")
	// ErrTooManyWarnings 表示警告次数达到阈值
	ErrTooManyWarnings = errors.New("abuse: too many warnings")
)

// Rejection 是拒绝绘制的结果，Reason 可以直接展示给用户
type Rejection struct {
	Kind       error
	Reason     string
	RetryAfter time.Duration
}

func (r *Rejection) Error() string { return r.Reason }

func (r *Rejection) Unwrap() error { return r.Kind }

// RetryAfterSeconds 向上取整的剩余冷却秒数
func (r *Rejection) RetryAfterSeconds() int {
	return ceilSeconds(r.RetryAfter)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
