// Package abuse 判断一次绘制请求是否放行：逐用户的启发式检查加上冷却状态机。
package abuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/metrics"
	"youplace-realtime/internal/repository"
)

// Config 是滥用检测阈值
type Config struct {
	MaxPixelsPerSecond int
	MaxPixelsPerMinute int
	MaxPixelsPerHour   int

	BurstWindow    time.Duration
	MaxBurstPixels int

	PatternWindow       time.Duration
	PatternHistoryLimit int
	MaxIdenticalColors  int
	MaxLinearSequence   int
	LinearLookback      int

	CooldownDuration time.Duration
	WarningThreshold int

	// StateRetention 冷却结束或最后一次违规后，用户状态保留多久
	StateRetention time.Duration
	CheckTimeout   time.Duration
}

// DefaultConfig 返回默认阈值
func DefaultConfig() Config {
	return Config{
		MaxPixelsPerSecond:  2,
		MaxPixelsPerMinute:  80,
		MaxPixelsPerHour:    1500,
		BurstWindow:         10 * time.Second,
		MaxBurstPixels:      25,
		PatternWindow:       2 * time.Minute,
		PatternHistoryLimit: 200,
		MaxIdenticalColors:  40,
		MaxLinearSequence:   12,
		LinearLookback:      16,
		CooldownDuration:    30 * time.Second,
		WarningThreshold:    3,
		StateRetention:      time.Hour,
		CheckTimeout:        2 * time.Second,
	}
}

// Verdict 是一次评估的结果
type Verdict struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason,omitempty"`
	RiskScore    int      `json:"riskScore"`
	Warnings     []string `json:"warnings"`
	WarningCount int      `json:"warningsCount"`
	RetryAfter   int      `json:"retryAfter,omitempty"` // 秒
}

type userState struct {
	warnings      int
	cooldownUntil time.Time
	lastViolation time.Time
}

// Stats 是滥用检测状态的快照
type Stats struct {
	TrackedUsers    int `json:"trackedUsers"`
	UsersInCooldown int `json:"usersInCooldown"`
	UsersWarned     int `json:"usersWarned"`
}

// Option 配置 Gate
type Option func(*Gate)

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate 是滥用检测入口
type Gate struct {
	cfg      Config
	activity repository.ActivityRepository
	now      func() time.Time

	mu    sync.Mutex
	users map[uint]*userState
}

// NewGate 创建 Gate
func NewGate(cfg Config, activity repository.ActivityRepository, opts ...Option) *Gate {
	if activity == nil {
		panic("activity repository cannot be nil for abuse.Gate")
	}
	g := &Gate{
		cfg:      cfg,
		activity: activity,
		now:      time.Now,
		users:    make(map[uint]*userState),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate 评估一次绘制。被拒绝时返回 *Rejection。
func (g *Gate) Evaluate(ctx context.Context, userID uint, x, y int, color string) (Verdict, error) {
	now := g.now()
	log := logrus.WithFields(logrus.Fields{"component": "abuse", "user_id": userID})

	// 冷却期内不查询也不累加任何计数
	if rej := g.checkCooldown(userID, now); rej != nil {
		metrics.AbuseDecisions.WithLabelValues("cooldown").Inc()
		return Verdict{Allowed: false, Reason: rej.Reason, RetryAfter: rej.RetryAfterSeconds()}, rej
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CheckTimeout)
	defer cancel()
	a := attempt{userID: userID, x: x, y: y, color: color, now: now}

	results := make([]CheckResult, 3)
	var wg sync.WaitGroup
	for i, check := range []func(context.Context, attempt) CheckResult{g.checkBurst, g.checkSustainedRate, g.checkPattern} {
		wg.Add(1)
		go func(i int, check func(context.Context, attempt) CheckResult) {
			defer wg.Done()
			results[i] = check(ctx, a)
		}(i, check)
	}
	wg.Wait()

	var failed []CheckResult
	var high *CheckResult
	for i := range results {
		if results[i].Passed {
			continue
		}
		failed = append(failed, results[i])
		if results[i].Severity == SeverityHigh && high == nil {
			high = &results[i]
		}
	}

	g.mu.Lock()
	st := g.state(userID)
	if high != nil {
		st.lastViolation = now
		g.startCooldownLocked(st, now)
		g.mu.Unlock()
		log.WithField("reason", high.Reason).Warn("High severity abuse check failed, cooldown applied")
		metrics.AbuseDecisions.WithLabelValues("suspicious").Inc()
		rej := &Rejection{
			Kind:       ErrSuspiciousActivity,
			Reason:     "suspicious activity detected: " + high.Reason,
			RetryAfter: g.cfg.CooldownDuration,
		}
		return Verdict{Allowed: false, Reason: rej.Reason, RetryAfter: rej.RetryAfterSeconds()}, rej
	}
	if len(failed) >= 2 {
		st.warnings++
		st.lastViolation = now
		if st.warnings >= g.cfg.WarningThreshold {
			g.startCooldownLocked(st, now)
			g.mu.Unlock()
			log.Warn("Warning threshold reached, cooldown applied")
			metrics.AbuseDecisions.WithLabelValues("too_many_warnings").Inc()
			rej := &Rejection{
				Kind:       ErrTooManyWarnings,
				Reason:     "multiple suspicious activities, cooldown applied",
				RetryAfter: g.cfg.CooldownDuration,
			}
			return Verdict{Allowed: false, Reason: rej.Reason, RetryAfter: rej.RetryAfterSeconds()}, rej
		}
	}
	warningCount := st.warnings
	if warningCount == 0 && st.cooldownUntil.IsZero() && st.lastViolation.IsZero() {
		delete(g.users, userID)
	}
	g.mu.Unlock()

	warnings := make([]string, 0, len(failed))
	for _, f := range failed {
		warnings = append(warnings, f.Reason)
	}
	metrics.AbuseDecisions.WithLabelValues("allowed").Inc()
	return Verdict{
		Allowed:      true,
		RiskScore:    RiskScore(results),
		Warnings:     warnings,
		WarningCount: warningCount,
	}, nil
}

// checkCooldown 惰性判断冷却：未过期则拒绝，已过期则清零警告
func (g *Gate) checkCooldown(userID uint, now time.Time) *Rejection {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.users[userID]
	if !ok || st.cooldownUntil.IsZero() {
		return nil
	}
	if now.Before(st.cooldownUntil) {
		remaining := st.cooldownUntil.Sub(now)
		return &Rejection{
			Kind:       ErrCooldown,
			Reason:     fmt.Sprintf("please wait %ds before painting again", ceilSeconds(remaining)),
			RetryAfter: remaining,
		}
	}
	st.cooldownUntil = time.Time{}
	st.warnings = 0
	return nil
}

func (g *Gate) state(userID uint) *userState {
	st, ok := g.users[userID]
	if !ok {
		st = &userState{}
		g.users[userID] = st
	}
	return st
}

func (g *Gate) startCooldownLocked(st *userState, now time.Time) {
	st.cooldownUntil = now.Add(g.cfg.CooldownDuration)
	st.warnings = 0
}

// RiskScore 按严重度加权，范围 0-100
func RiskScore(results []CheckResult) int {
	total := 0
	for _, r := range results {
		if !r.Passed {
			total += r.Severity.weight()
		}
	}
	score := total * 12
	if score > 100 {
		score = 100
	}
	return score
}

// Sweep 清理冷却结束且超过保留期、或长期没有违规的用户状态，返回清理数量
func (g *Gate) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for userID, st := range g.users {
		if !st.cooldownUntil.IsZero() {
			if now.Sub(st.cooldownUntil) > g.cfg.StateRetention {
				delete(g.users, userID)
				removed++
			}
			continue
		}
		if now.Sub(st.lastViolation) > g.cfg.StateRetention {
			delete(g.users, userID)
			removed++
		}
	}
	metrics.AbuseTrackedUsers.Set(float64(len(g.users)))
	return removed
}

// Stats 返回当前状态统计
func (g *Gate) Stats() Stats {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{TrackedUsers: len(g.users)}
	for _, st := range g.users {
		if now.Before(st.cooldownUntil) {
			s.UsersInCooldown++
		}
		if st.warnings > 0 {
			s.UsersWarned++
		}
	}
	return s
}
