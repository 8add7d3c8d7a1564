package abuse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"youplace-realtime/internal/domain"
	"youplace-realtime/internal/metrics"
)

// Severity 是检查失败的严重程度
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) weight() int {
	switch s {
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// CheckResult 是单项检查的结果
type CheckResult struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Reason   string   `json:"reason,omitempty"`
	Severity Severity `json:"severity,omitempty"`
}

func pass(name string) CheckResult { return CheckResult{Name: name, Passed: true} }

func fail(name string, sev Severity, format string, args ...interface{}) CheckResult {
	return CheckResult{Name: name, Reason: fmt.Sprintf(format, args...), Severity: sev}
}

// failOpen 数据源出错时检查视为通过
func failOpen(name string, userID uint, err error) CheckResult {
	metrics.AbuseCheckFailOpen.WithLabelValues(name).Inc()
	logrus.WithFields(logrus.Fields{"component": "abuse", "check": name, "user_id": userID}).
		WithError(err).Warn("Abuse check data source failed, passing check")
	return pass(name)
}

// attempt 是当前正在评估的绘制
type attempt struct {
	userID uint
	x, y   int
	color  string
	now    time.Time
}

// 计数都包含当前这次尝试
func (g *Gate) checkBurst(ctx context.Context, a attempt) CheckResult {
	const name = "burst"
	n, err := g.activity.CountSince(ctx, a.userID, a.now.Add(-g.cfg.BurstWindow))
	if err != nil {
		return failOpen(name, a.userID, err)
	}
	n++
	if n > g.cfg.MaxBurstPixels {
		return fail(name, SeverityHigh, "burst detected: %d pixels in %s", n, g.cfg.BurstWindow)
	}
	return pass(name)
}

func (g *Gate) checkSustainedRate(ctx context.Context, a attempt) CheckResult {
	const name = "sustained_rate"
	tiers := []struct {
		window   time.Duration
		limit    int
		severity Severity
		label    string
	}{
		{3 * time.Second, g.cfg.MaxPixelsPerSecond * 3, SeverityHigh, "excessive speed"},
		{time.Minute, g.cfg.MaxPixelsPerMinute, SeverityMedium, "per-minute limit"},
		{time.Hour, g.cfg.MaxPixelsPerHour, SeverityLow, "per-hour limit"},
	}
	for _, tier := range tiers {
		n, err := g.activity.CountSince(ctx, a.userID, a.now.Add(-tier.window))
		if err != nil {
			return failOpen(name, a.userID, err)
		}
		n++
		if n > tier.limit {
			return fail(name, tier.severity, "%s: %d/%d pixels in %s", tier.label, n, tier.limit, tier.window)
		}
	}
	return pass(name)
}

func (g *Gate) checkPattern(ctx context.Context, a attempt) CheckResult {
	const name = "pattern"
	recent, err := g.activity.RecentSince(ctx, a.userID, a.now.Add(-g.cfg.PatternWindow), g.cfg.PatternHistoryLimit)
	if err != nil {
		return failOpen(name, a.userID, err)
	}
	if run := sameColorRun(recent, a.color); run > g.cfg.MaxIdenticalColors {
		return fail(name, SeverityLow, "too many pixels of the same color: %d", run)
	}
	if run := linearRun(recent, a.x, a.y, g.cfg.LinearLookback); run > g.cfg.MaxLinearSequence {
		return fail(name, SeverityMedium, "linear pattern detected: %d pixels", run)
	}
	return pass(name)
}

// sameColorRun 返回以当前尝试结尾的同色连续长度
func sameColorRun(recent []domain.PaintRecord, color string) int {
	run := 1
	for i := len(recent) - 1; i >= 0; i-- {
		if !strings.EqualFold(recent[i].Color, color) {
			break
		}
		run++
	}
	return run
}

// linearRun 返回以当前尝试结尾、单位步长且方向不变的直线上的点数。
// 只看最近 lookback 个点。
func linearRun(recent []domain.PaintRecord, x, y, lookback int) int {
	if len(recent) > lookback {
		recent = recent[len(recent)-lookback:]
	}
	if len(recent) < 2 {
		return len(recent) + 1
	}
	type point struct{ x, y int }
	pts := make([]point, 0, len(recent)+1)
	for _, r := range recent {
		pts = append(pts, point{r.X, r.Y})
	}
	pts = append(pts, point{x, y})

	last := len(pts) - 1
	dx, dy := pts[last].x-pts[last-1].x, pts[last].y-pts[last-1].y
	if (dx == 0 && dy == 0) || abs(dx) > 1 || abs(dy) > 1 {
		return 1
	}
	run := 2
	for i := last - 1; i > 0; i-- {
		if pts[i].x-pts[i-1].x != dx || pts[i].y-pts[i-1].y != dy {
			break
		}
		run++
	}
	return run
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
