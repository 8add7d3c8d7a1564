package abuse

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSweepInterval 是清理任务的默认间隔
const DefaultSweepInterval = 5 * time.Minute

// Sweeper 周期性清理 Gate 中过期的用户状态，随 ctx 结束退出
type Sweeper struct {
	gate     *Gate
	interval time.Duration
}

// NewSweeper 创建清理任务
func NewSweeper(gate *Gate, interval time.Duration) *Sweeper {
	if gate == nil {
		panic("gate cannot be nil for abuse.Sweeper")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{gate: gate, interval: interval}
}

// Name 任务名
func (s *Sweeper) Name() string { return "abuse-state-sweeper" }

// Run 阻塞运行直到 ctx 结束
func (s *Sweeper) Run(ctx context.Context) {
	log := logrus.WithFields(logrus.Fields{"component": "abuse", "task": s.Name()})
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.WithField("interval", s.interval.String()).Info("Abuse sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info("Abuse sweeper stopped")
			return
		case <-ticker.C:
			if removed := s.gate.Sweep(s.gate.now()); removed > 0 {
				log.WithField("removed", removed).Debug("Expired abuse state swept")
			}
		}
	}
}
