package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/blog-garden-go/pkg/log"
)

const (
	// DefaultStaleAfter 为会话的过期阈值：活跃时间早于该阈值的记录会被清除。
	DefaultStaleAfter = 3600 * time.Second

	// DefaultReapInterval 为两轮清理之间的休眠间隔。
	// 清理任务按固定间隔轮询，不感知登记表的实时变化。
	DefaultReapInterval = 3600 * time.Second
)

// Reaper 为后台会话清理任务。
//
// 行为：
//   - 单个永续循环，在“清扫”和“空闲等待”两个状态间交替；
//   - 每轮对全部用户的全部会话做一次过期与形态检查；
//   - 单轮内的任何异常只记录日志，循环本身永不退出；
//   - 每个进程只应存在一个 Reaper 实例，由 Coordinator 负责启动。
type Reaper struct {
	registry   *Registry
	interval   time.Duration
	staleAfter time.Duration
}

// NewReaper 创建一个清理任务。
// interval/staleAfter 传入 0 时使用默认值。
func NewReaper(registry *Registry, interval, staleAfter time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reaper{
		registry:   registry,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Run 驱动清理循环直到 ctx 结束（即进程关闭）。
// 除进程退出外没有其他取消路径。
func (r *Reaper) Run(ctx context.Context) {
	log.Info("session reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("staleAfter", r.staleAfter))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.sweepOnce()

		select {
		case <-ctx.Done():
			log.Info("session reaper stopped")
			return
		case <-ticker.C:
		}
	}
}

// sweepOnce 执行一轮清扫。
// 单轮的 panic 在此处兜底，保证不会终结整个清理循环。
func (r *Reaper) sweepOnce() {
	defer func() {
		if v := recover(); v != nil {
			log.Error("error cleaning up sessions", zap.Any("panic", v))
		}
	}()

	if removed := r.registry.evictStale(r.staleAfter); removed > 0 {
		log.Info("reaper sweep finished", zap.Int("removed", removed))
	}
}
