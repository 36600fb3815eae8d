package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/adgenlab/genpipe/logging"
	"github.com/adgenlab/genpipe/metrics"
)

// Running 最小化的活动作业视图。
type Running struct {
	JobID    string
	Status   string
	Progress float64
}

// activeLister 仅需要列出活动作业的精简信息，避免与具体存储强耦合。
type activeLister interface {
	ListActive(ctx context.Context) ([]Running, error)
}

// Sampler 周期性采集系统指标并缓存最新快照，同时输出一行健康日志。
// 状态查询读取缓存值即可，无需每次阻塞采集。
type Sampler struct {
	repo     activeLister
	interval time.Duration
	running  atomic.Bool
	current  atomic.Value // metrics.SystemMetric
}

// NewSampler 构造。
func NewSampler(repo activeLister, seconds int) *Sampler {
	if seconds <= 0 {
		seconds = 15
	}
	return &Sampler{repo: repo, interval: time.Duration(seconds) * time.Second}
}

// Start 启动定时采样任务；重复调用只生效一次。
func (s *Sampler) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	s.current.Store(metrics.CollectSystemMetric(ctx))
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := metrics.CollectSystemMetric(ctx)
				s.current.Store(m)
				active, err := s.repo.ListActive(ctx)
				if err != nil {
					logging.L().Warn(ctx, "list active jobs failed", "err", err)
					continue
				}
				logging.L().Debug(ctx, "health",
					"active", len(active),
					"cpuLoad", m.CPULoad,
					"ramUsedGB", m.RAMUsedGB,
					"score", m.Score,
				)
			}
		}
	}()
}

// Latest 返回最近一次采样；尚未采样时同步采集一次。
func (s *Sampler) Latest(ctx context.Context) metrics.SystemMetric {
	if v := s.current.Load(); v != nil {
		return v.(metrics.SystemMetric)
	}
	m := metrics.CollectSystemMetric(ctx)
	s.current.Store(m)
	return m
}
