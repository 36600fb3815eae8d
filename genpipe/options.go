package genpipe

import (
	"time"

	"github.com/adgenlab/genpipe/config"
	"github.com/adgenlab/genpipe/reclaim"
)

// Options 调度器运行参数。
// 功能：描述监听地址、阶段表、统计窗口与取消/超时行为；不含 Web 框架配置。
type Options struct {
	ListenAddr          string               // 内置 HTTP 监听地址，如 ":27777"、"127.0.0.1:0"
	Stages              []config.StageConfig // 按顺序排列的阶段表
	StatsWindow         int                  // 每阶段历史样本窗口
	DefaultStageSeconds time.Duration        // 阶段级默认值缺失时的全局兜底
	CancelGrace         time.Duration        // 协作式取消的宽限期，超时升级为强制终止
	MaxWallClock        time.Duration        // 单作业最大运行时长；0 不限制
	ReclaimPolicy       reclaim.Policy       // 阶段间资源回收策略
	SampleEvery         time.Duration        // 系统指标采样周期
	EventBuffer         int                  // 事件轨迹批量缓冲大小
}

// withDefaults 填充默认值。
func (o *Options) withDefaults() {
	if o.ListenAddr == "" {
		o.ListenAddr = "127.0.0.1:0"
	}
	if o.StatsWindow <= 0 {
		o.StatsWindow = 32
	}
	if o.DefaultStageSeconds <= 0 {
		o.DefaultStageSeconds = 10 * time.Second
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 5 * time.Second
	}
	if o.ReclaimPolicy == "" {
		o.ReclaimPolicy = reclaim.PolicyAlways
	}
	if o.SampleEvery <= 0 {
		o.SampleEvery = 15 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
}

// schedulerConfig 聚合可选项的装配中间态。
type schedulerConfig struct {
	opt     Options
	store   Storage
	stats   StatsStore
	release reclaim.ReleaseFunc
}

// Option 调度器构造可选项。
type Option func(*schedulerConfig)

// WithListenAddr 设置内置 HTTP 监听地址。
func WithListenAddr(addr string) Option { return func(c *schedulerConfig) { c.opt.ListenAddr = addr } }

// WithStages 设置阶段表。
func WithStages(stages []config.StageConfig) Option {
	return func(c *schedulerConfig) { c.opt.Stages = stages }
}

// WithStore 注入作业存储实现；未注入时使用内置内存存储。
func WithStore(s Storage) Option { return func(c *schedulerConfig) { c.store = s } }

// WithStatsStore 注入耗时样本存储；未注入时复用内置内存存储。
func WithStatsStore(s StatsStore) Option { return func(c *schedulerConfig) { c.stats = s } }

// WithRelease 注入真正释放加速器内存的钩子。
func WithRelease(f reclaim.ReleaseFunc) Option { return func(c *schedulerConfig) { c.release = f } }

// WithCancelGrace 设置取消宽限期。
func WithCancelGrace(d time.Duration) Option {
	return func(c *schedulerConfig) { c.opt.CancelGrace = d }
}

// WithMaxWallClock 设置单作业最大运行时长。
func WithMaxWallClock(d time.Duration) Option {
	return func(c *schedulerConfig) { c.opt.MaxWallClock = d }
}

// WithReclaimPolicy 设置资源回收策略。
func WithReclaimPolicy(p reclaim.Policy) Option {
	return func(c *schedulerConfig) { c.opt.ReclaimPolicy = p }
}

// WithStatsWindow 设置样本窗口大小。
func WithStatsWindow(n int) Option { return func(c *schedulerConfig) { c.opt.StatsWindow = n } }

// WithSampleEvery 设置系统指标采样周期。
func WithSampleEvery(d time.Duration) Option {
	return func(c *schedulerConfig) { c.opt.SampleEvery = d }
}

// WithConfig 从 YAML 配置整体映射运行参数。
func WithConfig(cfg config.Config) Option {
	return func(c *schedulerConfig) {
		if cfg.Host != "" || cfg.Port > 0 {
			c.opt.ListenAddr = listenAddr(cfg.Host, cfg.Port)
		}
		if len(cfg.Pipeline) > 0 {
			c.opt.Stages = cfg.Pipeline
		}
		if cfg.StatsWindow > 0 {
			c.opt.StatsWindow = cfg.StatsWindow
		}
		if cfg.DefaultStageSeconds > 0 {
			c.opt.DefaultStageSeconds = time.Duration(cfg.DefaultStageSeconds * float64(time.Second))
		}
		if cfg.CancelGraceSeconds > 0 {
			c.opt.CancelGrace = time.Duration(cfg.CancelGraceSeconds) * time.Second
		}
		if cfg.MaxWallClockSeconds > 0 {
			c.opt.MaxWallClock = time.Duration(cfg.MaxWallClockSeconds) * time.Second
		}
		if cfg.RetainResources {
			c.opt.ReclaimPolicy = reclaim.PolicyRetain
		}
		if cfg.SampleEverySeconds > 0 {
			c.opt.SampleEvery = time.Duration(cfg.SampleEverySeconds) * time.Second
		}
	}
}
