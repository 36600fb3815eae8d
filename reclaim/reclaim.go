package reclaim

import (
	"context"
	"runtime"
	"runtime/debug"

	"github.com/adgenlab/genpipe/logging"
	"github.com/adgenlab/genpipe/metrics"
)

// Policy 阶段间资源回收策略。
type Policy string

const (
	// PolicyAlways 每个阶段结束后立即回收，压低峰值占用（默认，安全优先）。
	PolicyAlways Policy = "always"
	// PolicyRetain 阶段之间保留资源，换取吞吐（连续阶段复用同一资源时使用）。
	PolicyRetain Policy = "retain"
)

// ReleaseFunc 真正释放加速器内存的钩子，由宿主注入（如模型池的卸载函数）。
type ReleaseFunc func(ctx context.Context) error

// Reclaimer 决定何时释放独占加速器的内存。
type Reclaimer struct {
	policy  Policy
	release ReleaseFunc
}

// New 构造回收器。
// 参数：release 为 nil 时使用进程内兜底（GC + 归还堆内存给操作系统）。
func New(policy Policy, release ReleaseFunc) *Reclaimer {
	if policy != PolicyRetain {
		policy = PolicyAlways
	}
	if release == nil {
		release = func(ctx context.Context) error {
			runtime.GC()
			debug.FreeOSMemory()
			return nil
		}
	}
	return &Reclaimer{policy: policy, release: release}
}

// Policy 返回当前策略。
func (r *Reclaimer) Policy() Policy { return r.policy }

// AfterStage 每个阶段结束后由工作器调用（无论成败）；按策略决定是否回收。
func (r *Reclaimer) AfterStage(ctx context.Context, stage string) {
	if r.policy == PolicyRetain {
		logging.L().Debug(ctx, "retain resources across stage boundary", "stage", stage)
		return
	}
	r.do(ctx, stage)
}

// Force 无视策略立即回收，用于资源耗尽后的重试前清场。
func (r *Reclaimer) Force(ctx context.Context) { r.do(ctx, "forced") }

func (r *Reclaimer) do(ctx context.Context, stage string) {
	if err := r.release(ctx); err != nil {
		logging.L().Warn(ctx, "resource release failed", "stage", stage, "err", err)
		return
	}
	m := metrics.CollectSystemMetric(ctx)
	logging.L().Debug(ctx, "resources reclaimed", "stage", stage, "ramUsedGB", m.RAMUsedGB, "procUsedGB", m.ProcUsedGB)
}
