package stats

import (
	"sync"
	"time"
)

// DefaultWindow 每阶段默认保留的历史样本数。
const DefaultWindow = 32

// DefaultExpected 全局兜底预计耗时。
const DefaultExpected = 10 * time.Second

// Tracker 按阶段名维护有界滚动耗时窗口，并据此给出预计耗时与剩余时间。
// 样本仅用于估算，绝不参与正确性判断；窗口满时淘汰最旧样本。
type Tracker struct {
	mu       sync.RWMutex
	window   int
	samples  map[string][]time.Duration
	defaults map[string]time.Duration
	fallback time.Duration
}

// NewTracker 构造。
// 参数：
// - window：每阶段样本窗口大小，<=0 时取 DefaultWindow；
// - defaults：阶段名到冷启动默认耗时的映射，可为 nil；
// - fallback：阶段级默认值也缺失时的全局兜底，<=0 时取 DefaultExpected。
func NewTracker(window int, defaults map[string]time.Duration, fallback time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if fallback <= 0 {
		fallback = DefaultExpected
	}
	d := map[string]time.Duration{}
	for k, v := range defaults {
		d[k] = v
	}
	return &Tracker{window: window, samples: map[string][]time.Duration{}, defaults: d, fallback: fallback}
}

// Observe 记录一次阶段实测耗时。
func (t *Tracker) Observe(stage string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := append(t.samples[stage], d)
	if len(s) > t.window {
		s = s[len(s)-t.window:]
	}
	t.samples[stage] = s
}

// Seed 批量注入历史样本（热启动，先进的视为更旧）。
func (t *Tracker) Seed(stage string, ds []time.Duration) {
	for _, d := range ds {
		t.Observe(stage, d)
	}
}

// Expected 返回阶段预计耗时：滚动窗口算术平均；无样本时回退到默认值。
func (t *Tracker) Expected(stage string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s := t.samples[stage]; len(s) > 0 {
		var sum time.Duration
		for _, d := range s {
			sum += d
		}
		return sum / time.Duration(len(s))
	}
	if d, ok := t.defaults[stage]; ok && d > 0 {
		return d
	}
	return t.fallback
}

// StageRemaining 当前阶段剩余时间 = 预计耗时 - 阶段内已耗时。
// 超时返回负值（表示比预期晚），不做钳制。
func (t *Tracker) StageRemaining(stage string, elapsed time.Duration) time.Duration {
	return t.Expected(stage) - elapsed
}

// PlanRemaining 整体剩余时间 = 未完成阶段预计耗时之和 - 当前阶段已耗时。
// stages 为尚未完成的阶段名（首个即当前阶段）。
func (t *Tracker) PlanRemaining(stages []string, elapsedInCurrent time.Duration) time.Duration {
	var sum time.Duration
	for _, s := range stages {
		sum += t.Expected(s)
	}
	return sum - elapsedInCurrent
}

// Snapshot 导出各阶段样本（秒），供持久化。
func (t *Tracker) Snapshot() map[string][]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]float64, len(t.samples))
	for k, s := range t.samples {
		secs := make([]float64, 0, len(s))
		for _, d := range s {
			secs = append(secs, d.Seconds())
		}
		out[k] = secs
	}
	return out
}
