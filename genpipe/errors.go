package genpipe

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound 作业不存在。
	ErrNotFound = errors.New("job not found")
	// ErrConflict 作业仍处于活动状态（pending/running），需先停止才能删除。
	ErrConflict = errors.New("job is active")
	// ErrWorkerCrashed 工作器在未写入终态的情况下退出，由调度器监督环合成。
	ErrWorkerCrashed = errors.New("worker exited without terminal status")
)

// BusyError 准入被拒：系统已有活动作业。
// 不是故障而是背压信号；RetryAfter 由运行中作业的当前 ETA 推得。
type BusyError struct {
	RunningJob string
	RetryAfter time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("busy: job %s is running, retry after %ds", e.RunningJob, int(e.RetryAfter.Seconds()))
}

// StageError 阶段执行失败；携带失败阶段名、错误类别与可重试性。
type StageError struct {
	Stage     string
	Kind      string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
