package example

import (
	"context"
	"time"

	"github.com/adgenlab/genpipe/executor"
)

// SleepExecutor 一个示例执行器：分片等待指定时长并回报子进度，原样回传输入。
type SleepExecutor struct {
	D     time.Duration
	Steps int
}

func (s *SleepExecutor) Init(ctx context.Context) error { return nil }

func (s *SleepExecutor) Execute(ctx context.Context, in executor.Artifact, report executor.ProgressFunc) (executor.Artifact, error) {
	steps := s.Steps
	if steps <= 0 {
		steps = 4
	}
	// 步骤：按片睡眠 -> 回报子进度 -> 检查取消
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, &executor.Error{Kind: executor.KindCanceled, Msg: "canceled"}
		case <-time.After(s.D / time.Duration(steps)):
			if report != nil {
				report(float64(i) / float64(steps))
			}
		}
	}
	return in, nil
}

func (s *SleepExecutor) Stop(ctx context.Context) error { return nil }

func init() { executor.Register("sleep", &SleepExecutor{D: 100 * time.Millisecond}) }
