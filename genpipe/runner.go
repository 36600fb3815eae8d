package genpipe

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"

	"github.com/adgenlab/genpipe/executor"
	"github.com/adgenlab/genpipe/logging"
	"github.com/adgenlab/genpipe/pipeline"
	"github.com/adgenlab/genpipe/tracker"
)

// run 在隔离协程中执行一个作业的流水线。
// 约定：本函数只写归属作业的可变字段；任何失败都转化为终态而不是向上抛出。
// 存储写入使用独立的后台上下文，保证强杀之后仍能落下终态。
func (s *Scheduler) run(id string, plan pipeline.Plan, req SubmitRequest, tok *tracker.Token) {
	sctx := withJobID(context.Background(), id) // 存储与日志用
	ectx := withJobID(tok.Ctx, id)              // 执行器用，可被强杀

	names := plan.StageNames()
	err := s.store.Apply(sctx, id, func(r *JobRecord) error {
		if r.Terminal() {
			return errAlreadyTerminal
		}
		r.Status = StatusRunning
		r.StartedAt = time.Now()
		r.Message = "Pipeline started."
		r.EtaSeconds = s.stats.PlanRemaining(names, 0).Seconds()
		if len(names) > 0 {
			r.StageEtaSeconds = s.stats.Expected(names[0]).Seconds()
		}
		r.EtaUpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyTerminal) {
			return // 启动前已被停止
		}
		// 连记录都写不动也要落终态，而不是悬挂
		s.finalize(sctx, id, StatusFailed, "Failed to start pipeline.", err.Error(), "")
		return
	}

	// 起始输入：续跑取调用方提供的前序产物，否则取原始请求载荷
	current := req.Payload
	if plan.InitialInput != "" {
		current = plan.Seed[plan.InitialInput]
	}

	var base float64 // 已完成阶段的累计权重
	for i, st := range plan.Stages {
		if tok.Stopping() {
			tok.Acknowledge()
			s.finalize(sctx, id, StatusStopped, "Job stopped by user.", "", "")
			return
		}

		exec, ok := executor.Get(st.Executor)
		if !ok {
			s.failStage(sctx, id, &StageError{Stage: st.Name, Kind: executor.KindInternal, Err: executor.ErrNotFound})
			return
		}

		stageStart := time.Now()
		stage := st // 供回调捕获
		s.enterStage(sctx, id, names, i, stage.Name)
		logging.L().Info(sctx, "stage started", "job", id, "stage", stage.Name)

		report := func(frac float64) {
			if frac < 0 {
				frac = 0
			} else if frac > 1 {
				frac = 1
			}
			elapsed := time.Since(stageStart)
			pct := (base + frac*stage.Weight) * 100
			_ = s.store.Apply(sctx, id, func(r *JobRecord) error {
				if r.Terminal() { // 迟到的子进度不得改写终态
					return errAlreadyTerminal
				}
				if pct > r.Progress { // 子进度映射进权重切片，整体保持单调
					r.Progress = pct
				}
				r.SubStep = stage.Name
				r.StageEtaSeconds = s.stats.StageRemaining(stage.Name, elapsed).Seconds()
				r.EtaSeconds = s.stats.PlanRemaining(names[i:], elapsed).Seconds()
				r.EtaUpdatedAt = time.Now()
				return nil
			})
		}

		out, err := s.invoke(ectx, exec, current, report)
		dur := time.Since(stageStart)
		s.rec.AfterStage(sctx, stage.Name)

		if err != nil {
			if tok.Stopping() || errors.Is(err, context.Canceled) || isCanceled(err) {
				tok.Acknowledge()
				s.finalize(sctx, id, StatusStopped, "Job stopped by user.", "", "")
				return
			}
			s.failStage(sctx, id, wrapStageError(stage.Name, err))
			return
		}

		s.stats.Observe(stage.Name, dur)
		if serr := s.sstore.AppendSample(sctx, stage.Name, dur.Seconds()); serr != nil {
			logging.L().Warn(sctx, "persist stage sample failed", "stage", stage.Name, "err", serr)
		}

		base += stage.Weight
		pct := base * 100
		final := i == len(plan.Stages)-1
		_ = s.store.Apply(sctx, id, func(r *JobRecord) error {
			if r.Terminal() {
				return errAlreadyTerminal
			}
			r.Artifacts[stage.Name] = out
			if pct > r.Progress {
				r.Progress = pct
			}
			r.SubStep = ""
			r.StageEtaSeconds = 0
			if !final {
				r.EtaSeconds = s.stats.PlanRemaining(names[i+1:], 0).Seconds()
			} else {
				r.EtaSeconds = 0
			}
			r.EtaUpdatedAt = time.Now()
			return nil
		})
		logging.L().Info(sctx, "stage completed", "job", id, "stage", stage.Name, "seconds", int64(dur.Seconds()))
		current = out
	}

	if tok.Stopping() {
		tok.Acknowledge()
		s.finalize(sctx, id, StatusStopped, "Job stopped by user.", "", "")
		return
	}
	s.finalize(sctx, id, StatusCompleted, "All stages completed successfully.", "", "")
	logging.L().Info(sctx, "job completed", "job", id)
}

// enterStage 切换当前阶段并刷新两级 ETA。
func (s *Scheduler) enterStage(ctx context.Context, id string, names []string, idx int, stage string) {
	_ = s.store.Apply(ctx, id, func(r *JobRecord) error {
		if r.Terminal() {
			return errAlreadyTerminal
		}
		r.StageIndex = idx
		r.CurrentStage = stage
		r.SubStep = ""
		r.Message = "Running stage " + stage + "."
		r.StageEtaSeconds = s.stats.Expected(stage).Seconds()
		r.EtaSeconds = s.stats.PlanRemaining(names[idx:], 0).Seconds()
		r.EtaUpdatedAt = time.Now()
		return nil
	})
}

// invoke 调用执行器；资源耗尽时强制回收后重试一次，仍失败才定格为终态错误。
func (s *Scheduler) invoke(ctx context.Context, exec executor.Executor, in executor.Artifact, report executor.ProgressFunc) (executor.Artifact, error) {
	var out executor.Artifact
	err := retry.Do(
		func() error {
			var err error
			out, err = exec.Execute(ctx, in, report)
			return err
		},
		retry.Attempts(2),
		retry.LastErrorOnly(true),
		retry.RetryIf(executor.IsOutOfResource),
		retry.OnRetry(func(n uint, err error) {
			logging.L().Warn(ctx, "out of resource, forcing reclaim and retrying", "attempt", int64(n), "err", err)
			s.rec.Force(ctx)
		}),
	)
	return out, err
}

// failStage 将阶段错误定格为 failed 终态。
func (s *Scheduler) failStage(ctx context.Context, id string, serr *StageError) {
	logging.L().Error(ctx, "stage failed", "job", id, "stage", serr.Stage, "err", serr.Err)
	s.finalize(ctx, id, StatusFailed, "Stage "+serr.Stage+" failed.", serr.Error(), serr.Stage)
}

// wrapStageError 把执行器错误包装为带阶段名的 StageError。
func wrapStageError(stage string, err error) *StageError {
	var ee *executor.Error
	if errors.As(err, &ee) {
		return &StageError{Stage: stage, Kind: ee.Kind, Retryable: ee.Retryable, Err: err}
	}
	return &StageError{Stage: stage, Kind: executor.KindInternal, Err: err}
}

// isCanceled 判断执行器错误是否为取消类别。
func isCanceled(err error) bool {
	var ee *executor.Error
	return errors.As(err, &ee) && ee.Kind == executor.KindCanceled
}
