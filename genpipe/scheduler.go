package genpipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/adgenlab/genpipe/executor"
	"github.com/adgenlab/genpipe/logging"
	"github.com/adgenlab/genpipe/monitor"
	"github.com/adgenlab/genpipe/pipeline"
	"github.com/adgenlab/genpipe/reclaim"
	"github.com/adgenlab/genpipe/stats"
	"github.com/adgenlab/genpipe/tracker"
)

// Scheduler 作业生命周期操作的唯一入口。
// 职责：准入控制（全局至多一个活动作业）、创建作业记录、派发并监督工作器、
// 响应状态/取消/列表/删除请求，并在退出时收割所有存活工作器。
type Scheduler struct {
	opt    Options
	store  Storage
	sstore StatsStore
	stats  *stats.Tracker
	trk    *tracker.Manager
	rec    *reclaim.Reclaimer
	events *EventLog
	smp    *monitor.Sampler

	admitMu sync.Mutex // 准入检查与记录创建的原子区
	wg      sync.WaitGroup
	srv     serverState
}

// SubmitRequest 一次提交请求。
// Payload 为首阶段输入（原始请求载荷）；StartStage > 0 表示从中途续跑，
// 此时 Artifacts 必须携带紧邻前序阶段的产物。
type SubmitRequest struct {
	Params     map[string]any               `json:"params,omitempty"`
	Payload    executor.Artifact            `json:"payload,omitempty"`
	StartStage int                          `json:"startStage,omitempty"`
	Skip       []string                     `json:"skip,omitempty"`
	StopAfter  string                       `json:"stopAfter,omitempty"`
	Artifacts  map[string]executor.Artifact `json:"artifacts,omitempty"`
}

// NewScheduler 创建调度器。
// 功能：按照 With... 可选项组合出一个可运行的调度器；若未显式传入存储实现，
// 默认使用内置内存存储（同时承担作业记录与耗时样本）。
func NewScheduler(opts ...Option) *Scheduler {
	cfg := &schedulerConfig{}
	for _, fn := range opts {
		fn(cfg)
	}
	cfg.opt.withDefaults()

	s := &Scheduler{opt: cfg.opt, trk: tracker.NewManager(), events: NewEventLog(cfg.opt.EventBuffer)}
	// 避免 import cycle：默认使用包内置的内存实现
	mem := newDefaultMemStore()
	if cfg.store != nil {
		s.store = cfg.store
	} else {
		s.store = mem
	}
	if cfg.stats != nil {
		s.sstore = cfg.stats
	} else {
		s.sstore = mem
	}

	defaults := map[string]time.Duration{}
	for _, sc := range cfg.opt.Stages {
		if sc.DefaultSeconds > 0 {
			defaults[sc.Name] = time.Duration(sc.DefaultSeconds * float64(time.Second))
		}
	}
	s.stats = stats.NewTracker(cfg.opt.StatsWindow, defaults, cfg.opt.DefaultStageSeconds)
	s.rec = reclaim.New(cfg.opt.ReclaimPolicy, cfg.release)
	s.smp = monitor.NewSampler(activeAdapter{s.store}, int(cfg.opt.SampleEvery.Seconds()))
	return s
}

// Start 启动后台设施（事件归集、指标采样、内置 HTTP Server）。
// 生命周期受传入 ctx 控制，ctx.Done 时优雅关闭 HTTP Server 并停止后台协程。
func (s *Scheduler) Start(ctx context.Context) error {
	s.warmStats(ctx)
	s.events.Start(ctx)
	logging.SetHook(s.events.Hook)
	s.smp.Start(ctx)
	return s.startHTTP(ctx)
}

// warmStats 从样本存储回放历史耗时，让重启后的 ETA 不从冷启动默认值起步。
func (s *Scheduler) warmStats(ctx context.Context) {
	for _, sc := range s.opt.Stages {
		secs, err := s.sstore.RecentSamples(ctx, sc.Name, s.opt.StatsWindow)
		if err != nil {
			logging.L().Warn(ctx, "load stage samples failed", "stage", sc.Name, "err", err)
			continue
		}
		ds := make([]time.Duration, 0, len(secs))
		for _, v := range secs {
			ds = append(ds, time.Duration(v*float64(time.Second)))
		}
		s.stats.Seed(sc.Name, ds)
	}
}

// Submit 准入并启动一个作业。
// 返回：作业ID；已有活动作业时返回 *BusyError（携带重试提示），
// 请求与阶段表不匹配时返回包装了 pipeline.ErrValidation 的错误。
// 本调用不等待流水线完成。
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	plan, err := pipeline.Build(s.opt.Stages, pipeline.Options{
		StartStage: req.StartStage,
		Skip:       req.Skip,
		StopAfter:  req.StopAfter,
		Artifacts:  req.Artifacts,
	})
	if err != nil {
		return "", err
	}

	s.admitMu.Lock()
	active, err := s.store.ListActive(ctx)
	if err != nil {
		s.admitMu.Unlock()
		return "", err
	}
	if len(active) > 0 {
		cur := active[0]
		s.admitMu.Unlock()
		return "", &BusyError{RunningJob: cur.ID, RetryAfter: s.retryHint(&cur)}
	}

	id := uuid.NewString()
	rec := &JobRecord{
		ID:           id,
		Status:       StatusPending,
		Stages:       plan.StageNames(),
		CurrentStage: "init",
		Message:      "Initializing...",
		Params:       req.Params,
		Artifacts:    map[string]executor.Artifact{},
		CreatedAt:    time.Now(),
	}
	for name, a := range plan.Seed {
		rec.Artifacts[name] = a
	}
	if err := s.store.Create(ctx, rec); err != nil {
		s.admitMu.Unlock()
		return "", err
	}
	tok := s.trk.Start(id)
	s.admitMu.Unlock()

	s.wg.Add(1)
	go s.supervise(id, plan, req, tok)
	logging.L().Info(withJobID(ctx, id), "job submitted", "job", id, "stages", len(plan.Stages))
	return id, nil
}

// retryHint 推算 Busy 响应的重试延迟：运行中作业的当前 ETA（不小于 0）。
func (s *Scheduler) retryHint(rec *JobRecord) time.Duration {
	var remain time.Duration
	if !rec.EtaUpdatedAt.IsZero() {
		remain = time.Duration(rec.EtaSeconds*float64(time.Second)) - time.Since(rec.EtaUpdatedAt)
	} else if rec.StageIndex < len(rec.Stages) {
		remain = s.stats.PlanRemaining(rec.Stages[rec.StageIndex:], 0)
	}
	if remain < 0 {
		remain = 0
	}
	return remain
}

// supervise 监督单个工作器：墙钟上限、崩溃合成与收尾清理。
func (s *Scheduler) supervise(id string, plan pipeline.Plan, req SubmitRequest, tok *tracker.Token) {
	defer s.wg.Done()
	defer s.trk.Remove(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				sctx := withJobID(context.Background(), id)
				logging.L().Error(sctx, "worker panicked", "job", id, "panic", fmt.Sprint(r))
				s.finalize(sctx, id, StatusFailed, "Worker crashed.", fmt.Sprintf("panic: %v", r), "")
			}
		}()
		s.run(id, plan, req, tok)
	}()

	if s.opt.MaxWallClock > 0 {
		select {
		case <-done:
		case <-time.After(s.opt.MaxWallClock):
			sctx := withJobID(context.Background(), id)
			logging.L().Warn(sctx, "max wall clock exceeded, killing worker", "job", id)
			s.finalize(sctx, id, StatusFailed, "Max wall clock time exceeded.", "wall clock limit exceeded", "")
			s.trk.Kill(id)
			<-done
		}
	} else {
		<-done
	}

	// 隐式失败合成：工作器退出却未写入终态
	sctx := withJobID(context.Background(), id)
	if rec, err := s.store.Get(sctx, id); err == nil && !rec.Terminal() {
		logging.L().Error(sctx, "worker exited without terminal status", "job", id)
		s.finalize(sctx, id, StatusFailed, "Worker exited unexpectedly.", ErrWorkerCrashed.Error(), "")
	}
}

// Status 返回作业的只读快照（含平滑递减后的 ETA、系统指标与最近事件）。
func (s *Scheduler) Status(ctx context.Context, id string) (JobSnapshot, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return JobSnapshot{}, err
	}
	now := time.Now()
	eta, stageEta := rec.EtaSeconds, rec.StageEtaSeconds
	// [实时 ETA 差减] 工作器更新以后流逝的时间直接扣除，轮询之间平滑倒数；
	// 超过预期时为负值，保留“比预期晚”的信息。
	if rec.Status == StatusRunning && !rec.EtaUpdatedAt.IsZero() {
		since := now.Sub(rec.EtaUpdatedAt).Seconds()
		eta -= since
		stageEta -= since
	}
	m := s.smp.Latest(ctx)
	active, _ := s.store.ListActive(ctx)
	logging.L().Info(ctx, "status poll",
		"job", id, "status", rec.Status, "progress", int(rec.Progress),
		"active", len(active), "cpuLoad", m.CPULoad, "score", m.Score,
	)
	return JobSnapshot{
		JobID:           rec.ID,
		Status:          rec.Status,
		CurrentStage:    rec.CurrentStage,
		SubStep:         rec.SubStep,
		Progress:        rec.Progress,
		Message:         rec.Message,
		ErrorDetail:     rec.ErrorDetail,
		FailedStage:     rec.FailedStage,
		Stages:          rec.Stages,
		ElapsedSeconds:  rec.elapsedSeconds(now),
		EtaSeconds:      eta,
		StageEtaSeconds: stageEta,
		Artifacts:       rec.Artifacts,
		Params:          rec.Params,
		SystemMetrics:   m,
		Events:          s.events.Recent(id, 16),
	}, nil
}

// Cancel 请求停止作业：协作式信号先行，宽限期超时升级为强制终止，
// 保证单活动作业不变式不会被卡死。本调用不阻塞。
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return nil // 已终止，幂等
	}
	if !s.trk.RequestStop(id) {
		// 没有对应工作器（不应出现）：直接落终态，释放准入
		s.finalize(ctx, id, StatusStopped, "Job stopped by user.", "", "")
		return nil
	}
	logging.L().Info(withJobID(ctx, id), "stop requested", "job", id)
	go func() {
		timer := time.NewTimer(s.opt.CancelGrace)
		defer timer.Stop()
		<-timer.C
		sctx := withJobID(context.Background(), id)
		if rec, err := s.store.Get(sctx, id); err == nil && !rec.Terminal() {
			logging.L().Warn(sctx, "cancel grace exceeded, killing worker", "job", id)
			s.trk.Kill(id)
			s.finalize(sctx, id, StatusStopped, "Job force-stopped after grace period.", "", "")
		}
	}()
	return nil
}

// List 返回全部作业的精简条目，按创建时间排序。
func (s *Scheduler) List(ctx context.Context) ([]JobSummary, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	now := time.Now()
	out := make([]JobSummary, 0, len(recs))
	for i := range recs {
		r := &recs[i]
		out = append(out, JobSummary{
			JobID:          r.ID,
			Status:         r.Status,
			Progress:       r.Progress,
			CurrentStage:   r.CurrentStage,
			Message:        r.Message,
			ElapsedSeconds: r.elapsedSeconds(now),
		})
	}
	return out, nil
}

// Delete 删除终态作业的记录与产物。活动作业返回 ErrConflict，需先 Cancel。
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Terminal() {
		return ErrConflict
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.events.Drop(id)
	return nil
}

// ResetStats 开发用全量清场的统计结果。
type ResetStats struct {
	StoppedJobs    int     `json:"stoppedJobs"`
	DeletedJobs    int     `json:"deletedJobs"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// Reset 开发专用：强停全部活动作业、清空注册表并强制回收资源。
func (s *Scheduler) Reset(ctx context.Context) (ResetStats, error) {
	start := time.Now()
	var out ResetStats
	recs, err := s.store.List(ctx)
	if err != nil {
		return out, err
	}
	for i := range recs {
		r := &recs[i]
		if !r.Terminal() {
			s.trk.RequestStop(r.ID)
			s.trk.Kill(r.ID)
			s.finalize(ctx, r.ID, StatusStopped, "Job stopped by server reset.", "", "")
			out.StoppedJobs++
		}
		if err := s.store.Delete(ctx, r.ID); err == nil {
			out.DeletedJobs++
		}
		s.events.Drop(r.ID)
	}
	s.rec.Force(ctx)
	out.ElapsedSeconds = time.Since(start).Seconds()
	logging.L().Info(ctx, "server reset completed", "stopped", out.StoppedJobs, "deleted", out.DeletedJobs)
	return out, nil
}

// Close 收割所有存活工作器：先协作式停止，宽限期后强杀，最后等待全部退出。
// 返回被强杀作业的聚合错误；全部优雅退出时为 nil。
func (s *Scheduler) Close(ctx context.Context) error {
	var merr *multierror.Error
	for _, id := range s.trk.ListIDs() {
		s.trk.RequestStop(id)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opt.CancelGrace):
		for _, id := range s.trk.ListIDs() {
			merr = multierror.Append(merr, fmt.Errorf("job %s did not stop within grace period, killed", id))
			s.trk.Kill(id)
			s.finalize(ctx, id, StatusStopped, "Job stopped at shutdown.", "", "")
		}
		select {
		case <-done:
		case <-ctx.Done():
			merr = multierror.Append(merr, ctx.Err())
		}
	}
	return merr.ErrorOrNil()
}

// ReclaimPolicy 返回当前资源回收策略（观测用）。
func (s *Scheduler) ReclaimPolicy() reclaim.Policy { return s.rec.Policy() }

// errAlreadyTerminal 终态写入的先到者胜标记。
var errAlreadyTerminal = errors.New("already terminal")

// finalize 将作业置为终态；已是终态则不做任何修改（先到者胜），
// 这样僵尸阶段的迟到写入不可能复活一个作业。
func (s *Scheduler) finalize(ctx context.Context, id, status, message, errDetail, failedStage string) bool {
	err := s.store.Apply(ctx, id, func(r *JobRecord) error {
		if r.Terminal() {
			return errAlreadyTerminal
		}
		r.Status = status
		r.Message = message
		r.ErrorDetail = errDetail
		if failedStage != "" {
			r.FailedStage = failedStage
		}
		if status == StatusCompleted {
			r.Progress = 100
		}
		r.EtaSeconds = 0
		r.StageEtaSeconds = 0
		r.EtaUpdatedAt = time.Now()
		r.FinishedAt = time.Now()
		return nil
	})
	if err != nil && !errors.Is(err, errAlreadyTerminal) {
		logging.L().Error(ctx, "finalize job failed", "job", id, "err", err)
		return false
	}
	return err == nil
}

// activeAdapter 适配监控采样器对活动作业列表的依赖。
type activeAdapter struct{ Storage }

// ListActive 将存储模型映射为采样器的精简视图。
func (a activeAdapter) ListActive(ctx context.Context) ([]monitor.Running, error) {
	recs, err := a.Storage.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]monitor.Running, 0, len(recs))
	for _, r := range recs {
		out = append(out, monitor.Running{JobID: r.ID, Status: r.Status, Progress: r.Progress})
	}
	return out, nil
}
