package genpipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/mock/gomock"

	"github.com/adgenlab/genpipe/config"
	"github.com/adgenlab/genpipe/executor"
	"github.com/adgenlab/genpipe/mocks"
	"github.com/adgenlab/genpipe/pipeline"
)

// echoExec 立即完成，产物为输入追加 |name。
type echoExec struct{ suffix string }

func (e *echoExec) Init(ctx context.Context) error { return nil }
func (e *echoExec) Stop(ctx context.Context) error { return nil }
func (e *echoExec) Execute(ctx context.Context, in executor.Artifact, report executor.ProgressFunc) (executor.Artifact, error) {
	if report != nil {
		report(1)
	}
	if e.suffix == "" {
		return in, nil
	}
	out := append(executor.Artifact{}, in...)
	return append(out, []byte("|"+e.suffix)...), nil
}

// gateExec 回报一次子进度后阻塞，等待测试放行或被强杀。
type gateExec struct {
	frac      float64
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
	runs      atomic.Int32
}

func newGateExec(frac float64) *gateExec {
	return &gateExec{frac: frac, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateExec) Init(ctx context.Context) error { return nil }
func (g *gateExec) Stop(ctx context.Context) error { return nil }
func (g *gateExec) Execute(ctx context.Context, in executor.Artifact, report executor.ProgressFunc) (executor.Artifact, error) {
	g.runs.Add(1)
	if report != nil {
		report(g.frac)
	}
	g.startOnce.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return in, nil
	case <-ctx.Done():
		return nil, &executor.Error{Kind: executor.KindCanceled, Msg: ctx.Err().Error()}
	}
}

// panicExec 模拟工作器内部崩溃。
type panicExec struct{}

func (panicExec) Init(ctx context.Context) error { return nil }
func (panicExec) Stop(ctx context.Context) error { return nil }
func (panicExec) Execute(ctx context.Context, in executor.Artifact, report executor.ProgressFunc) (executor.Artifact, error) {
	panic("model weights corrupted")
}

// waitTerminal 轮询直到作业进入终态。
func waitTerminal(t *testing.T, s *Scheduler, id string, timeout time.Duration) JobSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		snap, err := s.Status(context.Background(), id)
		if err == nil && IsTerminal(snap.Status) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s not terminal within %v (status %q)", id, timeout, snap.Status)
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_WeightedProgress(t *testing.T) {
	Convey("sub progress should map into weight slices and finish at exactly 100", t, func() {
		ga, gb := newGateExec(0.5), newGateExec(1.0)
		executor.Register("wp-a", ga)
		executor.Register("wp-b", gb)
		executor.Register("wp-c", &echoExec{suffix: "c"})

		s := NewScheduler(WithStages([]config.StageConfig{
			{Name: "a", Executor: "wp-a", Weight: 0.5},
			{Name: "b", Executor: "wp-b", Weight: 0.3},
			{Name: "c", Executor: "wp-c", Weight: 0.2},
		}))
		id, err := s.Submit(context.Background(), SubmitRequest{Payload: []byte("seed")})
		So(err, ShouldBeNil)

		<-ga.started
		snap, err := s.Status(context.Background(), id)
		So(err, ShouldBeNil)
		So(snap.Status, ShouldEqual, StatusRunning)
		So(snap.CurrentStage, ShouldEqual, "a")
		So(snap.SubStep, ShouldEqual, "a")
		So(snap.Progress, ShouldAlmostEqual, 25, 0.001)
		So(snap.Stages, ShouldResemble, []string{"a", "b", "c"})

		close(ga.release)
		<-gb.started
		snap, err = s.Status(context.Background(), id)
		So(err, ShouldBeNil)
		So(snap.CurrentStage, ShouldEqual, "b")
		So(snap.Progress, ShouldAlmostEqual, 80, 0.001)

		close(gb.release)
		final := waitTerminal(t, s, id, 3*time.Second)
		So(final.Status, ShouldEqual, StatusCompleted)
		So(final.Progress, ShouldEqual, 100)
		So(final.Message, ShouldEqual, "All stages completed successfully.")
		So(final.EtaSeconds, ShouldEqual, 0)
		So(string(final.Artifacts["c"]), ShouldEqual, "seed|c")
		So(final.ElapsedSeconds, ShouldBeGreaterThan, 0)
	})
}

func TestScheduler_SingleFlight(t *testing.T) {
	Convey("a second submit while one job is active should be rejected busy", t, func() {
		g := newGateExec(0.2)
		executor.Register("sf-a", g)
		s := NewScheduler(WithStages([]config.StageConfig{{Name: "a", Executor: "sf-a", Weight: 1}}))

		id1, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		<-g.started

		_, err = s.Submit(context.Background(), SubmitRequest{})
		var busy *BusyError
		So(errors.As(err, &busy), ShouldBeTrue)
		So(busy.RunningJob, ShouldEqual, id1)
		So(busy.RetryAfter, ShouldBeGreaterThanOrEqualTo, 0)

		Convey("admission reopens once the job is terminal", func() {
			close(g.release)
			waitTerminal(t, s, id1, 3*time.Second)

			s2, err := s.Submit(context.Background(), SubmitRequest{})
			So(err, ShouldBeNil)
			final := waitTerminal(t, s, s2, 3*time.Second)
			So(final.Status, ShouldEqual, StatusCompleted)
		})
	})
}

func TestScheduler_CooperativeStop(t *testing.T) {
	Convey("stop between stages should land stopped without starting the next stage", t, func() {
		ga, gb := newGateExec(0.5), newGateExec(0.5)
		executor.Register("cs-a", ga)
		executor.Register("cs-b", gb)
		s := NewScheduler(WithStages([]config.StageConfig{
			{Name: "a", Executor: "cs-a", Weight: 0.5},
			{Name: "b", Executor: "cs-b", Weight: 0.5},
		}))

		id, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		<-ga.started

		So(s.Cancel(context.Background(), id), ShouldBeNil)
		close(ga.release) // 阶段 a 正常返回，检查点应观察到停止请求

		final := waitTerminal(t, s, id, 3*time.Second)
		So(final.Status, ShouldEqual, StatusStopped)
		So(final.Message, ShouldEqual, "Job stopped by user.")
		So(gb.runs.Load(), ShouldEqual, 0)

		Convey("cancel on a terminal job is idempotent", func() {
			So(s.Cancel(context.Background(), id), ShouldBeNil)
		})
	})
}

func TestScheduler_CancelGraceEscalation(t *testing.T) {
	Convey("an unresponsive stage should be force-stopped after the grace period", t, func() {
		g := newGateExec(0.1)
		executor.Register("cg-a", g)
		s := NewScheduler(
			WithStages([]config.StageConfig{{Name: "a", Executor: "cg-a", Weight: 1}}),
			WithCancelGrace(100*time.Millisecond),
		)

		id, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		<-g.started

		So(s.Cancel(context.Background(), id), ShouldBeNil)
		final := waitTerminal(t, s, id, 2*time.Second)
		So(final.Status, ShouldEqual, StatusStopped)
	})
}

func TestScheduler_Resume(t *testing.T) {
	Convey("resuming from a supplied artifact should yield the same final artifact", t, func() {
		executor.Register("rs-s1", &echoExec{suffix: "s1"})
		executor.Register("rs-s2", &echoExec{suffix: "s2"})
		stages := []config.StageConfig{
			{Name: "s1", Executor: "rs-s1", Weight: 0.6},
			{Name: "s2", Executor: "rs-s2", Weight: 0.4},
		}
		s := NewScheduler(WithStages(stages))

		id, err := s.Submit(context.Background(), SubmitRequest{Payload: []byte("seed")})
		So(err, ShouldBeNil)
		full := waitTerminal(t, s, id, 3*time.Second)
		So(full.Status, ShouldEqual, StatusCompleted)
		So(string(full.Artifacts["s2"]), ShouldEqual, "seed|s1|s2")

		id2, err := s.Submit(context.Background(), SubmitRequest{
			StartStage: 1,
			Artifacts:  map[string]executor.Artifact{"s1": full.Artifacts["s1"]},
		})
		So(err, ShouldBeNil)
		resumed := waitTerminal(t, s, id2, 3*time.Second)
		So(resumed.Status, ShouldEqual, StatusCompleted)
		So(string(resumed.Artifacts["s2"]), ShouldEqual, string(full.Artifacts["s2"]))
		So(resumed.Stages, ShouldResemble, []string{"s2"})

		Convey("resume without the predecessor artifact is rejected upfront", func() {
			_, err := s.Submit(context.Background(), SubmitRequest{StartStage: 1})
			So(errors.Is(err, pipeline.ErrValidation), ShouldBeTrue)
		})
	})
}

func TestScheduler_DeleteGuard(t *testing.T) {
	Convey("delete should refuse active jobs and succeed on terminal ones", t, func() {
		g := newGateExec(0.1)
		executor.Register("dg-a", g)
		s := NewScheduler(
			WithStages([]config.StageConfig{{Name: "a", Executor: "dg-a", Weight: 1}}),
			WithCancelGrace(100*time.Millisecond),
		)

		id, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		<-g.started

		So(errors.Is(s.Delete(context.Background(), id), ErrConflict), ShouldBeTrue)

		So(s.Cancel(context.Background(), id), ShouldBeNil)
		waitTerminal(t, s, id, 2*time.Second)

		So(s.Delete(context.Background(), id), ShouldBeNil)
		_, err = s.Status(context.Background(), id)
		So(errors.Is(err, ErrNotFound), ShouldBeTrue)
		So(errors.Is(s.Delete(context.Background(), id), ErrNotFound), ShouldBeTrue)
	})
}

func TestScheduler_FailureModes(t *testing.T) {
	Convey("a panicking executor should surface as failed, not hang admission", t, func() {
		executor.Register("fm-panic", panicExec{})
		s := NewScheduler(WithStages([]config.StageConfig{{Name: "a", Executor: "fm-panic", Weight: 1}}))

		id, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		final := waitTerminal(t, s, id, 3*time.Second)
		So(final.Status, ShouldEqual, StatusFailed)
		So(final.ErrorDetail, ShouldContainSubstring, "panic")
	})

	Convey("an unknown executor should fail the stage", t, func() {
		s := NewScheduler(WithStages([]config.StageConfig{{Name: "a", Executor: "fm-missing", Weight: 1}}))
		id, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		final := waitTerminal(t, s, id, 3*time.Second)
		So(final.Status, ShouldEqual, StatusFailed)
		So(final.FailedStage, ShouldEqual, "a")
	})

	Convey("max wall clock should kill runaway jobs", t, func() {
		g := newGateExec(0.1)
		executor.Register("fm-slow", g)
		s := NewScheduler(
			WithStages([]config.StageConfig{{Name: "a", Executor: "fm-slow", Weight: 1}}),
			WithMaxWallClock(100*time.Millisecond),
		)
		id, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		final := waitTerminal(t, s, id, 2*time.Second)
		So(final.Status, ShouldEqual, StatusFailed)
		So(final.Message, ShouldEqual, "Max wall clock time exceeded.")
	})
}

func TestScheduler_OutOfResourceRetry(t *testing.T) {
	Convey("out of resource should force a reclaim and retry the stage once", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		exec := mocks.NewMockExecutor(ctrl)
		gomock.InOrder(
			exec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(nil, executor.NewOutOfResource("cuda oom")),
			exec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).
				Return(executor.Artifact("ok"), nil),
		)
		executor.Register("oor-a", exec)

		var released atomic.Int32
		s := NewScheduler(
			WithStages([]config.StageConfig{{Name: "a", Executor: "oor-a", Weight: 1}}),
			WithRelease(func(ctx context.Context) error { released.Add(1); return nil }),
		)

		id, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		final := waitTerminal(t, s, id, 3*time.Second)
		So(final.Status, ShouldEqual, StatusCompleted)
		So(string(final.Artifacts["a"]), ShouldEqual, "ok")
		// 一次重试前的强制回收 + 阶段结束后的常规回收
		So(released.Load(), ShouldBeGreaterThanOrEqualTo, 2)
	})

	Convey("a second out of resource in a row fails the job", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		exec := mocks.NewMockExecutor(ctrl)
		exec.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, executor.NewOutOfResource("cuda oom")).Times(2)
		executor.Register("oor-b", exec)

		s := NewScheduler(WithStages([]config.StageConfig{{Name: "a", Executor: "oor-b", Weight: 1}}))
		id, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		final := waitTerminal(t, s, id, 3*time.Second)
		So(final.Status, ShouldEqual, StatusFailed)
		So(final.FailedStage, ShouldEqual, "a")
		So(final.ErrorDetail, ShouldContainSubstring, "out_of_resource")
	})
}

func TestScheduler_ListAndReset(t *testing.T) {
	Convey("list should order by creation and reset should clear everything", t, func() {
		executor.Register("lr-ok", &echoExec{})
		g := newGateExec(0.1)
		executor.Register("lr-gate", g)

		s := NewScheduler(WithStages([]config.StageConfig{{Name: "a", Executor: "lr-ok", Weight: 1}}))
		id1, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		waitTerminal(t, s, id1, 3*time.Second)

		// 第二个作业用阻塞执行器占住准入
		s.opt.Stages[0].Executor = "lr-gate"
		id2, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		<-g.started

		jobs, err := s.List(context.Background())
		So(err, ShouldBeNil)
		So(len(jobs), ShouldEqual, 2)
		So(jobs[0].JobID, ShouldEqual, id1)
		So(jobs[1].JobID, ShouldEqual, id2)

		out, err := s.Reset(context.Background())
		So(err, ShouldBeNil)
		So(out.StoppedJobs, ShouldEqual, 1)
		So(out.DeletedJobs, ShouldEqual, 2)

		jobs, err = s.List(context.Background())
		So(err, ShouldBeNil)
		So(jobs, ShouldBeEmpty)
	})
}

func TestScheduler_Close(t *testing.T) {
	Convey("close should reap workers that ignore the grace period", t, func() {
		g := newGateExec(0.1)
		executor.Register("cl-a", g)
		s := NewScheduler(
			WithStages([]config.StageConfig{{Name: "a", Executor: "cl-a", Weight: 1}}),
			WithCancelGrace(100*time.Millisecond),
		)

		id, err := s.Submit(context.Background(), SubmitRequest{})
		So(err, ShouldBeNil)
		<-g.started

		err = s.Close(context.Background())
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "killed")

		rec, gerr := s.store.Get(context.Background(), id)
		So(gerr, ShouldBeNil)
		So(rec.Status, ShouldEqual, StatusStopped)
	})

	Convey("close with no live workers returns nil", t, func() {
		s := NewScheduler(WithStages([]config.StageConfig{{Name: "a", Weight: 1}}))
		So(s.Close(context.Background()), ShouldBeNil)
	})
}

func TestScheduler_WarmStats(t *testing.T) {
	Convey("warm start should replay persisted samples into the tracker", t, func() {
		mem := newDefaultMemStore()
		So(mem.AppendSample(context.Background(), "a", 2), ShouldBeNil)
		So(mem.AppendSample(context.Background(), "a", 4), ShouldBeNil)

		s := NewScheduler(
			WithStages([]config.StageConfig{{Name: "a", Weight: 1}}),
			WithStore(mem),
			WithStatsStore(mem),
		)
		s.warmStats(context.Background())
		So(s.stats.Expected("a"), ShouldEqual, 3*time.Second)
	})
}
