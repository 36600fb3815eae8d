package reclaim

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestReclaimer_Policies(t *testing.T) {
	ctx := context.Background()

	Convey("always policy should release after every stage", t, func() {
		var calls atomic.Int32
		r := New(PolicyAlways, func(ctx context.Context) error { calls.Add(1); return nil })
		So(r.Policy(), ShouldEqual, PolicyAlways)

		r.AfterStage(ctx, "gen")
		r.AfterStage(ctx, "upscale")
		So(calls.Load(), ShouldEqual, 2)
	})

	Convey("retain policy should skip stage boundaries but honor force", t, func() {
		var calls atomic.Int32
		r := New(PolicyRetain, func(ctx context.Context) error { calls.Add(1); return nil })

		r.AfterStage(ctx, "gen")
		So(calls.Load(), ShouldEqual, 0)

		r.Force(ctx)
		So(calls.Load(), ShouldEqual, 1)
	})

	Convey("unknown policy falls back to always with builtin release", t, func() {
		r := New(Policy("whatever"), nil)
		So(r.Policy(), ShouldEqual, PolicyAlways)
		So(func() { r.AfterStage(ctx, "gen") }, ShouldNotPanic)
	})

	Convey("release errors are swallowed", t, func() {
		r := New(PolicyAlways, func(ctx context.Context) error { return errors.New("device busy") })
		So(func() { r.Force(ctx) }, ShouldNotPanic)
	})
}
