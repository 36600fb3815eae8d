package monitor

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type fakeLister struct{ items []Running }

func (f fakeLister) ListActive(ctx context.Context) ([]Running, error) { return f.items, nil }

func TestSampler(t *testing.T) {
	Convey("latest should collect synchronously before start", t, func() {
		s := NewSampler(fakeLister{}, 1)
		m := s.Latest(context.Background())
		So(m.SampledAt, ShouldBeGreaterThan, 0)
		So(m.CPUProcessors, ShouldBeGreaterThanOrEqualTo, 1)
	})

	Convey("start should prime the cache and only run once", t, func() {
		s := NewSampler(fakeLister{items: []Running{{JobID: "j1", Status: "running", Progress: 42}}}, 1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s.Start(ctx)
		s.Start(ctx) // 幂等
		first := s.Latest(ctx)
		So(first.SampledAt, ShouldBeGreaterThan, 0)

		// 一个采样周期后缓存应被刷新
		time.Sleep(1200 * time.Millisecond)
		second := s.Latest(ctx)
		So(second.SampledAt, ShouldBeGreaterThanOrEqualTo, first.SampledAt)
	})
}
