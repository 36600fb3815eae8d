package pipeline

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/adgenlab/genpipe/config"
	"github.com/adgenlab/genpipe/executor"
)

func table3() []config.StageConfig {
	return []config.StageConfig{
		{Name: "gen", Weight: 0.5},
		{Name: "refine", Weight: 0.3, Optional: true},
		{Name: "upscale", Weight: 0.2},
	}
}

func TestBuild_Defaults(t *testing.T) {
	Convey("build should fill executor names and chain consumes", t, func() {
		p, err := Build(table3(), Options{})
		So(err, ShouldBeNil)
		So(p.StageNames(), ShouldResemble, []string{"gen", "refine", "upscale"})
		So(p.Stages[0].Executor, ShouldEqual, "gen")
		So(p.Stages[0].Consumes, ShouldBeEmpty)
		So(p.Stages[1].Consumes, ShouldResemble, []string{"gen"})
		So(p.Stages[2].Consumes, ShouldResemble, []string{"refine"})
		So(p.InitialInput, ShouldEqual, "")
	})
}

func TestBuild_Weights(t *testing.T) {
	Convey("weights should always be renormalized to sum 1.0", t, func() {
		p, err := Build(table3(), Options{})
		So(err, ShouldBeNil)
		So(p.Stages[0].Weight, ShouldAlmostEqual, 0.5, 1e-9)
		So(p.Stages[1].Weight, ShouldAlmostEqual, 0.3, 1e-9)
		So(p.Stages[2].Weight, ShouldAlmostEqual, 0.2, 1e-9)

		Convey("skipping an optional stage renormalizes the rest", func() {
			p, err := Build(table3(), Options{Skip: []string{"refine"}})
			So(err, ShouldBeNil)
			So(p.StageNames(), ShouldResemble, []string{"gen", "upscale"})
			So(p.Stages[0].Weight+p.Stages[1].Weight, ShouldAlmostEqual, 1.0, 1e-9)
			So(p.Stages[0].Weight, ShouldAlmostEqual, 0.5/0.7, 1e-9)
		})

		Convey("all-zero weights degrade to equal split", func() {
			p, err := Build([]config.StageConfig{{Name: "a"}, {Name: "b"}}, Options{})
			So(err, ShouldBeNil)
			So(p.Stages[0].Weight, ShouldAlmostEqual, 0.5, 1e-9)
			So(p.Stages[1].Weight, ShouldAlmostEqual, 0.5, 1e-9)
		})
	})
}

func TestBuild_Resume(t *testing.T) {
	Convey("resume requires the predecessor artifact", t, func() {
		_, err := Build(table3(), Options{StartStage: 2})
		So(errors.Is(err, ErrValidation), ShouldBeTrue)

		p, err := Build(table3(), Options{
			StartStage: 2,
			Artifacts:  map[string]executor.Artifact{"refine": []byte("x")},
		})
		So(err, ShouldBeNil)
		So(p.StageNames(), ShouldResemble, []string{"upscale"})
		So(p.InitialInput, ShouldEqual, "refine")
	})

	Convey("supplied empty artifact is rejected", t, func() {
		_, err := Build(table3(), Options{
			StartStage: 1,
			Artifacts:  map[string]executor.Artifact{"gen": nil},
		})
		So(errors.Is(err, ErrValidation), ShouldBeTrue)
	})

	Convey("startStage out of range is rejected", t, func() {
		_, err := Build(table3(), Options{StartStage: 3})
		So(errors.Is(err, ErrValidation), ShouldBeTrue)
		_, err = Build(table3(), Options{StartStage: -1})
		So(errors.Is(err, ErrValidation), ShouldBeTrue)
	})

	Convey("skipping a stage another consumes fails validation when unsupplied", t, func() {
		// refine 被跳过后 upscale 的输入既无人产出也未随请求提供
		tbl := []config.StageConfig{
			{Name: "gen"},
			{Name: "refine", Optional: true},
			{Name: "upscale", Consumes: []string{"refine"}},
		}
		_, err := Build(tbl, Options{Skip: []string{"refine"}})
		So(errors.Is(err, ErrValidation), ShouldBeTrue)

		p, err := Build(tbl, Options{
			Skip:      []string{"refine"},
			Artifacts: map[string]executor.Artifact{"refine": []byte("cached")},
		})
		So(err, ShouldBeNil)
		So(p.StageNames(), ShouldResemble, []string{"gen", "upscale"})
	})
}

func TestBuild_SkipAndStop(t *testing.T) {
	Convey("only optional stages may be skipped", t, func() {
		_, err := Build(table3(), Options{Skip: []string{"gen"}})
		So(errors.Is(err, ErrValidation), ShouldBeTrue)
		_, err = Build(table3(), Options{Skip: []string{"nope"}})
		So(errors.Is(err, ErrValidation), ShouldBeTrue)
	})

	Convey("stopAfter truncates the plan", t, func() {
		p, err := Build(table3(), Options{StopAfter: "refine"})
		So(err, ShouldBeNil)
		So(p.StageNames(), ShouldResemble, []string{"gen", "refine"})
		So(p.Stages[0].Weight+p.Stages[1].Weight, ShouldAlmostEqual, 1.0, 1e-9)

		_, err = Build(table3(), Options{StopAfter: "nope"})
		So(errors.Is(err, ErrValidation), ShouldBeTrue)
	})

	Convey("empty effective plan is rejected", t, func() {
		tbl := []config.StageConfig{{Name: "gen", Optional: true}}
		_, err := Build(tbl, Options{Skip: []string{"gen"}})
		So(errors.Is(err, ErrValidation), ShouldBeTrue)
	})

	Convey("duplicate stage names are rejected", t, func() {
		_, err := Build([]config.StageConfig{{Name: "a"}, {Name: "a"}}, Options{})
		So(errors.Is(err, ErrValidation), ShouldBeTrue)
	})
}
