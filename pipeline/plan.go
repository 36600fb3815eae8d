package pipeline

import (
	"errors"
	"fmt"

	"github.com/adgenlab/genpipe/config"
	"github.com/adgenlab/genpipe/executor"
)

// ErrValidation 请求与阶段表不匹配（缺产物、非法索引、跳过必选阶段等）。
// 此类错误在任何工作器启动之前同步返回。
var ErrValidation = errors.New("invalid pipeline request")

// Stage 生效计划中的单个阶段。
// Consumes 仅用于续跑校验：执行输入始终为生效序列中上一阶段的产物。
type Stage struct {
	Name           string
	Executor       string
	Weight         float64
	DefaultSeconds float64
	Consumes       []string
}

// Plan 一次提交的生效执行计划。
// 阶段权重已归一化（和为 1.0）；Seed 为调用方随请求提供的中间产物，
// InitialInput 为首个生效阶段的输入产物名（空串表示原始请求载荷）。
type Plan struct {
	Stages       []Stage
	Seed         map[string]executor.Artifact
	InitialInput string
}

// Options 构建计划的请求侧参数。
type Options struct {
	StartStage int                          // 生效起始阶段在配置表中的下标（0 起）
	Skip       []string                     // 请求跳过的可选阶段名
	StopAfter  string                       // 在该阶段后截断流水线；空串不截断
	Artifacts  map[string]executor.Artifact // 调用方提供的上游产物（按阶段名）
}

// StageNames 返回计划中各阶段名，顺序与执行顺序一致。
func (p Plan) StageNames() []string {
	out := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		out = append(out, s.Name)
	}
	return out
}

// Build 依据阶段配置表与请求参数装配生效计划。
// 步骤：默认值补齐 -> 起点裁剪 -> 跳过与截断 -> 权重归一化 -> 续跑产物校验。
// 任一校验失败返回包装了 ErrValidation 的错误，且不产生任何副作用。
func Build(table []config.StageConfig, opt Options) (Plan, error) {
	if len(table) == 0 {
		return Plan{}, fmt.Errorf("%w: empty stage table", ErrValidation)
	}
	if opt.StartStage < 0 || opt.StartStage >= len(table) {
		return Plan{}, fmt.Errorf("%w: startStage %d out of range [0,%d)", ErrValidation, opt.StartStage, len(table))
	}

	full := make([]Stage, 0, len(table))
	seen := map[string]bool{}
	for i, sc := range table {
		if sc.Name == "" {
			return Plan{}, fmt.Errorf("%w: stage %d has no name", ErrValidation, i)
		}
		if seen[sc.Name] {
			return Plan{}, fmt.Errorf("%w: duplicate stage %q", ErrValidation, sc.Name)
		}
		seen[sc.Name] = true
		st := Stage{
			Name:           sc.Name,
			Executor:       sc.Executor,
			Weight:         sc.Weight,
			DefaultSeconds: sc.DefaultSeconds,
			Consumes:       sc.Consumes,
		}
		if st.Executor == "" {
			st.Executor = st.Name
		}
		// 默认：消耗上一阶段产物；首阶段消耗请求载荷（空 Consumes）
		if len(st.Consumes) == 0 && i > 0 {
			st.Consumes = []string{table[i-1].Name}
		}
		full = append(full, st)
	}

	skip := map[string]bool{}
	for _, name := range opt.Skip {
		idx := indexOf(table, name)
		if idx < 0 {
			return Plan{}, fmt.Errorf("%w: skip of unknown stage %q", ErrValidation, name)
		}
		if !table[idx].Optional {
			return Plan{}, fmt.Errorf("%w: stage %q is not optional", ErrValidation, name)
		}
		skip[name] = true
	}
	if opt.StopAfter != "" && indexOf(table, opt.StopAfter) < 0 {
		return Plan{}, fmt.Errorf("%w: stopAfter of unknown stage %q", ErrValidation, opt.StopAfter)
	}

	eff := make([]Stage, 0, len(full))
	for i := opt.StartStage; i < len(full); i++ {
		if skip[full[i].Name] {
			continue
		}
		eff = append(eff, full[i])
		if full[i].Name == opt.StopAfter {
			break
		}
	}
	if len(eff) == 0 {
		return Plan{}, fmt.Errorf("%w: no stages left to run", ErrValidation)
	}

	normalize(eff)

	// 续跑校验：每个生效阶段消耗的产物必须可由计划内上游产出，或随请求提供
	produced := map[string]bool{}
	for name, a := range opt.Artifacts {
		if len(a) == 0 {
			return Plan{}, fmt.Errorf("%w: supplied artifact %q is empty", ErrValidation, name)
		}
		produced[name] = true
	}
	for _, st := range eff {
		for _, need := range st.Consumes {
			if !produced[need] {
				return Plan{}, fmt.Errorf("%w: stage %q needs artifact %q which is neither supplied nor produced upstream", ErrValidation, st.Name, need)
			}
		}
		produced[st.Name] = true
	}

	plan := Plan{Stages: eff, Seed: opt.Artifacts}
	if opt.StartStage > 0 {
		plan.InitialInput = table[opt.StartStage-1].Name
		if !plan.hasSeed(plan.InitialInput) {
			return Plan{}, fmt.Errorf("%w: resume at stage %d requires artifact %q", ErrValidation, opt.StartStage, plan.InitialInput)
		}
	}
	return plan, nil
}

// hasSeed 判断指定产物是否随请求提供。
func (p Plan) hasSeed(name string) bool {
	_, ok := p.Seed[name]
	return ok
}

// normalize 将权重归一化到和为 1.0；全零时退化为均分。
func normalize(stages []Stage) {
	var sum float64
	for _, s := range stages {
		if s.Weight > 0 {
			sum += s.Weight
		}
	}
	if sum <= 0 {
		for i := range stages {
			stages[i].Weight = 1.0 / float64(len(stages))
		}
		return
	}
	for i := range stages {
		if stages[i].Weight < 0 {
			stages[i].Weight = 0
		}
		stages[i].Weight /= sum
	}
}

func indexOf(table []config.StageConfig, name string) int {
	for i, sc := range table {
		if sc.Name == name {
			return i
		}
	}
	return -1
}
