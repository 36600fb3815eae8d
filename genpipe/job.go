package genpipe

import (
	"time"

	"github.com/adgenlab/genpipe/executor"
	"github.com/adgenlab/genpipe/metrics"
)

// 作业生命周期状态。pending -> running -> {completed | failed | stopped}，
// 终态只进入一次，此后仅可查询或删除。
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// IsTerminal 判断状态是否为终态。
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusStopped
}

// JobRecord 单个作业的共享状态实体。
// 写入纪律：可变字段仅由归属工作器写；生命周期转移（pending->running、
// 强制 stopped、删除）仅由调度器写；其余方只读快照。
type JobRecord struct {
	ID           string
	Status       string
	Stages       []string // 生效阶段名，按执行顺序
	StageIndex   int
	CurrentStage string
	SubStep      string
	Progress     float64 // 0~100，运行期间单调不减
	Message      string
	ErrorDetail  string
	FailedStage  string

	Params    map[string]any
	Artifacts map[string]executor.Artifact // 阶段名 -> 产物

	EtaSeconds      float64   // 工作器最近一次写入的整体剩余秒数
	StageEtaSeconds float64   // 当前阶段剩余秒数
	EtaUpdatedAt    time.Time // 上述两值的写入时刻，读侧据此平滑递减

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	UpdatedAt  time.Time
}

// Terminal 是否已进入终态。
func (r *JobRecord) Terminal() bool { return IsTerminal(r.Status) }

// Clone 深拷贝记录，避免读方观察到半写状态之外还持有内部引用。
func (r *JobRecord) Clone() *JobRecord {
	cp := *r
	cp.Stages = append([]string(nil), r.Stages...)
	if r.Params != nil {
		cp.Params = make(map[string]any, len(r.Params))
		for k, v := range r.Params {
			cp.Params[k] = v
		}
	}
	if r.Artifacts != nil {
		cp.Artifacts = make(map[string]executor.Artifact, len(r.Artifacts))
		for k, v := range r.Artifacts {
			cp.Artifacts[k] = v
		}
	}
	return &cp
}

// JobSnapshot 对外只读视图：在记录之上叠加了经过平滑递减的 ETA、
// 实时系统指标与最近事件。
type JobSnapshot struct {
	JobID           string                       `json:"jobId"`
	Status          string                       `json:"status"`
	CurrentStage    string                       `json:"currentStage"`
	SubStep         string                       `json:"subStep,omitempty"`
	Progress        float64                      `json:"progressPercent"`
	Message         string                       `json:"message"`
	ErrorDetail     string                       `json:"errorDetail,omitempty"`
	FailedStage     string                       `json:"failedStage,omitempty"`
	Stages          []string                     `json:"stages"`
	ElapsedSeconds  float64                      `json:"elapsedSeconds"`
	EtaSeconds      float64                      `json:"etaSeconds"`
	StageEtaSeconds float64                      `json:"stageEtaSeconds"`
	Artifacts       map[string]executor.Artifact `json:"artifacts,omitempty"`
	Params          map[string]any               `json:"parameters,omitempty"`
	SystemMetrics   metrics.SystemMetric         `json:"systemMetrics"`
	Events          []Event                      `json:"events,omitempty"`
}

// JobSummary 列表视图的精简条目。
type JobSummary struct {
	JobID          string  `json:"jobId"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progressPercent"`
	CurrentStage   string  `json:"currentStage"`
	Message        string  `json:"message"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// elapsedSeconds 运行时长：未启动为 0，终态截止到 FinishedAt。
func (r *JobRecord) elapsedSeconds(now time.Time) float64 {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := now
	if r.Terminal() && !r.FinishedAt.IsZero() {
		end = r.FinishedAt
	}
	return end.Sub(r.StartedAt).Seconds()
}
