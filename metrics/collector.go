package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetric 系统指标快照。
// 说明：随状态查询返回，供客户端展示资源占用；Score 为 0~100 的健康评分。
type SystemMetric struct {
	CPULoad        float64 `json:"cpuLoad"`
	CPUProcessors  int     `json:"cpuProcessors"`
	RAMUsedGB      float64 `json:"ramUsedGB"`
	RAMTotalGB     float64 `json:"ramTotalGB"`
	RAMPercent     float64 `json:"ramPercent"`
	DiskTotalGB    float64 `json:"diskTotal"`
	DiskUsageRatio float64 `json:"diskUsage"`
	DiskUsedGB     float64 `json:"diskUsed"`
	ProcUsedGB     float64 `json:"procUsedMemory"`
	ProcMemUsage   float64 `json:"procMemoryUsage"`
	Score          float64 `json:"score"`
	SampledAt      int64   `json:"sampledAt"` // Unix 毫秒
}

// CollectSystemMetric 采集系统/进程指标。
func CollectSystemMetric(ctx context.Context) SystemMetric {
	out := SystemMetric{SampledAt: time.Now().UnixMilli()}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.CPULoad = avg.Load1
	}
	out.CPUProcessors = runtime.NumCPU()
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil && du.Total > 0 {
		out.DiskTotalGB = float64(du.Total) / (1024 * 1024 * 1024)
		out.DiskUsedGB = float64(du.Used) / (1024 * 1024 * 1024)
		out.DiskUsageRatio = du.UsedPercent / 100.0
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		out.RAMTotalGB = float64(vm.Total) / (1024 * 1024 * 1024)
		out.RAMUsedGB = float64(vm.Used) / (1024 * 1024 * 1024)
		out.RAMPercent = vm.UsedPercent
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pm, err := p.MemoryInfoWithContext(ctx); err == nil && pm != nil {
			usedGB := float64(pm.RSS) / (1024 * 1024 * 1024)
			out.ProcUsedGB = usedGB
			if out.RAMTotalGB > 0 {
				out.ProcMemUsage = usedGB / out.RAMTotalGB
			}
		}
	}
	score := 100.0
	if out.CPULoad > 0 {
		score -= out.CPULoad * 5
	}
	if out.DiskUsageRatio > 0 {
		score -= out.DiskUsageRatio * 20
	}
	if out.ProcMemUsage > 0 {
		score -= out.ProcMemUsage * 30
	}
	if score < 0 {
		score = 0
	}
	out.Score = score
	return out
}
