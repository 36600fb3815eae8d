package genpipe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// 每个作业保留的事件条数上限。
const eventCapPerJob = 64

// Event 作业事件轨迹中的一条记录。
// Level 取 1=DEBUG, 2=INFO, 3=WARN, 4=ERROR。
type Event struct {
	JobID   string    `json:"jobId"`
	Level   int       `json:"level"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// EventLog 有界的作业事件缓冲：经由通道汇入、批量落入按作业的环形队列。
// 由日志 Hook 喂入，在状态查询中对外展示最近事件。
type EventLog struct {
	ch    chan Event
	max   int
	mu    sync.RWMutex
	byJob map[string][]Event
}

// NewEventLog 创建事件缓冲。
// 参数：batchMax 单批最大条数，也决定通道容量。
func NewEventLog(batchMax int) *EventLog {
	if batchMax <= 0 {
		batchMax = 256
	}
	return &EventLog{
		ch:    make(chan Event, batchMax*4),
		max:   batchMax,
		byJob: map[string][]Event{},
	}
}

// Start 启动后台归集协程；ctx.Done 时冲刷残留并退出。
func (l *EventLog) Start(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	go func() {
		defer ticker.Stop()
		buf := make([]Event, 0, l.max)
		flush := func() {
			if len(buf) == 0 {
				return
			}
			l.mu.Lock()
			for _, ev := range buf {
				q := append(l.byJob[ev.JobID], ev)
				if len(q) > eventCapPerJob {
					q = q[len(q)-eventCapPerJob:]
				}
				l.byJob[ev.JobID] = q
			}
			l.mu.Unlock()
			buf = buf[:0]
		}
		for {
			select {
			case <-ctx.Done():
				flush()
				return
			case ev := <-l.ch:
				if ev.JobID == "" {
					continue
				}
				buf = append(buf, ev)
				if len(buf) >= l.max {
					flush()
				}
			case <-ticker.C:
				flush()
			}
		}
	}()
}

// Enqueue 推入一条事件（非阻塞，满了直接丢弃）。
func (l *EventLog) Enqueue(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case l.ch <- ev:
	default:
	}
}

// Recent 取某作业最近 n 条事件，时间升序。
func (l *EventLog) Recent(jobID string, n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	q := l.byJob[jobID]
	if n > 0 && len(q) > n {
		q = q[len(q)-n:]
	}
	return append([]Event(nil), q...)
}

// Drop 清除某作业的事件（随作业删除调用）。
func (l *EventLog) Drop(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byJob, jobID)
}

// Hook 作为 logging.SetHook 的目标：当上下文携带作业ID时，把日志转入事件轨迹。
// 注意：Hook 不得再次调用 logging.L()，以避免递归。
func (l *EventLog) Hook(ctx context.Context, level int, msg string, args ...any) {
	id, ok := jobIDFromContext(ctx)
	if !ok || id == "" {
		return
	}
	// 组装内容：msg | k=v ...
	content := msg
	if len(args) > 0 {
		content += " |"
		for i := 0; i < len(args); i++ {
			if i%2 == 0 {
				if k, ok := args[i].(string); ok {
					content += " " + k + "="
				} else {
					content += " arg="
				}
			} else {
				content += toString(args[i])
			}
		}
	}
	l.Enqueue(Event{JobID: id, Level: level, Content: content})
}

// ---- 作业上下文工具 ----

// ctxKey 用于在 Context 中存放作业ID，避免与外部键冲突。
type ctxKey string

var ctxKeyJobID ctxKey = "genpipe_job_id"

// withJobID 将作业ID写入 Context。
func withJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyJobID, id)
}

// jobIDFromContext 尝试从上下文中提取作业ID。
func jobIDFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(ctxKeyJobID)
	if v == nil {
		return "", false
	}
	if id, ok := v.(string); ok {
		return id, true
	}
	return "", false
}

// toString 将任意值转为字符串，避免引入 fmt 分配热点。
func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int:
		return itoa(int64(x))
	case int64:
		return itoa(x)
	case uint64:
		return itoa(int64(x))
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		// 回退到标准库格式化
		return fmtAny(v)
	}
}

// itoa 简化版整型转字符串。
func itoa(x int64) string {
	b := [20]byte{}
	i := len(b)
	neg := x < 0
	if neg {
		x = -x
	}
	for x >= 10 {
		i--
		q := x / 10
		b[i] = byte('0' + x - q*10)
		x = q
	}
	i--
	b[i] = byte('0' + x)
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

// fmtAny 使用 fmt.Sprint，将其封装以便未来替换。
func fmtAny(v any) string { return fmt.Sprint(v) }
