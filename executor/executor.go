package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Artifact 阶段产物：不透明字节载荷（如图像缓冲、文本块）。
// 序列化格式由调用方（传输层）约定，核心不做解释。
type Artifact []byte

// ProgressFunc 子进度回调；fraction 取值 0~1。
// 执行器可在返回前调用零次或多次。
type ProgressFunc func(fraction float64)

// Executor 统一阶段执行器接口。
// 功能：给定上游产物执行本阶段处理；执行期间应在检查点响应 ctx 取消。
type Executor interface {
	Init(ctx context.Context) error
	Execute(ctx context.Context, in Artifact, report ProgressFunc) (Artifact, error)
	Stop(ctx context.Context) error
}

// 错误类别。
const (
	KindInternal      = "internal"        // 阶段内部错误
	KindOutOfResource = "out_of_resource" // 加速器资源耗尽，可在回收后重试一次
	KindCanceled      = "canceled"        // 响应取消而退出
)

// Error 阶段执行错误。
// Retryable 表示同一输入重试是否可能成功（资源耗尽类通常为 true）。
type Error struct {
	Kind      string
	Msg       string
	Retryable bool
}

func (e *Error) Error() string { return fmt.Sprintf("executor: %s: %s", e.Kind, e.Msg) }

// NewOutOfResource 构造资源耗尽错误。
func NewOutOfResource(msg string) *Error {
	return &Error{Kind: KindOutOfResource, Msg: msg, Retryable: true}
}

// IsOutOfResource 判断错误（或其包装链）是否为资源耗尽。
func IsOutOfResource(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindOutOfResource
}

var (
	regMu     sync.RWMutex
	executors = map[string]Executor{}
)

// Register 注册执行器。
func Register(name string, e Executor) { regMu.Lock(); defer regMu.Unlock(); executors[name] = e }

// Get 获取执行器。
func Get(name string) (Executor, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	e, ok := executors[name]
	return e, ok
}

// ErrNotFound 执行器不存在错误。
var ErrNotFound = errors.New("executor not found")
