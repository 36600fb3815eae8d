package tracker

import (
	"context"
	"sync"
	"sync/atomic"
)

// 取消令牌三态。
const (
	StopNone         int32 = 0 // 未请求停止
	StopRequested    int32 = 1 // 已请求停止，等待工作器在检查点确认
	StopAcknowledged int32 = 2 // 工作器已确认并开始退出
)

// Token 维护单个作业运行中的上下文、强制取消句柄与协作式停止状态。
// Ctx 传入各阶段执行器；Cancel 仅在宽限期超时后由调度器触发（硬停止）。
type Token struct {
	Ctx    context.Context
	Cancel context.CancelFunc
	state  atomic.Int32
}

// RequestStop 请求协作式停止；重复调用幂等。
func (t *Token) RequestStop() { t.state.CompareAndSwap(StopNone, StopRequested) }

// Acknowledge 工作器在检查点确认停止请求。
func (t *Token) Acknowledge() { t.state.CompareAndSwap(StopRequested, StopAcknowledged) }

// Stopping 是否已收到停止请求（含已确认）。
func (t *Token) Stopping() bool { return t.state.Load() >= StopRequested }

// State 返回当前三态值。
func (t *Token) State() int32 { return t.state.Load() }

// Manager 简单的运行作业跟踪器。
type Manager struct {
	mu      sync.RWMutex
	running map[string]*Token
}

// NewManager 构造。
func NewManager() *Manager { return &Manager{running: map[string]*Token{}} }

// Start 注册作业并返回其令牌。
func (m *Manager) Start(id string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Token{Ctx: ctx, Cancel: cancel}
	m.running[id] = t
	return t
}

// RequestStop 对指定作业下发协作式停止请求。
func (m *Manager) RequestStop(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.running[id]; ok {
		t.RequestStop()
		return true
	}
	return false
}

// Kill 强制取消作业上下文（宽限期超时的升级手段）。
func (m *Manager) Kill(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.running[id]; ok {
		t.Cancel()
		return true
	}
	return false
}

// Remove 注销作业（工作器退出时调用），并释放其上下文。
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.running[id]; ok {
		t.Cancel()
		delete(m.running, id)
	}
}

// Get 查询作业令牌。
func (m *Manager) Get(id string) (*Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.running[id]
	return t, ok
}

// ListIDs 返回当前运行作业ID集合。
func (m *Manager) ListIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}
