package genpipe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// 内置样本窗口上限；超过后淘汰最旧。
const memSampleCap = 128

// inMemoryStore 是包内置的线程安全内存存储，默认与测试场景使用。
// 设计：为了避免 import cycle，不依赖外部子包，同时实现 Storage 与 StatsStore。
type inMemoryStore struct {
	mu      sync.RWMutex
	m       map[string]*JobRecord
	samples map[string][]float64
}

// newDefaultMemStore 创建内置内存存储实现。
func newDefaultMemStore() *inMemoryStore {
	return &inMemoryStore{m: map[string]*JobRecord{}, samples: map[string][]float64{}}
}

// Create 插入新记录。
func (s *inMemoryStore) Create(ctx context.Context, rec *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[rec.ID]; ok {
		return fmt.Errorf("job %s already exists", rec.ID)
	}
	cp := rec.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.m[rec.ID] = cp
	return nil
}

// Get 按 ID 读取记录深拷贝。
func (s *inMemoryStore) Get(ctx context.Context, id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.m[id]; ok {
		return r.Clone(), nil
	}
	return nil, ErrNotFound
}

// List 列出全部记录。
func (s *inMemoryStore) List(ctx context.Context) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobRecord, 0, len(s.m))
	for _, v := range s.m {
		out = append(out, *v.Clone())
	}
	return out, nil
}

// ListActive 列出活动记录。
func (s *inMemoryStore) ListActive(ctx context.Context) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobRecord, 0)
	for _, v := range s.m {
		if v.Status == StatusPending || v.Status == StatusRunning {
			out = append(out, *v.Clone())
		}
	}
	return out, nil
}

// Apply 原子修改一条记录。
func (s *inMemoryStore) Apply(ctx context.Context, id string, fn func(*JobRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now()
	return nil
}

// Delete 删除记录。
func (s *inMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return ErrNotFound
	}
	delete(s.m, id)
	return nil
}

// AppendSample 追加耗时样本，窗口满时淘汰最旧。
func (s *inMemoryStore) AppendSample(ctx context.Context, stage string, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := append(s.samples[stage], seconds)
	if len(ss) > memSampleCap {
		ss = ss[len(ss)-memSampleCap:]
	}
	s.samples[stage] = ss
	return nil
}

// RecentSamples 取最近 n 条样本。
func (s *inMemoryStore) RecentSamples(ctx context.Context, stage string, n int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss := s.samples[stage]
	if n > 0 && len(ss) > n {
		ss = ss[len(ss)-n:]
	}
	return append([]float64(nil), ss...), nil
}
