package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adgenlab/genpipe/genpipe"
)

// 样本窗口上限。
const sampleCap = 128

// Store 是一个线程安全的内存实现，仅用于开发/轻量场景。
type Store struct {
	mu      sync.RWMutex
	m       map[string]*genpipe.JobRecord
	samples map[string][]float64
}

// New 创建内存存储。
func New() *Store {
	return &Store{m: map[string]*genpipe.JobRecord{}, samples: map[string][]float64{}}
}

func (s *Store) Create(ctx context.Context, rec *genpipe.JobRecord) error {
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

func (s *Store) Get(ctx context.Context, id string) (*genpipe.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.m[id]; ok {
		return r.Clone(), nil
	}
	return nil, genpipe.ErrNotFound
}

func (s *Store) List(ctx context.Context) ([]genpipe.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]genpipe.JobRecord, 0, len(s.m))
	for _, v := range s.m {
		out = append(out, *v.Clone())
	}
	return out, nil
}

func (s *Store) ListActive(ctx context.Context) ([]genpipe.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]genpipe.JobRecord, 0)
	for _, v := range s.m {
		if v.Status == genpipe.StatusPending || v.Status == genpipe.StatusRunning {
			out = append(out, *v.Clone())
		}
	}
	return out, nil
}

func (s *Store) Apply(ctx context.Context, id string, fn func(*genpipe.JobRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if !ok {
		return genpipe.ErrNotFound
	}
	if err := fn(r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now()
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return genpipe.ErrNotFound
	}
	delete(s.m, id)
	return nil
}

func (s *Store) AppendSample(ctx context.Context, stage string, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := append(s.samples[stage], seconds)
	if len(ss) > sampleCap {
		ss = ss[len(ss)-sampleCap:]
	}
	s.samples[stage] = ss
	return nil
}

func (s *Store) RecentSamples(ctx context.Context, stage string, n int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss := s.samples[stage]
	if n > 0 && len(ss) > n {
		ss = ss[len(ss)-n:]
	}
	return append([]float64(nil), ss...), nil
}
