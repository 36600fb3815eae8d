package genpipe

import "context"

// Storage 作业注册表的持久化接口（可由宿主实现或使用内置 gormstore）。
// Get/List 返回深拷贝；Apply 在存储自身的互斥保护下原子地修改一条记录，
// 读方绝不会观察到进度、消息与产物的半写组合。
type Storage interface {
	// Create 插入新记录；ID 已存在时报错。
	Create(ctx context.Context, rec *JobRecord) error
	// Get 按 ID 获取记录的深拷贝；不存在返回 ErrNotFound。
	Get(ctx context.Context, id string) (*JobRecord, error)
	// List 列出全部记录。
	List(ctx context.Context) ([]JobRecord, error)
	// ListActive 列出 pending/running 记录（准入检查与监控用）。
	ListActive(ctx context.Context) ([]JobRecord, error)
	// Apply 原子修改：加锁取出记录执行 fn，fn 返回 nil 则提交。
	Apply(ctx context.Context, id string, fn func(*JobRecord) error) error
	// Delete 删除记录；不存在返回 ErrNotFound。
	Delete(ctx context.Context, id string) error
}

// StatsStore 阶段耗时样本的持久化接口，供统计器热启动使用。
// 样本只增不改，超过窗口由实现淘汰最旧。
type StatsStore interface {
	// AppendSample 追加一条耗时样本（秒）。
	AppendSample(ctx context.Context, stage string, seconds float64) error
	// RecentSamples 取某阶段最近 n 条样本，时间升序。
	RecentSamples(ctx context.Context, stage string, n int) ([]float64, error)
}
