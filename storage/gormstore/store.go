package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/adgenlab/genpipe/executor"
	"github.com/adgenlab/genpipe/genpipe"
)

// jobModel 作业记录的数据库映射；切片与映射字段序列化为 JSON 文本列。
type jobModel struct {
	ID           uint      `gorm:"primaryKey"`
	JobID        string    `gorm:"uniqueIndex;size:64"`
	Status       string    `gorm:"index;size:16"`
	Stages       string    `gorm:"type:text"`
	StageIndex   int       `gorm:"default:0"`
	CurrentStage string    `gorm:"size:64"`
	SubStep      string    `gorm:"size:128"`
	Progress     float64   `gorm:"default:0"`
	Message      string    `gorm:"type:text"`
	ErrorDetail  string    `gorm:"type:text"`
	FailedStage  string    `gorm:"size:64"`
	Params       string    `gorm:"type:text"`
	Artifacts    []byte    `gorm:"type:longblob"`
	EtaSeconds   float64   `gorm:"default:0"`
	StageEta     float64   `gorm:"default:0"`
	EtaUpdatedAt time.Time
	CreatedAt    time.Time `gorm:"index"`
	StartedAt    time.Time
	FinishedAt   time.Time
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// sampleModel 阶段耗时样本。
type sampleModel struct {
	ID        uint      `gorm:"primaryKey"`
	Stage     string    `gorm:"index;size:64"`
	Seconds   float64   `gorm:"default:0"`
	CreatedAt time.Time `gorm:"index"`
}

// 每阶段保留的样本上限，超过后淘汰最旧。
const sampleCap = 128

// Store 基于 GORM 的 Storage + StatsStore 实现。
type Store struct{ db *gorm.DB }

// New 创建 Store，调用方应自行在外部执行 AutoMigrate。
func New(db *gorm.DB) *Store { return &Store{db: db} }

// Migrate 建表（可选的便捷入口）。
func (s *Store) Migrate() error { return s.db.AutoMigrate(&jobModel{}, &sampleModel{}) }

// Create 实现 Storage.Create。
func (s *Store) Create(ctx context.Context, rec *genpipe.JobRecord) error {
	m, err := toModel(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(m).Error
}

// Get 实现 Storage.Get。
func (s *Store) Get(ctx context.Context, id string) (*genpipe.JobRecord, error) {
	var m jobModel
	if err := s.db.WithContext(ctx).Where("job_id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, genpipe.ErrNotFound
		}
		return nil, err
	}
	return fromModel(&m)
}

// List 实现 Storage.List。
func (s *Store) List(ctx context.Context) ([]genpipe.JobRecord, error) {
	var list []jobModel
	if err := s.db.WithContext(ctx).Find(&list).Error; err != nil {
		return nil, err
	}
	return fromModels(list)
}

// ListActive 实现 Storage.ListActive。
func (s *Store) ListActive(ctx context.Context) ([]genpipe.JobRecord, error) {
	var list []jobModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{genpipe.StatusPending, genpipe.StatusRunning}).
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return fromModels(list)
}

// Apply 实现 Storage.Apply：单事务内读-改-写，等价于内存实现的互斥修改。
func (s *Store) Apply(ctx context.Context, id string, fn func(*genpipe.JobRecord) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m jobModel
		if err := tx.Where("job_id = ?", id).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return genpipe.ErrNotFound
			}
			return err
		}
		rec, err := fromModel(&m)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		nm, err := toModel(rec)
		if err != nil {
			return err
		}
		nm.ID = m.ID
		return tx.Model(&jobModel{}).Where("id = ?", m.ID).Select("*").Omit("id", "created_at").Updates(nm).Error
	})
}

// Delete 实现 Storage.Delete。
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("job_id = ?", id).Delete(&jobModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return genpipe.ErrNotFound
	}
	return nil
}

// AppendSample 实现 StatsStore.AppendSample，并淘汰窗口外最旧样本。
func (s *Store) AppendSample(ctx context.Context, stage string, seconds float64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sampleModel{Stage: stage, Seconds: seconds, CreatedAt: time.Now()}).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&sampleModel{}).Where("stage = ?", stage).Count(&count).Error; err != nil {
			return err
		}
		if count > sampleCap {
			sub := tx.Model(&sampleModel{}).Select("id").Where("stage = ?", stage).
				Order("id DESC").Limit(sampleCap)
			return tx.Where("stage = ? AND id NOT IN (?)", stage, sub).Delete(&sampleModel{}).Error
		}
		return nil
	})
}

// RecentSamples 实现 StatsStore.RecentSamples，时间升序返回。
func (s *Store) RecentSamples(ctx context.Context, stage string, n int) ([]float64, error) {
	var list []sampleModel
	q := s.db.WithContext(ctx).Where("stage = ?", stage).Order("id DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	out := make([]float64, len(list))
	for i, m := range list {
		out[len(list)-1-i] = m.Seconds
	}
	return out, nil
}

func toModel(r *genpipe.JobRecord) (*jobModel, error) {
	stages, err := json.Marshal(r.Stages)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		return nil, err
	}
	arts, err := json.Marshal(r.Artifacts)
	if err != nil {
		return nil, err
	}
	return &jobModel{
		JobID:        r.ID,
		Status:       r.Status,
		Stages:       string(stages),
		StageIndex:   r.StageIndex,
		CurrentStage: r.CurrentStage,
		SubStep:      r.SubStep,
		Progress:     r.Progress,
		Message:      r.Message,
		ErrorDetail:  r.ErrorDetail,
		FailedStage:  r.FailedStage,
		Params:       string(params),
		Artifacts:    arts,
		EtaSeconds:   r.EtaSeconds,
		StageEta:     r.StageEtaSeconds,
		EtaUpdatedAt: r.EtaUpdatedAt,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func fromModel(m *jobModel) (*genpipe.JobRecord, error) {
	r := &genpipe.JobRecord{
		ID:              m.JobID,
		Status:          m.Status,
		StageIndex:      m.StageIndex,
		CurrentStage:    m.CurrentStage,
		SubStep:         m.SubStep,
		Progress:        m.Progress,
		Message:         m.Message,
		ErrorDetail:     m.ErrorDetail,
		FailedStage:     m.FailedStage,
		EtaSeconds:      m.EtaSeconds,
		StageEtaSeconds: m.StageEta,
		EtaUpdatedAt:    m.EtaUpdatedAt,
		CreatedAt:       m.CreatedAt,
		StartedAt:       m.StartedAt,
		FinishedAt:      m.FinishedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	if m.Stages != "" {
		if err := json.Unmarshal([]byte(m.Stages), &r.Stages); err != nil {
			return nil, err
		}
	}
	if m.Params != "" {
		if err := json.Unmarshal([]byte(m.Params), &r.Params); err != nil {
			return nil, err
		}
	}
	if len(m.Artifacts) > 0 {
		if err := json.Unmarshal(m.Artifacts, &r.Artifacts); err != nil {
			return nil, err
		}
	}
	if r.Artifacts == nil {
		r.Artifacts = map[string]executor.Artifact{}
	}
	return r, nil
}

func fromModels(list []jobModel) ([]genpipe.JobRecord, error) {
	out := make([]genpipe.JobRecord, 0, len(list))
	for i := range list {
		r, err := fromModel(&list[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}
