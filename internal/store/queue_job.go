package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river/rivertype"
	"gorm.io/gorm"
)

// QueueJobRow is a row of river's job table.
type QueueJobRow struct {
	ID        int64              `gorm:"column:id;primaryKey"`
	Kind      string             `gorm:"column:kind"`
	Queue     string             `gorm:"column:queue"`
	State     rivertype.JobState `gorm:"column:state"`
	ArgsJSON  []byte             `gorm:"column:args"`
	CreatedAt time.Time          `gorm:"column:created_at"`
}

func (QueueJobRow) TableName() string {
	return "river_job"
}

type QueueJob interface {
	FindByTaskID(ctx context.Context, taskID string) (*QueueJobRow, error)
}

type QueueJobStore struct {
	db *gorm.DB
}

var _ QueueJob = (*QueueJobStore)(nil)

func NewQueueJobStore(db *gorm.DB) QueueJob {
	return &QueueJobStore{db: db}
}

// FindByTaskID returns the newest queue job carrying the task id in its args.
func (s *QueueJobStore) FindByTaskID(ctx context.Context, taskID string) (*QueueJobRow, error) {
	var row QueueJobRow
	result := s.db.WithContext(ctx).
		Where("args->>'task_id' = ?", taskID).
		Order("id DESC").
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("querying queue job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrRecordNotFound
	}
	return &row, nil
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
