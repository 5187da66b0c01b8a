package store

import (
	"context"

	"github.com/lisa-sandbox/lisa-api/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	Task() Task
	QueueJob() QueueJob
	InitialMigration(ctx context.Context) error
	Close() error
}

type DataStore struct {
	db       *gorm.DB
	task     Task
	queueJob QueueJob
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:       db,
		task:     NewTaskStore(db),
		queueJob: NewQueueJobStore(db),
	}
}

func (s *DataStore) Task() Task {
	return s.task
}

func (s *DataStore) QueueJob() QueueJob {
	return s.queueJob
}

// InitialMigration creates the task table from the model. Postgres deployments
// use the goose migrations instead.
func (s *DataStore) InitialMigration(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Task{})
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
