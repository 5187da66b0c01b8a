package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lisa-sandbox/lisa-api/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Task interface {
	RecordState(ctx context.Context, id string, status string, meta model.TaskMeta, ts time.Time) error
	Get(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, filter *TaskQueryFilter, opts *TaskQueryOptions) (model.TaskList, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type TaskStore struct {
	db *gorm.DB
}

var _ Task = (*TaskStore)(nil)

func NewTaskStore(db *gorm.DB) Task {
	return &TaskStore{db: db}
}

// RecordState persists a status transition. Each step is a single conditional
// statement so concurrent writers cannot move a terminal task.
// Re-recording the current terminal status is a no-op; any other change to a
// terminal task returns ErrTerminalState. Moves that model.ValidTransition
// refuses on a non-terminal task return ErrInvalidTransition.
func (t *TaskStore) RecordState(ctx context.Context, id string, status string, meta model.TaskMeta, ts time.Time) error {
	var dateDone *time.Time
	if model.IsTerminalStatus(status) {
		done := ts.UTC()
		dateDone = &done
	}

	return t.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		task := model.Task{
			ID:       id,
			Status:   status,
			Meta:     model.MakeJSONField(meta),
			DateDone: dateDone,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&task)
		if result.Error != nil {
			return fmt.Errorf("recording task %s: %w", id, result.Error)
		}
		if result.RowsAffected == 1 {
			return nil
		}

		from := model.UpdatableFrom(status)
		if len(from) == 0 {
			from = []string{""}
		}
		result = tx.Model(&model.Task{}).
			Where("id = ?", id).
			Where("status IN ?", from).
			Updates(map[string]any{
				"status":     status,
				"meta":       model.MakeJSONField(meta),
				"date_done":  dateDone,
				"updated_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return fmt.Errorf("updating task %s: %w", id, result.Error)
		}
		if result.RowsAffected == 1 {
			return nil
		}

		var current model.Task
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			return fmt.Errorf("reading task %s: %w", id, err)
		}
		switch {
		case current.Status == status:
			return nil
		case current.IsTerminal():
			return ErrTerminalState
		}
		return fmt.Errorf("task %s from %s to %s: %w", id, current.Status, status, ErrInvalidTransition)
	})
}

func (t *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	result := t.getDB(ctx).First(&task, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &task, nil
}

// List returns an empty list when the task table has not been created yet.
func (t *TaskStore) List(ctx context.Context, filter *TaskQueryFilter, opts *TaskQueryOptions) (model.TaskList, error) {
	db := t.getDB(ctx)
	if !db.Migrator().HasTable(&model.Task{}) {
		return model.TaskList{}, nil
	}

	var tasks model.TaskList
	tx := db.Model(&tasks)

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (t *TaskStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	db := t.getDB(ctx)
	counts := map[string]int64{}
	if !db.Migrator().HasTable(&model.Task{}) {
		return counts, nil
	}

	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.Model(&model.Task{}).Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (t *TaskStore) getDB(ctx context.Context) *gorm.DB {
	return t.db.WithContext(ctx)
}
