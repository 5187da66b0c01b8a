package store

import (
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type TaskQueryFilter BaseQuerier

func NewTaskQueryFilter() *TaskQueryFilter {
	return &TaskQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (f *TaskQueryFilter) ByStatus(status string) *TaskQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return f
}

func (f *TaskQueryFilter) ByID(ids ...string) *TaskQueryFilter {
	f.QueryFn = append(f.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ?", ids)
	})
	return f
}

type TaskQueryOptions BaseQuerier

func NewTaskQueryOptions() *TaskQueryOptions {
	return &TaskQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *TaskQueryOptions) WithLimit(limit int) *TaskQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}

func (o *TaskQueryOptions) WithOffset(offset int) *TaskQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Offset(offset)
	})
	return o
}

// WithNewestFirst orders by completion time. Tasks that have not finished
// yet are placed by their last update.
func (o *TaskQueryOptions) WithNewestFirst() *TaskQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Order("COALESCE(date_done, updated_at) DESC").Order("id")
	})
	return o
}
