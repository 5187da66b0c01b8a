package metrics

import (
	"context"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

// StatusCounter is implemented by the task metadata store.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// StatusRefresher keeps the tasks_by_status gauge in line with the store.
// Ticks are jittered so several replicas don't hit the database together.
type StatusRefresher struct {
	counter  StatusCounter
	interval time.Duration
	statuses []string
}

func NewStatusRefresher(counter StatusCounter, interval time.Duration, statuses ...string) *StatusRefresher {
	return &StatusRefresher{counter: counter, interval: interval, statuses: statuses}
}

func (s *StatusRefresher) Run(ctx context.Context) {
	ticker := jitterbug.New(s.interval, &jitterbug.Norm{Stdev: s.interval / 10})
	defer ticker.Stop()

	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

func (s *StatusRefresher) Refresh(ctx context.Context) {
	counts, err := s.counter.CountByStatus(ctx)
	if err != nil {
		zap.S().Named("metrics").Warnw("failed to count tasks by status", "error", err)
		return
	}
	// statuses absent from the store are reset to zero
	for _, status := range s.statuses {
		UpdateTasksByStatusMetric(status, counts[status])
	}
	for status, count := range counts {
		UpdateTasksByStatusMetric(status, count)
	}
}
