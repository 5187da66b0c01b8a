package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lisa-sandbox/lisa-api/internal/analysis"
	"github.com/lisa-sandbox/lisa-api/internal/store/model"
	"go.uber.org/zap"
)

type memoryEntry struct {
	job        Job
	status     string
	enqueuedAt time.Time
}

// MemoryGateway is an in-process queue with a bounded backlog and a fixed
// number of concurrent workers. Jobs are lost when the process exits.
type MemoryGateway struct {
	handler Handler
	guard   Guard
	grace   time.Duration
	snooze  time.Duration

	jobs           chan Job
	concurrencySem chan struct{}

	mu      sync.Mutex
	entries map[string]*memoryEntry

	wg sync.WaitGroup
}

var _ Gateway = (*MemoryGateway)(nil)

type MemoryOption func(g *MemoryGateway)

func WithGuard(guard Guard) MemoryOption {
	return func(g *MemoryGateway) {
		g.guard = guard
	}
}

func WithSnooze(d time.Duration) MemoryOption {
	return func(g *MemoryGateway) {
		g.snooze = d
	}
}

func WithGrace(d time.Duration) MemoryOption {
	return func(g *MemoryGateway) {
		g.grace = d
	}
}

func NewMemoryGateway(handler Handler, workers, capacity int, opts ...MemoryOption) *MemoryGateway {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 100
	}
	g := &MemoryGateway{
		handler:        handler,
		grace:          DefaultJobGrace,
		snooze:         DefaultSnooze,
		jobs:           make(chan Job, capacity),
		concurrencySem: make(chan struct{}, workers),
		entries:        map[string]*memoryEntry{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Start runs the worker loop until ctx is cancelled.
func (g *MemoryGateway) Start(ctx context.Context) {
	zap.S().Named("queue").Infow("memory queue started", "workers", cap(g.concurrencySem))
	g.wg.Add(1)
	go g.workerLoop(ctx)
}

// Wait blocks until the worker loop and all running jobs returned.
func (g *MemoryGateway) Wait() {
	g.wg.Wait()
}

func (g *MemoryGateway) Enqueue(_ context.Context, job Job) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case g.jobs <- job:
	default:
		return ErrQueueFull
	}
	g.entries[job.TaskID] = &memoryEntry{job: job, status: model.TaskStatusPending, enqueuedAt: time.Now()}
	zap.S().Named("queue").Infow("job queued", "task_id", job.TaskID, "kind", job.Kind)
	return nil
}

func (g *MemoryGateway) Pending(_ context.Context, limit int) ([]PendingJob, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := make([]PendingJob, 0, len(g.entries))
	for _, e := range g.entries {
		if e.status != model.TaskStatusPending {
			continue
		}
		pending = append(pending, PendingJob{
			TaskID:     e.job.TaskID,
			Kind:       e.job.Kind,
			Filename:   e.job.Filename(),
			ExecTime:   e.job.ExecTime,
			EnqueuedAt: e.enqueuedAt,
		})
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (g *MemoryGateway) Lookup(_ context.Context, taskID string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[taskID]
	if !ok {
		return "", false, nil
	}
	return e.status, true, nil
}

func (g *MemoryGateway) workerLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			zap.S().Named("queue").Info("memory queue shutting down")
			return
		case job := <-g.jobs:
			select {
			case g.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			g.wg.Add(1)
			go func(j Job) {
				defer g.wg.Done()
				defer func() { <-g.concurrencySem }()
				g.process(ctx, j)
			}(job)
		}
	}
}

func (g *MemoryGateway) process(ctx context.Context, job Job) {
	logger := zap.S().Named("queue")

	for g.guard != nil {
		err := g.guard.Check()
		if err == nil || !analysis.IsInsufficientResources(err) {
			break
		}
		logger.Infow("delaying job", "task_id", job.TaskID, "reason", err.Error(), "snooze", g.snooze)
		select {
		case <-time.After(g.snooze):
		case <-ctx.Done():
			g.remove(job.TaskID)
			return
		}
	}

	g.setStatus(job.TaskID, model.TaskStatusStarted)
	defer g.remove(job.TaskID)

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout(job, g.grace))
	defer cancel()

	if err := g.handler.Execute(jobCtx, job); err != nil {
		logger.Errorw("job failed", "task_id", job.TaskID, "error", err)
	}
}

func (g *MemoryGateway) setStatus(taskID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[taskID]; ok {
		e.status = status
	}
}

func (g *MemoryGateway) remove(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, taskID)
}
