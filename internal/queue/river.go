package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lisa-sandbox/lisa-api/internal/analysis"
	"github.com/lisa-sandbox/lisa-api/internal/store"
	"github.com/lisa-sandbox/lisa-api/internal/store/model"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"
)

const (
	AnalysisJobKind = "lisa_analysis"
	MaxJobAttempts  = 1

	// river refuses larger pages
	maxJobListPage = 10_000
)

// AnalysisArgs is stored in river_job.args. task_id is a top level key so
// the store can find a job by task.
type AnalysisArgs struct {
	Job
}

func (AnalysisArgs) Kind() string {
	return AnalysisJobKind
}

func (AnalysisArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: MaxJobAttempts,
	}
}

type AnalysisWorker struct {
	river.WorkerDefaults[AnalysisArgs]
	handler Handler
	guard   Guard
	grace   time.Duration
	snooze  time.Duration
}

func NewAnalysisWorker(handler Handler, guard Guard) *AnalysisWorker {
	return &AnalysisWorker{
		handler: handler,
		guard:   guard,
		grace:   DefaultJobGrace,
		snooze:  DefaultSnooze,
	}
}

func (w *AnalysisWorker) Timeout(job *river.Job[AnalysisArgs]) time.Duration {
	return jobTimeout(job.Args.Job, w.grace)
}

func (w *AnalysisWorker) Work(ctx context.Context, job *river.Job[AnalysisArgs]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if w.guard != nil {
		if err := w.guard.Check(); err != nil && analysis.IsInsufficientResources(err) {
			zap.S().Named("analysis_worker").Infow("snoozing job", "task_id", job.Args.TaskID, "reason", err.Error(), "snooze", w.snooze)
			return river.JobSnooze(w.snooze)
		}
	}

	return w.handler.Execute(ctx, job.Args.Job)
}

type RiverClient struct {
	*river.Client[pgx.Tx]
}

// NewRiverClient creates a client able to work analysis jobs. A nil worker
// gives an insert-only client, used by the API process.
func NewRiverClient(pool *pgxpool.Pool, queue string, maxWorkers int, worker *AnalysisWorker) (*RiverClient, error) {
	cfg := &river.Config{}
	if worker != nil {
		workers := river.NewWorkers()
		river.AddWorker(workers, worker)
		cfg.Workers = workers
		cfg.Queues = map[string]river.QueueConfig{
			queue: {MaxWorkers: maxWorkers},
		}
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), cfg)
	if err != nil {
		return nil, err
	}
	return &RiverClient{Client: riverClient}, nil
}

// RiverGateway queues jobs in Postgres through river.
type RiverGateway struct {
	client *RiverClient
	jobs   store.QueueJob
	queue  string
}

var _ Gateway = (*RiverGateway)(nil)

func NewRiverGateway(client *RiverClient, jobs store.QueueJob, queue string) *RiverGateway {
	return &RiverGateway{client: client, jobs: jobs, queue: queue}
}

func (g *RiverGateway) Enqueue(ctx context.Context, job Job) error {
	result, err := g.client.Insert(ctx, AnalysisArgs{Job: job}, &river.InsertOpts{
		Queue:       g.queue,
		MaxAttempts: MaxJobAttempts,
	})
	if err != nil {
		return err
	}
	zap.S().Named("queue").Infow("job queued", "task_id", job.TaskID, "kind", job.Kind, "job_id", result.Job.ID)
	return nil
}

func (g *RiverGateway) Pending(ctx context.Context, limit int) ([]PendingJob, error) {
	if limit < 1 || limit > maxJobListPage {
		limit = maxJobListPage
	}

	params := river.NewJobListParams().
		Queues(g.queue).
		Kinds(AnalysisJobKind).
		States(
			rivertype.JobStateAvailable,
			rivertype.JobStateScheduled,
			rivertype.JobStateRetryable,
			rivertype.JobStatePending,
		).
		OrderBy(river.JobListOrderByTime, river.SortOrderAsc).
		First(limit)

	res, err := g.client.JobList(ctx, params)
	if err != nil {
		return nil, err
	}

	pending := make([]PendingJob, 0, len(res.Jobs))
	for _, row := range res.Jobs {
		var args AnalysisArgs
		if err := json.Unmarshal(row.EncodedArgs, &args); err != nil {
			zap.S().Named("queue").Warnw("skipping job with unreadable args", "job_id", row.ID, "error", err)
			continue
		}
		pending = append(pending, PendingJob{
			TaskID:     args.TaskID,
			Kind:       args.Job.Kind,
			Filename:   args.Filename(),
			ExecTime:   args.ExecTime,
			EnqueuedAt: row.CreatedAt,
		})
	}
	return pending, nil
}

func (g *RiverGateway) Lookup(ctx context.Context, taskID string) (string, bool, error) {
	row, err := g.jobs.FindByTaskID(ctx, taskID)
	if err != nil {
		if store.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	status, ok := statusForJobState(row.State)
	return status, ok, nil
}

// statusForJobState maps live river states to task statuses. Finalized jobs
// are answered by the task store.
func statusForJobState(state rivertype.JobState) (string, bool) {
	switch state {
	case rivertype.JobStateAvailable, rivertype.JobStateScheduled, rivertype.JobStateRetryable, rivertype.JobStatePending:
		return model.TaskStatusPending, true
	case rivertype.JobStateRunning:
		return model.TaskStatusStarted, true
	default:
		return "", false
	}
}
