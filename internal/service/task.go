package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lisa-sandbox/lisa-api/internal/artifact"
	"github.com/lisa-sandbox/lisa-api/internal/queue"
	"github.com/lisa-sandbox/lisa-api/internal/store"
	"github.com/lisa-sandbox/lisa-api/internal/store/model"
	"github.com/lisa-sandbox/lisa-api/pkg/metrics"
	"go.uber.org/zap"
)

const (
	DefaultListLimit    = 1000
	DefaultPendingLimit = 100
)

const (
	ArtifactReport     = "report"
	ArtifactJSON       = "json"
	ArtifactPcap       = "pcap"
	ArtifactMachineLog = "machinelog"
	ArtifactOutput     = "output"
)

// Limits bound what a submission may ask for.
type Limits struct {
	MinExecTime     int
	MaxExecTime     int
	DefaultExecTime int
	MaxUploadSize   int64
}

// Upload is a file received from the client.
type Upload struct {
	Filename string
	Content  io.Reader
}

// PcapSubmission carries the raw form values of a pcap job. Nil fields were not sent.
type PcapSubmission struct {
	Pcap   *Upload
	Pretty *string
}

// FileSubmission carries the raw form values of a full analysis job. Exactly
// one of File and URL must be set.
type FileSubmission struct {
	File     *Upload
	URL      *string
	Pretty   *string
	ExecTime *string
}

// TaskView is a task as returned by listings. Pending entries come from the
// queue and carry the enqueue time instead of a completion time.
type TaskView struct {
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	Meta       model.TaskMeta `json:"meta"`
	DateDone   *time.Time     `json:"date_done"`
	Kind       string         `json:"kind,omitempty"`
	ExecTime   int            `json:"exec_time,omitempty"`
	EnqueuedAt *time.Time     `json:"enqueued_at,omitempty"`
}

// Artifact is an open task file ready to be served.
type Artifact struct {
	Name       string
	Attachment bool
	Content    *os.File
}

type TaskService struct {
	tasks     store.Task
	files     *artifact.FileStore
	queue     queue.Gateway
	fetcher   *Fetcher
	validator *Validator
	limits    Limits
	newID     func() string
}

func NewTaskService(tasks store.Task, files *artifact.FileStore, gateway queue.Gateway, fetcher *Fetcher, limits Limits) *TaskService {
	return &TaskService{
		tasks:     tasks,
		files:     files,
		queue:     gateway,
		fetcher:   fetcher,
		validator: NewSubmissionValidator(),
		limits:    limits,
		newID:     uuid.NewString,
	}
}

func (ts *TaskService) SubmitPcap(ctx context.Context, sub PcapSubmission) (string, error) {
	if sub.Pcap == nil {
		return "", NewErrInvalidInput(CodeNoPcap, "no pcap file provided")
	}
	if sub.Pcap.Filename == "" {
		return "", NewErrInvalidInput(CodePcapNoName, "pcap file has no filename")
	}
	pretty, err := ts.validator.Pretty(sub.Pretty)
	if err != nil {
		return "", err
	}

	return ts.submit(ctx, sub.Pcap.Filename, sub.Pcap.Content, queue.Job{
		Kind:   queue.KindPcap,
		Pretty: pretty,
	})
}

func (ts *TaskService) SubmitFile(ctx context.Context, sub FileSubmission) (string, error) {
	switch {
	case sub.File == nil && sub.URL == nil:
		return "", NewErrInvalidInput(CodeNoFileOrURL, "neither file nor url provided")
	case sub.File != nil && sub.URL != nil:
		return "", NewErrInvalidInput(CodeFileAndURL, "both file and url provided")
	case sub.File != nil && sub.File.Filename == "":
		return "", NewErrInvalidInput(CodeFileNoName, "file has no filename")
	}

	pretty, err := ts.validator.Pretty(sub.Pretty)
	if err != nil {
		return "", err
	}
	execTime, err := ts.validator.ExecTime(sub.ExecTime, ts.limits.MinExecTime, ts.limits.MaxExecTime, ts.limits.DefaultExecTime)
	if err != nil {
		return "", err
	}
	job := queue.Job{Kind: queue.KindFull, Pretty: pretty, ExecTime: execTime}

	if sub.File != nil {
		return ts.submit(ctx, sub.File.Filename, sub.File.Content, job)
	}

	rawURL := *sub.URL
	if err := ts.validator.URL(rawURL); err != nil {
		return "", err
	}
	if err := ts.fetcher.Check(ctx, rawURL); err != nil {
		return "", err
	}
	download, err := ts.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer download.Body.Close()

	body := &readRecorder{r: download.Body}
	id, err := ts.submit(ctx, download.Filename, body, job)
	if err != nil && body.err != nil {
		return "", NewErrFetchFailed(rawURL, body.err)
	}
	return id, err
}

// submit assigns the task id, stages the input in a fresh task directory and
// queues the job. Nothing is left behind when any step fails.
func (ts *TaskService) submit(ctx context.Context, filename string, content io.Reader, job queue.Job) (string, error) {
	logger := zap.S().Named("task_service")
	id := ts.newID()

	if _, err := ts.files.CreateTaskDir(id); err != nil {
		return "", fmt.Errorf("creating task directory: %w", err)
	}

	path, err := ts.files.Stage(id, filename, content, ts.limits.MaxUploadSize)
	if err != nil {
		ts.cleanup(id)
		switch {
		case errors.Is(err, artifact.ErrTooLarge):
			return "", NewErrTooLarge(ts.limits.MaxUploadSize)
		case errors.Is(err, artifact.ErrInvalidName):
			return "", NewErrInvalidInput(CodeFileNoName, "invalid filename %q", filename)
		case errors.Is(err, artifact.ErrReservedName):
			return "", NewErrInvalidInput(CodeReserved, "filename %q is reserved", filename)
		}
		return "", err
	}

	job.TaskID = id
	job.InputPath = path
	if err := ts.queue.Enqueue(ctx, job); err != nil {
		ts.cleanup(id)
		logger.Errorw("failed to enqueue job", "task_id", id, "kind", job.Kind, "error", err)
		return "", fmt.Errorf("enqueueing task %s: %w", id, err)
	}

	metrics.IncreaseTasksSubmittedMetric(job.Kind)
	logger.Infow("task submitted", "task_id", id, "kind", job.Kind, "filename", job.Filename(), "exec_time", job.ExecTime)
	return id, nil
}

func (ts *TaskService) cleanup(id string) {
	if err := ts.files.RemoveTaskDir(id); err != nil {
		zap.S().Named("task_service").Warnw("failed to remove task directory", "task_id", id, "error", err)
	}
}

// ListTasks lists tasks by status. PENDING is answered from the queue, every
// other filter from the task store. Store faults are logged and yield an
// empty list.
func (ts *TaskService) ListTasks(ctx context.Context, status string, rawLimit *string) ([]TaskView, error) {
	if status == model.TaskStatusPending {
		return ts.listPending(ctx, rawLimit)
	}

	limit, err := ts.validator.Limit(rawLimit, DefaultListLimit)
	if err != nil {
		return nil, err
	}

	filter := store.NewTaskQueryFilter()
	if status != "" {
		filter = filter.ByStatus(status)
	}
	opts := store.NewTaskQueryOptions().WithNewestFirst().WithLimit(limit)

	tasks, err := ts.tasks.List(ctx, filter, opts)
	if err != nil {
		zap.S().Named("task_service").Warnw("failed to list tasks", "status", status, "error", err)
		return []TaskView{}, nil
	}

	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, TaskView{
			TaskID:   t.ID,
			Status:   t.Status,
			Meta:     t.Metadata(),
			DateDone: t.DateDone,
		})
	}
	return views, nil
}

func (ts *TaskService) listPending(ctx context.Context, rawLimit *string) ([]TaskView, error) {
	limit, err := ts.validator.Limit(rawLimit, DefaultPendingLimit)
	if err != nil {
		return nil, err
	}

	pending, err := ts.queue.Pending(ctx, limit)
	if err != nil {
		zap.S().Named("task_service").Warnw("failed to list pending jobs", "error", err)
		return []TaskView{}, nil
	}

	views := make([]TaskView, 0, len(pending))
	for _, p := range pending {
		enqueuedAt := p.EnqueuedAt
		views = append(views, TaskView{
			TaskID:     p.TaskID,
			Status:     model.TaskStatusPending,
			Meta:       model.TaskMeta{Filename: p.Filename},
			Kind:       p.Kind,
			ExecTime:   p.ExecTime,
			EnqueuedAt: &enqueuedAt,
		})
	}
	return views, nil
}

// GetTaskStatus never fails. The store is authoritative once a worker has
// recorded the task, the queue answers for jobs not picked up yet and every
// other id is UNKNOWN.
func (ts *TaskService) GetTaskStatus(ctx context.Context, id string) string {
	logger := zap.S().Named("task_service")

	task, err := ts.tasks.Get(ctx, id)
	switch {
	case err == nil:
		return task.Status
	case !errors.Is(err, store.ErrRecordNotFound):
		logger.Warnw("failed to read task", "task_id", id, "error", err)
	}

	status, found, err := ts.queue.Lookup(ctx, id)
	if err != nil {
		logger.Warnw("failed to look up queued job", "task_id", id, "error", err)
		return model.TaskStatusUnknown
	}
	if found {
		return status
	}
	return model.TaskStatusUnknown
}

// GetArtifact opens a task file. The report is only served once the task
// succeeded; the other kinds only need the file to exist.
func (ts *TaskService) GetArtifact(ctx context.Context, id, kind string) (*Artifact, error) {
	var (
		name       string
		code       int
		attachment = true
	)

	switch kind {
	case ArtifactReport:
		if ts.GetTaskStatus(ctx, id) != model.TaskStatusSuccess {
			return nil, NewErrNotFound(CodeNotFound, id, "report")
		}
		name, code, attachment = artifact.ReportFile, CodeNotFound, false
	case ArtifactJSON:
		name, code = artifact.ReportFile, CodeNoJSONReport
	case ArtifactMachineLog:
		name, code = artifact.MachineLogFile, CodeNoMachineLog
	case ArtifactOutput:
		name, code = artifact.OutputLogFile, CodeNoConsoleLog
	case ArtifactPcap:
		pcap, err := ts.files.Glob(id, artifact.PcapPattern)
		if err != nil {
			return nil, NewErrNotFound(CodeNoPcapArtifact, id, "pcap")
		}
		name, code = pcap, CodeNoPcapArtifact
	default:
		return nil, NewErrNotFound(CodeNotFound, id, kind)
	}

	f, err := ts.files.Open(id, name)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, NewErrNotFound(code, id, name)
		}
		return nil, err
	}
	return &Artifact{Name: name, Attachment: attachment, Content: f}, nil
}

type readRecorder struct {
	r   io.Reader
	err error
}

func (r *readRecorder) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = err
	}
	return n, err
}
