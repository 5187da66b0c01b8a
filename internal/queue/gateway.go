package queue

import (
	"context"
	"errors"
	"path/filepath"
	"time"
)

const (
	KindPcap = "pcap"
	KindFull = "full"

	// DefaultJobGrace is added to the requested execution time to bound a job.
	DefaultJobGrace = 5 * time.Minute
	// DefaultSnooze is how long a job waits when the host is short on resources.
	DefaultSnooze = 30 * time.Second
)

var ErrQueueFull = errors.New("job queue is full")

// Job is the description handed to the queue. TaskID is assigned by the
// submitter and shared by the queue entry, the task record and the artifact
// directory.
type Job struct {
	TaskID    string `json:"task_id"`
	Kind      string `json:"kind"`
	InputPath string `json:"input_path"`
	Pretty    bool   `json:"pretty"`
	ExecTime  int    `json:"exec_time"`
}

func (j Job) Filename() string {
	return filepath.Base(j.InputPath)
}

// PendingJob is a job that has been queued but not picked up yet.
type PendingJob struct {
	TaskID     string    `json:"task_id"`
	Kind       string    `json:"kind"`
	Filename   string    `json:"filename"`
	ExecTime   int       `json:"exec_time,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type Gateway interface {
	// Enqueue returns once the job is durably queued.
	Enqueue(ctx context.Context, job Job) error
	// Pending lists queued jobs, oldest first.
	Pending(ctx context.Context, limit int) ([]PendingJob, error)
	// Lookup reports the queue's view of a task: PENDING or STARTED.
	Lookup(ctx context.Context, taskID string) (status string, found bool, err error)
}

// Handler runs a job to a terminal state.
type Handler interface {
	Execute(ctx context.Context, job Job) error
}

// Guard is consulted before a job is handed to the Handler.
type Guard interface {
	Check() error
}

func jobTimeout(job Job, grace time.Duration) time.Duration {
	return time.Duration(job.ExecTime)*time.Second + grace
}
