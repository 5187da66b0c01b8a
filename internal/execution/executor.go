package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lisa-sandbox/lisa-api/internal/analysis"
	"github.com/lisa-sandbox/lisa-api/internal/artifact"
	"github.com/lisa-sandbox/lisa-api/internal/events"
	"github.com/lisa-sandbox/lisa-api/internal/queue"
	"github.com/lisa-sandbox/lisa-api/internal/store"
	"github.com/lisa-sandbox/lisa-api/internal/store/model"
	"github.com/lisa-sandbox/lisa-api/pkg/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Notifier delivers terminal results to external systems.
type Notifier interface {
	Notify(template, taskID string, payload any)
}

// EventWriter publishes task lifecycle events.
type EventWriter interface {
	WriteTaskEvent(ctx context.Context, kind string, ev events.TaskEvent) error
}

// ArtifactStore is the part of the artifact store the executor writes to.
type ArtifactStore interface {
	Write(taskID, name string, data []byte) error
	Dir(taskID string) string
}

type URLTemplates struct {
	Success string
	Failure string
}

// Transition is a state record produced by a step of the execution.
type Transition struct {
	TaskID string
	Status string
	Meta   model.TaskMeta
	At     time.Time
}

// Executor drives one job through start, analysis, success or failure and
// notification. Only the executor changes a task's status.
type Executor struct {
	tasks     store.Task
	analyzer  analysis.Analyzer
	artifacts ArtifactStore
	notifier  Notifier
	templates URLTemplates
	events    EventWriter
	archiver  artifact.Archiver
	now       func() time.Time
}

type Option func(e *Executor)

func WithEvents(w EventWriter) Option {
	return func(e *Executor) {
		e.events = w
	}
}

func WithArchiver(a artifact.Archiver) Option {
	return func(e *Executor) {
		e.archiver = a
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

func NewExecutor(tasks store.Task, analyzer analysis.Analyzer, artifacts ArtifactStore, notifier Notifier, templates URLTemplates, opts ...Option) *Executor {
	e := &Executor{
		tasks:     tasks,
		analyzer:  analyzer,
		artifacts: artifacts,
		notifier:  notifier,
		templates: templates,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ queue.Handler = (*Executor)(nil)

// Execute runs the job to a terminal state. Analysis failures are recorded on
// the task and do not make Execute fail; an error is returned only when the
// state could not be recorded.
func (e *Executor) Execute(ctx context.Context, job queue.Job) error {
	logger := zap.S().Named("executor").With("task_id", job.TaskID, "kind", job.Kind)
	filename := job.Filename()
	started := e.now()

	if err := e.record(ctx, Start(job, started)); err != nil {
		return err
	}
	logger.Infow("task started", "filename", filename)

	output, err := e.invoke(ctx, job)
	if err == nil {
		err = e.writeReport(job, output)
	}

	duration := e.now().Sub(started).Seconds()
	if err != nil {
		t := OnFailure(job, err, e.now())
		logger.Warnw("task failed", "exc_type", t.Meta.ExcType, "error", err)
		metrics.ObserveAnalysisDuration(job.Kind, t.Status, duration)
		if rerr := e.record(ctx, t); rerr != nil {
			return rerr
		}
		e.notifier.Notify(e.templates.Failure, job.TaskID, t.Meta)
		return nil
	}

	t := OnSuccess(job, e.now())
	metrics.ObserveAnalysisDuration(job.Kind, t.Status, duration)
	if err := e.record(ctx, t); err != nil {
		return err
	}
	logger.Infow("task succeeded", "duration_seconds", duration)

	e.archive(ctx, job.TaskID)
	e.notifier.Notify(e.templates.Success, job.TaskID, output)
	return nil
}

// Start is the transition recorded when a worker picks the job up.
func Start(job queue.Job, at time.Time) Transition {
	return Transition{
		TaskID: job.TaskID,
		Status: model.TaskStatusStarted,
		Meta:   model.TaskMeta{Filename: job.Filename()},
		At:     at,
	}
}

func OnSuccess(job queue.Job, at time.Time) Transition {
	return Transition{
		TaskID: job.TaskID,
		Status: model.TaskStatusSuccess,
		Meta:   model.TaskMeta{Filename: job.Filename()},
		At:     at,
	}
}

// OnFailure captures the error type and its stack trace.
func OnFailure(job queue.Job, err error, at time.Time) Transition {
	return Transition{
		TaskID: job.TaskID,
		Status: model.TaskStatusFailure,
		Meta: model.TaskMeta{
			Filename:  job.Filename(),
			ExcType:   ErrorType(err),
			Traceback: Traceback(err),
		},
		At: at,
	}
}

func (e *Executor) invoke(ctx context.Context, job queue.Job) (out analysis.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithStack(&PanicError{Value: r})
		}
	}()

	mode := analysis.ModeFull
	if job.Kind == queue.KindPcap {
		mode = analysis.ModePcap
	}

	return e.analyzer.Analyze(ctx, analysis.Request{
		TaskID:    job.TaskID,
		Mode:      mode,
		InputPath: job.InputPath,
		WorkDir:   e.artifacts.Dir(job.TaskID),
		ExecTime:  job.ExecTime,
	})
}

func (e *Executor) writeReport(job queue.Job, output analysis.Output) error {
	var (
		data []byte
		err  error
	)
	if job.Pretty {
		data, err = json.MarshalIndent(output, "", "    ")
	} else {
		data, err = json.Marshal(output)
	}
	if err != nil {
		return errors.Wrap(err, "encoding report")
	}
	if err := e.artifacts.Write(job.TaskID, artifact.ReportFile, data); err != nil {
		return errors.Wrap(err, "writing report")
	}
	return nil
}

func (e *Executor) record(ctx context.Context, t Transition) error {
	// a cancelled job context must not prevent the terminal record
	recordCtx := context.WithoutCancel(ctx)
	if err := e.tasks.RecordState(recordCtx, t.TaskID, t.Status, t.Meta, t.At); err != nil {
		zap.S().Named("executor").Errorw("failed to record task state", "task_id", t.TaskID, "status", t.Status, "error", err)
		return fmt.Errorf("recording %s for task %s: %w", t.Status, t.TaskID, err)
	}
	metrics.IncreaseTasksTotalMetric(t.Status)

	if e.events != nil {
		if kind, ok := events.KindForStatus(t.Status); ok {
			ev := events.TaskEvent{TaskID: t.TaskID, Status: t.Status, Meta: t.Meta}
			if err := e.events.WriteTaskEvent(recordCtx, kind, ev); err != nil {
				zap.S().Named("executor").Warnw("failed to publish task event", "task_id", t.TaskID, "error", err)
			}
		}
	}
	return nil
}

func (e *Executor) archive(ctx context.Context, taskID string) {
	if e.archiver == nil {
		return
	}
	path := filepath.Join(e.artifacts.Dir(taskID), artifact.ReportFile)
	if err := e.archiver.Archive(context.WithoutCancel(ctx), taskID, artifact.ReportFile, path); err != nil {
		zap.S().Named("executor").Warnw("failed to archive report", "task_id", taskID, "error", err)
	}
}

// PanicError wraps a value recovered from the analyzer.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("analyzer panicked: %v", p.Value)
}

// ErrorType is the short dynamic type name of the innermost error.
func ErrorType(err error) string {
	cause := errors.Cause(err)
	name := fmt.Sprintf("%T", cause)
	name = strings.TrimLeft(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Traceback renders the error with its stack when one was recorded. It is
// never empty, errors without a message are described by their type.
func Traceback(err error) string {
	if tb := fmt.Sprintf("%+v", err); strings.TrimSpace(tb) != "" {
		return tb
	}
	if msg := err.Error(); strings.TrimSpace(msg) != "" {
		return msg
	}
	return fmt.Sprintf("%T: empty error message", errors.Cause(err))
}
