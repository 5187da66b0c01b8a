package execution_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lisa-sandbox/lisa-api/internal/analysis"
	"github.com/lisa-sandbox/lisa-api/internal/artifact"
	"github.com/lisa-sandbox/lisa-api/internal/config"
	"github.com/lisa-sandbox/lisa-api/internal/events"
	"github.com/lisa-sandbox/lisa-api/internal/execution"
	"github.com/lisa-sandbox/lisa-api/internal/queue"
	st "github.com/lisa-sandbox/lisa-api/internal/store"
	"github.com/lisa-sandbox/lisa-api/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

type analyzerFunc func(ctx context.Context, req analysis.Request) (analysis.Output, error)

func (f analyzerFunc) Analyze(ctx context.Context, req analysis.Request) (analysis.Output, error) {
	return f(ctx, req)
}

type notification struct {
	template string
	taskID   string
	payload  any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (r *recordingNotifier) Notify(template, taskID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notification{template: template, taskID: taskID, payload: payload})
}

type recordingEvents struct {
	kinds []string
}

func (r *recordingEvents) WriteTaskEvent(_ context.Context, kind string, _ events.TaskEvent) error {
	r.kinds = append(r.kinds, kind)
	return nil
}

type recordingArchiver struct {
	archived []string
}

func (r *recordingArchiver) Archive(_ context.Context, taskID, name, localPath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	r.archived = append(r.archived, taskID+"/"+name)
	return nil
}

type brokenEngineError struct{}

func (brokenEngineError) Error() string { return "engine exploded" }

var _ = Describe("executor", func() {
	var (
		store     st.Store
		files     *artifact.FileStore
		notifier  *recordingNotifier
		published *recordingEvents
		archiver  *recordingArchiver
		templates execution.URLTemplates
		job       queue.Job
	)

	newExecutor := func(a analysis.Analyzer) *execution.Executor {
		return execution.NewExecutor(store.Task(), a, files, notifier, templates,
			execution.WithEvents(published),
			execution.WithArchiver(archiver),
		)
	}

	BeforeEach(func() {
		cfg := config.NewDefault()
		cfg.Database.Name = filepath.Join(GinkgoT().TempDir(), "lisa.db")
		db, err := st.InitDB(cfg)
		Expect(err).To(BeNil())
		store = st.NewStore(db)
		Expect(store.InitialMigration(context.TODO())).To(Succeed())
		DeferCleanup(store.Close)

		files = artifact.NewFileStore(GinkgoT().TempDir())
		notifier = &recordingNotifier{}
		published = &recordingEvents{}
		archiver = &recordingArchiver{}
		templates = execution.URLTemplates{
			Success: "http://hooks/ok/<task_id>",
			Failure: "http://hooks/fail/<task_id>",
		}

		id := uuid.NewString()
		dir, err := files.CreateTaskDir(id)
		Expect(err).To(BeNil())
		input := filepath.Join(dir, "sample.elf")
		Expect(os.WriteFile(input, []byte("\x7fELF"), 0o600)).To(Succeed())
		job = queue.Job{TaskID: id, Kind: queue.KindFull, InputPath: input, ExecTime: 20}
	})

	Context("when the analysis succeeds", func() {
		It("records SUCCESS and writes the report", func() {
			var got analysis.Request
			exec := newExecutor(analyzerFunc(func(_ context.Context, req analysis.Request) (analysis.Output, error) {
				got = req
				return analysis.Output{"static_analysis": map[string]any{"arch": "x86_64"}}, nil
			}))

			Expect(exec.Execute(context.TODO(), job)).To(Succeed())

			Expect(got.Mode).To(Equal(analysis.ModeFull))
			Expect(got.ExecTime).To(Equal(20))
			Expect(got.WorkDir).To(Equal(files.Dir(job.TaskID)))

			task, err := store.Task().Get(context.TODO(), job.TaskID)
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusSuccess))
			Expect(task.Metadata().Filename).To(Equal("sample.elf"))
			Expect(task.DateDone).NotTo(BeNil())

			data, err := os.ReadFile(filepath.Join(files.Dir(job.TaskID), artifact.ReportFile))
			Expect(err).To(BeNil())
			var report map[string]any
			Expect(json.Unmarshal(data, &report)).To(Succeed())
			Expect(report).To(HaveKey("static_analysis"))
			Expect(string(data)).NotTo(ContainSubstring("\n"))

			Expect(notifier.sent).To(HaveLen(1))
			Expect(notifier.sent[0].template).To(Equal(templates.Success))
			Expect(notifier.sent[0].taskID).To(Equal(job.TaskID))
			Expect(published.kinds).To(Equal([]string{events.TaskStartedKind, events.TaskSucceededKind}))
			Expect(archiver.archived).To(ConsistOf(job.TaskID + "/" + artifact.ReportFile))
		})

		It("indents the report when asked to", func() {
			job.Pretty = true
			exec := newExecutor(analyzerFunc(func(context.Context, analysis.Request) (analysis.Output, error) {
				return analysis.Output{"a": 1}, nil
			}))

			Expect(exec.Execute(context.TODO(), job)).To(Succeed())

			data, err := os.ReadFile(filepath.Join(files.Dir(job.TaskID), artifact.ReportFile))
			Expect(err).To(BeNil())
			Expect(string(data)).To(Equal("{\n    \"a\": 1\n}"))
		})

		It("runs pcap jobs in pcap mode", func() {
			job.Kind = queue.KindPcap
			var mode string
			exec := newExecutor(analyzerFunc(func(_ context.Context, req analysis.Request) (analysis.Output, error) {
				mode = req.Mode
				return analysis.Output{}, nil
			}))

			Expect(exec.Execute(context.TODO(), job)).To(Succeed())
			Expect(mode).To(Equal(analysis.ModePcap))
		})
	})

	Context("when the analysis fails", func() {
		It("records FAILURE with the error type and traceback", func() {
			exec := newExecutor(analyzerFunc(func(context.Context, analysis.Request) (analysis.Output, error) {
				return nil, errors.Wrap(brokenEngineError{}, "running engine")
			}))

			Expect(exec.Execute(context.TODO(), job)).To(Succeed())

			task, err := store.Task().Get(context.TODO(), job.TaskID)
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusFailure))
			meta := task.Metadata()
			Expect(meta.Filename).To(Equal("sample.elf"))
			Expect(meta.ExcType).To(Equal("brokenEngineError"))
			Expect(meta.Traceback).To(ContainSubstring("engine exploded"))
			Expect(meta.Traceback).To(ContainSubstring("executor_test.go"))

			Expect(files.Exists(job.TaskID, artifact.ReportFile)).To(BeFalse())
			Expect(notifier.sent).To(HaveLen(1))
			Expect(notifier.sent[0].template).To(Equal(templates.Failure))
			Expect(notifier.sent[0].payload).To(Equal(meta))
			Expect(published.kinds).To(Equal([]string{events.TaskStartedKind, events.TaskFailedKind}))
			Expect(archiver.archived).To(BeEmpty())
		})

		It("never stores an empty traceback", func() {
			exec := newExecutor(analyzerFunc(func(context.Context, analysis.Request) (analysis.Output, error) {
				return nil, fmt.Errorf("")
			}))

			Expect(exec.Execute(context.TODO(), job)).To(Succeed())

			task, err := store.Task().Get(context.TODO(), job.TaskID)
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusFailure))
			Expect(task.Metadata().ExcType).To(Equal("errorString"))
			Expect(task.Metadata().Traceback).NotTo(BeEmpty())
			Expect(notifier.sent).To(HaveLen(1))
			Expect(notifier.sent[0].payload).To(Equal(task.Metadata()))
		})

		It("turns an analyzer panic into a failure", func() {
			exec := newExecutor(analyzerFunc(func(context.Context, analysis.Request) (analysis.Output, error) {
				panic("boom")
			}))

			Expect(exec.Execute(context.TODO(), job)).To(Succeed())

			task, err := store.Task().Get(context.TODO(), job.TaskID)
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusFailure))
			Expect(task.Metadata().ExcType).To(Equal("PanicError"))
			Expect(task.Metadata().Traceback).To(ContainSubstring("boom"))
		})

		It("records a timeout when the job context expires", func() {
			ctx, cancel := context.WithTimeout(context.TODO(), 50*time.Millisecond)
			defer cancel()
			exec := newExecutor(analyzerFunc(func(ctx context.Context, _ analysis.Request) (analysis.Output, error) {
				<-ctx.Done()
				return nil, errors.WithStack(ctx.Err())
			}))

			Expect(exec.Execute(ctx, job)).To(Succeed())

			task, err := store.Task().Get(context.TODO(), job.TaskID)
			Expect(err).To(BeNil())
			Expect(task.Status).To(Equal(model.TaskStatusFailure))
			Expect(task.Metadata().ExcType).To(Equal("deadlineExceededError"))
		})
	})

	It("leaves a terminal task untouched when the job runs again", func() {
		exec := newExecutor(analyzerFunc(func(context.Context, analysis.Request) (analysis.Output, error) {
			return analysis.Output{}, nil
		}))
		Expect(exec.Execute(context.TODO(), job)).To(Succeed())

		err := exec.Execute(context.TODO(), job)
		Expect(errors.Is(err, st.ErrTerminalState)).To(BeTrue())

		task, err := store.Task().Get(context.TODO(), job.TaskID)
		Expect(err).To(BeNil())
		Expect(task.Status).To(Equal(model.TaskStatusSuccess))
	})
})

var _ = Describe("error formatting", func() {
	It("names the innermost error type", func() {
		err := errors.Wrap(fmt.Errorf("plain"), "outer")
		Expect(execution.ErrorType(err)).To(Equal("errorString"))
		Expect(execution.ErrorType(&analysis.ExitError{Code: 2})).To(Equal("ExitError"))
	})

	It("falls back to the message when there is no stack", func() {
		Expect(execution.Traceback(fmt.Errorf("plain"))).To(Equal("plain"))
	})

	It("describes errors without a message by their type", func() {
		Expect(execution.Traceback(fmt.Errorf(""))).To(Equal("*errors.errorString: empty error message"))
		Expect(execution.Traceback(fmt.Errorf("   "))).To(ContainSubstring("errorString"))
	})
})
