package service_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lisa-sandbox/lisa-api/internal/artifact"
	"github.com/lisa-sandbox/lisa-api/internal/config"
	"github.com/lisa-sandbox/lisa-api/internal/queue"
	"github.com/lisa-sandbox/lisa-api/internal/service"
	st "github.com/lisa-sandbox/lisa-api/internal/store"
	"github.com/lisa-sandbox/lisa-api/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type idleHandler struct{}

func (idleHandler) Execute(context.Context, queue.Job) error { return nil }

type brokenGateway struct{}

func (brokenGateway) Enqueue(context.Context, queue.Job) error {
	return errors.New("queue unavailable")
}

func (brokenGateway) Pending(context.Context, int) ([]queue.PendingJob, error) {
	return nil, errors.New("queue unavailable")
}

func (brokenGateway) Lookup(context.Context, string) (string, bool, error) {
	return "", false, errors.New("queue unavailable")
}

func strPtr(s string) *string { return &s }

func upload(name, content string) *service.Upload {
	return &service.Upload{Filename: name, Content: strings.NewReader(content)}
}

func expectCode(err error, code int) {
	GinkgoHelper()
	Expect(err).NotTo(BeNil())
	coded, ok := err.(interface{ Code() int })
	Expect(ok).To(BeTrue(), "error %v carries no code", err)
	Expect(coded.Code()).To(Equal(code))
}

var _ = Describe("task service", func() {
	var (
		store   st.Store
		files   *artifact.FileStore
		gateway *queue.MemoryGateway
		svc     *service.TaskService
		limits  service.Limits
		ctx     context.Context
	)

	countTaskDirs := func() int {
		entries, err := os.ReadDir(files.Root())
		Expect(err).To(BeNil())
		return len(entries)
	}

	BeforeEach(func() {
		ctx = context.TODO()
		cfg := config.NewDefault()
		cfg.Database.Name = filepath.Join(GinkgoT().TempDir(), "lisa.db")
		db, err := st.InitDB(cfg)
		Expect(err).To(BeNil())
		store = st.NewStore(db)
		Expect(store.InitialMigration(ctx)).To(Succeed())
		DeferCleanup(store.Close)

		files = artifact.NewFileStore(GinkgoT().TempDir())
		gateway = queue.NewMemoryGateway(idleHandler{}, 1, 16)
		limits = service.Limits{MinExecTime: 10, MaxExecTime: 1000, DefaultExecTime: 20, MaxUploadSize: 1024}
		svc = service.NewTaskService(store.Task(), files, gateway, service.NewFetcher(2*time.Second), limits)
	})

	Context("SubmitPcap", func() {
		It("stages the capture and queues a pcap job", func() {
			id, err := svc.SubmitPcap(ctx, service.PcapSubmission{Pcap: upload("capture.pcap", "pcapdata"), Pretty: strPtr("true")})
			Expect(err).To(BeNil())
			Expect(uuid.Validate(id)).To(Succeed())

			data, err := os.ReadFile(filepath.Join(files.Dir(id), "capture.pcap"))
			Expect(err).To(BeNil())
			Expect(string(data)).To(Equal("pcapdata"))

			pending, err := gateway.Pending(ctx, 10)
			Expect(err).To(BeNil())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].TaskID).To(Equal(id))
			Expect(pending[0].Kind).To(Equal(queue.KindPcap))

			Expect(svc.GetTaskStatus(ctx, id)).To(Equal(model.TaskStatusPending))
		})

		It("issues a different id for every submission", func() {
			first, err := svc.SubmitPcap(ctx, service.PcapSubmission{Pcap: upload("a.pcap", "x")})
			Expect(err).To(BeNil())
			second, err := svc.SubmitPcap(ctx, service.PcapSubmission{Pcap: upload("a.pcap", "x")})
			Expect(err).To(BeNil())
			Expect(first).NotTo(Equal(second))
		})

		It("rejects a missing capture", func() {
			_, err := svc.SubmitPcap(ctx, service.PcapSubmission{})
			expectCode(err, service.CodeNoPcap)
		})

		It("rejects a capture without filename", func() {
			_, err := svc.SubmitPcap(ctx, service.PcapSubmission{Pcap: upload("", "x")})
			expectCode(err, service.CodePcapNoName)
			Expect(countTaskDirs()).To(Equal(0))
		})

		It("rejects a pretty value other than true or false", func() {
			_, err := svc.SubmitPcap(ctx, service.PcapSubmission{Pcap: upload("a.pcap", "x"), Pretty: strPtr("yes")})
			expectCode(err, service.CodeBadPretty)
		})

		It("rejects uploads over the size limit and cleans up", func() {
			_, err := svc.SubmitPcap(ctx, service.PcapSubmission{Pcap: upload("a.pcap", strings.Repeat("x", 1025))})
			expectCode(err, service.CodeTooLarge)
			Expect(countTaskDirs()).To(Equal(0))
		})

		It("removes the task directory when the queue refuses the job", func() {
			svc = service.NewTaskService(store.Task(), files, brokenGateway{}, service.NewFetcher(time.Second), limits)

			id, err := svc.SubmitPcap(ctx, service.PcapSubmission{Pcap: upload("a.pcap", "x")})
			Expect(err).NotTo(BeNil())
			Expect(id).To(BeEmpty())
			Expect(countTaskDirs()).To(Equal(0))
		})
	})

	Context("SubmitFile", func() {
		It("requires exactly one of file and url", func() {
			_, err := svc.SubmitFile(ctx, service.FileSubmission{})
			expectCode(err, service.CodeNoFileOrURL)

			_, err = svc.SubmitFile(ctx, service.FileSubmission{File: upload("a.exe", "x"), URL: strPtr("http://example.com/a")})
			expectCode(err, service.CodeFileAndURL)

			pending, err := gateway.Pending(ctx, 10)
			Expect(err).To(BeNil())
			Expect(pending).To(BeEmpty())
		})

		It("rejects a file without filename", func() {
			_, err := svc.SubmitFile(ctx, service.FileSubmission{File: upload("", "x")})
			expectCode(err, service.CodeFileNoName)
		})

		DescribeTable("rejects inputs named like an analysis artifact",
			func(name string) {
				_, err := svc.SubmitFile(ctx, service.FileSubmission{File: upload(name, "x")})
				expectCode(err, service.CodeReserved)
				Expect(countTaskDirs()).To(Equal(0))

				pending, err := gateway.Pending(ctx, 10)
				Expect(err).To(BeNil())
				Expect(pending).To(BeEmpty())
			},
			Entry("report", artifact.ReportFile),
			Entry("machine log", artifact.MachineLogFile),
			Entry("console log", artifact.OutputLogFile),
		)

		It("uses the default exec time", func() {
			id, err := svc.SubmitFile(ctx, service.FileSubmission{File: upload("sample.elf", "x")})
			Expect(err).To(BeNil())

			pending, err := gateway.Pending(ctx, 10)
			Expect(err).To(BeNil())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].TaskID).To(Equal(id))
			Expect(pending[0].Kind).To(Equal(queue.KindFull))
			Expect(pending[0].ExecTime).To(Equal(20))
		})

		DescribeTable("exec time bounds",
			func(value string, accepted bool) {
				_, err := svc.SubmitFile(ctx, service.FileSubmission{File: upload("sample.elf", "x"), ExecTime: strPtr(value)})
				if accepted {
					Expect(err).To(BeNil())
					return
				}
				expectCode(err, service.CodeBadExecTime)
				Expect(countTaskDirs()).To(Equal(0))
			},
			Entry("below the minimum", "5", false),
			Entry("at the minimum", "10", true),
			Entry("at the maximum", "1000", true),
			Entry("above the maximum", "1001", false),
			Entry("not a number", "ten", false),
		)

		Context("with a url", func() {
			var server *httptest.Server

			BeforeEach(func() {
				mux := http.NewServeMux()
				mux.HandleFunc("/files/sample.bin", func(w http.ResponseWriter, r *http.Request) {
					_, _ = io.WriteString(w, "remote-bytes")
				})
				mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Disposition", `attachment; filename="named.elf"`)
					_, _ = io.WriteString(w, "named-bytes")
				})
				mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Disposition", `attachment; filename="report.json"`)
					_, _ = io.WriteString(w, `{"forged":true}`)
				})
				mux.HandleFunc("/files/dotdot.bin", func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Disposition", `attachment; filename=".."`)
					_, _ = io.WriteString(w, "dotdot-bytes")
				})
				mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
					if r.Method == http.MethodGet {
						w.WriteHeader(http.StatusInternalServerError)
					}
				})
				server = httptest.NewServer(mux)
				DeferCleanup(server.Close)
			})

			It("downloads the file and names it after the url", func() {
				id, err := svc.SubmitFile(ctx, service.FileSubmission{URL: strPtr(server.URL + "/files/sample.bin")})
				Expect(err).To(BeNil())

				data, err := os.ReadFile(filepath.Join(files.Dir(id), "sample.bin"))
				Expect(err).To(BeNil())
				Expect(string(data)).To(Equal("remote-bytes"))
			})

			It("prefers the content disposition filename", func() {
				id, err := svc.SubmitFile(ctx, service.FileSubmission{URL: strPtr(server.URL + "/download")})
				Expect(err).To(BeNil())
				Expect(files.Exists(id, "named.elf")).To(BeTrue())
			})

			It("rejects a download named like the report", func() {
				_, err := svc.SubmitFile(ctx, service.FileSubmission{URL: strPtr(server.URL + "/report")})
				expectCode(err, service.CodeReserved)
				Expect(countTaskDirs()).To(Equal(0))
			})

			It("falls back to the url path when the disposition name is unusable", func() {
				id, err := svc.SubmitFile(ctx, service.FileSubmission{URL: strPtr(server.URL + "/files/dotdot.bin")})
				Expect(err).To(BeNil())
				Expect(files.Exists(id, "dotdot.bin")).To(BeTrue())
			})

			It("rejects a malformed url", func() {
				_, err := svc.SubmitFile(ctx, service.FileSubmission{URL: strPtr("not a url")})
				expectCode(err, service.CodeMalformed)
			})

			It("rejects an unreachable url without creating a task", func() {
				_, err := svc.SubmitFile(ctx, service.FileSubmission{URL: strPtr(server.URL + "/missing")})
				expectCode(err, service.CodeUnreachable)
				Expect(countTaskDirs()).To(Equal(0))
			})

			It("reports a failed download", func() {
				_, err := svc.SubmitFile(ctx, service.FileSubmission{URL: strPtr(server.URL + "/flaky")})
				expectCode(err, service.CodeFetchFailed)
				Expect(countTaskDirs()).To(Equal(0))
			})
		})
	})

	Context("ListTasks", func() {
		record := func(status string, doneAt time.Time) string {
			id := uuid.NewString()
			Expect(store.Task().RecordState(ctx, id, model.TaskStatusStarted, model.TaskMeta{Filename: "f"}, doneAt)).To(Succeed())
			meta := model.TaskMeta{Filename: "f"}
			if status == model.TaskStatusFailure {
				meta.ExcType = "ExitError"
				meta.Traceback = "exit status 1"
			}
			Expect(store.Task().RecordState(ctx, id, status, meta, doneAt)).To(Succeed())
			return id
		}

		It("filters by status, newest first", func() {
			now := time.Now()
			older := record(model.TaskStatusSuccess, now.Add(-time.Hour))
			newer := record(model.TaskStatusSuccess, now)
			failed := record(model.TaskStatusFailure, now.Add(-time.Minute))

			finished, err := svc.ListTasks(ctx, model.TaskStatusSuccess, nil)
			Expect(err).To(BeNil())
			Expect(finished).To(HaveLen(2))
			Expect(finished[0].TaskID).To(Equal(newer))
			Expect(finished[1].TaskID).To(Equal(older))

			failures, err := svc.ListTasks(ctx, model.TaskStatusFailure, nil)
			Expect(err).To(BeNil())
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].TaskID).To(Equal(failed))
			Expect(failures[0].Meta.ExcType).To(Equal("ExitError"))

			all, err := svc.ListTasks(ctx, "", strPtr("2"))
			Expect(err).To(BeNil())
			Expect(all).To(HaveLen(2))
			Expect(all[0].TaskID).To(Equal(newer))
		})

		It("lists pending jobs from the queue", func() {
			id, err := svc.SubmitFile(ctx, service.FileSubmission{File: upload("a.exe", "x")})
			Expect(err).To(BeNil())

			pending, err := svc.ListTasks(ctx, model.TaskStatusPending, nil)
			Expect(err).To(BeNil())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].TaskID).To(Equal(id))
			Expect(pending[0].Status).To(Equal(model.TaskStatusPending))
			Expect(pending[0].Meta.Filename).To(Equal("a.exe"))
			Expect(pending[0].EnqueuedAt).NotTo(BeNil())
		})

		DescribeTable("rejects bad limits for every filter",
			func(status, limit string) {
				_, err := svc.ListTasks(ctx, status, strPtr(limit))
				expectCode(err, service.CodeBadLimit)
			},
			Entry("zero", "", "0"),
			Entry("negative", model.TaskStatusSuccess, "-1"),
			Entry("not a number", model.TaskStatusFailure, "many"),
			Entry("zero pending", model.TaskStatusPending, "0"),
		)

		It("returns an empty list when the store is not initialized", func() {
			cfg := config.NewDefault()
			cfg.Database.Name = filepath.Join(GinkgoT().TempDir(), "empty.db")
			db, err := st.InitDB(cfg)
			Expect(err).To(BeNil())
			empty := st.NewStore(db)
			DeferCleanup(empty.Close)

			svc = service.NewTaskService(empty.Task(), files, gateway, service.NewFetcher(time.Second), limits)
			tasks, err := svc.ListTasks(ctx, "", nil)
			Expect(err).To(BeNil())
			Expect(tasks).To(BeEmpty())
		})

		It("returns an empty list when the queue cannot be read", func() {
			svc = service.NewTaskService(store.Task(), files, brokenGateway{}, service.NewFetcher(time.Second), limits)
			tasks, err := svc.ListTasks(ctx, model.TaskStatusPending, nil)
			Expect(err).To(BeNil())
			Expect(tasks).To(BeEmpty())
		})
	})

	Context("GetTaskStatus", func() {
		It("reports UNKNOWN for ids nobody knows", func() {
			Expect(svc.GetTaskStatus(ctx, uuid.NewString())).To(Equal(model.TaskStatusUnknown))
			Expect(svc.GetTaskStatus(ctx, "../../etc/passwd")).To(Equal(model.TaskStatusUnknown))
		})

		It("reports the same terminal status every time", func() {
			id := uuid.NewString()
			Expect(store.Task().RecordState(ctx, id, model.TaskStatusFailure, model.TaskMeta{Filename: "f", ExcType: "E", Traceback: "t"}, time.Now())).To(Succeed())
			Expect(svc.GetTaskStatus(ctx, id)).To(Equal(model.TaskStatusFailure))
			Expect(svc.GetTaskStatus(ctx, id)).To(Equal(model.TaskStatusFailure))
		})
	})

	Context("GetArtifact", func() {
		var id string

		BeforeEach(func() {
			id = uuid.NewString()
			_, err := files.CreateTaskDir(id)
			Expect(err).To(BeNil())
			Expect(files.Write(id, artifact.ReportFile, []byte(`{}`))).To(Succeed())
			Expect(files.Write(id, artifact.MachineLogFile, []byte("log"))).To(Succeed())
			_, err = files.Stage(id, "traffic.pcap", strings.NewReader("pcap"), 0)
			Expect(err).To(BeNil())
		})

		It("serves the report only after success", func() {
			_, err := svc.GetArtifact(ctx, id, service.ArtifactReport)
			expectCode(err, service.CodeNotFound)

			Expect(store.Task().RecordState(ctx, id, model.TaskStatusSuccess, model.TaskMeta{Filename: "f"}, time.Now())).To(Succeed())
			a, err := svc.GetArtifact(ctx, id, service.ArtifactReport)
			Expect(err).To(BeNil())
			defer a.Content.Close()
			Expect(a.Name).To(Equal(artifact.ReportFile))
			Expect(a.Attachment).To(BeFalse())
		})

		It("serves existing files as attachments", func() {
			a, err := svc.GetArtifact(ctx, id, service.ArtifactPcap)
			Expect(err).To(BeNil())
			defer a.Content.Close()
			Expect(a.Name).To(Equal("traffic.pcap"))
			Expect(a.Attachment).To(BeTrue())

			j, err := svc.GetArtifact(ctx, id, service.ArtifactJSON)
			Expect(err).To(BeNil())
			j.Content.Close()
		})

		It("maps every missing file to its own code", func() {
			_, err := svc.GetArtifact(ctx, id, service.ArtifactOutput)
			expectCode(err, service.CodeNoConsoleLog)

			other := uuid.NewString()
			_, err = svc.GetArtifact(ctx, other, service.ArtifactPcap)
			expectCode(err, service.CodeNoPcapArtifact)
			_, err = svc.GetArtifact(ctx, other, service.ArtifactJSON)
			expectCode(err, service.CodeNoJSONReport)
			_, err = svc.GetArtifact(ctx, other, service.ArtifactMachineLog)
			expectCode(err, service.CodeNoMachineLog)
		})
	})
})
