package queue_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lisa-sandbox/lisa-api/internal/analysis"
	"github.com/lisa-sandbox/lisa-api/internal/queue"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

var _ = Describe("AnalysisArgs", func() {
	Describe("Kind", func() {
		It("returns the correct job kind", func() {
			Expect(queue.AnalysisArgs{}.Kind()).To(Equal("lisa_analysis"))
		})
	})

	Describe("InsertOpts", func() {
		It("never retries", func() {
			Expect(queue.AnalysisArgs{}.InsertOpts().MaxAttempts).To(Equal(queue.MaxJobAttempts))
		})
	})

	Describe("encoding", func() {
		It("keeps task_id at the top level", func() {
			args := queue.AnalysisArgs{Job: queue.Job{TaskID: "t1", Kind: queue.KindFull, InputPath: "/data/t1/a.exe", ExecTime: 20}}
			data, err := json.Marshal(args)
			Expect(err).To(BeNil())

			raw := map[string]any{}
			Expect(json.Unmarshal(data, &raw)).To(Succeed())
			Expect(raw).To(HaveKeyWithValue("task_id", "t1"))
			Expect(raw).To(HaveKeyWithValue("kind", "full"))
		})
	})
})

var _ = Describe("AnalysisWorker", func() {
	newJob := func(execTime int) *river.Job[queue.AnalysisArgs] {
		return &river.Job[queue.AnalysisArgs]{
			JobRow: &rivertype.JobRow{ID: 1},
			Args:   queue.AnalysisArgs{Job: queue.Job{TaskID: "t1", Kind: queue.KindPcap, ExecTime: execTime}},
		}
	}

	Describe("Timeout", func() {
		It("adds the grace period to the execution time", func() {
			w := queue.NewAnalysisWorker(newFakeHandler(), nil)
			Expect(w.Timeout(newJob(20))).To(Equal(20*time.Second + queue.DefaultJobGrace))
		})
	})

	Describe("Work", func() {
		It("hands the job to the handler", func() {
			h := newFakeHandler()
			w := queue.NewAnalysisWorker(h, &fakeGuard{})

			Expect(w.Work(context.TODO(), newJob(10))).To(Succeed())
			Expect(h.Executed()).To(HaveLen(1))
			Expect(h.Executed()[0].TaskID).To(Equal("t1"))
		})

		It("snoozes when the host is short on resources", func() {
			h := newFakeHandler()
			guard := &fakeGuard{err: &analysis.InsufficientResourcesError{Resource: "disk", Available: 1, Required: 2}}
			w := queue.NewAnalysisWorker(h, guard)

			err := w.Work(context.TODO(), newJob(10))
			Expect(err).ToNot(BeNil())
			Expect(h.Executed()).To(BeEmpty())
		})
	})
})
