package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/lisa-sandbox/lisa-api/internal/service"
	"github.com/lisa-sandbox/lisa-api/internal/store/model"
	"go.uber.org/zap"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling file parts to disk.
const multipartMemory = 32 << 20

type TaskService interface {
	SubmitPcap(ctx context.Context, sub service.PcapSubmission) (string, error)
	SubmitFile(ctx context.Context, sub service.FileSubmission) (string, error)
	ListTasks(ctx context.Context, status string, rawLimit *string) ([]service.TaskView, error)
	GetTaskStatus(ctx context.Context, id string) string
	GetArtifact(ctx context.Context, id, kind string) (*service.Artifact, error)
}

type TaskHandler struct {
	svc           TaskService
	maxUploadSize int64
}

func NewTaskHandler(svc TaskService, maxUploadSize int64) *TaskHandler {
	return &TaskHandler{svc: svc, maxUploadSize: maxUploadSize}
}

func (h *TaskHandler) RegisterRoutes(router chi.Router) {
	router.Post("/tasks/create/pcap", h.CreatePcapTask)
	router.Post("/tasks/create/file", h.CreateFileTask)

	router.Get("/tasks", h.listTasks(""))
	router.Get("/tasks/finished", h.listTasks(model.TaskStatusSuccess))
	router.Get("/tasks/failed", h.listTasks(model.TaskStatusFailure))
	router.Get("/tasks/pending", h.listTasks(model.TaskStatusPending))
	router.Get("/tasks/view/{id}", h.ViewTask)

	router.Get("/report/{id}", h.artifact(service.ArtifactReport))
	router.Get("/json/{id}", h.artifact(service.ArtifactJSON))
	router.Get("/pcap/{id}", h.artifact(service.ArtifactPcap))
	router.Get("/machinelog/{id}", h.artifact(service.ArtifactMachineLog))
	router.Get("/output/{id}", h.artifact(service.ArtifactOutput))
}

func (h *TaskHandler) CreatePcapTask(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(w, r); err != nil {
		RenderError(w, r, err)
		return
	}
	defer cleanupForm(r)

	pcap, err := formFile(r, "pcap")
	if err != nil {
		RenderError(w, r, err)
		return
	}
	defer closeUpload(pcap)

	id, err := h.svc.SubmitPcap(r.Context(), service.PcapSubmission{
		Pcap:   pcap,
		Pretty: formValue(r, "pretty"),
	})
	if err != nil {
		RenderError(w, r, err)
		return
	}
	_ = render.Render(w, r, SubmitReply{TaskID: id})
}

func (h *TaskHandler) CreateFileTask(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(w, r); err != nil {
		RenderError(w, r, err)
		return
	}
	defer cleanupForm(r)

	file, err := formFile(r, "file")
	if err != nil {
		RenderError(w, r, err)
		return
	}
	defer closeUpload(file)

	id, err := h.svc.SubmitFile(r.Context(), service.FileSubmission{
		File:     file,
		URL:      formValue(r, "url"),
		Pretty:   formValue(r, "pretty"),
		ExecTime: formValue(r, "exec_time"),
	})
	if err != nil {
		RenderError(w, r, err)
		return
	}
	_ = render.Render(w, r, SubmitReply{TaskID: id})
}

func (h *TaskHandler) listTasks(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var limit *string
		if values, ok := r.URL.Query()["limit"]; ok && len(values) > 0 {
			limit = &values[0]
		}

		tasks, err := h.svc.ListTasks(r.Context(), status, limit)
		if err != nil {
			RenderError(w, r, err)
			return
		}
		render.JSON(w, r, tasks)
	}
}

func (h *TaskHandler) ViewTask(w http.ResponseWriter, r *http.Request) {
	status := h.svc.GetTaskStatus(r.Context(), chi.URLParam(r, "id"))
	_ = render.Render(w, r, StatusReply{Status: status})
}

func (h *TaskHandler) artifact(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := h.svc.GetArtifact(r.Context(), chi.URLParam(r, "id"), kind)
		if err != nil {
			RenderError(w, r, err)
			return
		}
		defer a.Content.Close()

		fi, err := a.Content.Stat()
		if err != nil {
			RenderError(w, r, err)
			return
		}

		disposition := "inline"
		if a.Attachment {
			disposition = "attachment"
		}
		w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": a.Name}))
		http.ServeContent(w, r, a.Name, fi.ModTime(), a.Content)
	}
}

func (h *TaskHandler) parseForm(w http.ResponseWriter, r *http.Request) error {
	if h.maxUploadSize > 0 {
		// leave room for the other form fields and multipart framing
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartMemory)
	}

	err := r.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return service.NewErrTooLarge(h.maxUploadSize)
		}
		zap.S().Named("handlers").Infow("failed to parse form", "path", r.URL.Path, "error", err)
		return service.NewErrInvalidInput(service.CodeNoFileOrURL, "malformed form: %v", err)
	}
	return nil
}

// formFile returns nil when the part was not sent. A part sent with an empty
// filename arrives as a plain value and yields an upload without a name.
func formFile(r *http.Request, key string) (*service.Upload, error) {
	if r.MultipartForm != nil {
		if headers := r.MultipartForm.File[key]; len(headers) > 0 {
			f, err := headers[0].Open()
			if err != nil {
				return nil, err
			}
			return &service.Upload{Filename: headers[0].Filename, Content: f}, nil
		}
	}
	if _, ok := r.PostForm[key]; ok {
		return &service.Upload{}, nil
	}
	return nil, nil
}

func formValue(r *http.Request, key string) *string {
	if values, ok := r.PostForm[key]; ok && len(values) > 0 {
		return &values[0]
	}
	return nil
}

func closeUpload(u *service.Upload) {
	if u == nil {
		return
	}
	if c, ok := u.Content.(io.Closer); ok {
		_ = c.Close()
	}
}

func cleanupForm(r *http.Request) {
	if r.MultipartForm != nil {
		_ = r.MultipartForm.RemoveAll()
	}
}
