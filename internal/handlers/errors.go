package handlers

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/render"
	"github.com/lisa-sandbox/lisa-api/internal/service"
	"github.com/lisa-sandbox/lisa-api/pkg/requestid"
	"go.uber.org/zap"
)

type codedError interface {
	error
	Code() int
}

// RenderError writes the {"code": N} payload for err. Errors without a code
// are internal and logged.
func RenderError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := service.CodeInternal

	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
		status = http.StatusBadRequest
		var notFound *service.ErrNotFound
		if errors.As(err, &notFound) {
			status = http.StatusNotFound
		}
	} else {
		zap.S().Named("handlers").Errorw("request failed", "request_id", requestid.FromContext(r.Context()), "path", r.URL.Path, "error", err)
	}

	render.Status(r, status)
	_ = render.Render(w, r, ErrorReply{Code: code})
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusNotFound)
	_ = render.Render(w, r, ErrorReply{Code: service.CodeNotFound})
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusMethodNotAllowed)
	_ = render.Render(w, r, ErrorReply{Code: service.CodeNotFound})
}

// Recoverer turns a panic in a handler into a 500 with the internal error code.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			zap.S().Named("handlers").Errorw("panic serving request",
				"request_id", requestid.FromContext(r.Context()),
				"path", r.URL.Path,
				"panic", rvr,
				"stack", string(debug.Stack()),
			)
			render.Status(r, http.StatusInternalServerError)
			_ = render.Render(w, r, ErrorReply{Code: service.CodeInternal})
		}()
		next.ServeHTTP(w, r)
	})
}
