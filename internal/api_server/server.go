package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/lisa-sandbox/lisa-api/internal/config"
	"github.com/lisa-sandbox/lisa-api/internal/handlers"
	"github.com/lisa-sandbox/lisa-api/pkg/metrics"
	"github.com/lisa-sandbox/lisa-api/pkg/middleware"
	"github.com/lisa-sandbox/lisa-api/pkg/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	tasks    handlers.TaskService
	listener net.Listener
	registry prometheus.Registerer
}

// New returns the API server. Request metrics go to registry, or to the
// default registerer when registry is nil.
func New(cfg *config.Config, tasks handlers.TaskService, listener net.Listener, registry prometheus.Registerer) *Server {
	return &Server{
		cfg:      cfg,
		tasks:    tasks,
		listener: listener,
		registry: registry,
	}
}

// Router builds the handler tree served by Run.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegister(s.registry)

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"https://*", "http://*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}),
		chiMiddleware.RequestID,
		requestid.Middleware,
		middleware.Logger(),
		handlers.Recoverer,
	)
	router.NotFound(handlers.NotFound)
	router.MethodNotAllowed(handlers.MethodNotAllowed)

	h := handlers.NewTaskHandler(s.tasks, int64(s.cfg.Service.Storage.MaxUploadSize.Bytes()))
	router.Route(s.cfg.Service.BasePath, h.RegisterRoutes)

	return router
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	srv := http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
