package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZertGraf/pr-insight/internal/api/handler"
	"github.com/ZertGraf/pr-insight/internal/api/middleware"
	"github.com/ZertGraf/pr-insight/internal/pkg/logger"
)

// maxBodyBytes bounds the only request body the API takes, a rescore weight.
const maxBodyBytes = 4 << 10

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HealthFunc reports whether the service dependencies are usable.
type HealthFunc func(ctx context.Context) error

type HTTPServer struct {
	server *http.Server
	config *ServerConfig
	logger *logger.Logger
}

func NewHTTPServer(config *ServerConfig,
	health HealthFunc,
	metricsHandler *handler.MetricsHandler,
	logger *logger.Logger) *HTTPServer {

	router := setupRouter(health, metricsHandler, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return &HTTPServer{
		server: server,
		config: config,
		logger: logger.Component("http"),
	}
}

func (s *HTTPServer) Start(_ context.Context) error {
	s.logger.Info("ops server listening", "addr", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", "error", err)
		}
	}()

	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("stopping ops server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("ops server shutdown failed", "error", err)
		return err
	}

	s.logger.Info("ops server stopped")
	return nil
}

func setupRouter(
	health HealthFunc,
	metricsHandler *handler.MetricsHandler,
	logger *logger.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Security())
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.BodyLimit(maxBodyBytes, logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, `{"status":"healthy"}`
		if err := health(r.Context()); err != nil {
			logger.Warn("health check failed", "error", err)
			status, body = http.StatusServiceUnavailable, `{"status":"unhealthy"}`
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if _, err := w.Write([]byte(body)); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/api/v1/metrics", metricsHandler.Routes())

	return r
}
