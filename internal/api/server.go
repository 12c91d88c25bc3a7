package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/damforecast/internal/forecast"
)

// maxUploadBytes bounds multipart request bodies.
const maxUploadBytes = 32 << 20

type Server struct {
	service         *forecast.Service
	addr            string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

func NewServer(service *forecast.Service, addr string, shutdownTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service:         service,
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/upload/{dam}", s.handleUpload)
	mux.HandleFunc("POST /api/feature_engineering/{dam}", s.handleFeatures)
	mux.HandleFunc("POST /api/train/{dam}", s.handleTrain)
	mux.HandleFunc("POST /api/predict_uploaded/{dam}", s.handlePredictUploaded)
	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("DELETE /api/models/{dam}", s.handleDeleteModel)
	mux.HandleFunc("GET /api/models/{dam}/runs", s.handleTrainingRuns)
	return s.logRequests(mux)
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}
