package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/damforecast/internal/forecast"
	"github.com/lox/damforecast/internal/models"
	"github.com/lox/damforecast/internal/store"
)

type messageResponse struct {
	Message string `json:"message"`
}

type uploadResponse struct {
	Message string `json:"message"`
	*forecast.UploadResult
}

type featuresResponse struct {
	Message string `json:"message"`
	*forecast.FeatureResult
}

type trainResponse struct {
	Message  string              `json:"message"`
	Dam      string              `json:"dam"`
	Version  int                 `json:"version"`
	Metadata store.ModelMetadata `json:"metadata"`
	Duration string              `json:"duration"`
}

// ForecastResponse is the body of a successful prediction.
type ForecastResponse struct {
	DamName  string                     `json:"dam_name"`
	Forecast map[string]models.Interval `json:"forecast"`
}

type trainingRunView struct {
	ID           int64      `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Success      bool       `json:"success"`
	EpochsRun    *int64     `json:"epochs_run,omitempty"`
	BestLoss     *float64   `json:"best_loss,omitempty"`
	Monitor      string     `json:"monitor,omitempty"`
	ModelVersion *int64     `json:"model_version_id,omitempty"`
	Error        string     `json:"error,omitempty"`
}

type HealthStatus struct {
	Status string `json:"status"`
	Models int    `json:"models"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListModels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthStatus{Status: "ok", Models: len(list)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	dam := r.PathValue("dam")
	filename, data, err := readFile(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.service.Upload(r.Context(), dam, filename, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Message:      fmt.Sprintf("Upload stored for %s", dam),
		UploadResult: result,
	})
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	dam := r.PathValue("dam")
	result, err := s.service.DeriveFeatures(r.Context(), dam)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, featuresResponse{
		Message:       fmt.Sprintf("Feature engineering completed for %s", dam),
		FeatureResult: result,
	})
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	dam := r.PathValue("dam")
	result, err := s.service.Train(r.Context(), dam)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trainResponse{
		Message:  fmt.Sprintf("Model trained for %s", dam),
		Dam:      dam,
		Version:  result.Version,
		Metadata: result.Metadata,
		Duration: result.Duration.String(),
	})
}

func (s *Server) handlePredictUploaded(w http.ResponseWriter, r *http.Request) {
	dam := r.PathValue("dam")
	filename, data, err := readFile(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.service.Predict(r.Context(), dam, filename, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ForecastResponse{DamName: dam, Forecast: result.ByDate()})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListModels(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.ModelSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	dam := r.PathValue("dam")
	if err := s.service.DeleteModel(r.Context(), dam); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Model %s deleted successfully", dam)})
}

func (s *Server) handleTrainingRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", models.ErrInvalidInput))
			return
		}
		limit = n
	}
	runs, err := s.service.TrainingRuns(r.Context(), r.PathValue("dam"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]trainingRunView, len(runs))
	for i, run := range runs {
		v := trainingRunView{
			ID:        run.ID,
			StartedAt: run.StartedAt,
			Success:   run.Success,
			Monitor:   run.Monitor.String,
			Error:     run.ErrorMessage.String,
		}
		if run.FinishedAt.Valid {
			v.FinishedAt = &run.FinishedAt.Time
		}
		if run.EpochsRun.Valid {
			v.EpochsRun = &run.EpochsRun.Int64
		}
		if run.BestLoss.Valid {
			v.BestLoss = &run.BestLoss.Float64
		}
		if run.ModelVersionID.Valid {
			v.ModelVersion = &run.ModelVersionID.Int64
		}
		views[i] = v
	}
	writeJSON(w, http.StatusOK, views)
}

// readFile returns the multipart "file" part of the request.
func readFile(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, fmt.Errorf("%w: multipart field \"file\": %v", models.ErrInvalidInput, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("%w: read upload: %v", models.ErrInvalidInput, err)
	}
	return header.Filename, data, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConfiguration):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
