package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/damforecast/internal/config"
	"github.com/lox/damforecast/internal/features"
	"github.com/lox/damforecast/internal/ingest"
	"github.com/lox/damforecast/internal/metrics"
	"github.com/lox/damforecast/internal/models"
	"github.com/lox/damforecast/internal/store"
)

// UploadResult summarises an accepted raw table.
type UploadResult struct {
	Dam          string              `json:"dam"`
	UploadID     int64               `json:"upload_id"`
	Columns      []string            `json:"columns"`
	RowsAccepted int                 `json:"rows_accepted"`
	RowsDropped  int                 `json:"rows_dropped"`
	Flagged      map[string][]string `json:"flagged,omitempty"`
}

// FeatureResult summarises a derived feature table.
type FeatureResult struct {
	Dam     string        `json:"dam"`
	Columns models.Schema `json:"columns"`
	Rows    int           `json:"rows"`
}

// Service runs the upload → features → train → predict workflow per dam.
type Service struct {
	cfg       *config.Config
	store     *store.Store
	pipeline  *features.Pipeline
	trainer   *Trainer
	estimator *Estimator
	logger    *slog.Logger
}

func NewService(cfg *config.Config, st *store.Store, clock clockwork.Clock, logger *slog.Logger) (*Service, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	pipeline, err := features.NewPipeline(cfg.Features)
	if err != nil {
		return nil, err
	}
	locks := NewLocks()
	return &Service{
		cfg:       cfg,
		store:     st,
		pipeline:  pipeline,
		trainer:   NewTrainer(cfg, st, locks, clock, logger),
		estimator: NewEstimator(cfg, pipeline, st, locks, clock, logger),
		logger:    logger,
	}, nil
}

// Upload parses a raw table, keeps the payload and reports what was accepted.
func (s *Service) Upload(ctx context.Context, dam, filename string, data []byte) (*UploadResult, error) {
	if dam == "" {
		return nil, fmt.Errorf("%w: dam name is required", models.ErrInvalidInput)
	}
	format, err := ingest.DetectFormat(filename)
	if err != nil {
		return nil, err
	}
	table, err := ingest.ReadTable(data, format)
	if err != nil {
		return nil, err
	}

	upload := &store.Upload{
		Dam:          dam,
		Filename:     filename,
		Format:       string(format),
		Payload:      data,
		RowsAccepted: len(table.Observations),
		RowsDropped:  table.Dropped,
	}
	if flags := ingest.QualityFlagsToJSON(table); flags != "" {
		upload.QualityFlags = sql.NullString{String: flags, Valid: true}
	}
	id, err := s.store.SaveUpload(ctx, upload)
	if err != nil {
		return nil, err
	}

	metrics.UploadsTotal.WithLabelValues(dam, string(format)).Inc()
	metrics.RowsIngested.WithLabelValues(dam).Add(float64(len(table.Observations)))
	metrics.RowsDropped.WithLabelValues(dam).Add(float64(table.Dropped))
	s.logger.Info("upload stored", "dam", dam, "upload", id, "format", format,
		"rows", len(table.Observations), "dropped", table.Dropped, "flagged", len(table.Flags))

	return &UploadResult{
		Dam:          dam,
		UploadID:     id,
		Columns:      table.Columns,
		RowsAccepted: len(table.Observations),
		RowsDropped:  table.Dropped,
		Flagged:      flaggedByDate(table),
	}, nil
}

// DeriveFeatures builds and stores the feature table from the latest upload.
func (s *Service) DeriveFeatures(ctx context.Context, dam string) (*FeatureResult, error) {
	upload, table, err := s.latestObservations(ctx, dam)
	if err != nil {
		return nil, err
	}
	ft, err := s.pipeline.Derive(dam, table.Observations)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveFeatureTable(ctx, ft, upload.ID); err != nil {
		return nil, err
	}
	s.logger.Info("features derived", "dam", dam, "upload", upload.ID, "rows", ft.Len())
	return &FeatureResult{Dam: dam, Columns: ft.Schema, Rows: ft.Len()}, nil
}

// Train fits a new model version on the stored feature table.
func (s *Service) Train(ctx context.Context, dam string) (*TrainResult, error) {
	table, err := s.store.LoadFeatureTable(ctx, dam)
	if err != nil {
		return nil, err
	}
	return s.trainer.Train(ctx, dam, table)
}

// Predict forecasts from a raw table supplied with the request.
func (s *Service) Predict(ctx context.Context, dam, filename string, data []byte) (*models.ForecastResult, error) {
	format, err := ingest.DetectFormat(filename)
	if err != nil {
		return nil, err
	}
	table, err := ingest.ReadTable(data, format)
	if err != nil {
		return nil, err
	}
	return s.estimator.Predict(ctx, dam, table.Observations, table.LastDate)
}

// PredictLatest forecasts from the dam's most recent upload.
func (s *Service) PredictLatest(ctx context.Context, dam string) (*models.ForecastResult, error) {
	_, table, err := s.latestObservations(ctx, dam)
	if err != nil {
		return nil, err
	}
	return s.estimator.Predict(ctx, dam, table.Observations, table.LastDate)
}

func (s *Service) ListModels(ctx context.Context) ([]store.ModelSummary, error) {
	return s.store.ListModels(ctx)
}

// TrainingRuns returns the dam's most recent training attempts, newest first.
func (s *Service) TrainingRuns(ctx context.Context, dam string, limit int) ([]store.TrainingRun, error) {
	return s.store.RecentTrainingRuns(ctx, dam, limit)
}

func (s *Service) DeleteModel(ctx context.Context, dam string) error {
	lock := s.trainer.locks.For(dam)
	lock.Lock()
	defer lock.Unlock()
	if err := s.store.DeleteModel(ctx, dam); err != nil {
		return err
	}
	s.logger.Info("model deleted", "dam", dam)
	return nil
}

func (s *Service) latestObservations(ctx context.Context, dam string) (*store.Upload, *ingest.Table, error) {
	upload, err := s.store.LatestUpload(ctx, dam)
	if err != nil {
		return nil, nil, err
	}
	table, err := ingest.ReadTable(upload.Payload, ingest.Format(upload.Format))
	if err != nil {
		return nil, nil, fmt.Errorf("re-read upload %d: %w", upload.ID, err)
	}
	return upload, table, nil
}

func flaggedByDate(t *ingest.Table) map[string][]string {
	if len(t.Flags) == 0 {
		return nil
	}
	out := make(map[string][]string, len(t.Flags))
	for i, flags := range t.Flags {
		out[t.Observations[i].Date.Format(time.DateOnly)] = flags
	}
	return out
}
