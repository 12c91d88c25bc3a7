package forecast

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/damforecast/internal/config"
	"github.com/lox/damforecast/internal/metrics"
	"github.com/lox/damforecast/internal/models"
	"github.com/lox/damforecast/internal/nn"
	"github.com/lox/damforecast/internal/series"
	"github.com/lox/damforecast/internal/store"
)

// minLRDelta is the improvement the plateau scheduler requires.
const minLRDelta = 1e-4

// TrainResult describes a completed training run.
type TrainResult struct {
	Dam      string              `json:"dam"`
	Version  int                 `json:"version"`
	Metadata store.ModelMetadata `json:"metadata"`
	History  *nn.History         `json:"history"`
	Duration time.Duration       `json:"duration"`
}

// Trainer fits a network on a dam's feature table and stores the result as a
// new model version.
type Trainer struct {
	cfg    *config.Config
	store  *store.Store
	locks  *Locks
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewTrainer(cfg *config.Config, st *store.Store, locks *Locks, clock clockwork.Clock, logger *slog.Logger) *Trainer {
	return &Trainer{cfg: cfg, store: st, locks: locks, clock: clock, logger: logger}
}

// Train splits the table chronologically, fits normalization statistics on
// the training part only, trains the network and persists weights and
// statistics together. Every attempt leaves a training_runs record; a failed
// attempt leaves no model version.
func (t *Trainer) Train(ctx context.Context, dam string, table *models.FeatureTable) (*TrainResult, error) {
	lock := t.locks.For(dam)
	lock.Lock()
	defer lock.Unlock()

	start := t.clock.Now()
	run, err := t.store.StartTrainingRun(ctx, dam)
	if err != nil {
		return nil, err
	}

	result, err := t.train(ctx, dam, table, run)
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		metrics.TrainingRunsTotal.WithLabelValues(dam, "failure").Inc()
		t.logger.Error("training failed", "dam", dam, "run", run.ID, "error", err)
	} else {
		run.Success = true
		result.Duration = t.clock.Since(start)
		metrics.TrainingRunsTotal.WithLabelValues(dam, "success").Inc()
		metrics.TrainingDuration.WithLabelValues(dam).Observe(result.Duration.Seconds())
		t.logger.Info("training complete", "dam", dam, "version", result.Version,
			"epochs", result.Metadata.EpochsRun, "best_epoch", result.Metadata.BestEpoch,
			"best_loss", result.Metadata.BestLoss, "monitor", result.Metadata.Monitor,
			"duration", result.Duration)
	}

	// The audit record must survive a cancelled request.
	if cerr := t.store.CompleteTrainingRun(context.WithoutCancel(ctx), run); cerr != nil {
		t.logger.Error("failed to record training run", "dam", dam, "run", run.ID, "error", cerr)
	}
	return result, err
}

func (t *Trainer) train(ctx context.Context, dam string, table *models.FeatureTable, run *store.TrainingRun) (*TrainResult, error) {
	cfg := t.cfg
	schema := cfg.Features.Schema
	if err := schema.Check(table.Schema); err != nil {
		return nil, fmt.Errorf("feature table for %s: %w", dam, err)
	}
	if table.Len() < cfg.MinTrainingRows() {
		return nil, fmt.Errorf("%w: %d rows, need at least %d", models.ErrInvalidInput, table.Len(), cfg.MinTrainingRows())
	}
	target := schema.Index(cfg.Features.Target)
	li, lo := cfg.Window.InputLen, cfg.Window.OutputLen

	trainRows, valRows := series.SplitChronological(table.Rows, cfg.Training.SplitRatio)
	if len(trainRows) <= li+lo {
		// Too short to split: fit on everything and monitor training loss.
		t.logger.Warn("training split too short, using all rows", "dam", dam,
			"rows", table.Len(), "train_rows", len(trainRows))
		trainRows, valRows = table.Rows, nil
	}

	stats, err := series.Fit(schema, trainRows)
	if err != nil {
		return nil, fmt.Errorf("fit statistics for %s: %w", dam, err)
	}
	trainZ, err := series.Apply(stats, schema, trainRows)
	if err != nil {
		return nil, err
	}
	trainWindows, err := series.BuildWindows(trainZ, li, lo, target)
	if err != nil {
		return nil, err
	}
	var valWindows []models.Window
	if len(valRows) > li+lo {
		valZ, err := series.Apply(stats, schema, valRows)
		if err != nil {
			return nil, err
		}
		if valWindows, err = series.BuildWindows(valZ, li, lo, target); err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewPCG(cfg.Training.Seed, 0))
	net, err := nn.New(nn.Config{
		Inputs:          len(schema),
		Horizon:         lo,
		EncoderUnits:    cfg.Model.EncoderUnits,
		BottleneckUnits: cfg.Model.BottleneckUnits,
		DecoderUnits:    cfg.Model.DecoderUnits,
		Dropout:         cfg.Model.Dropout,
		L2:              cfg.Model.L2,
	}, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	opt, err := nn.NewOptimizer(cfg.Training.Optimizer, cfg.Training.LearningRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}

	t.logger.Info("training started", "dam", dam, "run", run.ID,
		"train_windows", len(trainWindows), "val_windows", len(valWindows))
	hist, err := net.Fit(ctx, trainWindows, valWindows, opt, nn.FitConfig{
		Epochs:            cfg.Training.Epochs,
		BatchSize:         cfg.Training.BatchSize,
		EarlyStopPatience: cfg.Training.EarlyStopPatience,
		LRFactor:          cfg.Training.LRFactor,
		LRPatience:        cfg.Training.LRPatience,
		LRCooldown:        cfg.Training.LRCooldown,
		MinLR:             cfg.Training.MinLR,
		MinDelta:          minLRDelta,
	}, rng, func(e nn.EpochStats) {
		metrics.TrainingEpochs.WithLabelValues(dam).Inc()
		t.logger.Debug("epoch", "dam", dam, "epoch", e.Epoch, "loss", e.Loss,
			"val_loss", e.ValLoss, "lr", e.LearningRate, "improved", e.Improved)
	})
	if err != nil {
		if errors.Is(err, nn.ErrDiverged) {
			return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
		}
		return nil, fmt.Errorf("fit %s: %w", dam, err)
	}

	run.EpochsRun = sql.NullInt64{Int64: int64(len(hist.Epochs)), Valid: true}
	run.BestEpoch = sql.NullInt64{Int64: int64(hist.BestEpoch), Valid: true}
	run.BestLoss = sql.NullFloat64{Float64: hist.BestLoss, Valid: true}
	run.Monitor = sql.NullString{String: hist.Monitor, Valid: true}
	run.TrainWindows = sql.NullInt64{Int64: int64(len(trainWindows)), Valid: true}
	run.ValWindows = sql.NullInt64{Int64: int64(len(valWindows)), Valid: true}

	weights, err := json.Marshal(net)
	if err != nil {
		return nil, fmt.Errorf("encode network: %w", err)
	}
	meta := store.ModelMetadata{
		TrainingRunID: run.ID,
		TrainRows:     len(trainRows),
		ValRows:       len(valRows),
		TrainWindows:  len(trainWindows),
		ValWindows:    len(valWindows),
		EpochsRun:     len(hist.Epochs),
		BestEpoch:     hist.BestEpoch,
		BestLoss:      hist.BestLoss,
		Monitor:       hist.Monitor,
		StoppedEarly:  hist.StoppedEarly,
		InputLen:      li,
		OutputLen:     lo,
		Target:        cfg.Features.Target,
		Wavelet:       cfg.Features.Wavelet,
		WaveletLevel:  cfg.Features.WaveletLevel,
		Optimizer:     cfg.Training.Optimizer,
		FirstDate:     table.Dates[0],
		LastDate:      table.Dates[len(table.Dates)-1],
	}
	mv := &store.ModelVersion{
		Dam:      dam,
		Schema:   schema.Clone(),
		Stats:    stats,
		Network:  weights,
		Metadata: meta,
	}
	if err := t.store.SaveModelVersion(ctx, mv); err != nil {
		return nil, fmt.Errorf("save model for %s: %w", dam, err)
	}
	run.ModelVersionID = sql.NullInt64{Int64: mv.ID, Valid: true}

	return &TrainResult{Dam: dam, Version: mv.Version, Metadata: meta, History: hist}, nil
}
