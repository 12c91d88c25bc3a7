package forecast

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
	_ "modernc.org/sqlite"

	"github.com/lox/damforecast/internal/config"
	"github.com/lox/damforecast/internal/features"
	"github.com/lox/damforecast/internal/models"
	"github.com/lox/damforecast/internal/nn"
	"github.com/lox/damforecast/internal/series"
	"github.com/lox/damforecast/internal/store"
)

var testStart = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Model = config.Model{EncoderUnits: 4, BottleneckUnits: 3, DecoderUnits: 3, Dropout: 0.2, L2: 0.01}
	cfg.Training.Epochs = 3
	cfg.Training.BatchSize = 8
	cfg.Inference.Samples = 10
	cfg.Inference.Seed = 7
	return cfg
}

type harness struct {
	cfg     *config.Config
	store   *store.Store
	service *Service
	clock   *clockwork.FakeClock
}

func setupHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	st := store.New(db, clock, logger)
	require.NoError(t, st.Migrate())

	svc, err := NewService(cfg, st, clock, logger)
	require.NoError(t, err)
	return &harness{cfg: cfg, store: st, service: svc, clock: clock}
}

func observations(n int) []models.RawObservation {
	obs := make([]models.RawObservation, n)
	for i := range obs {
		f := float64(i)
		obs[i] = models.RawObservation{
			Date:  testStart.AddDate(0, 0, i),
			TAvg:  26 + math.Sin(f/5),
			RHAvg: 80 + 5*math.Cos(f/7),
			RR:    math.Max(0, 10*math.Sin(f/3)),
			SS:    4 + 3*math.Sin(f/11),
			FFAvg: 2 + math.Sin(f/4),
			FFX:   6 + math.Cos(f/4),
			DDDX:  math.Mod(f*37, 360),
			TMA:   640 + 0.1*f + math.Sin(f/9),
		}
	}
	return obs
}

func toCSV(obs []models.RawObservation) []byte {
	var b bytes.Buffer
	b.WriteString("date,tavg,rh_avg,rr,ss,ff_avg,ff_x,ddd_x,tma\n")
	for _, o := range obs {
		fmt.Fprintf(&b, "%s,%.4f,%.4f,%.4f,%.4f,%.4f,%.4f,%.4f,%.4f\n",
			o.Date.Format(time.DateOnly), o.TAvg, o.RHAvg, o.RR, o.SS, o.FFAvg, o.FFX, o.DDDX, o.TMA)
	}
	return b.Bytes()
}

// installFlatModel stores a network whose output layer is zeroed, so every
// pass predicts exactly the target mean.
func installFlatModel(t *testing.T, h *harness, dam string, targetMean float64) {
	t.Helper()
	schema := h.cfg.Features.Schema
	net, err := nn.New(nn.Config{
		Inputs:          len(schema),
		Horizon:         h.cfg.Window.OutputLen,
		EncoderUnits:    h.cfg.Model.EncoderUnits,
		BottleneckUnits: h.cfg.Model.BottleneckUnits,
		DecoderUnits:    h.cfg.Model.DecoderUnits,
		Dropout:         h.cfg.Model.Dropout,
	}, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	clear(net.Output.Kernel.Value)
	clear(net.Output.Bias.Value)
	weights, err := json.Marshal(net)
	require.NoError(t, err)

	stats := models.NormalizationStats{
		Schema: schema.Clone(),
		Mean:   make([]float64, len(schema)),
		Std:    make([]float64, len(schema)),
	}
	for i := range stats.Std {
		stats.Std[i] = 1
	}
	stats.Mean[schema.Index(h.cfg.Features.Target)] = targetMean

	require.NoError(t, h.store.SaveModelVersion(context.Background(), &store.ModelVersion{
		Dam:      dam,
		Schema:   schema.Clone(),
		Stats:    stats,
		Network:  weights,
		Metadata: store.ModelMetadata{InputLen: h.cfg.Window.InputLen, OutputLen: h.cfg.Window.OutputLen},
	}))
}

// installLiveModel stores a freshly initialised network with statistics
// fitted on obs, so dropout masks change what every pass predicts.
func installLiveModel(t *testing.T, h *harness, dam string, obs []models.RawObservation) {
	t.Helper()
	schema := h.cfg.Features.Schema
	table := derivedTable(t, h.cfg, dam, len(obs))
	stats, err := series.Fit(schema, table.Rows)
	require.NoError(t, err)

	net, err := nn.New(nn.Config{
		Inputs:          len(schema),
		Horizon:         h.cfg.Window.OutputLen,
		EncoderUnits:    h.cfg.Model.EncoderUnits,
		BottleneckUnits: h.cfg.Model.BottleneckUnits,
		DecoderUnits:    h.cfg.Model.DecoderUnits,
		Dropout:         h.cfg.Model.Dropout,
	}, rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	weights, err := json.Marshal(net)
	require.NoError(t, err)

	require.NoError(t, h.store.SaveModelVersion(context.Background(), &store.ModelVersion{
		Dam:      dam,
		Schema:   schema.Clone(),
		Stats:    stats,
		Network:  weights,
		Metadata: store.ModelMetadata{InputLen: h.cfg.Window.InputLen, OutputLen: h.cfg.Window.OutputLen},
	}))
}

func TestServiceWorkflow(t *testing.T) {
	h := setupHarness(t, testConfig())
	ctx := context.Background()
	obs := observations(60)

	up, err := h.service.Upload(ctx, "saguling", "saguling.csv", toCSV(obs))
	require.NoError(t, err)
	assert.Equal(t, 60, up.RowsAccepted)
	assert.Zero(t, up.RowsDropped)
	assert.Empty(t, up.Flagged)

	fr, err := h.service.DeriveFeatures(ctx, "saguling")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureSchema, fr.Columns)
	assert.Equal(t, 60, fr.Rows)

	tr, err := h.service.Train(ctx, "saguling")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Version)
	// 12 validation rows cannot fill a 7+5 window.
	assert.Equal(t, "loss", tr.Metadata.Monitor)
	assert.Equal(t, 48, tr.Metadata.TrainRows)
	assert.Equal(t, 12, tr.Metadata.ValRows)
	assert.Equal(t, 36, tr.Metadata.TrainWindows)
	assert.Zero(t, tr.Metadata.ValWindows)
	assert.Len(t, tr.History.Epochs, 3)

	result, err := h.service.Predict(ctx, "saguling", "recent.csv", toCSV(obs))
	require.NoError(t, err)
	require.Len(t, result.Points, h.cfg.Window.OutputLen)
	last := obs[len(obs)-1].Date
	for i, p := range result.Points {
		assert.True(t, p.Date.Equal(last.AddDate(0, 0, i+1)), "point %d date %s", i, p.Date)
		assert.False(t, math.IsNaN(p.Mean))
		assert.LessOrEqual(t, p.Lower, p.Mean)
		assert.GreaterOrEqual(t, p.Upper, p.Mean)
	}

	latest, err := h.service.PredictLatest(ctx, "saguling")
	require.NoError(t, err)
	assert.Equal(t, result.Points, latest.Points)

	list, err := h.service.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "saguling", list[0].Dam)

	require.NoError(t, h.service.DeleteModel(ctx, "saguling"))
	_, err = h.service.Predict(ctx, "saguling", "recent.csv", toCSV(obs))
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestServiceValidationWindows(t *testing.T) {
	h := setupHarness(t, testConfig())
	ctx := context.Background()
	_, err := h.service.Upload(ctx, "cirata", "cirata.csv", toCSV(observations(80)))
	require.NoError(t, err)
	_, err = h.service.DeriveFeatures(ctx, "cirata")
	require.NoError(t, err)

	tr, err := h.service.Train(ctx, "cirata")
	require.NoError(t, err)
	assert.Equal(t, "val_loss", tr.Metadata.Monitor)
	assert.Equal(t, 64, tr.Metadata.TrainRows)
	assert.Equal(t, 52, tr.Metadata.TrainWindows)
	assert.Equal(t, 4, tr.Metadata.ValWindows)
}

func TestServiceMissingState(t *testing.T) {
	h := setupHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.service.DeriveFeatures(ctx, "jatiluhur")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = h.service.Train(ctx, "jatiluhur")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = h.service.Predict(ctx, "jatiluhur", "x.csv", toCSV(observations(10)))
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.True(t, errors.Is(h.service.DeleteModel(ctx, "jatiluhur"), models.ErrNotFound))

	_, err = h.service.Upload(ctx, "jatiluhur", "x.json", []byte("{}"))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
	_, err = h.service.Upload(ctx, "", "x.csv", toCSV(observations(10)))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestPredictConstantModel(t *testing.T) {
	h := setupHarness(t, testConfig())
	installFlatModel(t, h, "saguling", 10)

	obs := observations(30)
	result, err := h.service.Predict(context.Background(), "saguling", "x.csv", toCSV(obs))
	require.NoError(t, err)
	require.Len(t, result.Points, 5)
	for _, p := range result.Points {
		assert.InDelta(t, 10, p.Mean, 1e-12)
		assert.InDelta(t, p.Mean, p.Lower, 1e-12)
		assert.InDelta(t, p.Mean, p.Upper, 1e-12)
	}
	byDate := result.ByDate()
	assert.Equal(t, models.Interval{Mean: 10, Lower: 10, Upper: 10}, byDate["2023-01-31"])
	assert.Contains(t, byDate, "2023-02-04")
}

func TestPredictHistoryLength(t *testing.T) {
	h := setupHarness(t, testConfig())
	installFlatModel(t, h, "saguling", 10)
	ctx := context.Background()

	result, err := h.service.Predict(ctx, "saguling", "x.csv", toCSV(observations(7)))
	require.NoError(t, err)
	assert.Len(t, result.Points, 5)

	_, err = h.service.Predict(ctx, "saguling", "x.csv", toCSV(observations(6)))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestPredictRejectsNonFiniteReading(t *testing.T) {
	h := setupHarness(t, testConfig())
	installFlatModel(t, h, "saguling", 10)

	data := toCSV(observations(30))
	data = append(data, "2023-01-31,26,80,0,5,2,6,90,Inf\n"...)
	_, err := h.service.Predict(context.Background(), "saguling", "x.csv", data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
	assert.Contains(t, err.Error(), "tma")
}

func TestPredictDatesFollowLastRawRow(t *testing.T) {
	h := setupHarness(t, testConfig())
	installFlatModel(t, h, "saguling", 10)

	// The final day has no water level yet and is dropped from the inputs.
	data := toCSV(observations(30))
	data = append(data, "2023-01-31,26,80,0,5,2,6,90,\n"...)
	result, err := h.service.Predict(context.Background(), "saguling", "x.csv", data)
	require.NoError(t, err)
	require.Len(t, result.Points, 5)
	assert.True(t, result.Points[0].Date.Equal(time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)), "got %s", result.Points[0].Date)
	assert.True(t, result.Points[4].Date.Equal(time.Date(2023, 2, 5, 0, 0, 0, 0, time.UTC)))
}

func TestPredictDropoutSpread(t *testing.T) {
	cfg := testConfig()
	cfg.Model = config.Model{EncoderUnits: 32, BottleneckUnits: 16, DecoderUnits: 16, Dropout: 0.4}
	h := setupHarness(t, cfg)
	ctx := context.Background()
	obs := observations(60)
	installLiveModel(t, h, "saguling", obs)
	data := toCSV(obs)

	cfg.Inference.Samples = 100
	result, err := h.service.Predict(ctx, "saguling", "x.csv", data)
	require.NoError(t, err)
	for i, p := range result.Points {
		assert.Greater(t, p.Upper-p.Lower, 0.0, "day %d has no spread", i)
		assert.InDelta(t, p.Mean, (p.Upper+p.Lower)/2, 1e-9)
	}

	// More passes give a steadier interval width across seeds.
	widthVariance := func(samples int) float64 {
		cfg.Inference.Samples = samples
		widths := make([]float64, 0, 20)
		for seed := uint64(1); seed <= 20; seed++ {
			cfg.Inference.Seed = seed
			r, err := h.service.Predict(ctx, "saguling", "x.csv", data)
			require.NoError(t, err)
			widths = append(widths, r.Points[0].Upper-r.Points[0].Lower)
		}
		return stat.Variance(widths, nil)
	}
	few, many := widthVariance(5), widthVariance(100)
	assert.Greater(t, few, 0.0)
	assert.Less(t, many, few)
}

func TestPredictIsReproducibleWithSeed(t *testing.T) {
	h := setupHarness(t, testConfig())
	ctx := context.Background()
	obs := observations(40)
	_, err := h.service.Upload(ctx, "saguling", "s.csv", toCSV(obs))
	require.NoError(t, err)
	_, err = h.service.DeriveFeatures(ctx, "saguling")
	require.NoError(t, err)
	_, err = h.service.Train(ctx, "saguling")
	require.NoError(t, err)

	a, err := h.service.PredictLatest(ctx, "saguling")
	require.NoError(t, err)
	b, err := h.service.PredictLatest(ctx, "saguling")
	require.NoError(t, err)
	assert.Equal(t, a.Points, b.Points)
}

func derivedTable(t *testing.T, cfg *config.Config, dam string, n int) *models.FeatureTable {
	t.Helper()
	p, err := features.NewPipeline(cfg.Features)
	require.NoError(t, err)
	table, err := p.Derive(dam, observations(n))
	require.NoError(t, err)
	return table
}

func TestTrainTooFewRows(t *testing.T) {
	h := setupHarness(t, testConfig())
	ctx := context.Background()
	table := derivedTable(t, h.cfg, "saguling", h.cfg.MinTrainingRows()-1)

	_, err := h.service.trainer.Train(ctx, "saguling", table)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))

	_, err = h.store.LoadCurrentModel(ctx, "saguling")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	runs, err := h.store.RecentTrainingRuns(ctx, "saguling", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.Contains(t, runs[0].ErrorMessage.String, "rows")
	assert.True(t, runs[0].FinishedAt.Valid)
}

func TestTrainShortSplitUsesAllRows(t *testing.T) {
	h := setupHarness(t, testConfig())
	ctx := context.Background()
	table := derivedTable(t, h.cfg, "saguling", 14)

	tr, err := h.service.trainer.Train(ctx, "saguling", table)
	require.NoError(t, err)
	assert.Equal(t, "loss", tr.Metadata.Monitor)
	assert.Equal(t, 14, tr.Metadata.TrainRows)
	assert.Zero(t, tr.Metadata.ValRows)
	assert.Equal(t, 2, tr.Metadata.TrainWindows)

	runs, err := h.store.RecentTrainingRuns(ctx, "saguling", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
	assert.Equal(t, "loss", runs[0].Monitor.String)
}

func TestTrainRejectsForeignSchema(t *testing.T) {
	h := setupHarness(t, testConfig())
	table := derivedTable(t, h.cfg, "saguling", 30)
	table.Schema = table.Schema[:len(table.Schema)-1]

	_, err := h.service.trainer.Train(context.Background(), "saguling", table)
	assert.True(t, errors.Is(err, models.ErrSchemaMismatch))
}

func TestTrainKeepsPreviousModelOnFailure(t *testing.T) {
	h := setupHarness(t, testConfig())
	ctx := context.Background()
	installFlatModel(t, h, "saguling", 10)

	table := derivedTable(t, h.cfg, "saguling", 10)
	_, err := h.service.trainer.Train(ctx, "saguling", table)
	require.Error(t, err)

	current, err := h.store.LoadCurrentModel(ctx, "saguling")
	require.NoError(t, err)
	assert.Equal(t, 1, current.Version)
}

func TestAssemble(t *testing.T) {
	last := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	passes := [][]float64{{1, 2}, {3, 2}}
	got := assemble("saguling", last, passes, 10, 2, 1)

	require.Len(t, got.Points, 2)
	assert.True(t, got.Points[0].Date.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.InDelta(t, 14, got.Points[0].Mean, 1e-12)
	assert.InDelta(t, 12, got.Points[0].Lower, 1e-12)
	assert.InDelta(t, 16, got.Points[0].Upper, 1e-12)
	assert.InDelta(t, 14, got.Points[1].Mean, 1e-12)
	assert.InDelta(t, 14, got.Points[1].Upper, 1e-12)
	assert.True(t, got.Points[1].Date.Equal(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)))
}

func TestLocks(t *testing.T) {
	l := NewLocks()
	a := l.For("saguling")
	assert.Same(t, a, l.For("saguling"))
	assert.NotSame(t, a, l.For("cirata"))
}
