package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/damforecast/internal/config"
	"github.com/lox/damforecast/internal/features"
	"github.com/lox/damforecast/internal/metrics"
	"github.com/lox/damforecast/internal/models"
	"github.com/lox/damforecast/internal/nn"
	"github.com/lox/damforecast/internal/series"
	"github.com/lox/damforecast/internal/store"
)

// Estimator produces forecasts with Monte Carlo dropout confidence intervals.
type Estimator struct {
	cfg      *config.Config
	pipeline *features.Pipeline
	store    *store.Store
	locks    *Locks
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewEstimator(cfg *config.Config, pipeline *features.Pipeline, st *store.Store, locks *Locks,
	clock clockwork.Clock, logger *slog.Logger) *Estimator {
	return &Estimator{cfg: cfg, pipeline: pipeline, store: st, locks: locks, clock: clock, logger: logger}
}

// Predict derives features over the whole supplied history, normalizes the
// last InputLen rows with the stored statistics and runs Samples stochastic
// passes. Each horizon day gets mean ± z·std, scaled back to water level.
// Dates run from the day after lastDate, or after the last observation when
// lastDate is zero or earlier.
func (e *Estimator) Predict(ctx context.Context, dam string, obs []models.RawObservation, lastDate time.Time) (*models.ForecastResult, error) {
	start := e.clock.Now()
	result, err := e.predict(ctx, dam, obs, lastDate)
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.PredictionsTotal.WithLabelValues(dam, status).Inc()
	metrics.PredictionLatency.WithLabelValues(dam).Observe(e.clock.Since(start).Seconds())
	return result, err
}

func (e *Estimator) predict(ctx context.Context, dam string, obs []models.RawObservation, lastDate time.Time) (*models.ForecastResult, error) {
	li := e.cfg.Window.InputLen
	if len(obs) < li {
		return nil, fmt.Errorf("%w: need at least %d days of history, got %d", models.ErrInvalidInput, li, len(obs))
	}
	if full := e.fullHistory(); len(obs) < full {
		e.logger.Warn("short history, wavelet bands are approximate", "dam", dam,
			"rows", len(obs), "recommended", full)
	}

	lock := e.locks.For(dam)
	lock.RLock()
	defer lock.RUnlock()

	mv, err := e.store.LoadCurrentModel(ctx, dam)
	if err != nil {
		return nil, err
	}
	net, err := nn.Unmarshal(mv.Network)
	if err != nil {
		return nil, fmt.Errorf("load model for %s: %w", dam, err)
	}
	if net.Config.Inputs != len(mv.Schema) {
		return nil, fmt.Errorf("%w: model expects %d inputs, schema has %d",
			models.ErrSchemaMismatch, net.Config.Inputs, len(mv.Schema))
	}

	table, err := e.pipeline.Derive(dam, obs)
	if err != nil {
		return nil, err
	}
	if err := mv.Schema.Check(table.Schema); err != nil {
		return nil, err
	}
	window, err := series.LastWindow(table.Rows, li)
	if err != nil {
		return nil, err
	}
	x, err := series.Apply(mv.Stats, table.Schema, window)
	if err != nil {
		return nil, err
	}

	passes, err := e.sample(ctx, net, x)
	if err != nil {
		return nil, err
	}
	metrics.MonteCarloPasses.WithLabelValues(dam).Add(float64(len(passes)))

	targetMean, targetStd, err := mv.Stats.Of(e.cfg.Features.Target)
	if err != nil {
		return nil, err
	}
	if last := obs[len(obs)-1].Date; last.After(lastDate) {
		lastDate = last
	}
	return assemble(dam, lastDate, passes, targetMean, targetStd, e.cfg.Inference.ConfidenceZ), nil
}

// sample runs the stochastic passes in parallel. Pass i draws its dropout
// masks from a PCG stream keyed by (seed, i), so a fixed seed reproduces the
// same forecast regardless of scheduling.
func (e *Estimator) sample(ctx context.Context, net *nn.Seq2Seq, x [][]float64) ([][]float64, error) {
	n := e.cfg.Inference.Samples
	seed := e.cfg.Inference.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	passes := make([][]float64, n)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range n {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seed, uint64(i)))
			passes[i] = net.PredictStochastic(x, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return passes, nil
}

// assemble turns normalized passes into dated intervals. The spread is the
// population standard deviation across passes.
func assemble(dam string, lastDate time.Time, passes [][]float64, mu, sigma, z float64) *models.ForecastResult {
	horizon := len(passes[0])
	result := &models.ForecastResult{Dam: dam, Points: make([]models.ForecastPoint, horizon)}
	col := make([]float64, len(passes))
	for t := range horizon {
		for i, p := range passes {
			col[i] = p[t]
		}
		m, s := stat.PopMeanStdDev(col, nil)
		mean := m*sigma + mu
		half := z * s * sigma
		result.Points[t] = models.ForecastPoint{
			Date:  lastDate.AddDate(0, 0, t+1),
			Mean:  mean,
			Lower: mean - half,
			Upper: mean + half,
		}
	}
	return result
}

// fullHistory is (F-1)·2^level: the shortest history whose coarsest wavelet
// band spans a full filter length.
func (e *Estimator) fullHistory() int {
	return e.pipeline.MinRows() << e.cfg.Features.WaveletLevel
}
