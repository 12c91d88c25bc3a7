package nn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/lox/damforecast/internal/models"
)

// ErrDiverged is returned when the training loss stops being finite.
var ErrDiverged = errors.New("training diverged")

// FitConfig controls the training loop and its callbacks.
type FitConfig struct {
	Epochs    int
	BatchSize int

	// Early stopping on the monitored loss, restoring the best weights.
	EarlyStopPatience int

	// Learning-rate reduction on plateau.
	LRFactor   float64
	LRPatience int
	LRCooldown int
	MinLR      float64
	MinDelta   float64
}

// EpochStats is reported after every epoch.
type EpochStats struct {
	Epoch        int     `json:"epoch"`
	Loss         float64 `json:"loss"`
	ValLoss      float64 `json:"val_loss,omitempty"`
	LearningRate float64 `json:"learning_rate"`
	Improved     bool    `json:"improved"`
}

// History summarises a fit.
type History struct {
	Epochs       []EpochStats `json:"epochs"`
	Monitor      string       `json:"monitor"`
	BestEpoch    int          `json:"best_epoch"`
	BestLoss     float64      `json:"best_loss"`
	StoppedEarly bool         `json:"stopped_early"`
}

// Fit trains on windows with shuffled mini-batches and MSE loss. The loss on
// val is monitored when val is non-empty; otherwise the training loss is. On
// return the network holds the weights of the best monitored epoch. ctx is
// checked between epochs.
func (m *Seq2Seq) Fit(ctx context.Context, train, val []models.Window, opt Optimizer, cfg FitConfig,
	rng *rand.Rand, onEpoch func(EpochStats)) (*History, error) {
	if len(train) == 0 {
		return nil, fmt.Errorf("%w: no training windows", models.ErrInvalidInput)
	}
	if cfg.BatchSize < 1 || cfg.Epochs < 1 {
		return nil, fmt.Errorf("%w: epochs and batch size must be positive", models.ErrConfiguration)
	}

	hist := &History{Monitor: "val_loss", BestLoss: math.Inf(1), BestEpoch: -1}
	if len(val) == 0 {
		hist.Monitor = "loss"
	}
	stopper := earlyStopping{patience: cfg.EarlyStopPatience, best: math.Inf(1)}
	plateau := plateauScheduler{
		factor: cfg.LRFactor, patience: cfg.LRPatience, cooldown: cfg.LRCooldown,
		minLR: cfg.MinLR, minDelta: cfg.MinDelta, best: math.Inf(1),
	}
	var best [][]float64

	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	for epoch := range cfg.Epochs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var total float64
		for start := 0; start < len(order); start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, len(order))
			batch := make([]models.Window, 0, end-start)
			for _, idx := range order[start:end] {
				batch = append(batch, train[idx])
			}
			total += m.trainBatch(batch, opt, rng) * float64(len(batch))
		}

		stats := EpochStats{Epoch: epoch, Loss: total / float64(len(train)), LearningRate: opt.LearningRate()}
		monitored := stats.Loss
		if len(val) > 0 {
			stats.ValLoss = m.Evaluate(val)
			monitored = stats.ValLoss
		}
		if math.IsNaN(monitored) || math.IsInf(monitored, 0) {
			return nil, fmt.Errorf("%w at epoch %d", ErrDiverged, epoch)
		}

		if newLR, reduced := plateau.update(monitored, opt.LearningRate()); reduced {
			opt.SetLearningRate(newLR)
		}
		improved, stop := stopper.update(monitored)
		if improved {
			stats.Improved = true
			hist.BestEpoch = epoch
			hist.BestLoss = monitored
			best = m.snapshot()
		}
		hist.Epochs = append(hist.Epochs, stats)
		if onEpoch != nil {
			onEpoch(stats)
		}
		if stop {
			hist.StoppedEarly = true
			break
		}
	}

	if best != nil {
		m.restore(best)
	}
	return hist, nil
}

// trainBatch runs one optimizer step and returns the batch loss including the
// regularisation penalty.
func (m *Seq2Seq) trainBatch(batch []models.Window, opt Optimizer, rng *rand.Rand) float64 {
	m.zeroGrad()
	horizon := m.Config.Horizon
	scale := 2 / float64(horizon*len(batch))
	var sse float64
	dy := make([]float64, horizon)
	for _, w := range batch {
		tr := m.forward(w.X, rng)
		for t := range horizon {
			diff := tr.y[t] - w.Y[t]
			sse += diff * diff
			dy[t] = scale * diff
		}
		m.backward(tr, dy)
	}
	params := m.params()
	for _, p := range params {
		p.addPenaltyGrad()
	}
	loss := sse/float64(horizon*len(batch)) + m.Penalty()
	opt.Step(params)
	return loss
}

// Evaluate returns the deterministic MSE over windows plus the penalty.
func (m *Seq2Seq) Evaluate(windows []models.Window) float64 {
	if len(windows) == 0 {
		return math.NaN()
	}
	var sse float64
	for _, w := range windows {
		y := m.Predict(w.X)
		for t := range y {
			d := y[t] - w.Y[t]
			sse += d * d
		}
	}
	return sse/float64(len(windows)*m.Config.Horizon) + m.Penalty()
}

// earlyStopping tracks the best monitored loss and signals a stop once it
// has not improved for patience epochs. Patience 0 disables stopping.
type earlyStopping struct {
	patience int
	best     float64
	wait     int
}

func (e *earlyStopping) update(loss float64) (improved, stop bool) {
	if loss < e.best {
		e.best = loss
		e.wait = 0
		return true, false
	}
	e.wait++
	return false, e.patience > 0 && e.wait >= e.patience
}

// plateauScheduler multiplies the learning rate by factor after patience
// epochs without an improvement larger than minDelta, then waits cooldown
// epochs before counting again.
type plateauScheduler struct {
	factor   float64
	patience int
	cooldown int
	minLR    float64
	minDelta float64

	best            float64
	wait            int
	cooldownCounter int
}

func (p *plateauScheduler) update(loss, lr float64) (float64, bool) {
	if p.patience <= 0 || p.factor <= 0 || p.factor >= 1 {
		return lr, false
	}
	if p.cooldownCounter > 0 {
		p.cooldownCounter--
		p.wait = 0
	}
	if loss < p.best-p.minDelta {
		p.best = loss
		p.wait = 0
		return lr, false
	}
	if p.cooldownCounter > 0 {
		return lr, false
	}
	p.wait++
	if p.wait < p.patience || lr <= p.minLR {
		return lr, false
	}
	p.wait = 0
	p.cooldownCounter = p.cooldown
	return max(lr*p.factor, p.minLR), true
}
