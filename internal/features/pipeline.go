package features

import (
	"fmt"
	"time"

	"github.com/lox/damforecast/internal/config"
	"github.com/lox/damforecast/internal/metrics"
	"github.com/lox/damforecast/internal/models"
)

// Pipeline turns raw daily observations into the engineered feature table.
type Pipeline struct {
	site    Site
	wavelet *Wavelet
	level   int
	schema  models.Schema
}

// NewPipeline validates the wavelet settings and builds a pipeline.
func NewPipeline(cfg config.Features) (*Pipeline, error) {
	w, err := LookupWavelet(cfg.Wavelet)
	if err != nil {
		return nil, err
	}
	if cfg.WaveletLevel != len(waveletColumns)-1 {
		return nil, fmt.Errorf("%w: wavelet level %d does not match the %d band columns",
			models.ErrConfiguration, cfg.WaveletLevel, len(waveletColumns))
	}
	if err := models.FeatureSchema.Check(cfg.Schema); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}
	return &Pipeline{
		site:    Site{AltitudeM: cfg.AltitudeM, LatitudeDeg: cfg.LatitudeDeg},
		wavelet: w,
		level:   cfg.WaveletLevel,
		schema:  cfg.Schema.Clone(),
	}, nil
}

// MinRows is the shortest history Derive accepts.
func (p *Pipeline) MinRows() int {
	return p.wavelet.MinSamples()
}

// Derive computes one feature row per observation. Wavelet bands are computed
// over the whole tma series, so the result for a given date depends on the
// history supplied with it.
func (p *Pipeline) Derive(dam string, obs []models.RawObservation) (*models.FeatureTable, error) {
	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: no observations for %s", models.ErrInvalidInput, dam)
	}
	for i := 1; i < len(obs); i++ {
		if !obs[i].Date.After(obs[i-1].Date) {
			return nil, fmt.Errorf("%w: dates must be strictly increasing (row %d: %s after %s)",
				models.ErrInvalidInput, i, obs[i].Date.Format(time.DateOnly), obs[i-1].Date.Format(time.DateOnly))
		}
	}

	tma := make([]float64, len(obs))
	for i, o := range obs {
		tma[i] = o.TMA
	}
	bands, err := p.wavelet.Decompose(tma, p.level)
	if err != nil {
		return nil, fmt.Errorf("decompose %s for %s: %w", models.FeatTMA, dam, err)
	}

	idx := p.columnIndex()
	table := &models.FeatureTable{
		Dam:    dam,
		Schema: p.schema.Clone(),
		Dates:  make([]time.Time, len(obs)),
		Rows:   make([][]float64, len(obs)),
	}
	for i, o := range obs {
		doy := o.Date.YearDay()
		wind := DecomposeWind(o.FFAvg, o.FFX, o.DDDX)
		sinDay, cosDay := EncodeDayOfYear(doy)

		row := make([]float64, len(p.schema))
		row[idx.tavg] = o.TAvg
		row[idx.rh] = o.RHAvg
		row[idx.rr] = o.RR
		row[idx.tma] = o.TMA
		row[idx.slr] = NetRadiation(p.site, o.TAvg, o.RHAvg, o.SS/referenceDayLen, doy)
		row[idx.wx] = wind.WX
		row[idx.wy] = wind.WY
		row[idx.maxWX] = wind.MaxWX
		row[idx.maxWY] = wind.MaxWY
		row[idx.sinDay] = sinDay
		row[idx.cosDay] = cosDay
		for b, col := range idx.bands {
			row[col] = bands[b][i]
		}
		table.Dates[i] = o.Date
		table.Rows[i] = row
	}

	metrics.FeatureRowsDerived.WithLabelValues(dam).Add(float64(len(obs)))
	return table, nil
}

// waveletColumns holds the band columns in decomposition order.
var waveletColumns = []string{
	models.FeatWaveletCA3, models.FeatWaveletCD3, models.FeatWaveletCD2, models.FeatWaveletCD1,
}

type columns struct {
	tavg, rh, rr, tma, slr int
	wx, wy, maxWX, maxWY   int
	sinDay, cosDay         int
	bands                  []int
}

func (p *Pipeline) columnIndex() columns {
	s := p.schema
	bands := make([]int, len(waveletColumns))
	for i, name := range waveletColumns {
		bands[i] = s.Index(name)
	}
	return columns{
		tavg:   s.Index(models.FeatTAvg),
		rh:     s.Index(models.FeatRHAvg),
		rr:     s.Index(models.FeatRR),
		tma:    s.Index(models.FeatTMA),
		slr:    s.Index(models.FeatSLR),
		wx:     s.Index(models.FeatWX),
		wy:     s.Index(models.FeatWY),
		maxWX:  s.Index(models.FeatMaxWX),
		maxWY:  s.Index(models.FeatMaxWY),
		sinDay: s.Index(models.FeatSinDay),
		cosDay: s.Index(models.FeatCosDay),
		bands:  bands,
	}
}
