package models

import (
	"fmt"
	"math"
	"time"
)

// Raw column names as they appear in uploaded tables after header
// normalisation.
const (
	ColDate  = "date"
	ColTAvg  = "tavg"
	ColRHAvg = "rh_avg"
	ColRR    = "rr"
	ColSS    = "ss"
	ColFFAvg = "ff_avg"
	ColFFX   = "ff_x"
	ColDDDX  = "ddd_x"
	ColTMA   = "tma"
)

// RequiredRawColumns lists every column an uploaded table must carry.
var RequiredRawColumns = []string{ColDate, ColTAvg, ColRHAvg, ColRR, ColSS, ColFFAvg, ColFFX, ColDDDX, ColTMA}

// RawObservation is one calendar day of weather and reservoir readings for a dam.
type RawObservation struct {
	Date  time.Time
	TAvg  float64 // mean air temperature, °C
	RHAvg float64 // mean relative humidity, %
	RR    float64 // rainfall, mm
	SS    float64 // sunshine duration, hours
	FFAvg float64 // mean wind speed, m/s
	FFX   float64 // gust wind speed, m/s
	DDDX  float64 // wind direction, degrees
	TMA   float64 // water level
}

// Feature column names.
const (
	FeatTAvg       = "tavg"
	FeatRHAvg      = "rh_avg"
	FeatRR         = "rr"
	FeatTMA        = "tma"
	FeatSLR        = "slr"
	FeatWX         = "wx"
	FeatWY         = "wy"
	FeatMaxWX      = "max_wx"
	FeatMaxWY      = "max_wy"
	FeatSinDay     = "sin_day"
	FeatCosDay     = "cos_day"
	FeatWaveletCA3 = "wavelet_ca3"
	FeatWaveletCD3 = "wavelet_cd3"
	FeatWaveletCD2 = "wavelet_cd2"
	FeatWaveletCD1 = "wavelet_cd1"
)

// FeatureSchema is the column order every feature table, normalization stats
// and model input uses.
var FeatureSchema = Schema{
	FeatTAvg, FeatRHAvg, FeatRR, FeatTMA, FeatSLR,
	FeatWX, FeatWY, FeatMaxWX, FeatMaxWY,
	FeatSinDay, FeatCosDay,
	FeatWaveletCA3, FeatWaveletCD3, FeatWaveletCD2, FeatWaveletCD1,
}

// FeatureTable is a date-indexed matrix of engineered features for one dam.
// Rows[i] holds the values for Dates[i] in Schema order.
type FeatureTable struct {
	Dam    string      `json:"dam"`
	Schema Schema      `json:"schema"`
	Dates  []time.Time `json:"dates"`
	Rows   [][]float64 `json:"rows"`
}

func (t *FeatureTable) Len() int {
	return len(t.Rows)
}

// Column returns a copy of the named column.
func (t *FeatureTable) Column(name string) ([]float64, error) {
	idx := t.Schema.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
	}
	col := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		col[i] = row[idx]
	}
	return col, nil
}

// Window is one supervised training pair: Li rows of features and the next Lo
// target values.
type Window struct {
	X [][]float64
	Y []float64
}

// NormalizationStats holds the per-feature z-score parameters fitted on a
// training split.
type NormalizationStats struct {
	Schema Schema    `json:"schema"`
	Mean   []float64 `json:"mean"`
	Std    []float64 `json:"std"`
}

// Of returns the mean and standard deviation of the named feature.
func (s NormalizationStats) Of(name string) (mean, std float64, err error) {
	idx := s.Schema.Index(name)
	if idx < 0 || idx >= len(s.Mean) || idx >= len(s.Std) {
		return 0, 0, fmt.Errorf("%w: no statistics for %s", ErrMissingColumn, name)
	}
	return s.Mean[idx], s.Std[idx], nil
}

type ForecastPoint struct {
	Date  time.Time
	Mean  float64
	Lower float64
	Upper float64
}

type ForecastResult struct {
	Dam    string
	Points []ForecastPoint
}

// Interval is the JSON shape of one forecast day.
type Interval struct {
	Mean  float64 `json:"mean"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ByDate maps ISO calendar dates to the forecast interval, rounded to 2 decimals.
func (r *ForecastResult) ByDate() map[string]Interval {
	out := make(map[string]Interval, len(r.Points))
	for _, p := range r.Points {
		out[p.Date.Format(time.DateOnly)] = Interval{
			Mean:  Round2(p.Mean),
			Lower: Round2(p.Lower),
			Upper: Round2(p.Upper),
		}
	}
	return out
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
