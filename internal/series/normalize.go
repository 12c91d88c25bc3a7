package series

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/damforecast/internal/models"
)

// minStd is the spread below which a column is treated as constant.
const minStd = 1e-12

// Fit computes per-column mean and sample standard deviation (n-1 divisor).
// A constant column cannot be z-scored and is reported as a configuration
// error naming the column.
func Fit(schema models.Schema, rows [][]float64) (models.NormalizationStats, error) {
	if len(rows) < 2 {
		return models.NormalizationStats{}, fmt.Errorf("%w: need at least 2 rows to fit statistics, got %d",
			models.ErrInvalidInput, len(rows))
	}
	stats := models.NormalizationStats{
		Schema: schema.Clone(),
		Mean:   make([]float64, len(schema)),
		Std:    make([]float64, len(schema)),
	}
	col := make([]float64, len(rows))
	for j, name := range schema {
		for i, row := range rows {
			if len(row) != len(schema) {
				return models.NormalizationStats{}, fmt.Errorf("%w: row %d has %d values, want %d",
					models.ErrSchemaMismatch, i, len(row), len(schema))
			}
			col[i] = row[j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if math.IsNaN(std) || math.IsInf(std, 0) || math.IsInf(mean, 0) {
			return models.NormalizationStats{}, fmt.Errorf("%w: feature %q has non-finite values",
				models.ErrInvalidInput, name)
		}
		if std < minStd {
			return models.NormalizationStats{}, fmt.Errorf("%w: feature %q has zero variance in the training split",
				models.ErrConfiguration, name)
		}
		stats.Mean[j] = mean
		stats.Std[j] = std
	}
	return stats, nil
}

// Apply z-scores rows by position after checking that they were produced with
// the schema the statistics were fitted on. rows is left untouched.
func Apply(stats models.NormalizationStats, schema models.Schema, rows [][]float64) ([][]float64, error) {
	if err := stats.Schema.Check(schema); err != nil {
		return nil, err
	}
	if len(stats.Mean) != len(schema) || len(stats.Std) != len(schema) {
		return nil, fmt.Errorf("%w: statistics cover %d/%d columns, schema has %d",
			models.ErrSchemaMismatch, len(stats.Mean), len(stats.Std), len(schema))
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != len(schema) {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d",
				models.ErrSchemaMismatch, i, len(row), len(schema))
		}
		z := make([]float64, len(row))
		for j, v := range row {
			z[j] = (v - stats.Mean[j]) / stats.Std[j]
		}
		out[i] = z
	}
	return out, nil
}

// Denormalize maps a z-score of the named feature back to its original scale.
func Denormalize(stats models.NormalizationStats, name string, z float64) (float64, error) {
	mean, std, err := stats.Of(name)
	if err != nil {
		return 0, err
	}
	return z*std + mean, nil
}
