// Package series turns feature tables into normalized supervised windows.
package series

import (
	"fmt"

	"github.com/lox/damforecast/internal/models"
)

// BuildWindows slices rows into unit-stride windows of li input rows followed
// by lo target values taken from column target. It yields exactly
// len(rows)-li-lo windows, so the final row never appears as a target.
func BuildWindows(rows [][]float64, li, lo, target int) ([]models.Window, error) {
	if li < 1 || lo < 1 {
		return nil, fmt.Errorf("%w: window lengths must be positive (input %d, output %d)",
			models.ErrConfiguration, li, lo)
	}
	n := len(rows)
	if n <= li+lo {
		return nil, fmt.Errorf("%w: %d rows cannot form a %d+%d window",
			models.ErrInvalidInput, n, li, lo)
	}
	if target < 0 || target >= len(rows[0]) {
		return nil, fmt.Errorf("%w: target column %d out of range", models.ErrConfiguration, target)
	}

	windows := make([]models.Window, 0, n-li-lo)
	for i := range n - li - lo {
		x := make([][]float64, li)
		for j := range li {
			x[j] = append([]float64(nil), rows[i+j]...)
		}
		y := make([]float64, lo)
		for j := range lo {
			y[j] = rows[i+li+j][target]
		}
		windows = append(windows, models.Window{X: x, Y: y})
	}
	return windows, nil
}

// LastWindow returns a copy of the final li rows.
func LastWindow(rows [][]float64, li int) ([][]float64, error) {
	if li < 1 {
		return nil, fmt.Errorf("%w: input length must be positive", models.ErrConfiguration)
	}
	if len(rows) < li {
		return nil, fmt.Errorf("%w: need at least %d rows, got %d", models.ErrInvalidInput, li, len(rows))
	}
	out := make([][]float64, li)
	for i, row := range rows[len(rows)-li:] {
		out[i] = append([]float64(nil), row...)
	}
	return out, nil
}

// SplitChronological splits rows at floor(len*ratio) without shuffling.
func SplitChronological(rows [][]float64, ratio float64) (train, val [][]float64) {
	cut := int(float64(len(rows)) * ratio)
	cut = max(0, min(cut, len(rows)))
	return rows[:cut], rows[cut:]
}
