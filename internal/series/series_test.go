package series

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/damforecast/internal/models"
)

func rowsOf(n, width int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, width)
		for j := range rows[i] {
			rows[i][j] = float64(i*10 + j)
		}
	}
	return rows
}

func TestBuildWindows(t *testing.T) {
	rows := rowsOf(30, 3)
	windows, err := BuildWindows(rows, 7, 5, 1)
	require.NoError(t, err)
	require.Len(t, windows, 30-12)

	for i, w := range windows {
		require.Len(t, w.X, 7)
		require.Len(t, w.Y, 5)
		assert.Equal(t, rows[i], w.X[0])
		assert.Equal(t, rows[i+6], w.X[6])
		for j, y := range w.Y {
			assert.Equal(t, rows[i+7+j][1], y)
		}
	}

	last := windows[len(windows)-1]
	assert.Equal(t, rows[28][1], last.Y[4], "row n-1 is never a target")
}

func TestBuildWindowsInputAndTargetDisjoint(t *testing.T) {
	rows := rowsOf(20, 2)
	windows, err := BuildWindows(rows, 7, 5, 0)
	require.NoError(t, err)
	for _, w := range windows {
		maxX := w.X[len(w.X)-1][0]
		for _, y := range w.Y {
			assert.Greater(t, y, maxX)
		}
	}
}

func TestBuildWindowsCopiesRows(t *testing.T) {
	rows := rowsOf(13, 2)
	windows, err := BuildWindows(rows, 7, 5, 0)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	windows[0].X[0][0] = -1
	assert.Equal(t, 0.0, rows[0][0])
}

func TestBuildWindowsTooShort(t *testing.T) {
	for _, n := range []int{0, 5, 12} {
		_, err := BuildWindows(rowsOf(n, 2), 7, 5, 0)
		assert.True(t, errors.Is(err, models.ErrInvalidInput), "n=%d", n)
	}
	_, err := BuildWindows(rowsOf(20, 2), 7, 5, 2)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestLastWindow(t *testing.T) {
	rows := rowsOf(10, 2)
	w, err := LastWindow(rows, 7)
	require.NoError(t, err)
	require.Len(t, w, 7)
	assert.Equal(t, rows[3], w[0])
	assert.Equal(t, rows[9], w[6])

	_, err = LastWindow(rowsOf(6, 2), 7)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestSplitChronological(t *testing.T) {
	rows := rowsOf(10, 1)
	train, val := SplitChronological(rows, 0.8)
	assert.Len(t, train, 8)
	assert.Len(t, val, 2)
	assert.Equal(t, rows[8], val[0])
}

func TestFitAndApply(t *testing.T) {
	schema := models.Schema{"a", "b", "c"}
	rows := [][]float64{
		{1, 10, -3},
		{2, 20, 0},
		{4, 25, 3},
		{7, 45, 9},
	}
	stats, err := Fit(schema, rows)
	require.NoError(t, err)

	mean, std := stat.MeanStdDev([]float64{1, 2, 4, 7}, nil)
	assert.InDelta(t, mean, stats.Mean[0], 1e-12)
	assert.InDelta(t, std, stats.Std[0], 1e-12)
	// n-1 divisor: var = ((1-3.5)^2 + (2-3.5)^2 + (4-3.5)^2 + (7-3.5)^2) / 3 = 7
	assert.InDelta(t, 7, stats.Std[0]*stats.Std[0], 1e-9)

	z, err := Apply(stats, schema, rows)
	require.NoError(t, err)
	for j := range schema {
		col := make([]float64, len(z))
		for i := range z {
			col[i] = z[i][j]
		}
		m, s := stat.MeanStdDev(col, nil)
		assert.InDelta(t, 0, m, 1e-9)
		assert.InDelta(t, 1, s, 1e-9)
	}
	assert.Equal(t, 1.0, rows[0][0], "input rows untouched")
}

func TestFitZeroVariance(t *testing.T) {
	schema := models.Schema{"a", "flat"}
	_, err := Fit(schema, [][]float64{{1, 5}, {2, 5}, {3, 5}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
	assert.Contains(t, err.Error(), "flat")
}

func TestFitNonFinite(t *testing.T) {
	schema := models.Schema{"a", "tma"}
	for _, bad := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		_, err := Fit(schema, [][]float64{{1, 640}, {2, 641}, {3, bad}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrInvalidInput), "got %v", err)
		assert.Contains(t, err.Error(), "tma")
	}
}

func TestApplySchemaMismatch(t *testing.T) {
	stats := models.NormalizationStats{
		Schema: models.Schema{"a", "b"},
		Mean:   []float64{0, 0},
		Std:    []float64{1, 1},
	}
	_, err := Apply(stats, models.Schema{"b", "a"}, [][]float64{{1, 2}})
	assert.True(t, errors.Is(err, models.ErrSchemaMismatch))
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestDenormalize(t *testing.T) {
	stats := models.NormalizationStats{
		Schema: models.Schema{"tavg", "tma"},
		Mean:   []float64{26, 640},
		Std:    []float64{1, 2.5},
	}
	v, err := Denormalize(stats, "tma", -0.4)
	require.NoError(t, err)
	assert.InDelta(t, 639, v, 1e-12)

	_, err = Denormalize(stats, "slr", 0)
	assert.True(t, errors.Is(err, models.ErrMissingColumn))
}
