package features

import (
	"fmt"

	"github.com/lox/damforecast/internal/models"
)

// Wavelet is an orthogonal filter bank. Decomposition filters are the reversed
// reconstruction filters; the high-pass pair is the quadrature mirror of the
// low-pass pair.
type Wavelet struct {
	Name  string
	DecLo []float64
	DecHi []float64
	RecLo []float64
	RecHi []float64
}

// Reconstruction low-pass filters, identical to PyWavelets' rec_lo.
var recLoFilters = map[string][]float64{
	"haar": {0.7071067811865476, 0.7071067811865476},
	"db2": {
		0.48296291314469025, 0.836516303737469,
		0.22414386804185735, -0.12940952255092145,
	},
	"db4": {
		0.2303778133088965, 0.7148465705529157,
		0.6308807679298589, -0.027983769416859854,
		-0.18703481171909309, 0.030841381835560764,
		0.0328830116668852, -0.010597401785069032,
	},
}

// LookupWavelet builds the filter bank for a named wavelet.
func LookupWavelet(name string) (*Wavelet, error) {
	recLo, ok := recLoFilters[name]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported wavelet %q", models.ErrConfiguration, name)
	}
	n := len(recLo)
	w := &Wavelet{
		Name:  name,
		DecLo: make([]float64, n),
		DecHi: make([]float64, n),
		RecLo: append([]float64(nil), recLo...),
		RecHi: make([]float64, n),
	}
	for i := range n {
		w.RecHi[i] = recLo[n-1-i]
		if i%2 == 1 {
			w.RecHi[i] = -w.RecHi[i]
		}
	}
	for i := range n {
		w.DecLo[i] = w.RecLo[n-1-i]
		w.DecHi[i] = w.RecHi[n-1-i]
	}
	return w, nil
}

// MinSamples is the shortest signal that yields at least one full level of
// decomposition.
func (w *Wavelet) MinSamples() int {
	return len(w.DecLo) - 1
}

// symmetricIndex maps an index outside [0, n) back into range using half-sample
// symmetric extension (x[-1] = x[0], x[n] = x[n-1]), repeating with period 2n.
func symmetricIndex(i, n int) int {
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// dwt performs one level of the discrete wavelet transform with symmetric
// boundary handling. Both outputs have length floor((n+F-1)/2).
func (w *Wavelet) dwt(x []float64) (approx, detail []float64) {
	n := len(x)
	f := len(w.DecLo)
	outLen := (n + f - 1) / 2
	approx = make([]float64, outLen)
	detail = make([]float64, outLen)
	for o := range outLen {
		i := 2*o + 1
		var a, d float64
		for j := range f {
			v := x[symmetricIndex(i-j, n)]
			a += w.DecLo[j] * v
			d += w.DecHi[j] * v
		}
		approx[o] = a
		detail[o] = d
	}
	return approx, detail
}

// Wavedec returns [cA_level, cD_level, ..., cD_1].
func (w *Wavelet) Wavedec(x []float64, level int) [][]float64 {
	coeffs := make([][]float64, level+1)
	a := x
	for l := level; l >= 1; l-- {
		var d []float64
		a, d = w.dwt(a)
		coeffs[l] = d
	}
	coeffs[0] = a
	return coeffs
}

// upsampleConvolve computes the full convolution of the zero-upsampled input
// with filter. Output length is 2n+F-2.
func upsampleConvolve(input, filter []float64) []float64 {
	n, f := len(input), len(filter)
	out := make([]float64, 2*n+f-2)
	for i, v := range input {
		for j, h := range filter {
			out[2*i+j] += v * h
		}
	}
	return out
}

// Upcoef reconstructs a single coefficient band through level synthesis steps
// and crops the centre take samples. approx selects the low-pass filter for the
// first step; every further step is low-pass.
func (w *Wavelet) Upcoef(approx bool, coeffs []float64, level, take int) []float64 {
	rec := coeffs
	for l := range level {
		filter := w.RecLo
		if l == 0 && !approx {
			filter = w.RecHi
		}
		rec = upsampleConvolve(rec, filter)
	}
	if take <= 0 || take >= len(rec) {
		return rec
	}
	left := (len(rec) - take) / 2
	return append([]float64(nil), rec[left:left+take]...)
}

// Decompose runs a level-deep decomposition and reconstructs every band to
// len(x) samples. The result is [approx_level, detail_level, ..., detail_1].
func (w *Wavelet) Decompose(x []float64, level int) ([][]float64, error) {
	if len(x) < w.MinSamples() {
		return nil, fmt.Errorf("%w: %s needs at least %d samples, got %d",
			models.ErrInvalidInput, w.Name, w.MinSamples(), len(x))
	}
	coeffs := w.Wavedec(x, level)
	bands := make([][]float64, level+1)
	bands[0] = w.Upcoef(true, coeffs[0], level, len(x))
	for k := 1; k <= level; k++ {
		bands[k] = w.Upcoef(false, coeffs[k], level-k+1, len(x))
	}
	return bands, nil
}
