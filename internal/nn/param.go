// Package nn implements the encoder-decoder LSTM used for water-level
// forecasting: forward and backward passes, optimizers, and a fit loop with
// early stopping and learning-rate reduction.
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a trainable row-major matrix. Biases are stored as a single column.
type Param struct {
	Rows  int       `json:"rows"`
	Cols  int       `json:"cols"`
	Value []float64 `json:"value"`
	L2    float64   `json:"l2,omitempty"`

	grad []float64
}

func newParam(rows, cols int, l2 float64) *Param {
	return &Param{
		Rows:  rows,
		Cols:  cols,
		Value: make([]float64, rows*cols),
		L2:    l2,
		grad:  make([]float64, rows*cols),
	}
}

func (p *Param) row(r int) []float64 {
	return p.Value[r*p.Cols : (r+1)*p.Cols]
}

func (p *Param) gradRow(r int) []float64 {
	return p.grad[r*p.Cols : (r+1)*p.Cols]
}

// Grad exposes the accumulated gradient.
func (p *Param) Grad() []float64 {
	return p.grad
}

func (p *Param) zeroGrad() {
	if len(p.grad) != len(p.Value) {
		p.grad = make([]float64, len(p.Value))
		return
	}
	for i := range p.grad {
		p.grad[i] = 0
	}
}

func (p *Param) check(name string, rows, cols int) error {
	if p == nil {
		return fmt.Errorf("%s: missing", name)
	}
	if p.Rows != rows || p.Cols != cols || len(p.Value) != rows*cols {
		return fmt.Errorf("%s: shape %dx%d with %d values, want %dx%d",
			name, p.Rows, p.Cols, len(p.Value), rows, cols)
	}
	return nil
}

// mulVecAdd adds W·x to dst.
func (p *Param) mulVecAdd(dst, x []float64) {
	for r := range p.Rows {
		dst[r] += floats.Dot(p.row(r), x)
	}
}

// mulTVecAdd adds Wᵀ·dz to dst.
func (p *Param) mulTVecAdd(dst, dz []float64) {
	for r, d := range dz {
		if d != 0 {
			floats.AddScaled(dst, d, p.row(r))
		}
	}
}

// accumOuter adds dz ⊗ x to the gradient.
func (p *Param) accumOuter(dz, x []float64) {
	for r, d := range dz {
		if d != 0 {
			floats.AddScaled(p.gradRow(r), d, x)
		}
	}
}

func (p *Param) penalty() float64 {
	if p.L2 == 0 {
		return 0
	}
	return p.L2 * floats.Dot(p.Value, p.Value)
}

func (p *Param) addPenaltyGrad() {
	if p.L2 != 0 {
		floats.AddScaled(p.grad, 2*p.L2, p.Value)
	}
}

// glorotUniform fills p from U(-l, l) with l = sqrt(6 / (fanIn + fanOut)).
func glorotUniform(p *Param, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = (2*rng.Float64() - 1) * limit
	}
}

// orthogonal fills p with orthonormal columns taken from the QR factorization
// of a Gaussian matrix. p must have at least as many rows as columns.
func orthogonal(p *Param, rng *rand.Rand) {
	a := mat.NewDense(p.Rows, p.Cols, nil)
	for i := range p.Rows {
		for j := range p.Cols {
			a.Set(i, j, rng.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(a)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)
	for j := range p.Cols {
		sign := 1.0
		if r.At(j, j) < 0 {
			sign = -1
		}
		for i := range p.Rows {
			p.Value[i*p.Cols+j] = q.At(i, j) * sign
		}
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}
