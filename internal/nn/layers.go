package nn

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Dense is a fully connected layer, optionally followed by ReLU.
type Dense struct {
	Kernel *Param `json:"kernel"` // [out][in]
	Bias   *Param `json:"bias"`
	ReLU   bool   `json:"relu"`
}

func newDense(in, out int, relu bool, l2 float64, rng *rand.Rand) *Dense {
	d := &Dense{
		Kernel: newParam(out, in, l2),
		Bias:   newParam(out, 1, 0),
		ReLU:   relu,
	}
	glorotUniform(d.Kernel, in, out, rng)
	return d
}

func (d *Dense) forward(x []float64) []float64 {
	y := append([]float64(nil), d.Bias.Value...)
	d.Kernel.mulVecAdd(y, x)
	if d.ReLU {
		for i, v := range y {
			y[i] = relu(v)
		}
	}
	return y
}

// backward accumulates gradients for one input and returns dL/dx. y is the
// forward output.
func (d *Dense) backward(x, y, dy []float64) []float64 {
	dz := dy
	if d.ReLU {
		dz = make([]float64, len(dy))
		for i := range dy {
			if y[i] > 0 {
				dz[i] = dy[i]
			}
		}
	}
	d.Kernel.accumOuter(dz, x)
	floats.Add(d.Bias.grad, dz)
	dx := make([]float64, d.Kernel.Cols)
	d.Kernel.mulTVecAdd(dx, dz)
	return dx
}

func (d *Dense) params() []*Param {
	return []*Param{d.Kernel, d.Bias}
}

// LSTM is a recurrent layer with sigmoid gates and ReLU cell activation.
// Gate blocks are stacked in the order input, forget, candidate, output.
type LSTM struct {
	Units     int    `json:"units"`
	Kernel    *Param `json:"kernel"`    // [4u][in]
	Recurrent *Param `json:"recurrent"` // [4u][u]
	Bias      *Param `json:"bias"`      // [4u]
}

func newLSTM(in, units int, l2 float64, rng *rand.Rand) *LSTM {
	l := &LSTM{
		Units:     units,
		Kernel:    newParam(4*units, in, l2),
		Recurrent: newParam(4*units, units, 0),
		Bias:      newParam(4*units, 1, 0),
	}
	glorotUniform(l.Kernel, in, 4*units, rng)
	orthogonal(l.Recurrent, rng)
	for k := units; k < 2*units; k++ {
		l.Bias.Value[k] = 1
	}
	return l
}

type lstmStep struct {
	x, hPrev, cPrev []float64
	i, f, g, o      []float64
	c, h            []float64
}

// forward runs the layer over xs from a zero state.
func (l *LSTM) forward(xs [][]float64) []lstmStep {
	u := l.Units
	steps := make([]lstmStep, len(xs))
	h := make([]float64, u)
	c := make([]float64, u)
	for t, x := range xs {
		z := append([]float64(nil), l.Bias.Value...)
		l.Kernel.mulVecAdd(z, x)
		l.Recurrent.mulVecAdd(z, h)

		s := lstmStep{
			x: x, hPrev: h, cPrev: c,
			i: make([]float64, u), f: make([]float64, u),
			g: make([]float64, u), o: make([]float64, u),
			c: make([]float64, u), h: make([]float64, u),
		}
		for k := range u {
			s.i[k] = sigmoid(z[k])
			s.f[k] = sigmoid(z[u+k])
			s.g[k] = relu(z[2*u+k])
			s.o[k] = sigmoid(z[3*u+k])
			s.c[k] = s.f[k]*c[k] + s.i[k]*s.g[k]
			s.h[k] = s.o[k] * relu(s.c[k])
		}
		steps[t] = s
		h, c = s.h, s.c
	}
	return steps
}

// backward runs backpropagation through time. dh[t] is the gradient flowing
// into step t's hidden output from above and may be nil. It returns dL/dx for
// every step.
func (l *LSTM) backward(steps []lstmStep, dh [][]float64) [][]float64 {
	u := l.Units
	dxs := make([][]float64, len(steps))
	dhNext := make([]float64, u)
	dcNext := make([]float64, u)
	for t := len(steps) - 1; t >= 0; t-- {
		s := steps[t]
		dz := make([]float64, 4*u)
		dcPrev := make([]float64, u)
		for k := range u {
			dhk := dhNext[k]
			if dh[t] != nil {
				dhk += dh[t][k]
			}
			dc := dcNext[k]
			if s.c[k] > 0 {
				dc += dhk * s.o[k]
			}
			do := dhk * relu(s.c[k])
			di := dc * s.g[k]
			dg := dc * s.i[k]
			df := dc * s.cPrev[k]
			dcPrev[k] = dc * s.f[k]

			dz[k] = di * s.i[k] * (1 - s.i[k])
			dz[u+k] = df * s.f[k] * (1 - s.f[k])
			if s.g[k] > 0 {
				dz[2*u+k] = dg
			}
			dz[3*u+k] = do * s.o[k] * (1 - s.o[k])
		}
		l.Kernel.accumOuter(dz, s.x)
		l.Recurrent.accumOuter(dz, s.hPrev)
		floats.Add(l.Bias.grad, dz)

		dx := make([]float64, l.Kernel.Cols)
		l.Kernel.mulTVecAdd(dx, dz)
		dxs[t] = dx

		dhPrev := make([]float64, u)
		l.Recurrent.mulTVecAdd(dhPrev, dz)
		dhNext, dcNext = dhPrev, dcPrev
	}
	return dxs
}

func (l *LSTM) params() []*Param {
	return []*Param{l.Kernel, l.Recurrent, l.Bias}
}

// dropoutMask draws an inverted-dropout mask: each entry is 0 with probability
// rate and 1/(1-rate) otherwise. A nil rng or zero rate yields nil.
func dropoutMask(n int, rate float64, rng *rand.Rand) []float64 {
	if rng == nil || rate <= 0 {
		return nil
	}
	keep := 1 / (1 - rate)
	mask := make([]float64, n)
	for i := range mask {
		if rng.Float64() >= rate {
			mask[i] = keep
		}
	}
	return mask
}

func applyMask(x, mask []float64) []float64 {
	if mask == nil {
		return x
	}
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i] * mask[i]
	}
	return out
}
