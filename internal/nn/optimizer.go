package nn

import (
	"fmt"
	"math"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step(params []*Param)
	LearningRate() float64
	SetLearningRate(lr float64)
}

// NewOptimizer returns "rmsprop" or "adam" with Keras default moments.
func NewOptimizer(name string, lr float64) (Optimizer, error) {
	switch name {
	case "rmsprop":
		return NewRMSprop(lr), nil
	case "adam":
		return NewAdam(lr), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// RMSprop scales each step by a running average of squared gradients.
type RMSprop struct {
	lr, rho, eps float64
	sq           map[*Param][]float64
}

func NewRMSprop(lr float64) *RMSprop {
	return &RMSprop{lr: lr, rho: 0.9, eps: 1e-7, sq: make(map[*Param][]float64)}
}

func (o *RMSprop) Step(params []*Param) {
	for _, p := range params {
		sq, ok := o.sq[p]
		if !ok {
			sq = make([]float64, len(p.Value))
			o.sq[p] = sq
		}
		for i, g := range p.grad {
			sq[i] = o.rho*sq[i] + (1-o.rho)*g*g
			p.Value[i] -= o.lr * g / (math.Sqrt(sq[i]) + o.eps)
		}
	}
}

func (o *RMSprop) LearningRate() float64      { return o.lr }
func (o *RMSprop) SetLearningRate(lr float64) { o.lr = lr }

// Adam is the bias-corrected adaptive moment optimizer.
type Adam struct {
	lr, beta1, beta2, eps float64
	step                  int
	m, v                  map[*Param][]float64
}

func NewAdam(lr float64) *Adam {
	return &Adam{
		lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7,
		m: make(map[*Param][]float64),
		v: make(map[*Param][]float64),
	}
}

func (o *Adam) Step(params []*Param) {
	o.step++
	c1 := 1 - math.Pow(o.beta1, float64(o.step))
	c2 := 1 - math.Pow(o.beta2, float64(o.step))
	for _, p := range params {
		m, ok := o.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			o.m[p] = m
			o.v[p] = make([]float64, len(p.Value))
		}
		v := o.v[p]
		for i, g := range p.grad {
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
			p.Value[i] -= o.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.eps)
		}
	}
}

func (o *Adam) LearningRate() float64      { return o.lr }
func (o *Adam) SetLearningRate(lr float64) { o.lr = lr }
