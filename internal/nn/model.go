package nn

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
)

// Config fixes the network topology.
type Config struct {
	Inputs          int     `json:"inputs"`
	Horizon         int     `json:"horizon"`
	EncoderUnits    int     `json:"encoder_units"`
	BottleneckUnits int     `json:"bottleneck_units"`
	DecoderUnits    int     `json:"decoder_units"`
	Dropout         float64 `json:"dropout"`
	L2              float64 `json:"l2"`
}

func (c Config) validate() error {
	switch {
	case c.Inputs < 1, c.Horizon < 1:
		return fmt.Errorf("inputs and horizon must be positive, got %d and %d", c.Inputs, c.Horizon)
	case c.EncoderUnits < 1, c.BottleneckUnits < 1, c.DecoderUnits < 1:
		return errors.New("layer sizes must be positive")
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("dropout %.2f outside [0, 1)", c.Dropout)
	case c.L2 < 0:
		return fmt.Errorf("negative l2 %.4f", c.L2)
	}
	return nil
}

// Seq2Seq encodes an input sequence into one vector, repeats it Horizon times
// and decodes it into one value per step:
//
//	LSTM(enc) → Dense(bottleneck, relu) → Dropout → Repeat(horizon)
//	  → LSTM(dec, sequences) → Dropout → Dense(1) per step
type Seq2Seq struct {
	Config     Config `json:"config"`
	Encoder    *LSTM  `json:"encoder"`
	Bottleneck *Dense `json:"bottleneck"`
	Decoder    *LSTM  `json:"decoder"`
	Output     *Dense `json:"output"`
}

// New builds a freshly initialised network. L2 applies to the encoder and
// bottleneck kernels.
func New(cfg Config, rng *rand.Rand) (*Seq2Seq, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("nn config: %w", err)
	}
	return &Seq2Seq{
		Config:     cfg,
		Encoder:    newLSTM(cfg.Inputs, cfg.EncoderUnits, cfg.L2, rng),
		Bottleneck: newDense(cfg.EncoderUnits, cfg.BottleneckUnits, true, cfg.L2, rng),
		Decoder:    newLSTM(cfg.BottleneckUnits, cfg.DecoderUnits, 0, rng),
		Output:     newDense(cfg.DecoderUnits, 1, false, 0, rng),
	}, nil
}

// trace holds every intermediate of one forward pass so that passes can run
// concurrently on a shared, read-only network.
type trace struct {
	enc      []lstmStep
	bott     []float64
	bottMask []float64
	repeated []float64
	dec      []lstmStep
	decMask  [][]float64
	decOut   [][]float64
	y        []float64
}

// forward runs one pass. Dropout is active only when rng is non-nil.
func (m *Seq2Seq) forward(x [][]float64, rng *rand.Rand) *trace {
	cfg := m.Config
	tr := &trace{}

	tr.enc = m.Encoder.forward(x)
	last := tr.enc[len(tr.enc)-1].h
	tr.bott = m.Bottleneck.forward(last)
	tr.bottMask = dropoutMask(len(tr.bott), cfg.Dropout, rng)
	tr.repeated = applyMask(tr.bott, tr.bottMask)

	decIn := make([][]float64, cfg.Horizon)
	for t := range decIn {
		decIn[t] = tr.repeated
	}
	tr.dec = m.Decoder.forward(decIn)

	tr.decMask = make([][]float64, cfg.Horizon)
	tr.decOut = make([][]float64, cfg.Horizon)
	tr.y = make([]float64, cfg.Horizon)
	for t, s := range tr.dec {
		tr.decMask[t] = dropoutMask(len(s.h), cfg.Dropout, rng)
		tr.decOut[t] = applyMask(s.h, tr.decMask[t])
		tr.y[t] = m.Output.forward(tr.decOut[t])[0]
	}
	return tr
}

// backward accumulates parameter gradients for one pass given dL/dy.
func (m *Seq2Seq) backward(tr *trace, dy []float64) {
	dDec := make([][]float64, len(tr.dec))
	for t := range tr.dec {
		dh := m.Output.backward(tr.decOut[t], nil, []float64{dy[t]})
		dDec[t] = applyMask(dh, tr.decMask[t])
	}
	dIn := m.Decoder.backward(tr.dec, dDec)

	dRepeated := make([]float64, len(tr.repeated))
	for _, d := range dIn {
		for k, v := range d {
			dRepeated[k] += v
		}
	}
	dBott := applyMask(dRepeated, tr.bottMask)

	last := tr.enc[len(tr.enc)-1].h
	dLast := m.Bottleneck.backward(last, tr.bott, dBott)

	dEnc := make([][]float64, len(tr.enc))
	dEnc[len(dEnc)-1] = dLast
	m.Encoder.backward(tr.enc, dEnc)
}

// Predict runs a deterministic pass with dropout disabled.
func (m *Seq2Seq) Predict(x [][]float64) []float64 {
	return m.forward(x, nil).y
}

// PredictStochastic runs a pass with dropout active, drawing masks from rng.
// The network is only read, so calls with distinct rngs may run concurrently.
func (m *Seq2Seq) PredictStochastic(x [][]float64, rng *rand.Rand) []float64 {
	return m.forward(x, rng).y
}

func (m *Seq2Seq) params() []*Param {
	var ps []*Param
	ps = append(ps, m.Encoder.params()...)
	ps = append(ps, m.Bottleneck.params()...)
	ps = append(ps, m.Decoder.params()...)
	ps = append(ps, m.Output.params()...)
	return ps
}

// Penalty is the L2 regularisation term added to the loss.
func (m *Seq2Seq) Penalty() float64 {
	var sum float64
	for _, p := range m.params() {
		sum += p.penalty()
	}
	return sum
}

func (m *Seq2Seq) zeroGrad() {
	for _, p := range m.params() {
		p.zeroGrad()
	}
}

func (m *Seq2Seq) snapshot() [][]float64 {
	ps := m.params()
	out := make([][]float64, len(ps))
	for i, p := range ps {
		out[i] = append([]float64(nil), p.Value...)
	}
	return out
}

func (m *Seq2Seq) restore(snap [][]float64) {
	for i, p := range m.params() {
		copy(p.Value, snap[i])
	}
}

// Validate checks that every parameter has the shape the config implies.
func (m *Seq2Seq) Validate() error {
	c := m.Config
	if err := c.validate(); err != nil {
		return err
	}
	if m.Encoder == nil || m.Bottleneck == nil || m.Decoder == nil || m.Output == nil {
		return errors.New("network is missing a layer")
	}
	eu, bu, du := c.EncoderUnits, c.BottleneckUnits, c.DecoderUnits
	return errors.Join(
		m.Encoder.Kernel.check("encoder kernel", 4*eu, c.Inputs),
		m.Encoder.Recurrent.check("encoder recurrent", 4*eu, eu),
		m.Encoder.Bias.check("encoder bias", 4*eu, 1),
		m.Bottleneck.Kernel.check("bottleneck kernel", bu, eu),
		m.Bottleneck.Bias.check("bottleneck bias", bu, 1),
		m.Decoder.Kernel.check("decoder kernel", 4*du, bu),
		m.Decoder.Recurrent.check("decoder recurrent", 4*du, du),
		m.Decoder.Bias.check("decoder bias", 4*du, 1),
		m.Output.Kernel.check("output kernel", 1, du),
		m.Output.Bias.check("output bias", 1, 1),
	)
}

// Unmarshal decodes a network and checks its shapes.
func Unmarshal(data []byte) (*Seq2Seq, error) {
	var m Seq2Seq
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode network: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("decode network: %w", err)
	}
	m.Encoder.Units = m.Config.EncoderUnits
	m.Decoder.Units = m.Config.DecoderUnits
	return &m, nil
}
