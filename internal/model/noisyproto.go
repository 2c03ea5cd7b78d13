package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// sigmaFloor keeps the injected noise scale strictly positive.
const sigmaFloor = 1e-4

// Options sizes a NoisyProto network.
type Options struct {
	Features int
	Hidden   int
	Classes  int
	// RegTerm is the initial value reported by RegTerm.
	RegTerm float64
}

// Noise is the per-element Gaussian injected during a forward pass.
type Noise struct {
	Mu    *mat.Dense
	Sigma *mat.Dense
}

// Entropy returns the differential entropy of every element of the distribution.
func (n *Noise) Entropy() *mat.Dense {
	var out mat.Dense
	out.Apply(func(i, j int, s float64) float64 {
		return distuv.Normal{Mu: n.Mu.At(i, j), Sigma: s}.Entropy()
	}, n.Sigma)
	return &out
}

// Scale returns the standard deviation of every element.
func (n *Noise) Scale() *mat.Dense {
	return n.Sigma
}

// Pass holds the activations of one forward call, needed to backpropagate it.
type Pass struct {
	Mode   Mode
	Logits *mat.Dense
	Noise  *Noise

	x    *mat.Dense
	pre  *mat.Dense
	h    *mat.Dense
	sPre *mat.Dense
	eps  *mat.Dense
	z    *mat.Dense
}

// NoisyProto is a prototype classifier with a learned noise-injection layer:
//
//	h = relu(x·Wg + bg)
//	z = h + mu(h) + b + sigma(h)⊙ε,  ε ~ N(0, I) in ModeTrain, 0 in ModeEval
//	logits_k = -‖z - p_k‖²
//
// sigma(h) = softplus(h·Ws + bs) + sigmaFloor. The regularization coefficient is
// softplus of a single learnable scalar so it stays non-negative while trained.
type NoisyProto struct {
	features int
	hidden   int
	classes  int

	genW, genB     *Param
	muW, muB       *Param
	sigmaW, sigmaB *Param
	bias           *Param
	proto          *Param
	reg            *Param

	params []*Param
	rng    *rand.Rand
}

// NewNoisyProto builds a randomly initialized network. rng drives both the
// initialization and the noise sampled in ModeTrain.
func NewNoisyProto(opts Options, rng *rand.Rand) (*NoisyProto, error) {
	if opts.Features <= 0 || opts.Hidden <= 0 || opts.Classes <= 0 {
		return nil, fmt.Errorf("%w: features=%d hidden=%d classes=%d", ErrShape, opts.Features, opts.Hidden, opts.Classes)
	}
	if rng == nil {
		return nil, errors.New("model: nil random source")
	}
	f, h, c := opts.Features, opts.Hidden, opts.Classes
	n := &NoisyProto{
		features: f,
		hidden:   h,
		classes:  c,
		genW:     newParam("gen.weight", GroupGenerator, f, h),
		genB:     newParam("gen.bias", GroupGenerator, 1, h),
		muW:      newParam("noise.fc_mu.weight", GroupNoiseMu, h, h),
		muB:      newParam("noise.fc_mu.bias", GroupNoiseMu, 1, h),
		sigmaW:   newParam("noise.fc_sigma.weight", GroupNoiseSigma, h, h),
		sigmaB:   newParam("noise.fc_sigma.bias", GroupNoiseSigma, 1, h),
		bias:     newParam("noise.fc_b.bias", GroupNoiseBias, 1, h),
		proto:    newParam("proto.prototypes", GroupPrototype, c, h),
		reg:      newParam("reg_term.value", GroupRegTerm, 1, 1),
		rng:      rng,
	}
	n.params = []*Param{n.genW, n.genB, n.muW, n.muB, n.sigmaW, n.sigmaB, n.bias, n.proto, n.reg}

	xavier(n.genW, rng, 1)
	xavier(n.muW, rng, 0.1)
	xavier(n.sigmaW, rng, 0.1)
	for i := range n.sigmaB.Value {
		n.sigmaB.Value[i] = inverseSoftplus(0.5)
	}
	for i := range n.proto.Value {
		n.proto.Value[i] = rng.Float64()*2 - 1
	}
	n.reg.Value[0] = inverseSoftplus(opts.RegTerm)
	return n, nil
}

func xavier(p *Param, rng *rand.Rand, gain float64) {
	limit := gain * math.Sqrt(6/float64(p.Rows+p.Cols))
	for i := range p.Value {
		p.Value[i] = (rng.Float64()*2 - 1) * limit
	}
}

// Features returns the expected input width.
func (n *NoisyProto) Features() int { return n.features }

// Classes returns the number of logits produced per sample.
func (n *NoisyProto) Classes() int { return n.classes }

// Forward runs the network on x, one sample per row.
func (n *NoisyProto) Forward(x *mat.Dense, mode Mode) (*Pass, error) {
	var eps *mat.Dense
	if mode == ModeTrain {
		r, _ := x.Dims()
		if r > 0 {
			eps = mat.NewDense(r, n.hidden, nil)
			data := eps.RawMatrix().Data
			for i := range data {
				data[i] = n.rng.NormFloat64()
			}
		}
	}
	return n.forward(x, mode, eps)
}

func (n *NoisyProto) forward(x *mat.Dense, mode Mode, eps *mat.Dense) (*Pass, error) {
	r, c := x.Dims()
	if r == 0 || c != n.features {
		return nil, fmt.Errorf("%w: input %dx%d, want %d columns", ErrShape, r, c, n.features)
	}

	var pre mat.Dense
	pre.Mul(x, n.genW.Matrix())
	addRow(&pre, n.genB.Value)
	var h mat.Dense
	h.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, &pre)

	var mu mat.Dense
	mu.Mul(&h, n.muW.Matrix())
	addRow(&mu, n.muB.Value)

	var sPre mat.Dense
	sPre.Mul(&h, n.sigmaW.Matrix())
	addRow(&sPre, n.sigmaB.Value)
	var sigma mat.Dense
	sigma.Apply(func(_, _ int, v float64) float64 { return softplus(v) + sigmaFloor }, &sPre)

	var z mat.Dense
	z.Add(&h, &mu)
	addRow(&z, n.bias.Value)
	if eps != nil {
		var scaled mat.Dense
		scaled.MulElem(&sigma, eps)
		z.Add(&z, &scaled)
	}

	return &Pass{
		Mode:   mode,
		Logits: n.distances(&z),
		Noise:  &Noise{Mu: &mu, Sigma: &sigma},
		x:      x,
		pre:    &pre,
		h:      &h,
		sPre:   &sPre,
		eps:    eps,
		z:      &z,
	}, nil
}

// distances returns -‖z_i - p_k‖² for every sample i and prototype k.
func (n *NoisyProto) distances(z *mat.Dense) *mat.Dense {
	r, _ := z.Dims()
	protoNorms := make([]float64, n.classes)
	for k := range protoNorms {
		row := n.proto.Value[k*n.hidden : (k+1)*n.hidden]
		protoNorms[k] = floats.Dot(row, row)
	}
	var logits mat.Dense
	logits.Mul(z, n.proto.Matrix().T())
	for i := 0; i < r; i++ {
		zr := z.RawRowView(i)
		zNorm := floats.Dot(zr, zr)
		lr := logits.RawRowView(i)
		for k := range lr {
			lr[k] = 2*lr[k] - zNorm - protoNorms[k]
		}
	}
	return &logits
}

// Backward accumulates parameter gradients for the pass given the loss
// gradient w.r.t. its logits and, optionally, w.r.t. its noise scale.
// It returns the gradient w.r.t. the pass input.
func (n *NoisyProto) Backward(p *Pass, dLogits, dSigma *mat.Dense) (*mat.Dense, error) {
	if err := n.checkGrad(p, dLogits, dSigma); err != nil {
		return nil, err
	}
	return n.backward(p, dLogits, dSigma, true), nil
}

// InputGradient is Backward without touching parameter gradients.
func (n *NoisyProto) InputGradient(p *Pass, dLogits *mat.Dense) (*mat.Dense, error) {
	if err := n.checkGrad(p, dLogits, nil); err != nil {
		return nil, err
	}
	return n.backward(p, dLogits, nil, false), nil
}

func (n *NoisyProto) checkGrad(p *Pass, dLogits, dSigma *mat.Dense) error {
	if p == nil || p.z == nil {
		return errors.New("model: backward without forward pass")
	}
	r, _ := p.z.Dims()
	if gr, gc := dLogits.Dims(); gr != r || gc != n.classes {
		return fmt.Errorf("%w: logits gradient %dx%d, want %dx%d", ErrShape, gr, gc, r, n.classes)
	}
	if dSigma != nil {
		if gr, gc := dSigma.Dims(); gr != r || gc != n.hidden {
			return fmt.Errorf("%w: sigma gradient %dx%d, want %dx%d", ErrShape, gr, gc, r, n.hidden)
		}
	}
	return nil
}

func (n *NoisyProto) backward(p *Pass, dLogits, dSigma *mat.Dense, accumulate bool) *mat.Dense {
	r, _ := p.z.Dims()
	proto := n.proto.Matrix()

	// dL/dz = 2(dL·P - rowsum(dL)⊙z)
	var dz mat.Dense
	dz.Mul(dLogits, proto)
	for i := 0; i < r; i++ {
		s := floats.Sum(dLogits.RawRowView(i))
		row := dz.RawRowView(i)
		zr := p.z.RawRowView(i)
		for j := range row {
			row[j] = 2 * (row[j] - s*zr[j])
		}
	}

	if accumulate {
		// dL/dP = 2(dLᵀ·z - colsum(dL)⊙P)
		var dp mat.Dense
		dp.Mul(dLogits.T(), p.z)
		for k := 0; k < n.classes; k++ {
			var cs float64
			for i := 0; i < r; i++ {
				cs += dLogits.At(i, k)
			}
			row := dp.RawRowView(k)
			pr := n.proto.Value[k*n.hidden : (k+1)*n.hidden]
			for j := range row {
				row[j] = 2 * (row[j] - cs*pr[j])
			}
		}
		addDense(n.proto.Grad, &dp)
		for i := 0; i < r; i++ {
			floats.Add(n.bias.Grad, dz.RawRowView(i))
		}
	}

	dh := mat.DenseCopyOf(&dz)

	var dhMu mat.Dense
	dhMu.Mul(&dz, n.muW.Matrix().T())
	dh.Add(dh, &dhMu)
	if accumulate {
		accumulateLinear(n.muW, n.muB, p.h, &dz)
	}

	ds := mat.NewDense(r, n.hidden, nil)
	if p.eps != nil {
		ds.MulElem(&dz, p.eps)
	}
	if dSigma != nil {
		ds.Add(ds, dSigma)
	}
	ds.Apply(func(i, j int, v float64) float64 { return v * sigmoid(p.sPre.At(i, j)) }, ds)
	var dhSigma mat.Dense
	dhSigma.Mul(ds, n.sigmaW.Matrix().T())
	dh.Add(dh, &dhSigma)
	if accumulate {
		accumulateLinear(n.sigmaW, n.sigmaB, p.h, ds)
	}

	dh.Apply(func(i, j int, v float64) float64 {
		if p.pre.At(i, j) <= 0 {
			return 0
		}
		return v
	}, dh)
	if accumulate {
		accumulateLinear(n.genW, n.genB, p.x, dh)
	}

	var dx mat.Dense
	dx.Mul(dh, n.genW.Matrix().T())
	return &dx
}

// RegTerm returns the current regularization coefficient.
func (n *NoisyProto) RegTerm() float64 {
	return softplus(n.reg.Value[0])
}

// AccumulateRegTerm adds upstream, the loss gradient w.r.t. RegTerm(), to the
// gradient of the underlying parameter.
func (n *NoisyProto) AccumulateRegTerm(upstream float64) {
	n.reg.Grad[0] += upstream * sigmoid(n.reg.Value[0])
}

// BiasVector returns a copy of the noise bias head.
func (n *NoisyProto) BiasVector() []float64 {
	return n.bias.Snapshot()
}

// Params returns the parameters of the given groups, or all parameters when
// no group is named.
func (n *NoisyProto) Params(groups ...Group) []*Param {
	if len(groups) == 0 {
		return append([]*Param(nil), n.params...)
	}
	want := make(map[Group]bool, len(groups))
	for _, g := range groups {
		want[g] = true
	}
	var out []*Param
	for _, p := range n.params {
		if want[p.Group] {
			out = append(out, p)
		}
	}
	return out
}

// State returns a copy of every parameter keyed by name.
func (n *NoisyProto) State() map[string]*mat.Dense {
	state := make(map[string]*mat.Dense, len(n.params))
	for _, p := range n.params {
		state[p.Name] = mat.NewDense(p.Rows, p.Cols, p.Snapshot())
	}
	return state
}

// Load overwrites parameters from a state produced by State.
func (n *NoisyProto) Load(state map[string]*mat.Dense) error {
	for _, p := range n.params {
		m, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("model: state missing %s", p.Name)
		}
		if r, c := m.Dims(); r != p.Rows || c != p.Cols {
			return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrShape, p.Name, r, c, p.Rows, p.Cols)
		}
	}
	if len(state) != len(n.params) {
		names := make([]string, 0, len(state))
		for name := range state {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("model: state has %d entries, want %d: %v", len(state), len(n.params), names)
	}
	for _, p := range n.params {
		m := state[p.Name]
		for i := 0; i < p.Rows; i++ {
			for j := 0; j < p.Cols; j++ {
				p.Value[i*p.Cols+j] = m.At(i, j)
			}
		}
	}
	return nil
}

func accumulateLinear(w, b *Param, in, dout *mat.Dense) {
	var dw mat.Dense
	dw.Mul(in.T(), dout)
	addDense(w.Grad, &dw)
	r, _ := dout.Dims()
	for i := 0; i < r; i++ {
		floats.Add(b.Grad, dout.RawRowView(i))
	}
}

func addDense(dst []float64, m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		floats.Add(dst[i*len(row):(i+1)*len(row)], row)
	}
}

func addRow(m *mat.Dense, row []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), row)
	}
}

func softplus(v float64) float64 {
	if v > 30 {
		return v
	}
	return math.Log1p(math.Exp(v))
}

func inverseSoftplus(v float64) float64 {
	if v <= 0 {
		return -30
	}
	if v > 30 {
		return v
	}
	return math.Log(math.Expm1(v))
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}
