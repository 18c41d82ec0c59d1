package vmm

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// OptimizerConfig holds every constant of the variational loop.
type OptimizerConfig struct {
	MaxIters          int
	StepInitial       float64
	StepDecay         float64
	WarmupIters       int
	Tol               float64
	ConvergenceWindow int
	PlateauWindow     int
	PlateauTol        float64
	EarlyStopPlateau  bool
	DivergenceGuard   bool
	DivergenceJump    float64
	MaxGradNorm       float64
	GradEps           float64
	SigmaFloor        float64
	SigmaCeiling      float64
	StableSigmaMax    float64
	StableMuMax       float64
	InitMuStd         float64
	InitSigmaLow      float64
	InitSigmaHigh     float64
	ELBOFallback      float64
	Seed              uint64
}

// DefaultOptimizerConfig returns the standard loop constants.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MaxIters:          200,
		StepInitial:       0.01,
		StepDecay:         1,
		WarmupIters:       100,
		Tol:               1e-6,
		ConvergenceWindow: 5,
		PlateauWindow:     10,
		PlateauTol:        1e-4,
		EarlyStopPlateau:  true,
		DivergenceGuard:   true,
		DivergenceJump:    1e6,
		MaxGradNorm:       5.0,
		GradEps:           1e-8,
		SigmaFloor:        1e-6,
		SigmaCeiling:      100,
		StableSigmaMax:    1000,
		StableMuMax:       100,
		InitMuStd:         0.1,
		InitSigmaLow:      0.1,
		InitSigmaHigh:     0.5,
		ELBOFallback:      -1e6,
		Seed:              42,
	}
}

// withDefaults fills unset numeric fields. Booleans are taken as given.
func (c OptimizerConfig) withDefaults() OptimizerConfig {
	d := DefaultOptimizerConfig()
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setFloat := func(v *float64, def float64) {
		if *v <= 0 || math.IsNaN(*v) {
			*v = def
		}
	}
	setInt(&c.MaxIters, d.MaxIters)
	setInt(&c.WarmupIters, d.WarmupIters)
	setInt(&c.ConvergenceWindow, d.ConvergenceWindow)
	setInt(&c.PlateauWindow, d.PlateauWindow)
	setFloat(&c.StepInitial, d.StepInitial)
	setFloat(&c.StepDecay, d.StepDecay)
	setFloat(&c.Tol, d.Tol)
	setFloat(&c.PlateauTol, d.PlateauTol)
	setFloat(&c.DivergenceJump, d.DivergenceJump)
	setFloat(&c.MaxGradNorm, d.MaxGradNorm)
	setFloat(&c.GradEps, d.GradEps)
	setFloat(&c.SigmaFloor, d.SigmaFloor)
	setFloat(&c.SigmaCeiling, d.SigmaCeiling)
	setFloat(&c.StableSigmaMax, d.StableSigmaMax)
	setFloat(&c.StableMuMax, d.StableMuMax)
	setFloat(&c.InitMuStd, d.InitMuStd)
	setFloat(&c.InitSigmaLow, d.InitSigmaLow)
	setFloat(&c.InitSigmaHigh, d.InitSigmaHigh)
	if c.ELBOFallback == 0 {
		c.ELBOFallback = d.ELBOFallback
	}
	if c.InitSigmaHigh < c.InitSigmaLow {
		c.InitSigmaLow, c.InitSigmaHigh = c.InitSigmaHigh, c.InitSigmaLow
	}
	return c
}

// Optimizer runs mean-field variational updates against fixed moment residuals.
// It is immutable after construction and safe for concurrent use.
type Optimizer struct {
	cfg     OptimizerConfig
	weights []float64
}

// NewOptimizer builds an optimizer; zero numeric fields take their defaults.
func NewOptimizer(cfg OptimizerConfig) *Optimizer {
	return &Optimizer{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (o *Optimizer) Config() OptimizerConfig { return o.cfg }

// WithWeights returns a copy that weighs the likelihood term by the diagonal of w.
func (o *Optimizer) WithWeights(w *mat.Dense) *Optimizer {
	cp := *o
	cp.weights = nil
	if w != nil {
		r, _ := w.Dims()
		cp.weights = make([]float64, r)
		for i := 0; i < r; i++ {
			cp.weights[i] = w.At(i, i)
		}
	}
	return &cp
}

// InitializeParams draws the starting posterior for betaDim firms from the configured seed.
func (o *Optimizer) InitializeParams(betaDim int) VariationalParams {
	c := o.cfg
	rng := rand.New(rand.NewPCG(c.Seed, c.Seed^0x9e3779b97f4a7c15))
	p := VariationalParams{Mu: make([]float64, betaDim), Sigma: make([]float64, betaDim)}
	for i := 0; i < betaDim; i++ {
		p.Mu[i] = rng.NormFloat64() * c.InitMuStd
		p.Sigma[i] = c.SigmaFloor + c.InitSigmaLow + rng.Float64()*(c.InitSigmaHigh-c.InitSigmaLow)
	}
	return p
}

// InitializeParams draws starting parameters with the default constants and the given seed.
func InitializeParams(betaDim int, seed uint64) VariationalParams {
	cfg := DefaultOptimizerConfig()
	cfg.Seed = seed
	return NewOptimizer(cfg).InitializeParams(betaDim)
}

// Gradients returns the clipped mu and sigma gradients. Each residual is scaled by the
// floored sigma; non-finite terms count as 0.
func (o *Optimizer) Gradients(p VariationalParams, r MomentResiduals) (gMu, gSigma []float64) {
	c := o.cfg
	f := len(p.Mu)
	gMu = make([]float64, f)
	gSigma = make([]float64, f)
	for i := 0; i < f; i++ {
		denom := math.Max(p.Sigma[i], c.SigmaFloor) + c.GradEps
		first := finiteOrZero(at(r.First, i) / denom)
		second := finiteOrZero(at(r.Second, i) / denom)
		temporal := finiteOrZero(at(r.Temporal, i) / denom)
		gMu[i] = first + temporal
		gSigma[i] = second + temporal
	}
	clipNorm(gMu, c.MaxGradNorm)
	clipNorm(gSigma, c.MaxGradNorm)
	return gMu, gSigma
}

// Step applies one update with learning rate lr. Any component that would become non-finite
// keeps its previous value; sigma is clipped to [SigmaFloor, SigmaCeiling].
func (o *Optimizer) Step(p VariationalParams, r MomentResiduals, lr float64) VariationalParams {
	c := o.cfg
	gMu, gSigma := o.Gradients(p, r)
	next := p.Clone()
	for i := range next.Mu {
		if mu := p.Mu[i] + lr*gMu[i]; isFinite(mu) {
			next.Mu[i] = mu
		}
		s := p.Sigma[i] + lr*gSigma[i]
		if !isFinite(s) {
			continue
		}
		next.Sigma[i] = math.Min(math.Max(s, c.SigmaFloor), c.SigmaCeiling)
	}
	return next
}

// ELBO is prior + weighted likelihood + entropy for the current posterior. A non-finite value
// is replaced by ELBOFallback.
func (o *Optimizer) ELBO(p VariationalParams, r MomentResiduals) float64 {
	elbo, ok := o.elbo(p, r)
	if !ok {
		return o.cfg.ELBOFallback
	}
	return elbo
}

func (o *Optimizer) elbo(p VariationalParams, r MomentResiduals) (float64, bool) {
	c := o.cfg
	f := len(p.Mu)
	var prior, likelihood, entropy float64
	for i := 0; i < f; i++ {
		s := math.Max(p.Sigma[i], c.SigmaFloor)
		prior += -0.5 * p.Mu[i] * p.Mu[i] / s
		entropy += 0.5 * math.Log(2*math.Pi*math.E*s)
	}
	for k, res := range r.arrays() {
		for i := 0; i < f && i < len(res); i++ {
			s := math.Max(p.Sigma[i], c.SigmaFloor)
			likelihood += -0.5 * o.weight(k*f+i) * res[i] * res[i] / s
		}
	}
	elbo := prior + likelihood + entropy
	return elbo, isFinite(elbo)
}

// Optimize iterates from init until divergence, convergence, an enabled plateau stop, or
// MaxIters. The initial parameters are the first history entry. Non-finite residuals or an
// ELBO that falls back to ELBOFallback stop the run as diverged whether or not the
// trailing-window guard is enabled.
func (o *Optimizer) Optimize(init VariationalParams, r MomentResiduals) (VariationalParams, UpdateState) {
	c := o.cfg
	params := init.Clone()
	state := UpdateState{
		ELBOHistory:  make([]float64, 0, c.MaxIters),
		ParamHistory: make([]VariationalParams, 0, c.MaxIters+1),
	}
	state.ParamHistory = append(state.ParamHistory, params.Clone())

	for iter := 0; iter < c.MaxIters; iter++ {
		params = o.Step(params, r, o.LearningRate(iter))
		state.Iteration = iter + 1
		elbo, ok := o.elbo(params, r)
		if !ok {
			elbo = c.ELBOFallback
		}
		state.ELBOHistory = append(state.ELBOHistory, elbo)
		state.ParamHistory = append(state.ParamHistory, params.Clone())

		if !ok || !finiteResiduals(r) {
			state.Diverged = true
			break
		}
		if c.DivergenceGuard && o.diverging(state.ELBOHistory) {
			state.Diverged = true
			break
		}
		if o.converged(state.ELBOHistory) {
			state.Converged = true
			break
		}
		if o.plateaued(state.ELBOHistory) {
			state.Plateaued = true
			if c.EarlyStopPlateau {
				break
			}
		}
	}
	return params, state
}

// CheckNumericalStability reports whether p is finite with sigma in [floor, 1000] and |mu| <= 100.
func CheckNumericalStability(p VariationalParams) bool {
	return NewOptimizer(DefaultOptimizerConfig()).Stable(p)
}

// Stable is CheckNumericalStability with this optimizer's bounds.
func (o *Optimizer) Stable(p VariationalParams) bool {
	c := o.cfg
	if len(p.Mu) != len(p.Sigma) {
		return false
	}
	for i := range p.Mu {
		if !isFinite(p.Mu[i]) || !isFinite(p.Sigma[i]) {
			return false
		}
		if p.Sigma[i] < c.SigmaFloor || p.Sigma[i] > c.StableSigmaMax || math.Abs(p.Mu[i]) > c.StableMuMax {
			return false
		}
	}
	return true
}

func (o *Optimizer) diverging(h []float64) bool {
	w := o.cfg.ConvergenceWindow
	if len(h) < 2 {
		return false
	}
	start := len(h) - w
	if start < 0 {
		start = 0
	}
	for i := start + 1; i < len(h); i++ {
		if math.Abs(h[i]-h[i-1]) > o.cfg.DivergenceJump {
			return true
		}
	}
	return false
}

func (o *Optimizer) converged(h []float64) bool {
	w := o.cfg.ConvergenceWindow
	if len(h) < w {
		return false
	}
	mean, variance := stat.PopMeanVariance(h[len(h)-w:], nil)
	std := math.Sqrt(variance)
	if math.Abs(mean) < 1e-12 {
		return std < o.cfg.Tol
	}
	return std/math.Abs(mean) < o.cfg.Tol
}

func (o *Optimizer) plateaued(h []float64) bool {
	w := o.cfg.PlateauWindow
	if len(h) < w {
		return false
	}
	return math.Abs(h[len(h)-1]-h[len(h)-w]) < o.cfg.PlateauTol
}

func (o *Optimizer) weight(i int) float64 {
	if i < len(o.weights) {
		return o.weights[i]
	}
	return 1
}

func finiteResiduals(r MomentResiduals) bool {
	for _, res := range r.arrays() {
		for _, v := range res {
			if !isFinite(v) {
				return false
			}
		}
	}
	return true
}

func clipNorm(g []float64, max float64) {
	if len(g) == 0 {
		return
	}
	n := floats.Norm(g, 2)
	if !isFinite(n) {
		// rescale by the largest component so the norm is representable
		big := math.Max(math.Abs(floats.Max(g)), math.Abs(floats.Min(g)))
		if big == 0 || !isFinite(big) {
			return
		}
		floats.Scale(1/big, g)
		n = floats.Norm(g, 2)
	}
	if n > max {
		floats.Scale(max/n, g)
	}
}

func at(x []float64, i int) float64 {
	if i < len(x) {
		return x[i]
	}
	return 0
}

func finiteOrZero(v float64) float64 {
	if isFinite(v) {
		return v
	}
	return 0
}
