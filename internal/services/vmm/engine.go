package vmm

import (
	"context"
	"fmt"
	"time"

	"CoordRisk/pkg/frame"
	applogger "CoordRisk/pkg/logger"
)

// EngineConfig is the per-window configuration. Optimizer constants not exposed here keep
// their defaults.
type EngineConfig struct {
	Window            int
	StepInitial       float64
	StepDecay         float64
	MaxIters          int
	Tol               float64
	ConvergenceWindow int
	EarlyStopPlateau  bool
	DivergenceGuard   bool
	MinDataPoints     int
	Seed              uint64

	// EmitParams and EmitMoments attach the posterior and residuals to the output for audit.
	EmitParams  bool
	EmitMoments bool
}

// DefaultEngineConfig mirrors the optimizer defaults with the engine's looser tolerance.
// With these step sizes most real windows end at max_iterations or plateau; the +0.10
// convergence bonus in RegimeConfidence is rarely earned.
func DefaultEngineConfig() EngineConfig {
	o := DefaultOptimizerConfig()
	return EngineConfig{
		Window:            100,
		StepInitial:       o.StepInitial,
		StepDecay:         o.StepDecay,
		MaxIters:          o.MaxIters,
		Tol:               1e-5,
		ConvergenceWindow: o.ConvergenceWindow,
		EarlyStopPlateau:  o.EarlyStopPlateau,
		DivergenceGuard:   o.DivergenceGuard,
		MinDataPoints:     30,
		Seed:              o.Seed,
	}
}

func (c EngineConfig) optimizerConfig() OptimizerConfig {
	o := DefaultOptimizerConfig()
	o.StepInitial = c.StepInitial
	o.StepDecay = c.StepDecay
	o.MaxIters = c.MaxIters
	o.Tol = c.Tol
	o.ConvergenceWindow = c.ConvergenceWindow
	o.EarlyStopPlateau = c.EarlyStopPlateau
	o.DivergenceGuard = c.DivergenceGuard
	o.Seed = c.Seed
	return o
}

// EngineOption configures Engine.
type EngineOption func(*Engine)

// WithTargetProvider replaces the fixed competitive prior.
func WithTargetProvider(p TargetProvider) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.targets = p
		}
	}
}

// WithWeighting replaces the identity moment weights.
func WithWeighting(w WeightingScheme) EngineOption {
	return func(e *Engine) {
		if w != nil {
			e.weighting = w
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *applogger.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine scores price windows. It holds only immutable configuration, so a single Engine
// may serve concurrent Run calls.
type Engine struct {
	cfg       EngineConfig
	opt       *Optimizer
	targets   TargetProvider
	weighting WeightingScheme
	logger    *applogger.Logger
}

// NewEngine creates an engine; MinDataPoints below 3 is raised to 3.
func NewEngine(cfg EngineConfig, opts ...EngineOption) *Engine {
	if cfg.MinDataPoints < 3 {
		cfg.MinDataPoints = 3
	}
	e := &Engine{
		cfg:       cfg,
		opt:       NewOptimizer(cfg.optimizerConfig()),
		targets:   DefaultPrior,
		weighting: IdentityWeights{},
		logger:    applogger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Run scores one window. historical, when non-nil, is handed to the target provider.
func (e *Engine) Run(ctx context.Context, window *frame.Frame, priceCols []string, historical *frame.Frame) (VMMOutput, error) {
	if err := ctx.Err(); err != nil {
		return VMMOutput{}, err
	}
	start := time.Now()
	if err := e.validate(window, priceCols); err != nil {
		return VMMOutput{}, err
	}

	raw, err := window.Select(priceCols...)
	if err != nil {
		return VMMOutput{}, fmt.Errorf("select price columns: %w", err)
	}
	clean := raw.FillForward().FillBackward().DropEmptyRows()
	if clean.Len() < e.cfg.MinDataPoints {
		return VMMOutput{}, fmt.Errorf("%w: %d usable rows after cleaning, need %d", ErrInsufficientRows, clean.Len(), e.cfg.MinDataPoints)
	}

	f := len(priceCols)
	targets := e.targets.Targets(historical, f)
	current, lagged, err := ExtractBetaEstimates(clean, priceCols)
	if err != nil {
		return VMMOutput{}, fmt.Errorf("extract betas: %w", err)
	}
	sm, err := ComputeSampleMoments(current, lagged)
	if err != nil {
		return VMMOutput{}, fmt.Errorf("sample moments: %w", err)
	}
	res, err := EvaluateMomentConditions(sm, targets)
	if err != nil {
		return VMMOutput{}, fmt.Errorf("moment conditions: %w", err)
	}

	opt := e.opt.WithWeights(e.weighting.Weights(f))
	params, state := opt.Optimize(opt.InitializeParams(f), res)
	status := state.Status()

	out := VMMOutput{
		RegimeConfidence:       RegimeConfidence(res, state),
		StructuralStability:    StructuralStability(params, res),
		EnvironmentQuality:     EnvironmentQuality(raw),
		DynamicValidationScore: DynamicValidationScore(state, clean),
		WindowSize:             clean.Len(),
		ConvergenceStatus:      status,
		Iterations:             state.Iteration,
		ELBOFinal:              state.FinalELBO(),
	}
	if e.cfg.EmitParams {
		p := params.Clone()
		out.VariationalParams = &p
	}
	if e.cfg.EmitMoments {
		out.MomentConditions = &res
	}

	if status == StatusDiverged {
		e.logger.Warn("vmm optimization diverged",
			applogger.Int("iterations", state.Iteration),
			applogger.Float64("elbo", out.ELBOFinal),
		)
	}
	if !opt.Stable(params) {
		e.logger.Warn("vmm posterior outside stability bounds", applogger.Int("firms", f))
	}
	e.logger.Debug("vmm window scored",
		applogger.String("status", string(status)),
		applogger.Int("rows", out.WindowSize),
		applogger.Int("iterations", out.Iterations),
		applogger.Float64("regime_confidence", out.RegimeConfidence),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

func (e *Engine) validate(window *frame.Frame, priceCols []string) error {
	if window.Empty() {
		return ErrEmptyWindow
	}
	if len(priceCols) < 2 {
		return fmt.Errorf("%w: got %d", ErrTooFewColumns, len(priceCols))
	}
	for _, c := range priceCols {
		if !window.Has(c) {
			return fmt.Errorf("%w: %q", ErrMissingColumn, c)
		}
	}
	if window.Len() < e.cfg.MinDataPoints {
		return fmt.Errorf("%w: %d rows, need %d", ErrInsufficientRows, window.Len(), e.cfg.MinDataPoints)
	}
	return nil
}

// Score runs the engine with automatic column detection when priceCols is empty: columns
// whose name contains "price" or, failing that, every column.
func (e *Engine) Score(ctx context.Context, window *frame.Frame, priceCols []string) (VMMOutput, error) {
	if len(priceCols) == 0 {
		if window.Empty() {
			return VMMOutput{}, ErrEmptyWindow
		}
		priceCols = window.PriceColumns()
		if len(priceCols) < 2 {
			priceCols = window.Columns()
		}
		if len(priceCols) < 2 {
			return VMMOutput{}, fmt.Errorf("%w: detected %d", ErrTooFewColumns, len(priceCols))
		}
	}
	return e.Run(ctx, window, priceCols, nil)
}

// RunVMM scores window with a fresh engine and automatic column detection.
func RunVMM(ctx context.Context, window *frame.Frame, cfg EngineConfig) (VMMOutput, error) {
	return NewEngine(cfg).Score(ctx, window, nil)
}
