package usecase

import (
	"CoordRisk/internal/domain/models"
	"CoordRisk/internal/services/calibration"
	"CoordRisk/internal/services/vmm"
	"CoordRisk/pkg/config"
	applogger "CoordRisk/pkg/logger"
)

// EngineConfigFrom maps the vmm config section onto the engine configuration.
func EngineConfigFrom(c config.VMMConfig) vmm.EngineConfig {
	return vmm.EngineConfig{
		Window:            c.Window,
		StepInitial:       c.StepInitial,
		StepDecay:         c.StepDecay,
		MaxIters:          c.MaxIters,
		Tol:               c.Tol,
		ConvergenceWindow: c.ConvergenceWindow,
		EarlyStopPlateau:  c.EarlyStopPlateau,
		DivergenceGuard:   c.DivergenceGuard,
		MinDataPoints:     c.MinDataPoints,
		Seed:              c.Seed,
		EmitParams:        c.EmitParams,
		EmitMoments:       c.EmitMoments,
	}
}

// WithOverrides applies per-request overrides to base. A nil o returns base unchanged.
func WithOverrides(base vmm.EngineConfig, o *models.EngineOverrides) vmm.EngineConfig {
	if o == nil {
		return base
	}
	if o.MaxIters != nil {
		base.MaxIters = *o.MaxIters
	}
	if o.Tol != nil {
		base.Tol = *o.Tol
	}
	if o.StepInitial != nil {
		base.StepInitial = *o.StepInitial
	}
	if o.MinDataPoints != nil {
		base.MinDataPoints = *o.MinDataPoints
	}
	if o.EarlyStopPlateau != nil {
		base.EarlyStopPlateau = *o.EarlyStopPlateau
	}
	if o.Seed != nil {
		base.Seed = *o.Seed
	}
	base.EmitParams = base.EmitParams || o.EmitParams
	base.EmitMoments = base.EmitMoments || o.EmitMoments
	return base
}

// ScorerFor returns an engine for base with o applied.
func ScorerFor(base vmm.EngineConfig, o *models.EngineOverrides, l *applogger.Logger) *vmm.Engine {
	return vmm.NewEngine(WithOverrides(base, o), vmm.WithLogger(l))
}

// CalibrationFrom maps the calibration config section onto fit options and acceptance gates.
// The spurious guard shares the gate's threshold and rate.
func CalibrationFrom(c config.CalibrationConfig) (calibration.Options, calibration.GateConfig) {
	gates := calibration.GateConfig{
		SpuriousThreshold:    c.Gates.SpuriousThreshold,
		MaxSpuriousRate:      c.Gates.MaxSpuriousRate,
		MinCoordinatedMedian: c.Gates.MinCoordinatedMedian,
		HighThreshold:        c.Gates.HighThreshold,
		MinHighFraction:      c.Gates.MinHighFraction,
	}
	opts := calibration.Options{
		Method:          calibration.Method(c.Method),
		ValidationSplit: c.ValidationSplit,
		Seed:            c.Seed,
		PlattLR:         c.PlattLR,
		PlattEpochs:     c.PlattEpochs,
		Guard: calibration.GuardConfig{
			Disabled:  !c.Guard,
			Threshold: gates.SpuriousThreshold,
			MaxRate:   gates.MaxSpuriousRate,
		},
	}
	return opts, gates
}
