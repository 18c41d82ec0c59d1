package vmm

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrEmptyWindow      = errors.New("vmm: empty window")
	ErrTooFewColumns    = errors.New("vmm: at least 2 price columns required")
	ErrMissingColumn    = errors.New("vmm: price column not in window")
	ErrInsufficientRows = errors.New("vmm: insufficient rows")
	ErrLengthMismatch   = errors.New("vmm: length mismatch")
)

// IsValidationError reports whether err came from window or moment validation.
func IsValidationError(err error) bool {
	for _, target := range []error{ErrEmptyWindow, ErrTooFewColumns, ErrMissingColumn, ErrInsufficientRows, ErrLengthMismatch} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// MomentTargets is the prior the sample moments are measured against.
type MomentTargets struct {
	Beta0  []float64
	Sigma0 *mat.DiagDense
	Rho0   *mat.DiagDense
}

// SampleMoments holds beta proxies (rows are time, columns firms) and per-firm statistics.
type SampleMoments struct {
	BetaT      [][]float64
	BetaT1     [][]float64
	SampleMean []float64
	SampleVar  []float64
	SampleCov  []float64
}

// MomentResiduals are sample moments minus targets, one value per firm.
type MomentResiduals struct {
	First    []float64 `json:"first"`
	Second   []float64 `json:"second"`
	Temporal []float64 `json:"temporal"`
}

func (r MomentResiduals) arrays() [][]float64 {
	return [][]float64{r.First, r.Second, r.Temporal}
}

// VariationalParams is the mean-field Gaussian posterior, one (mu, sigma) per firm.
type VariationalParams struct {
	Mu    []float64 `json:"mu"`
	Sigma []float64 `json:"sigma"`
}

// Clone deep-copies the parameters.
func (p VariationalParams) Clone() VariationalParams {
	return VariationalParams{
		Mu:    append([]float64(nil), p.Mu...),
		Sigma: append([]float64(nil), p.Sigma...),
	}
}

// ConvergenceStatus is the terminal state of an optimization run.
type ConvergenceStatus string

const (
	StatusConverged     ConvergenceStatus = "converged"
	StatusDiverged      ConvergenceStatus = "diverged"
	StatusPlateau       ConvergenceStatus = "plateau"
	StatusMaxIterations ConvergenceStatus = "max_iterations"
)

// UpdateState is the optimizer trace. Histories are append-only.
type UpdateState struct {
	Iteration    int
	Converged    bool
	Plateaued    bool
	Diverged     bool
	ELBOHistory  []float64
	ParamHistory []VariationalParams
}

// Status resolves flags with precedence converged > diverged > plateau > max_iterations.
func (s UpdateState) Status() ConvergenceStatus {
	switch {
	case s.Converged:
		return StatusConverged
	case s.Diverged:
		return StatusDiverged
	case s.Plateaued:
		return StatusPlateau
	default:
		return StatusMaxIterations
	}
}

// FinalELBO returns the last recorded ELBO, 0 when nothing ran.
func (s UpdateState) FinalELBO() float64 {
	if len(s.ELBOHistory) == 0 {
		return 0
	}
	return s.ELBOHistory[len(s.ELBOHistory)-1]
}

// VMMOutput is the per-window result. All four scores lie in [0, 1].
type VMMOutput struct {
	RegimeConfidence       float64           `json:"regime_confidence"`
	StructuralStability    float64           `json:"structural_stability"`
	EnvironmentQuality     float64           `json:"environment_quality"`
	DynamicValidationScore float64           `json:"dynamic_validation_score"`
	WindowSize             int               `json:"window_size"`
	ConvergenceStatus      ConvergenceStatus `json:"convergence_status"`
	Iterations             int               `json:"iterations"`
	ELBOFinal              float64           `json:"elbo_final"`

	VariationalParams *VariationalParams `json:"variational_params,omitempty"`
	MomentConditions  *MomentResiduals   `json:"moment_conditions,omitempty"`
}
