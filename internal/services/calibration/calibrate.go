package calibration

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Options controls CalibrateConfidence.
type Options struct {
	Method          Method
	ValidationSplit float64
	Seed            uint64
	PlattLR         float64
	PlattEpochs     int
	Guard           GuardConfig
}

func DefaultOptions() Options {
	return Options{
		Method:          MethodIsotonic,
		ValidationSplit: 0.2,
		Seed:            42,
		PlattLR:         0.5,
		PlattEpochs:     2000,
		Guard:           DefaultGuardConfig(),
	}
}

// Result holds the calibrated scores (aligned with the input), the calibrator and its
// reliability on the held-out part. Holdout is measured with a guard fitted on the training
// part only, so no held-out label reaches the evaluated model. It falls back to the training
// part when the split leaves nothing out.
type Result struct {
	Calibrated  []float64
	Calibrator  *Calibrator
	Holdout     Reliability
	TrainSize   int
	HoldoutSize int
}

// CalibrateConfidence fits a calibrator on a seeded random split of the labeled scores. The
// returned calibrator's spurious guard is refitted on every labeled example once the holdout
// has been measured.
func CalibrateConfidence(scores []float64, labels []int, opts Options) (Result, error) {
	if err := validateSamples(scores, labels); err != nil {
		return Result{}, err
	}
	if opts.ValidationSplit < 0 || opts.ValidationSplit >= 1 || math.IsNaN(opts.ValidationSplit) {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSplit, opts.ValidationSplit)
	}
	method, err := ParseMethod(string(opts.Method))
	if err != nil {
		return Result{}, err
	}

	n := len(scores)
	train, hold := splitIndices(n, opts.ValidationSplit, opts.Seed)
	if len(train) < 2 {
		return Result{}, fmt.Errorf("%w: %d of %d", ErrTooFewTraining, len(train), n)
	}

	tx, ty := gather(scores, labels, train)
	c := &Calibrator{Method: method}
	switch method {
	case MethodPlatt:
		lr, epochs := opts.PlattLR, opts.PlattEpochs
		if lr <= 0 {
			lr = DefaultOptions().PlattLR
		}
		if epochs <= 0 {
			epochs = DefaultOptions().PlattEpochs
		}
		c.Mapping = FitPlatt(tx, ty, lr, epochs)
	default:
		c.Mapping = FitIsotonic(tx, ty)
	}

	ts, tl := subset(scores, labels, train)
	c.Guard = FitSpuriousGuard(ts, tl, opts.Guard)
	eval := hold
	if len(eval) == 0 {
		eval = train
	}
	hs, hl := subset(scores, labels, eval)
	holdout := ReliabilityMetrics(c.TransformAll(hs), hl)

	c.Guard = FitSpuriousGuard(scores, labels, opts.Guard)
	return Result{
		Calibrated:  c.TransformAll(scores),
		Calibrator:  c,
		Holdout:     holdout,
		TrainSize:   len(train),
		HoldoutSize: len(hold),
	}, nil
}

func validateSamples(scores []float64, labels []int) error {
	if len(scores) == 0 {
		return ErrNoSamples
	}
	if len(scores) != len(labels) {
		return fmt.Errorf("%w: %d scores, %d labels", ErrLengthMismatch, len(scores), len(labels))
	}
	for i, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: index %d", ErrInvalidScore, i)
		}
		if labels[i] != 0 && labels[i] != 1 {
			return fmt.Errorf("%w: index %d is %d", ErrInvalidLabel, i, labels[i])
		}
	}
	return nil
}

// splitIndices shuffles 0..n-1 with a seeded PCG and holds out the first floor(split*n).
func splitIndices(n int, split float64, seed uint64) (train, hold []int) {
	perm := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)).Perm(n)
	nHold := int(math.Floor(split * float64(n)))
	return perm[nHold:], perm[:nHold]
}

func subset(scores []float64, labels []int, idx []int) ([]float64, []int) {
	s := make([]float64, len(idx))
	l := make([]int, len(idx))
	for i, k := range idx {
		s[i], l[i] = scores[k], labels[k]
	}
	return s, l
}

func gather(scores []float64, labels []int, idx []int) (x, y []float64) {
	x = make([]float64, len(idx))
	y = make([]float64, len(idx))
	for i, k := range idx {
		x[i], y[i] = scores[k], float64(labels[k])
	}
	return x, y
}
