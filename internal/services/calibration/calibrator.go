// Package calibration maps raw regime-confidence scores to calibrated probabilities using
// labeled competitive (0) and coordinated (1) examples, and reports how well calibrated the
// mapping is.
package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	ErrNoSamples       = errors.New("calibration: no samples")
	ErrLengthMismatch  = errors.New("calibration: scores and labels differ in length")
	ErrInvalidLabel    = errors.New("calibration: labels must be 0 or 1")
	ErrInvalidScore    = errors.New("calibration: scores must be finite")
	ErrInvalidSplit    = errors.New("calibration: validation split must be in [0, 1)")
	ErrUnknownMethod   = errors.New("calibration: unknown method")
	ErrTooFewTraining  = errors.New("calibration: fewer than 2 training samples")
	ErrMalformedRecord = errors.New("calibration: malformed calibrator record")
)

// IsInputError reports whether err was caused by the caller's samples, options or key.
func IsInputError(err error) bool {
	for _, target := range []error{
		ErrNoSamples, ErrLengthMismatch, ErrInvalidLabel, ErrInvalidScore,
		ErrInvalidSplit, ErrUnknownMethod, ErrTooFewTraining, ErrInvalidKey,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Method names the fitted mapping.
type Method string

const (
	MethodIsotonic Method = "isotonic"
	MethodPlatt    Method = "platt"
)

// ParseMethod accepts "" as isotonic.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodIsotonic:
		return MethodIsotonic, nil
	case MethodPlatt:
		return MethodPlatt, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Mapping is a monotone map from raw score to calibrated score.
type Mapping interface {
	Transform(x float64) float64
}

// Calibrator is the persisted artifact: the fitted mapping plus an optional spurious-rate guard.
type Calibrator struct {
	Method  Method
	Mapping Mapping
	Guard   *SpuriousGuard
}

// Transform calibrates one raw score. Non-finite input maps to 0 and outputs stay in [0, 1].
func (c *Calibrator) Transform(x float64) float64 {
	if c == nil || c.Mapping == nil {
		return x
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	v := c.Guard.Apply(x, c.Mapping.Transform(x))
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// TransformAll calibrates xs into a new slice.
func (c *Calibrator) TransformAll(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = c.Transform(x)
	}
	return out
}

type record struct {
	Method Method         `json:"method"`
	Model  *IsotonicModel `json:"model,omitempty"`
	A      *float64       `json:"a,omitempty"`
	B      *float64       `json:"b,omitempty"`
	LR     *float64       `json:"lr,omitempty"`
	Guard  *SpuriousGuard `json:"guard,omitempty"`
}

// MarshalJSON writes the tagged form: {"method":"isotonic","model":{...}} or
// {"method":"platt","a":..,"b":..,"lr":..}.
func (c *Calibrator) MarshalJSON() ([]byte, error) {
	rec := record{Method: c.Method, Guard: c.Guard}
	switch m := c.Mapping.(type) {
	case *IsotonicModel:
		rec.Method = MethodIsotonic
		rec.Model = m
	case *PlattModel:
		rec.Method = MethodPlatt
		rec.A, rec.B, rec.LR = &m.A, &m.B, &m.LR
	default:
		return nil, fmt.Errorf("%w: mapping %T", ErrUnknownMethod, c.Mapping)
	}
	return json.Marshal(rec)
}

// UnmarshalJSON dispatches on the method tag.
func (c *Calibrator) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	out := Calibrator{Method: rec.Method, Guard: rec.Guard}
	switch rec.Method {
	case MethodIsotonic:
		if rec.Model == nil || len(rec.Model.X) != len(rec.Model.Y) {
			return fmt.Errorf("%w: isotonic model", ErrMalformedRecord)
		}
		out.Mapping = rec.Model
	case MethodPlatt:
		if rec.A == nil || rec.B == nil {
			return fmt.Errorf("%w: platt coefficients", ErrMalformedRecord)
		}
		p := &PlattModel{A: *rec.A, B: *rec.B}
		if rec.LR != nil {
			p.LR = *rec.LR
		}
		out.Mapping = p
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMethod, rec.Method)
	}
	*c = out
	return nil
}

// Encode and Decode are the single persistence entry points.
func Encode(c *Calibrator) ([]byte, error) { return json.Marshal(c) }

func Decode(data []byte) (*Calibrator, error) {
	var c Calibrator
	if err := c.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &c, nil
}
