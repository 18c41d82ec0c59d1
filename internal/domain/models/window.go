package models

import (
	"time"

	"CoordRisk/internal/services/vmm"
)

// WindowRequest asks for one market window to be loaded and scored. Venues may be empty, in
// which case every venue present in the range is used.
type WindowRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	Market    string    `json:"market" validate:"required"`
	Venues    []string  `json:"venues,omitempty" validate:"omitempty,min=2,dive,required"`
	From      time.Time `json:"from" validate:"required"`
	To        time.Time `json:"to" validate:"required,gtfield=From"`
}

// AnalysisResult is the scored window as published and returned over HTTP. Calibrated is
// nil when no calibrator exists for the market and period; CalibratorKey is then empty.
type AnalysisResult struct {
	RunID         string        `json:"run_id"`
	RequestID     string        `json:"request_id,omitempty"`
	Market        string        `json:"market"`
	Venues        []string      `json:"venues"`
	From          time.Time     `json:"from"`
	To            time.Time     `json:"to"`
	Output        vmm.VMMOutput `json:"output"`
	RawConfidence float64       `json:"raw_regime_confidence"`
	Calibrated    *float64      `json:"calibrated_regime_confidence,omitempty"`
	CalibratorKey string        `json:"calibrator_key,omitempty"`
	AnalyzedAt    time.Time     `json:"analyzed_at"`
	DurationMS    int64         `json:"duration_ms"`
}

// Confidence returns the calibrated regime confidence when present, the raw one otherwise.
func (r *AnalysisResult) Confidence() float64 {
	if r.Calibrated != nil {
		return *r.Calibrated
	}
	return r.RawConfidence
}

// PricePoint is one venue observation in long format.
type PricePoint struct {
	Market string    `json:"market"`
	Venue  string    `json:"venue"`
	Time   time.Time `json:"t"`
	Price  float64   `json:"price"`
}
