package calibration

// Curves holds accuracy of the decision score >= t against labels, for t = 0.00 .. 1.00.
type Curves struct {
	Thresholds         []float64 `json:"thresholds"`
	RawAccuracy        []float64 `json:"raw_accuracy"`
	CalibratedAccuracy []float64 `json:"calibrated_accuracy"`
}

const curvePoints = 101

// ComputeCalibrationCurves compares raw and calibrated scores at 101 thresholds.
func ComputeCalibrationCurves(raw, calibrated []float64, labels []int) Curves {
	c := Curves{
		Thresholds:         make([]float64, curvePoints),
		RawAccuracy:        make([]float64, curvePoints),
		CalibratedAccuracy: make([]float64, curvePoints),
	}
	for i := range c.Thresholds {
		t := float64(i) / 100
		c.Thresholds[i] = t
		c.RawAccuracy[i] = accuracyAt(raw, labels, t)
		c.CalibratedAccuracy[i] = accuracyAt(calibrated, labels, t)
	}
	return c
}

func accuracyAt(scores []float64, labels []int, t float64) float64 {
	n := min(len(scores), len(labels))
	if n == 0 {
		return 0
	}
	var ok int
	for i := 0; i < n; i++ {
		pred := 0
		if scores[i] >= t {
			pred = 1
		}
		if pred == labels[i] {
			ok++
		}
	}
	return float64(ok) / float64(n)
}
