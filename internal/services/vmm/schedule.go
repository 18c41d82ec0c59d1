package vmm

import "math"

// LearningRate ramps linearly from 0 to the base rate over the warm-up iterations, then follows
// a cosine curve down to 0 at MaxIters. StepDecay compounds per iteration on top of that.
func (o *Optimizer) LearningRate(iter int) float64 {
	c := o.cfg
	base := c.StepInitial
	if c.StepDecay != 1 {
		base *= math.Pow(c.StepDecay, float64(iter))
	}
	if iter < c.WarmupIters {
		return base * float64(iter) / float64(c.WarmupIters)
	}
	span := c.MaxIters - c.WarmupIters
	if span <= 0 {
		return base
	}
	progress := float64(iter-c.WarmupIters) / float64(span)
	if progress > 1 {
		progress = 1
	}
	return base * 0.5 * (1 + math.Cos(math.Pi*progress))
}
