package stage

import "math"

// Converter translates between physical millimeters and motor microsteps.
// Rounding happens once, at the step boundary; millimeter values are never
// rounded, so comparisons are always made in step space.
type Converter struct {
	// StepsPerMM is the conversion ratio, microsteps per millimeter
	StepsPerMM float64
}

// ToSteps converts a millimeter figure to the nearest whole microstep
func (c Converter) ToSteps(mm float64) int {
	return int(math.Round(mm * c.StepsPerMM))
}

// ToMM converts a microstep count to millimeters, without rounding
func (c Converter) ToMM(steps int) float64 {
	return float64(steps) / c.StepsPerMM
}
