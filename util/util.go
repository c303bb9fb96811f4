// Package util contains misc internal utilities.
package util

// Limiter is a closed interval.  The zero value spans only zero.
type Limiter struct {
	// Min is the lower edge of the interval
	Min float64 `yaml:"Min" json:"min"`

	// Max is the upper edge of the interval
	Max float64 `yaml:"Max" json:"max"`
}

// Check returns true if v falls inside the interval, edges included
func (l Limiter) Check(v float64) bool {
	return v >= l.Min && v <= l.Max
}
