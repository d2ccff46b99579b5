package usecase

import "math"

// AggregateConfidence combines the extraction and classification signals into
// the document score. Entity and summary signals are not part of it.
func AggregateConfidence(extraction, classification float64) float64 {
	return (unitInterval(extraction) + unitInterval(classification)) / 2
}

func unitInterval(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
