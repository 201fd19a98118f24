package minidaq

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// summarizeCapture computes the millivolt summary of a capture buffer
// against the given reference voltage. An empty buffer yields zeros.
func summarizeCapture(samples []RawType, vrefMilliVolts int) CaptureStats {
	if len(samples) == 0 {
		return CaptureStats{}
	}
	mv := make([]float64, len(samples))
	scale := float64(vrefMilliVolts) / float64(RawFullScale)
	for i, s := range samples {
		mv[i] = float64(s&RawFullScale) * scale
	}
	min := floats.Min(mv)
	max := floats.Max(mv)
	return CaptureStats{
		MeanMilliVolts:   stat.Mean(mv, nil),
		StdMilliVolts:    stat.StdDev(mv, nil),
		MinMilliVolts:    min,
		MaxMilliVolts:    max,
		PeakToPeakMilliV: max - min,
	}
}
