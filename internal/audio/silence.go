package audio

import "math"

// DefaultSilenceThresholdDBFS is the RMS level at or below which a buffer is
// treated as silence.
const DefaultSilenceThresholdDBFS = -65.0

type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// Measure computes RMS and peak levels of b.
func Measure(b Buffer) SilenceMetrics {
	if len(b.Samples) == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}
	}

	var peak, sumSquares float64
	for _, s := range b.Samples {
		v := float64(s)
		if abs := math.Abs(v); abs > peak {
			peak = abs
		}
		sumSquares += v * v
	}

	rms := math.Sqrt(sumSquares / float64(len(b.Samples)))
	return SilenceMetrics{
		RMSdBFS:  amplitudeToDBFS(rms),
		PeakdBFS: amplitudeToDBFS(peak),
		Samples:  int64(len(b.Samples)),
	}
}

// IsSilent reports whether b stays below thresholdDBFS. The peak may exceed
// the threshold by 6 dB so isolated clicks do not count as speech.
func IsSilent(b Buffer, thresholdDBFS float64) (bool, SilenceMetrics) {
	metrics := Measure(b)
	if metrics.Samples == 0 {
		return true, metrics
	}

	if math.IsInf(metrics.RMSdBFS, -1) && math.IsInf(metrics.PeakdBFS, -1) {
		return true, metrics
	}

	peakGate := thresholdDBFS + 6
	return metrics.RMSdBFS <= thresholdDBFS && metrics.PeakdBFS <= peakGate, metrics
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
